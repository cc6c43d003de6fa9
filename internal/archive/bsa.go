package archive

import (
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pierrec/lz4/v4"

	"lodestone/internal/paths"
)

// BSA (TES4-lineage) binary layout constants.
const (
	bsaHeaderSize = 36
	bsaMagic      = "BSA\x00"

	bsaVersionOblivion = 103
	bsaVersionSkyrim   = 104
	bsaVersionSSE      = 105

	bsaFlagDirNames       = 0x1
	bsaFlagFileNames      = 0x2
	bsaFlagCompressed     = 0x4
	bsaFlagBigEndian      = 0x40
	bsaFlagEmbedFileNames = 0x100

	// Bit 30 of a file record's size toggles the archive's default
	// compression for that entry.
	bsaSizeCompressBit = 0x40000000
	bsaSizeMask        = 0x3FFFFFFF
)

type bsaFileRecord struct {
	folder     string
	name       string
	dataSize   uint32
	dataOffset uint32
	compressed bool
}

// BSAReader reads BSA archives (versions 103–105). Header and record tables
// are parsed up front; payloads are read on demand through an os.File
// ReaderAt so extraction can run without buffering whole entries.
type BSAReader struct {
	f       *os.File
	path    string
	version uint32
	flags   uint32
	files   []bsaFileRecord
}

// OpenBSA opens a BSA archive and parses its record tables.
func OpenBSA(path string) (*BSAReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening bsa %s: %w", path, err)
	}

	r := &BSAReader{f: f, path: path}
	if err := r.parse(); err != nil {
		f.Close()
		return nil, fmt.Errorf("parsing bsa %s: %w", path, err)
	}
	return r, nil
}

func (b *BSAReader) parse() error {
	header := make([]byte, bsaHeaderSize)
	if _, err := io.ReadFull(b.f, header); err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	if string(header[0:4]) != bsaMagic {
		return fmt.Errorf("bad magic")
	}

	b.version = binary.LittleEndian.Uint32(header[4:8])
	if b.version != bsaVersionOblivion && b.version != bsaVersionSkyrim && b.version != bsaVersionSSE {
		return fmt.Errorf("unsupported bsa version %d", b.version)
	}
	b.flags = binary.LittleEndian.Uint32(header[12:16])
	if b.flags&bsaFlagBigEndian != 0 {
		return fmt.Errorf("big-endian bsa not supported")
	}
	if b.flags&bsaFlagDirNames == 0 || b.flags&bsaFlagFileNames == 0 {
		return fmt.Errorf("bsa without name tables not supported")
	}

	folderCount := binary.LittleEndian.Uint32(header[16:20])
	fileCount := binary.LittleEndian.Uint32(header[20:24])
	totalFileNameLen := binary.LittleEndian.Uint32(header[28:32])

	br := bufReader{r: b.f}

	// Folder records: v105 widened the offset field to 64 bits.
	type folderRec struct {
		count uint32
	}
	folders := make([]folderRec, folderCount)
	for i := range folders {
		if _, err := br.skip(8); err != nil { // name hash
			return fmt.Errorf("folder record %d: %w", i, err)
		}
		count, err := br.u32()
		if err != nil {
			return fmt.Errorf("folder record %d: %w", i, err)
		}
		folders[i].count = count
		skip := 4 // u32 offset
		if b.version == bsaVersionSSE {
			skip = 12 // u32 padding + u64 offset
		}
		if _, err := br.skip(skip); err != nil {
			return fmt.Errorf("folder record %d: %w", i, err)
		}
	}

	// Per-folder blocks: bzstring folder name + file records.
	b.files = make([]bsaFileRecord, 0, fileCount)
	for i := range folders {
		nameLen, err := br.u8()
		if err != nil {
			return fmt.Errorf("folder name %d: %w", i, err)
		}
		raw, err := br.bytes(int(nameLen))
		if err != nil {
			return fmt.Errorf("folder name %d: %w", i, err)
		}
		folderName := strings.TrimRight(string(raw), "\x00")

		for j := uint32(0); j < folders[i].count; j++ {
			if _, err := br.skip(8); err != nil { // file name hash
				return fmt.Errorf("file record: %w", err)
			}
			size, err := br.u32()
			if err != nil {
				return fmt.Errorf("file record: %w", err)
			}
			offset, err := br.u32()
			if err != nil {
				return fmt.Errorf("file record: %w", err)
			}

			compressed := b.flags&bsaFlagCompressed != 0
			if size&bsaSizeCompressBit != 0 {
				compressed = !compressed
			}
			b.files = append(b.files, bsaFileRecord{
				folder:     folderName,
				dataSize:   size & bsaSizeMask,
				dataOffset: offset,
				compressed: compressed,
			})
		}
	}

	// File name block: null-terminated names in folder order.
	if len(b.files) == 0 {
		return nil
	}
	nameBlock, err := br.bytes(int(totalFileNameLen))
	if err != nil {
		return fmt.Errorf("file name block: %w", err)
	}
	names := strings.Split(strings.TrimRight(string(nameBlock), "\x00"), "\x00")
	if len(names) != len(b.files) {
		return fmt.Errorf("file name count %d does not match file count %d", len(names), len(b.files))
	}
	for i := range b.files {
		b.files[i].name = names[i]
	}

	return nil
}

// fullPath returns the entry path in archive convention (backslashes).
func (r *bsaFileRecord) fullPath() string {
	if r.folder == "" {
		return r.name
	}
	return r.folder + `\` + r.name
}

func (b *BSAReader) Entries() ([]Entry, error) {
	entries := make([]Entry, 0, len(b.files))
	for i := range b.files {
		size, err := b.uncompressedSize(&b.files[i])
		if err != nil {
			return nil, fmt.Errorf("sizing %s: %w", b.files[i].fullPath(), err)
		}
		entries = append(entries, Entry{Path: b.files[i].fullPath(), Size: size})
	}
	return entries, nil
}

// uncompressedSize reads the stored original-size prefix for compressed
// entries; uncompressed entries answer from the record alone.
func (b *BSAReader) uncompressedSize(rec *bsaFileRecord) (int64, error) {
	size := int64(rec.dataSize)
	offset := int64(rec.dataOffset)
	if b.flags&bsaFlagEmbedFileNames != 0 {
		nameLen, err := b.embeddedNameLen(offset)
		if err != nil {
			return 0, err
		}
		size -= int64(nameLen) + 1
		offset += int64(nameLen) + 1
	}
	if !rec.compressed {
		return size, nil
	}
	var buf [4]byte
	if _, err := b.f.ReadAt(buf[:], offset); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint32(buf[:])), nil
}

func (b *BSAReader) embeddedNameLen(offset int64) (byte, error) {
	var buf [1]byte
	if _, err := b.f.ReadAt(buf[:], offset); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (b *BSAReader) Extract(dstDir string, wanted map[string]struct{}) (ExtractResult, error) {
	var result ExtractResult
	for i := range b.files {
		rec := &b.files[i]
		if wanted != nil {
			if _, need := wanted[paths.Normalize(rec.fullPath())]; !need {
				continue
			}
		}

		if err := b.extractOne(dstDir, rec); err != nil {
			result.Failed = append(result.Failed, EntryFailure{Path: rec.fullPath(), Err: err})
			continue
		}
		result.Extracted++
	}
	return result, nil
}

func (b *BSAReader) extractOne(dstDir string, rec *bsaFileRecord) error {
	dst, err := entryDest(dstDir, rec.fullPath())
	if err != nil {
		return err
	}
	r, err := b.open(rec)
	if err != nil {
		return err
	}
	defer r.Close()
	return writeEntry(dst, r)
}

// open returns a streaming reader over one entry's uncompressed payload.
func (b *BSAReader) open(rec *bsaFileRecord) (io.ReadCloser, error) {
	size := int64(rec.dataSize)
	offset := int64(rec.dataOffset)
	if b.flags&bsaFlagEmbedFileNames != 0 {
		nameLen, err := b.embeddedNameLen(offset)
		if err != nil {
			return nil, err
		}
		size -= int64(nameLen) + 1
		offset += int64(nameLen) + 1
	}

	if !rec.compressed {
		return io.NopCloser(io.NewSectionReader(b.f, offset, size)), nil
	}

	// Compressed payload: u32 original size, then zlib (v103/104) or an
	// lz4 frame (v105).
	section := io.NewSectionReader(b.f, offset+4, size-4)
	if b.version == bsaVersionSSE {
		return io.NopCloser(lz4.NewReader(section)), nil
	}
	zr, err := zlib.NewReader(section)
	if err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}
	return zr, nil
}

func (b *BSAReader) Close() error {
	return b.f.Close()
}

// bufReader is a small sequential little-endian reader used for record
// table parsing.
type bufReader struct {
	r io.Reader
}

func (b *bufReader) bytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(b.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (b *bufReader) skip(n int) (int64, error) {
	return io.CopyN(io.Discard, b.r, int64(n))
}

func (b *bufReader) u8() (byte, error) {
	buf, err := b.bytes(1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (b *bufReader) u32() (uint32, error) {
	buf, err := b.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

