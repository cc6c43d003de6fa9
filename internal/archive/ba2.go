package archive

import (
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"lodestone/internal/paths"
)

// BA2 binary layout constants.
const (
	ba2Magic     = "BTDX"
	ba2TypeGNRL  = "GNRL"
	ba2TypeDX10  = "DX10"
	ba2AlignWord = 0xBAADF00D
)

type ba2FileRecord struct {
	name         string
	dataOffset   uint64
	packedSize   uint32
	unpackedSize uint32
}

// BA2Reader reads general-format BA2 archives. Versions 1, 7 and 8 carry
// zlib-packed payloads; versions 2 and 3 are the newer layout where version
// 3 swaps the codec to zstd.
type BA2Reader struct {
	f       *os.File
	path    string
	version uint32
	useZstd bool
	files   []ba2FileRecord
}

// OpenBA2 opens a BA2 archive and parses its record table.
func OpenBA2(path string) (*BA2Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening ba2 %s: %w", path, err)
	}

	r := &BA2Reader{f: f, path: path}
	if err := r.parse(); err != nil {
		f.Close()
		return nil, fmt.Errorf("parsing ba2 %s: %w", path, err)
	}
	return r, nil
}

func (b *BA2Reader) parse() error {
	br := bufReader{r: b.f}

	magic, err := br.bytes(4)
	if err != nil {
		return fmt.Errorf("reading magic: %w", err)
	}
	if string(magic) != ba2Magic {
		return fmt.Errorf("bad magic")
	}

	version, err := br.u32()
	if err != nil {
		return err
	}
	b.version = version

	kind, err := br.bytes(4)
	if err != nil {
		return err
	}
	switch string(kind) {
	case ba2TypeGNRL:
	case ba2TypeDX10:
		return fmt.Errorf("texture (DX10) ba2 not supported")
	default:
		return fmt.Errorf("unknown ba2 type %q", kind)
	}

	fileCount, err := br.u32()
	if err != nil {
		return err
	}
	nameTableOffset, err := br.bytes(8)
	if err != nil {
		return err
	}
	nameTableOff := binary.LittleEndian.Uint64(nameTableOffset)

	// Later header revisions append fields before the record table.
	switch version {
	case 1, 7, 8:
	case 2:
		if _, err := br.skip(8); err != nil {
			return err
		}
	case 3:
		if _, err := br.skip(8); err != nil {
			return err
		}
		codec, err := br.u32()
		if err != nil {
			return err
		}
		b.useZstd = codec == 3
	default:
		return fmt.Errorf("unsupported ba2 version %d", version)
	}

	b.files = make([]ba2FileRecord, fileCount)
	for i := range b.files {
		rec := make([]byte, 36)
		if _, err := io.ReadFull(b.f, rec); err != nil {
			return fmt.Errorf("file record %d: %w", i, err)
		}
		// nameHash u32, ext [4], dirHash u32, flags u32 precede the layout
		// fields the reader needs.
		b.files[i].dataOffset = binary.LittleEndian.Uint64(rec[16:24])
		b.files[i].packedSize = binary.LittleEndian.Uint32(rec[24:28])
		b.files[i].unpackedSize = binary.LittleEndian.Uint32(rec[28:32])
	}

	// Name table: u16-length-prefixed full paths, one per record.
	if _, err := b.f.Seek(int64(nameTableOff), io.SeekStart); err != nil {
		return fmt.Errorf("seeking name table: %w", err)
	}
	nr := bufReader{r: b.f}
	for i := range b.files {
		lenBytes, err := nr.bytes(2)
		if err != nil {
			return fmt.Errorf("name table entry %d: %w", i, err)
		}
		nameLen := binary.LittleEndian.Uint16(lenBytes)
		name, err := nr.bytes(int(nameLen))
		if err != nil {
			return fmt.Errorf("name table entry %d: %w", i, err)
		}
		b.files[i].name = string(name)
	}

	return nil
}

func (b *BA2Reader) Entries() ([]Entry, error) {
	entries := make([]Entry, 0, len(b.files))
	for i := range b.files {
		entries = append(entries, Entry{
			Path: b.files[i].name,
			Size: int64(b.files[i].unpackedSize),
		})
	}
	return entries, nil
}

func (b *BA2Reader) Extract(dstDir string, wanted map[string]struct{}) (ExtractResult, error) {
	var result ExtractResult
	for i := range b.files {
		rec := &b.files[i]
		if wanted != nil {
			if _, need := wanted[paths.Normalize(rec.name)]; !need {
				continue
			}
		}

		if err := b.extractOne(dstDir, rec); err != nil {
			result.Failed = append(result.Failed, EntryFailure{Path: rec.name, Err: err})
			continue
		}
		result.Extracted++
	}
	return result, nil
}

func (b *BA2Reader) extractOne(dstDir string, rec *ba2FileRecord) error {
	dst, err := entryDest(dstDir, rec.name)
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
// packedSize zero means the payload is stored raw.
func (b *BA2Reader) open(rec *ba2FileRecord) (io.ReadCloser, error) {
	if rec.packedSize == 0 {
		return io.NopCloser(io.NewSectionReader(b.f, int64(rec.dataOffset), int64(rec.unpackedSize))), nil
	}

	section := io.NewSectionReader(b.f, int64(rec.dataOffset), int64(rec.packedSize))
	if b.useZstd {
		zr, err := zstd.NewReader(section)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return zr.IOReadCloser(), nil
	}
	zr, err := zlib.NewReader(section)
	if err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}
	return zr, nil
}

func (b *BA2Reader) Close() error {
	return b.f.Close()
}
