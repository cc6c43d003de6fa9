package archive

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pierrec/lz4/v4"

	"lodestone/internal/paths"
)

// Member is one file to pack into a synthetic archive. Path is the
// intra-archive path (either separator); Source is the host file holding the
// payload.
type Member struct {
	Path   string
	Source string
}

// BSAOptions configures synthetic BSA production.
type BSAOptions struct {
	Version      uint32 // 103, 104 or 105; 0 defaults to 105
	ArchiveFlags uint32
	FileFlags    uint32
	Compressed   bool
}

type bsaOutFile struct {
	name     string // file name only, archive case
	nameHash uint64
	data     []byte
	packed   bool // stored compressed
}

type bsaOutFolder struct {
	name  string // backslash path, archive case
	hash  uint64
	files []bsaOutFile
}

// WriteBSA assembles a BSA archive at path from the given members.
// Records are hash-sorted as the format requires; per-entry compression
// falls back to stored form when compression does not help.
func WriteBSA(path string, members []Member, opts BSAOptions) error {
	version := opts.Version
	if version == 0 {
		version = bsaVersionSSE
	}
	if version != bsaVersionOblivion && version != bsaVersionSkyrim && version != bsaVersionSSE {
		return fmt.Errorf("unsupported bsa version %d", version)
	}

	// Name tables are mandatory for the readers this archive feeds; the
	// embed-names variant is never produced.
	flags := opts.ArchiveFlags | bsaFlagDirNames | bsaFlagFileNames
	flags &^= bsaFlagEmbedFileNames | bsaFlagBigEndian
	if opts.Compressed {
		flags |= bsaFlagCompressed
	} else {
		flags &^= bsaFlagCompressed
	}

	folders, fileCount, err := collectBSAFolders(members, version, opts.Compressed)
	if err != nil {
		return err
	}

	var totalFolderNameLen, totalFileNameLen uint32
	for i := range folders {
		totalFolderNameLen += uint32(len(folders[i].name)) + 1
		for j := range folders[i].files {
			totalFileNameLen += uint32(len(folders[i].files[j].name)) + 1
		}
	}

	folderRecSize := 16
	if version == bsaVersionSSE {
		folderRecSize = 24
	}

	// Offsets: header, folder records, per-folder name+file records, file
	// name block, then data.
	dataStart := uint32(bsaHeaderSize)
	dataStart += uint32(folderRecSize * len(folders))
	for i := range folders {
		dataStart += uint32(1+len(folders[i].name)+1) + uint32(16*len(folders[i].files))
	}
	dataStart += totalFileNameLen

	if err := paths.EnsureParent(path); err != nil {
		return fmt.Errorf("creating parent dirs: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating bsa: %w", err)
	}
	w := bufio.NewWriterSize(f, 1<<20)

	le := binary.LittleEndian
	writeErr := func() error {
		// Header.
		w.WriteString(bsaMagic)
		binary.Write(w, le, version)
		binary.Write(w, le, uint32(bsaHeaderSize))
		binary.Write(w, le, flags)
		binary.Write(w, le, uint32(len(folders)))
		binary.Write(w, le, uint32(fileCount))
		binary.Write(w, le, totalFolderNameLen)
		binary.Write(w, le, totalFileNameLen)
		binary.Write(w, le, opts.FileFlags)

		// Folder records. Offsets point at each folder's name+file block,
		// biased by the total file name length per the format.
		blockOffset := uint32(bsaHeaderSize + folderRecSize*len(folders))
		for i := range folders {
			binary.Write(w, le, folders[i].hash)
			binary.Write(w, le, uint32(len(folders[i].files)))
			recordOffset := blockOffset + totalFileNameLen
			if version == bsaVersionSSE {
				binary.Write(w, le, uint32(0))
				binary.Write(w, le, uint64(recordOffset))
			} else {
				binary.Write(w, le, recordOffset)
			}
			blockOffset += uint32(1+len(folders[i].name)+1) + uint32(16*len(folders[i].files))
		}

		// Per-folder name + file records.
		dataOffset := dataStart
		for i := range folders {
			w.WriteByte(byte(len(folders[i].name) + 1))
			w.WriteString(folders[i].name)
			w.WriteByte(0)
			for j := range folders[i].files {
				file := &folders[i].files[j]
				size := uint32(len(file.data))
				// Bit 30 toggles the archive default for entries stored the
				// other way.
				if file.packed != opts.Compressed {
					size |= bsaSizeCompressBit
				}
				binary.Write(w, le, file.nameHash)
				binary.Write(w, le, size)
				binary.Write(w, le, dataOffset)
				dataOffset += uint32(len(file.data))
			}
		}

		// File name block.
		for i := range folders {
			for j := range folders[i].files {
				w.WriteString(folders[i].files[j].name)
				w.WriteByte(0)
			}
		}

		// Data blocks.
		for i := range folders {
			for j := range folders[i].files {
				if _, err := w.Write(folders[i].files[j].data); err != nil {
					return err
				}
			}
		}

		return w.Flush()
	}()

	if writeErr != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("writing bsa: %w", writeErr)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("closing bsa: %w", err)
	}
	return nil
}

// collectBSAFolders reads member payloads, compresses where configured, and
// groups them into hash-sorted folder records.
func collectBSAFolders(members []Member, version uint32, compress bool) ([]bsaOutFolder, int, error) {
	byFolder := make(map[string]*bsaOutFolder)
	fileCount := 0

	for _, m := range members {
		archivePath := strings.ReplaceAll(m.Path, "/", `\`)
		folderName := ""
		fileName := archivePath
		if idx := strings.LastIndexByte(archivePath, '\\'); idx >= 0 {
			folderName = archivePath[:idx]
			fileName = archivePath[idx+1:]
		}
		if fileName == "" {
			return nil, 0, fmt.Errorf("member %q has no file name", m.Path)
		}

		raw, err := os.ReadFile(m.Source)
		if err != nil {
			return nil, 0, fmt.Errorf("reading member %s: %w", m.Path, err)
		}

		out := bsaOutFile{
			name:     fileName,
			nameHash: tes4Hash(fileName),
		}
		if compress {
			packed, err := bsaCompress(raw, version)
			if err != nil {
				return nil, 0, fmt.Errorf("compressing member %s: %w", m.Path, err)
			}
			if len(packed) < len(raw) {
				out.data = packed
				out.packed = true
			} else {
				out.data = raw
			}
		} else {
			out.data = raw
		}

		key := strings.ToLower(folderName)
		folder, ok := byFolder[key]
		if !ok {
			folder = &bsaOutFolder{name: folderName, hash: tes4Hash(folderName)}
			byFolder[key] = folder
		}
		folder.files = append(folder.files, out)
		fileCount++
	}

	folders := make([]bsaOutFolder, 0, len(byFolder))
	for _, folder := range byFolder {
		sort.Slice(folder.files, func(i, j int) bool {
			return folder.files[i].nameHash < folder.files[j].nameHash
		})
		folders = append(folders, *folder)
	}
	sort.Slice(folders, func(i, j int) bool {
		return folders[i].hash < folders[j].hash
	})

	return folders, fileCount, nil
}

// bsaCompress produces a compressed data block: u32 original size followed
// by the zlib (v103/104) or lz4 frame (v105) payload.
func bsaCompress(raw []byte, version uint32) ([]byte, error) {
	var buf bytes.Buffer
	var sizeField [4]byte
	binary.LittleEndian.PutUint32(sizeField[:], uint32(len(raw)))
	buf.Write(sizeField[:])

	if version == bsaVersionSSE {
		lw := lz4.NewWriter(&buf)
		if _, err := lw.Write(raw); err != nil {
			return nil, err
		}
		if err := lw.Close(); err != nil {
			return nil, err
		}
	} else {
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
