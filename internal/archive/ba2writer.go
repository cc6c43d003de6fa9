package archive

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"lodestone/internal/paths"
)

// BA2Options configures synthetic BA2 production. Only the general (GNRL)
// layout is produced; payloads are stored raw, which every reader of the
// format accepts.
type BA2Options struct {
	Version uint32 // 0 defaults to 1
}

// WriteBA2 assembles a general-format BA2 archive at path from the given
// members.
func WriteBA2(path string, members []Member, opts BA2Options) error {
	version := opts.Version
	switch version {
	case 0:
		version = 1
	case 1, 7, 8:
	default:
		return fmt.Errorf("unsupported ba2 version %d for writing", version)
	}

	type outFile struct {
		name string // backslash path, archive case
		data []byte
	}
	files := make([]outFile, 0, len(members))
	for _, m := range members {
		data, err := os.ReadFile(m.Source)
		if err != nil {
			return fmt.Errorf("reading member %s: %w", m.Path, err)
		}
		files = append(files, outFile{
			name: strings.ReplaceAll(m.Path, "/", `\`),
			data: data,
		})
	}

	const headerSize = 24
	const recordSize = 36
	dataStart := uint64(headerSize + recordSize*len(files))

	nameTableOffset := dataStart
	for i := range files {
		nameTableOffset += uint64(len(files[i].data))
	}

	if err := paths.EnsureParent(path); err != nil {
		return fmt.Errorf("creating parent dirs: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating ba2: %w", err)
	}
	w := bufio.NewWriterSize(f, 1<<20)

	le := binary.LittleEndian
	writeErr := func() error {
		w.WriteString(ba2Magic)
		binary.Write(w, le, version)
		w.WriteString(ba2TypeGNRL)
		binary.Write(w, le, uint32(len(files)))
		binary.Write(w, le, nameTableOffset)

		offset := dataStart
		for i := range files {
			name := files[i].name
			base := paths.FileName(name)
			dir := ""
			if idx := strings.LastIndexByte(name, '\\'); idx >= 0 {
				dir = name[:idx]
			}
			ext := ""
			if idx := strings.LastIndexByte(base, '.'); idx >= 0 {
				ext = strings.ToLower(base[idx+1:])
				base = base[:idx]
			}
			var extField [4]byte
			copy(extField[:], ext)

			binary.Write(w, le, ba2NameHash(base))
			w.Write(extField[:])
			binary.Write(w, le, ba2NameHash(dir))
			binary.Write(w, le, uint32(0)) // flags
			binary.Write(w, le, offset)
			binary.Write(w, le, uint32(0)) // packed size: stored raw
			binary.Write(w, le, uint32(len(files[i].data)))
			binary.Write(w, le, uint32(ba2AlignWord))

			offset += uint64(len(files[i].data))
		}

		for i := range files {
			if _, err := w.Write(files[i].data); err != nil {
				return err
			}
		}

		for i := range files {
			binary.Write(w, le, uint16(len(files[i].name)))
			w.WriteString(files[i].name)
		}

		return w.Flush()
	}()

	if writeErr != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("writing ba2: %w", writeErr)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("closing ba2: %w", err)
	}
	return nil
}
