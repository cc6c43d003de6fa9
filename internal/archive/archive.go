// Package archive reads and writes the container formats a modding bundle
// uses: member archives (ZIP, 7z, RAR) and game archives (BSA, BA2), plus
// synthetic BSA/BA2 production for the repack phase.
package archive

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"lodestone/internal/paths"
)

// Format identifies a container format.
type Format int

const (
	FormatUnknown Format = iota
	FormatZip
	FormatSevenZip
	FormatRar
	FormatBSA
	FormatBA2
)

func (f Format) String() string {
	switch f {
	case FormatZip:
		return "zip"
	case FormatSevenZip:
		return "7z"
	case FormatRar:
		return "rar"
	case FormatBSA:
		return "bsa"
	case FormatBA2:
		return "ba2"
	default:
		return "unknown"
	}
}

// RandomAccess reports whether the format supports cheap extraction of
// individual entries. Solid 7z and RAR decompress sequentially, so pulling a
// few entries costs nearly as much as pulling all of them.
func (f Format) RandomAccess() bool {
	switch f {
	case FormatZip, FormatBSA, FormatBA2:
		return true
	default:
		return false
	}
}

// Entry is one file inside an archive. Size is the uncompressed payload size.
type Entry struct {
	Path string
	Size int64
}

// EntryFailure records a per-entry extraction error. The reader skips the
// entry and continues; only enumeration failures abort the archive.
type EntryFailure struct {
	Path string
	Err  error
}

// ExtractResult summarizes one extraction pass.
type ExtractResult struct {
	Extracted int
	Failed    []EntryFailure
}

// Reader provides uniform access to one archive.
type Reader interface {
	// Entries enumerates {path, size} without extracting payloads.
	Entries() ([]Entry, error)

	// Extract writes entries under dstDir, preserving intra-archive
	// directory structure. wanted holds normalized paths to restrict the
	// pass; nil extracts everything. Unrecoverable per-entry errors are
	// reported in the result and do not abort the archive.
	Extract(dstDir string, wanted map[string]struct{}) (ExtractResult, error)

	Close() error
}

var magics = []struct {
	magic  []byte
	format Format
}{
	{[]byte{0x50, 0x4B, 0x03, 0x04}, FormatZip},
	{[]byte{0x50, 0x4B, 0x05, 0x06}, FormatZip}, // empty zip
	{[]byte{0x37, 0x7A, 0xBC, 0xAF, 0x27, 0x1C}, FormatSevenZip},
	{[]byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07}, FormatRar},
	{[]byte("BSA\x00"), FormatBSA},
	{[]byte("BTDX"), FormatBA2},
}

// Detect sniffs the format from the file's magic bytes, falling back to the
// extension for files too short to sniff.
func Detect(path string) Format {
	f, err := os.Open(path)
	if err == nil {
		defer f.Close()
		var head [8]byte
		if n, _ := io.ReadFull(f, head[:]); n >= 4 {
			for _, m := range magics {
				if n >= len(m.magic) && bytes.Equal(head[:len(m.magic)], m.magic) {
					return m.format
				}
			}
		}
	}

	switch strings.ToLower(paths.Ext(path)) {
	case "zip":
		return FormatZip
	case "7z":
		return FormatSevenZip
	case "rar":
		return FormatRar
	case "bsa":
		return FormatBSA
	case "ba2":
		return FormatBA2
	default:
		return FormatUnknown
	}
}

// Open opens path with the reader for its detected format.
func Open(path string) (Reader, Format, error) {
	format := Detect(path)
	var (
		r   Reader
		err error
	)
	switch format {
	case FormatZip:
		r, err = OpenZip(path)
	case FormatSevenZip:
		r, err = OpenSevenZip(path)
	case FormatRar:
		r, err = OpenRar(path)
	case FormatBSA:
		r, err = OpenBSA(path)
	case FormatBA2:
		r, err = OpenBA2(path)
	default:
		return nil, format, fmt.Errorf("unrecognized archive format: %s", path)
	}
	if err != nil {
		return nil, format, err
	}
	return r, format, nil
}

// entryDest resolves an entry's output path under dstDir, rejecting paths
// that would escape it.
func entryDest(dstDir, entryPath string) (string, error) {
	host := paths.ToHost(entryPath)
	if strings.Contains(host, "..") {
		for _, part := range strings.Split(host, "/") {
			if part == ".." {
				return "", fmt.Errorf("entry path escapes destination: %s", entryPath)
			}
		}
	}
	return paths.JoinHost(dstDir, entryPath), nil
}

// writeEntry streams one entry payload to its destination file.
func writeEntry(dst string, r io.Reader) error {
	if err := paths.EnsureParent(dst); err != nil {
		return err
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(dst)
		return err
	}
	return f.Close()
}
