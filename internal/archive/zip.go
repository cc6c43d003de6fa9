package archive

import (
	"fmt"

	"github.com/klauspost/compress/zip"

	"lodestone/internal/paths"
)

// ZipReader reads ZIP archives through the central directory, so
// enumeration and selective extraction never touch unneeded payloads.
type ZipReader struct {
	rc   *zip.ReadCloser
	path string
}

// OpenZip opens a ZIP archive.
func OpenZip(path string) (*ZipReader, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening zip %s: %w", path, err)
	}
	return &ZipReader{rc: rc, path: path}, nil
}

func (z *ZipReader) Entries() ([]Entry, error) {
	entries := make([]Entry, 0, len(z.rc.File))
	for _, f := range z.rc.File {
		if f.FileInfo().IsDir() {
			continue
		}
		entries = append(entries, Entry{
			Path: f.Name,
			Size: int64(f.UncompressedSize64),
		})
	}
	return entries, nil
}

func (z *ZipReader) Extract(dstDir string, wanted map[string]struct{}) (ExtractResult, error) {
	var result ExtractResult
	for _, f := range z.rc.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if wanted != nil {
			if _, need := wanted[paths.Normalize(f.Name)]; !need {
				continue
			}
		}

		if err := z.extractOne(dstDir, f); err != nil {
			result.Failed = append(result.Failed, EntryFailure{Path: f.Name, Err: err})
			continue
		}
		result.Extracted++
	}
	return result, nil
}

func (z *ZipReader) extractOne(dstDir string, f *zip.File) error {
	dst, err := entryDest(dstDir, f.Name)
	if err != nil {
		return err
	}
	r, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening entry: %w", err)
	}
	defer r.Close()
	return writeEntry(dst, r)
}

func (z *ZipReader) Close() error {
	return z.rc.Close()
}
