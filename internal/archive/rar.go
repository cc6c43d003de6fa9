package archive

import (
	"errors"
	"fmt"
	"io"

	"github.com/nwaples/rardecode/v2"

	"lodestone/internal/paths"
)

// RarReader reads RAR archives. The format decodes as a stream, so each pass
// reopens the file and walks headers in order; enumeration reads headers
// only.
type RarReader struct {
	path string
}

// OpenRar opens a RAR archive, validating that its headers parse.
func OpenRar(path string) (*RarReader, error) {
	rc, err := rardecode.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening rar %s: %w", path, err)
	}
	rc.Close()
	return &RarReader{path: path}, nil
}

func (r *RarReader) Entries() ([]Entry, error) {
	rc, err := rardecode.OpenReader(r.path)
	if err != nil {
		return nil, fmt.Errorf("opening rar %s: %w", r.path, err)
	}
	defer rc.Close()

	var entries []Entry
	for {
		hdr, err := rc.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading rar header: %w", err)
		}
		if hdr.IsDir {
			continue
		}
		entries = append(entries, Entry{Path: hdr.Name, Size: hdr.UnPackedSize})
	}
	return entries, nil
}

func (r *RarReader) Extract(dstDir string, wanted map[string]struct{}) (ExtractResult, error) {
	var result ExtractResult

	rc, err := rardecode.OpenReader(r.path)
	if err != nil {
		return result, fmt.Errorf("opening rar %s: %w", r.path, err)
	}
	defer rc.Close()

	for {
		hdr, err := rc.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return result, fmt.Errorf("reading rar header: %w", err)
		}
		if hdr.IsDir {
			continue
		}
		if wanted != nil {
			if _, need := wanted[paths.Normalize(hdr.Name)]; !need {
				continue
			}
		}

		dst, derr := entryDest(dstDir, hdr.Name)
		if derr != nil {
			result.Failed = append(result.Failed, EntryFailure{Path: hdr.Name, Err: derr})
			continue
		}
		if werr := writeEntry(dst, rc); werr != nil {
			result.Failed = append(result.Failed, EntryFailure{Path: hdr.Name, Err: werr})
			continue
		}
		result.Extracted++
	}
	return result, nil
}

func (r *RarReader) Close() error { return nil }
