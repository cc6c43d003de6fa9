// Package locate implements the download collaborator's surface over a
// directory of already-downloaded archives.
package locate

import (
	"fmt"
	"os"
	"path/filepath"

	"lodestone/internal/install"
	"lodestone/internal/manifest"
)

// DirLocator resolves archive ids to files under the downloads directory
// using the bundle's id → name mapping.
type DirLocator struct {
	dir      string
	names    map[string]string
	declared map[string]manifest.ArchiveRef
}

// NewDirLocator builds a locator for the given bundle and downloads dir.
func NewDirLocator(bundle *manifest.Bundle, downloadsDir string) *DirLocator {
	l := &DirLocator{
		dir:      downloadsDir,
		names:    make(map[string]string, len(bundle.Archives)),
		declared: make(map[string]manifest.ArchiveRef, len(bundle.Archives)),
	}
	for _, a := range bundle.Archives {
		l.names[a.ID] = a.Name
		l.declared[a.ID] = a
	}
	return l
}

func (l *DirLocator) Locate(archiveID string) (string, bool) {
	name, ok := l.names[archiveID]
	if !ok {
		return "", false
	}
	path := filepath.Join(l.dir, name)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

func (l *DirLocator) Verify(archiveID string) (install.VerifyResult, error) {
	path, ok := l.Locate(archiveID)
	if !ok {
		return install.VerifyResult{}, fmt.Errorf("archive %s not present", archiveID)
	}

	info, err := os.Stat(path)
	if err != nil {
		return install.VerifyResult{}, fmt.Errorf("stat archive: %w", err)
	}

	result := install.VerifyResult{OK: true, Size: info.Size()}
	if declared := l.declared[archiveID]; declared.Size > 0 && declared.Size != info.Size() {
		result.OK = false
	}
	result.Hash = l.declared[archiveID].Hash
	return result, nil
}

var _ install.Locator = (*DirLocator)(nil)
