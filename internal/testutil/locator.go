package testutil

import (
	"fmt"
	"os"

	"lodestone/internal/install"
)

// FakeLocator serves archives from an in-memory id → path map.
type FakeLocator struct {
	Paths map[string]string
}

// NewFakeLocator creates an empty FakeLocator.
func NewFakeLocator() *FakeLocator {
	return &FakeLocator{Paths: make(map[string]string)}
}

// Add registers an archive path under the given id.
func (l *FakeLocator) Add(archiveID, path string) {
	l.Paths[archiveID] = path
}

func (l *FakeLocator) Locate(archiveID string) (string, bool) {
	p, ok := l.Paths[archiveID]
	return p, ok
}

func (l *FakeLocator) Verify(archiveID string) (install.VerifyResult, error) {
	p, ok := l.Paths[archiveID]
	if !ok {
		return install.VerifyResult{}, fmt.Errorf("archive %s not registered", archiveID)
	}
	info, err := os.Stat(p)
	if err != nil {
		return install.VerifyResult{}, err
	}
	return install.VerifyResult{OK: true, Size: info.Size()}, nil
}

var _ install.Locator = (*FakeLocator)(nil)

// FakePluginSorter returns plugins in a fixed order, or input order when no
// fixed order is configured.
type FakePluginSorter struct {
	Order []string
}

func (s *FakePluginSorter) Sort(gameType string, searchDirs []string, plugins []string) ([]string, error) {
	if s.Order != nil {
		return append([]string(nil), s.Order...), nil
	}
	return append([]string(nil), plugins...), nil
}

var _ install.PluginSorter = (*FakePluginSorter)(nil)
