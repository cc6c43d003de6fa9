// Package testutil provides shared fakes and fixture builders for tests.
package testutil

import (
	"path/filepath"
	"testing"

	"lodestone/internal/index"
	"lodestone/internal/install"
)

// NewTestIndex creates a file-backed archive index in a temp directory with
// schema applied. The index is closed when the test completes.
func NewTestIndex(t *testing.T) install.Index {
	t.Helper()

	idx, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("failed to open index: %v", err)
	}
	t.Cleanup(func() {
		idx.Close()
	})
	return idx
}
