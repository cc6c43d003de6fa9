package locate

import (
	"os"
	"path/filepath"
	"testing"

	"lodestone/internal/manifest"
)

func testBundle() *manifest.Bundle {
	return &manifest.Bundle{
		Archives: []manifest.ArchiveRef{
			{ID: "aaa", Name: "mod-a.zip", Size: 5},
			{ID: "bbb", Name: "mod-b.7z", Size: 100},
		},
	}
}

func TestLocate(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "mod-a.zip"), []byte("12345"), 0644); err != nil {
		t.Fatal(err)
	}

	l := NewDirLocator(testBundle(), dir)

	path, ok := l.Locate("aaa")
	if !ok {
		t.Fatal("expected to locate archive aaa")
	}
	if path != filepath.Join(dir, "mod-a.zip") {
		t.Errorf("path = %q", path)
	}

	if _, ok := l.Locate("bbb"); ok {
		t.Error("archive bbb is not on disk")
	}
	if _, ok := l.Locate("unknown"); ok {
		t.Error("unknown id must not resolve")
	}
}

func TestVerify(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "mod-a.zip"), []byte("12345"), 0644); err != nil {
		t.Fatal(err)
	}

	l := NewDirLocator(testBundle(), dir)

	result, err := l.Verify("aaa")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !result.OK || result.Size != 5 {
		t.Errorf("result = %+v", result)
	}

	// Declared size mismatch fails verification.
	if err := os.WriteFile(filepath.Join(dir, "mod-b.7z"), []byte("short"), 0644); err != nil {
		t.Fatal(err)
	}
	result, err = l.Verify("bbb")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if result.OK {
		t.Error("size mismatch must fail verification")
	}
}
