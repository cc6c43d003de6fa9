package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
)

// buildZip writes a zip fixture with the given entries.
func buildZip(t *testing.T, entries map[string]string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "fixture.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestZipEntries(t *testing.T) {
	path := buildZip(t, map[string]string{
		"Data/Textures/armor.dds": "texture-bytes",
		"readme.txt":              "hello",
	})

	r, err := OpenZip(path)
	if err != nil {
		t.Fatalf("OpenZip() error = %v", err)
	}
	defer r.Close()

	entries, err := r.Entries()
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}

	sizes := map[string]int64{}
	for _, e := range entries {
		sizes[e.Path] = e.Size
	}
	if sizes["readme.txt"] != 5 {
		t.Errorf("readme.txt size = %d, want 5", sizes["readme.txt"])
	}
}

func TestZipSelectiveExtract(t *testing.T) {
	path := buildZip(t, map[string]string{
		"Data/Textures/Armor.dds": "texture-bytes",
		"Data/Meshes/sword.nif":   "mesh-bytes",
		"readme.txt":              "hello",
	})

	r, err := OpenZip(path)
	if err != nil {
		t.Fatalf("OpenZip() error = %v", err)
	}
	defer r.Close()

	dst := t.TempDir()
	// Callers pass the wanted set in normalized form; matching is
	// case-insensitive against stored names.
	wanted := map[string]struct{}{
		"data/textures/armor.dds": {},
	}
	result, err := r.Extract(dst, wanted)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if result.Extracted != 1 {
		t.Errorf("Extracted = %d, want 1", result.Extracted)
	}
	if len(result.Failed) != 0 {
		t.Errorf("Failed = %v", result.Failed)
	}

	// Directory structure is preserved with the stored case.
	got, err := os.ReadFile(filepath.Join(dst, "Data", "Textures", "Armor.dds"))
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if string(got) != "texture-bytes" {
		t.Errorf("content = %q", got)
	}

	if _, err := os.Stat(filepath.Join(dst, "readme.txt")); !os.IsNotExist(err) {
		t.Error("unwanted entry was extracted")
	}
}

func TestZipExtractAll(t *testing.T) {
	path := buildZip(t, map[string]string{
		"a.txt":     "a",
		"dir/b.txt": "bb",
	})

	r, err := OpenZip(path)
	if err != nil {
		t.Fatalf("OpenZip() error = %v", err)
	}
	defer r.Close()

	dst := t.TempDir()
	result, err := r.Extract(dst, nil)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if result.Extracted != 2 {
		t.Errorf("Extracted = %d, want 2", result.Extracted)
	}
}

func TestDetect(t *testing.T) {
	zipPath := buildZip(t, map[string]string{"a.txt": "a"})
	if got := Detect(zipPath); got != FormatZip {
		t.Errorf("Detect(zip) = %v", got)
	}

	// Extension fallback for unreadable/short files.
	short := filepath.Join(t.TempDir(), "x.7z")
	if err := os.WriteFile(short, []byte("xx"), 0644); err != nil {
		t.Fatal(err)
	}
	if got := Detect(short); got != FormatSevenZip {
		t.Errorf("Detect(short .7z) = %v", got)
	}
}
