package archive

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBA2RoundTrip(t *testing.T) {
	contents := map[string]string{
		`meshes\furniture\chair.nif`: "chair-mesh-bytes",
		`sound\fx\door.wav`:          "door-sound-bytes",
		`root.txt`:                   "root",
	}
	members := stageMembers(t, contents)

	path := filepath.Join(t.TempDir(), "out.ba2")
	if err := WriteBA2(path, members, BA2Options{}); err != nil {
		t.Fatalf("WriteBA2() error = %v", err)
	}

	if got := Detect(path); got != FormatBA2 {
		t.Fatalf("Detect = %v, want ba2", got)
	}

	r, err := OpenBA2(path)
	if err != nil {
		t.Fatalf("OpenBA2() error = %v", err)
	}
	defer r.Close()

	entries, err := r.Entries()
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(entries) != len(contents) {
		t.Fatalf("entries = %d, want %d", len(entries), len(contents))
	}
	for _, e := range entries {
		want, ok := contents[e.Path]
		if !ok {
			t.Errorf("unexpected entry %q", e.Path)
			continue
		}
		if e.Size != int64(len(want)) {
			t.Errorf("entry %q size = %d, want %d", e.Path, e.Size, len(want))
		}
	}

	dst := t.TempDir()
	result, err := r.Extract(dst, nil)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if result.Extracted != len(contents) {
		t.Errorf("Extracted = %d, want %d", result.Extracted, len(contents))
	}
	for archivePath, content := range contents {
		host := filepath.Join(dst, filepath.FromSlash(replaceBackslashes(archivePath)))
		got, err := os.ReadFile(host)
		if err != nil {
			t.Errorf("reading %s: %v", archivePath, err)
			continue
		}
		if string(got) != content {
			t.Errorf("%s content = %q, want %q", archivePath, got, content)
		}
	}
}

func TestBA2SelectiveExtract(t *testing.T) {
	members := stageMembers(t, map[string]string{
		`meshes\a.nif`: "aaa",
		`meshes\b.nif`: "bbb",
	})
	path := filepath.Join(t.TempDir(), "sel.ba2")
	if err := WriteBA2(path, members, BA2Options{}); err != nil {
		t.Fatalf("WriteBA2() error = %v", err)
	}

	r, err := OpenBA2(path)
	if err != nil {
		t.Fatalf("OpenBA2() error = %v", err)
	}
	defer r.Close()

	dst := t.TempDir()
	result, err := r.Extract(dst, map[string]struct{}{"meshes/b.nif": {}})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if result.Extracted != 1 {
		t.Errorf("Extracted = %d, want 1", result.Extracted)
	}
	if _, err := os.Stat(filepath.Join(dst, "meshes", "a.nif")); !os.IsNotExist(err) {
		t.Error("unwanted entry was extracted")
	}
}
