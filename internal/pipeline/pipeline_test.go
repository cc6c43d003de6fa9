package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"lodestone/internal/archive"
	"lodestone/internal/install"
	"lodestone/internal/manifest"
	"lodestone/internal/testutil"
)

func newTestPipeline(t *testing.T) (*Pipeline, install.Index, *testutil.FakeLocator, string) {
	t.Helper()

	out := t.TempDir()
	idx := testutil.NewTestIndex(t)
	loc := testutil.NewFakeLocator()
	p := New(Config{
		OutputDir:    out,
		Workers:      4,
		PollInterval: 5 * time.Millisecond,
	}, idx, loc, install.NewNopLogger())
	return p, idx, loc, out
}

func readOutput(t *testing.T, out, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(out, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("reading output %s: %v", rel, err)
	}
	return string(data)
}

func TestRunSimpleExtraction(t *testing.T) {
	p, idx, loc, out := newTestPipeline(t)

	zipPath := testutil.BuildZip(t, map[string]string{
		"Data/Textures/Armor.dds": "texture-bytes",
		"Data/Meshes/sword.nif":   "mesh-bytes-xx",
		"readme.txt":              "hello",
	})
	loc.Add("arch-a", zipPath)

	bundle := &manifest.Bundle{
		GameType: "SkyrimSE",
		Archives: []manifest.ArchiveRef{{ID: "arch-a", Name: "a.zip"}},
		Directive: []manifest.Directive{
			{ID: 1, Kind: manifest.KindFromArchive, To: `textures\Armor.dds`, Size: 13,
				ArchiveHashPath: []string{"arch-a", `Data\Textures\Armor.dds`}},
			{ID: 2, Kind: manifest.KindFromArchive, To: `meshes\sword.nif`, Size: 13,
				ArchiveHashPath: []string{"arch-a", "data/meshes/SWORD.NIF"}},
		},
	}

	summary, err := p.Run(bundle)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Partial() {
		t.Fatalf("unexpected failures: %+v", summary.Failures)
	}

	if got := readOutput(t, out, "textures/Armor.dds"); got != "texture-bytes" {
		t.Errorf("armor content = %q", got)
	}
	if got := readOutput(t, out, "meshes/sword.nif"); got != "mesh-bytes-xx" {
		t.Errorf("sword content = %q", got)
	}

	for _, id := range []int64{1, 2} {
		status, err := idx.Status(id)
		if err != nil {
			t.Fatal(err)
		}
		if status != install.StatusDone {
			t.Errorf("directive %d status = %v, want done", id, status)
		}
	}

	// Temp tree is removed once the mover drains the archive's dependents.
	if _, err := os.Stat(filepath.Join(out, TempDirName, "arch-a")); !os.IsNotExist(err) {
		t.Error("temp dir should be cleaned up")
	}
}

func TestRunWholeArchiveArtifact(t *testing.T) {
	p, _, loc, out := newTestPipeline(t)

	// The "archive" is a plain file whose size matches the directive: the
	// file itself is the artifact.
	dllPath := filepath.Join(t.TempDir(), "plugin.dll")
	if err := os.WriteFile(dllPath, []byte("native-code"), 0644); err != nil {
		t.Fatal(err)
	}
	loc.Add("arch-dll", dllPath)

	bundle := &manifest.Bundle{
		GameType: "SkyrimSE",
		Archives: []manifest.ArchiveRef{{ID: "arch-dll", Name: "plugin.dll"}},
		Directive: []manifest.Directive{
			{ID: 1, Kind: manifest.KindFromArchive, To: "plugin.dll", Size: 11,
				ArchiveHashPath: []string{"arch-dll"}},
		},
	}

	summary, err := p.Run(bundle)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Partial() {
		t.Fatalf("unexpected failures: %+v", summary.Failures)
	}

	if got := readOutput(t, out, "plugin.dll"); got != "native-code" {
		t.Errorf("content = %q", got)
	}
	// The downloaded file must survive.
	if _, err := os.Stat(dllPath); err != nil {
		t.Error("source archive file must not be consumed")
	}
}

func TestRunMisclassifiedWholeFileRecovery(t *testing.T) {
	p, _, loc, out := newTestPipeline(t)

	zipPath := testutil.BuildZip(t, map[string]string{
		"bin/tool.dll":     "tool-payload",
		"docs/license.txt": "license",
	})
	loc.Add("arch-b", zipPath)

	// Length-1 path but the archive size differs from the directive size:
	// recovery finds the entry by size and basename.
	bundle := &manifest.Bundle{
		GameType: "SkyrimSE",
		Archives: []manifest.ArchiveRef{{ID: "arch-b", Name: "b.zip"}},
		Directive: []manifest.Directive{
			{ID: 1, Kind: manifest.KindFromArchive, To: "tool.dll", Size: 12,
				ArchiveHashPath: []string{"arch-b"}},
		},
	}

	summary, err := p.Run(bundle)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Partial() {
		t.Fatalf("unexpected failures: %+v", summary.Failures)
	}
	if got := readOutput(t, out, "tool.dll"); got != "tool-payload" {
		t.Errorf("content = %q", got)
	}
}

func TestRunSharedSource(t *testing.T) {
	p, _, loc, out := newTestPipeline(t)

	zipPath := testutil.BuildZip(t, map[string]string{
		"shared.dat": "shared-bytes",
	})
	loc.Add("arch-c", zipPath)

	bundle := &manifest.Bundle{
		GameType: "SkyrimSE",
		Archives: []manifest.ArchiveRef{{ID: "arch-c", Name: "c.zip"}},
		Directive: []manifest.Directive{
			{ID: 1, Kind: manifest.KindFromArchive, To: "first/copy.dat", Size: 12,
				ArchiveHashPath: []string{"arch-c", "shared.dat"}},
			{ID: 2, Kind: manifest.KindFromArchive, To: "second/copy.dat", Size: 12,
				ArchiveHashPath: []string{"arch-c", "SHARED.DAT"}},
		},
	}

	summary, err := p.Run(bundle)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Partial() {
		t.Fatalf("unexpected failures: %+v", summary.Failures)
	}
	if got := readOutput(t, out, "first/copy.dat"); got != "shared-bytes" {
		t.Errorf("first copy = %q", got)
	}
	if got := readOutput(t, out, "second/copy.dat"); got != "shared-bytes" {
		t.Errorf("second copy = %q", got)
	}
}

func TestRunNestedArchive(t *testing.T) {
	p, idx, loc, out := newTestPipeline(t)

	// Build a BSA, embed it in a zip, and reference a file inside it.
	srcDir := t.TempDir()
	inner := testutil.WriteFile(t, srcDir, "payload.dds", "nested-texture")
	bsaPath := filepath.Join(t.TempDir(), "inner.bsa")
	err := archive.WriteBSA(bsaPath, []archive.Member{
		{Path: `textures\payload.dds`, Source: inner},
	}, archive.BSAOptions{Version: 105})
	if err != nil {
		t.Fatalf("WriteBSA() error = %v", err)
	}
	bsaBytes, err := os.ReadFile(bsaPath)
	if err != nil {
		t.Fatal(err)
	}

	zipPath := testutil.BuildZip(t, map[string]string{
		"archives/inner.bsa": string(bsaBytes),
	})
	loc.Add("arch-n", zipPath)

	bundle := &manifest.Bundle{
		GameType: "SkyrimSE",
		Archives: []manifest.ArchiveRef{{ID: "arch-n", Name: "n.zip"}},
		Directive: []manifest.Directive{
			{ID: 1, Kind: manifest.KindFromArchive, To: `textures\payload.dds`, Size: 14,
				ArchiveHashPath: []string{"arch-n", `archives\inner.bsa`, `textures\payload.dds`}},
		},
	}

	summary, err := p.Run(bundle)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Partial() {
		t.Fatalf("unexpected failures: %+v", summary.Failures)
	}

	if got := readOutput(t, out, "textures/payload.dds"); got != "nested-texture" {
		t.Errorf("content = %q", got)
	}

	status, err := idx.Status(1)
	if err != nil {
		t.Fatal(err)
	}
	if status != install.StatusDone {
		t.Errorf("status = %v, want done", status)
	}

	// The inner container was enumerated under its synthetic id.
	indexed, err := idx.IsIndexed(syntheticID("arch-n", "archives/inner.bsa"))
	if err != nil {
		t.Fatal(err)
	}
	if !indexed {
		t.Error("nested container should be indexed under its synthetic id")
	}
}

func TestRunCreateBSA(t *testing.T) {
	p, _, _, out := newTestPipeline(t)

	stagingDir := filepath.Join(out, StagingDirName, "tmp-1")
	members := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		rel := filepath.Join("textures", "f"+string(rune('a'+i%26))+string(rune('a'+i/26))+".dds")
		testutil.WriteFile(t, stagingDir, filepath.ToSlash(rel), "payload")
		members = append(members, filepath.ToSlash(rel))
	}

	bundle := &manifest.Bundle{
		GameType: "Fallout4",
		Directive: []manifest.Directive{
			{ID: 1, Kind: manifest.KindCreateBSA, To: "pack - main.ba2", TempID: "tmp-1",
				Members:   members,
				Container: &manifest.Container{Kind: manifest.ContainerBA2, Version: 1}},
		},
	}

	summary, err := p.Run(bundle)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Partial() {
		t.Fatalf("unexpected failures: %+v", summary.Failures)
	}

	r, err := archive.OpenBA2(filepath.Join(out, "pack - main.ba2"))
	if err != nil {
		t.Fatalf("reopening synthetic ba2: %v", err)
	}
	defer r.Close()
	entries, err := r.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 100 {
		t.Errorf("entries = %d, want 100", len(entries))
	}
	for _, e := range entries {
		if e.Size != 7 {
			t.Errorf("entry %s size = %d, want 7", e.Path, e.Size)
		}
	}

	if _, err := os.Stat(stagingDir); !os.IsNotExist(err) {
		t.Error("staging dir should be removed after a successful build")
	}
}

func TestRunInlineAndWholeFile(t *testing.T) {
	out := t.TempDir()
	payload := t.TempDir()
	testutil.WriteFile(t, payload, "extras/config.ini", "[General]\n")

	idx := testutil.NewTestIndex(t)
	loc := testutil.NewFakeLocator()
	p := New(Config{
		OutputDir:    out,
		PayloadDir:   payload,
		Workers:      4,
		PollInterval: 5 * time.Millisecond,
	}, idx, loc, install.NewNopLogger())

	bundle := &manifest.Bundle{
		GameType: "SkyrimSE",
		Directive: []manifest.Directive{
			{ID: 1, Kind: manifest.KindInline, To: "notes.txt", Size: 5, Data: []byte("hello")},
			{ID: 2, Kind: manifest.KindWholeFile, To: "config.ini", Size: 10, Source: "extras/config.ini"},
			{ID: 3, Kind: manifest.KindNoOp, To: "ignored"},
		},
	}

	summary, err := p.Run(bundle)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Partial() {
		t.Fatalf("unexpected failures: %+v", summary.Failures)
	}

	if got := readOutput(t, out, "notes.txt"); got != "hello" {
		t.Errorf("inline content = %q", got)
	}
	if got := readOutput(t, out, "config.ini"); got != "[General]\n" {
		t.Errorf("whole-file content = %q", got)
	}

	status, _ := idx.Status(3)
	if status != install.StatusSkipped {
		t.Errorf("NoOp status = %v, want skipped", status)
	}
}

func TestRunMissingArchive(t *testing.T) {
	p, idx, _, _ := newTestPipeline(t)

	bundle := &manifest.Bundle{
		GameType: "SkyrimSE",
		Archives: []manifest.ArchiveRef{{ID: "ghost", Name: "ghost.zip"}},
		Directive: []manifest.Directive{
			{ID: 1, Kind: manifest.KindFromArchive, To: "x.dds", Size: 1,
				ArchiveHashPath: []string{"ghost", "x.dds"}},
		},
	}

	summary, err := p.Run(bundle)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !summary.Partial() {
		t.Fatal("expected a failure")
	}
	if summary.Failures[0].Reason != install.ReasonMissingArchive {
		t.Errorf("reason = %v, want MissingArchive", summary.Failures[0].Reason)
	}

	status, _ := idx.Status(1)
	if status != install.StatusFailed {
		t.Errorf("status = %v, want failed", status)
	}
}

func TestRunIdempotent(t *testing.T) {
	out := t.TempDir()
	idx := testutil.NewTestIndex(t)
	loc := testutil.NewFakeLocator()

	zipPath := testutil.BuildZip(t, map[string]string{
		"a.txt": "aaa",
		"b.txt": "bbbb",
	})
	loc.Add("arch-i", zipPath)

	bundle := &manifest.Bundle{
		GameType: "SkyrimSE",
		Archives: []manifest.ArchiveRef{{ID: "arch-i", Name: "i.zip"}},
		Directive: []manifest.Directive{
			{ID: 1, Kind: manifest.KindFromArchive, To: "a.txt", Size: 3,
				ArchiveHashPath: []string{"arch-i", "a.txt"}},
			{ID: 2, Kind: manifest.KindFromArchive, To: "b.txt", Size: 4,
				ArchiveHashPath: []string{"arch-i", "b.txt"}},
			{ID: 3, Kind: manifest.KindInline, To: "c.txt", Size: 2, Data: []byte("cc")},
		},
	}

	cfg := Config{OutputDir: out, Workers: 4, PollInterval: 5 * time.Millisecond}

	first, err := New(cfg, idx, loc, install.NewNopLogger()).Run(bundle)
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if first.Partial() {
		t.Fatalf("first run failures: %+v", first.Failures)
	}
	if first.Totals().Done != 3 {
		t.Errorf("first run done = %d, want 3", first.Totals().Done)
	}

	second, err := New(cfg, idx, loc, install.NewNopLogger()).Run(bundle)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	totals := second.Totals()
	if totals.Done != 0 {
		t.Errorf("second run done = %d, want 0", totals.Done)
	}
	if totals.Skipped != 3 {
		t.Errorf("second run skipped = %d, want 3", totals.Skipped)
	}
	if totals.Failed != 0 {
		t.Errorf("second run failed = %d, want 0", totals.Failed)
	}
}

func TestJobPriorityOrdersCheapFormatsFirst(t *testing.T) {
	jobs := []ExtractionJob{
		{ArchiveID: "big-7z", Format: archive.FormatSevenZip, Priority: jobPriority(archive.FormatSevenZip, 500<<20)},
		{ArchiveID: "small-zip", Format: archive.FormatZip, Priority: jobPriority(archive.FormatZip, 1<<20)},
		{ArchiveID: "big-zip", Format: archive.FormatZip, Priority: jobPriority(archive.FormatZip, 800<<20)},
		{ArchiveID: "bsa", Format: archive.FormatBSA, Priority: jobPriority(archive.FormatBSA, 10<<20)},
	}
	sortJobs(jobs)

	want := []string{"small-zip", "big-zip", "bsa", "big-7z"}
	for i, w := range want {
		if jobs[i].ArchiveID != w {
			t.Errorf("jobs[%d] = %s, want %s", i, jobs[i].ArchiveID, w)
		}
	}

	// Size caps at 99 so format tiers never interleave.
	if jobPriority(archive.FormatZip, 1<<40) >= jobPriority(archive.FormatBSA, 0) {
		t.Error("oversized zip must still sort before any bsa")
	}
}

func TestWorkerSplit(t *testing.T) {
	zipJob := ExtractionJob{Format: archive.FormatZip}
	sevenJob := ExtractionJob{Format: archive.FormatSevenZip}

	tests := []struct {
		name           string
		jobs           []ExtractionJob
		budget         int
		wantExtractors int
		wantMovers     int
	}{
		{"zip heavy", []ExtractionJob{zipJob, zipJob, zipJob, zipJob}, 10, 4, 6},
		{"7z heavy", []ExtractionJob{sevenJob, sevenJob, sevenJob, zipJob}, 10, 7, 3},
		{"mixed", []ExtractionJob{zipJob, sevenJob}, 10, 6, 4},
		{"tiny budget keeps floors", []ExtractionJob{zipJob}, 2, 2, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, m := workerSplit(tt.jobs, tt.budget)
			if e != tt.wantExtractors || m != tt.wantMovers {
				t.Errorf("workerSplit = (%d, %d), want (%d, %d)", e, m, tt.wantExtractors, tt.wantMovers)
			}
		})
	}
}

func TestTempManagerRefcount(t *testing.T) {
	out := t.TempDir()
	tm := newTempManager(out)

	dir, err := tm.acquire("arch")
	if err != nil {
		t.Fatal(err)
	}
	tm.retain("arch")

	if err := os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	tm.release("arch")
	if _, err := os.Stat(dir); err != nil {
		t.Fatal("dir must survive while references remain")
	}

	tm.release("arch")
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatal("dir must be removed at refcount zero")
	}
}

func TestTempManagerCleanupStale(t *testing.T) {
	out := t.TempDir()
	tm := newTempManager(out)

	if _, err := tm.acquire("known"); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(tm.dir("stale"), 0755); err != nil {
		t.Fatal(err)
	}

	removed := tm.cleanupStale(map[string]bool{"known": true})
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(tm.dir("known")); err != nil {
		t.Error("known dir must survive")
	}
}
