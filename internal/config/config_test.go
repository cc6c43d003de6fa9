package config

import (
	"path/filepath"
	"strings"
	"testing"
)

const sampleConfig = `
log_dir = "/var/log/lodestone"

[paths]
output_dir = "/games/skyrim-install"
downloads_dir = "/games/downloads"

[pipeline]
workers = 8
job_queue_depth = 32

[game]
type = "SkyrimSE"
`

func TestManagerRead(t *testing.T) {
	m := &Manager{}
	cfg, err := m.Read(strings.NewReader(sampleConfig))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if cfg.Paths.OutputDir != "/games/skyrim-install" {
		t.Errorf("OutputDir = %q", cfg.Paths.OutputDir)
	}
	if cfg.Pipeline.Workers != 8 {
		t.Errorf("Workers = %d", cfg.Pipeline.Workers)
	}
	if cfg.Pipeline.MoveQueueDepth != 0 {
		t.Errorf("MoveQueueDepth = %d, want 0 (default)", cfg.Pipeline.MoveQueueDepth)
	}
	if cfg.Game.Type != "SkyrimSE" {
		t.Errorf("Game.Type = %q", cfg.Game.Type)
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := NewConfig("/out", "/dl", "/base")

	if got := cfg.IndexPath(); got != filepath.Join("/out", ".install-index.db") {
		t.Errorf("IndexPath = %q", got)
	}
	if got := cfg.ModsDir(); got != filepath.Join("/out", "mods") {
		t.Errorf("ModsDir = %q", got)
	}
	if got := cfg.ProfileDir(); got != filepath.Join("/out", "profiles", "Default") {
		t.Errorf("ProfileDir = %q", got)
	}

	cfg.Paths.IndexPath = "/elsewhere/index.db"
	if got := cfg.IndexPath(); got != "/elsewhere/index.db" {
		t.Errorf("IndexPath override = %q", got)
	}
}

func TestInitAndReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "lodestone.toml")
	cfg := NewConfig("/out", "/dl", "/base")

	if err := Init(path, cfg); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	got, err := ReadFromFile(path)
	if err != nil {
		t.Fatalf("ReadFromFile() error = %v", err)
	}
	if got.Paths.OutputDir != "/out" || got.Paths.DownloadsDir != "/dl" {
		t.Errorf("round trip lost paths: %+v", got.Paths)
	}

	// Init refuses to clobber an existing config.
	if err := Init(path, cfg); err == nil {
		t.Error("second Init() should fail")
	}
}

func TestReadFromFileMissing(t *testing.T) {
	if _, err := ReadFromFile(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("expected error for missing config")
	}
}
