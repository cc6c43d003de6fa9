// Package config reads and writes the installer's TOML configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the main configuration for lodestone.
type Config struct {
	LogDir   string         `toml:"log_dir"`
	Paths    PathsConfig    `toml:"paths"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Game     GameConfig     `toml:"game"`
}

// PathsConfig locates the trees the installer works across.
type PathsConfig struct {
	// OutputDir is the installation root; destinations, temp trees and the
	// archive index live under it.
	OutputDir string `toml:"output_dir"`

	// DownloadsDir is where the download collaborator presents archives.
	DownloadsDir string `toml:"downloads_dir"`

	// PayloadDir holds WholeFile sources shipped alongside the bundle.
	// Empty means the bundle manifest's directory.
	PayloadDir string `toml:"payload_dir,omitempty"`

	// IndexPath overrides the archive-index location. Empty means
	// <output_dir>/.install-index.db.
	IndexPath string `toml:"index_path,omitempty"`
}

// PipelineConfig tunes the streaming pipeline. Zero values take the
// built-in defaults.
type PipelineConfig struct {
	Workers        int `toml:"workers,omitempty"`
	JobQueueDepth  int `toml:"job_queue_depth,omitempty"`
	MoveQueueDepth int `toml:"move_queue_depth,omitempty"`
}

// GameConfig identifies the target game for load-order generation.
type GameConfig struct {
	Type string `toml:"type"`

	// ModsDir overrides where installed mods live. Empty means
	// <output_dir>/mods.
	ModsDir string `toml:"mods_dir,omitempty"`

	// ProfileDir overrides where ordering manifests are written. Empty
	// means <output_dir>/profiles/Default.
	ProfileDir string `toml:"profile_dir,omitempty"`
}

// IndexPath resolves the archive-index location.
func (c *Config) IndexPath() string {
	if c.Paths.IndexPath != "" {
		return c.Paths.IndexPath
	}
	return filepath.Join(c.Paths.OutputDir, ".install-index.db")
}

// ModsDir resolves the installed-mods directory.
func (c *Config) ModsDir() string {
	if c.Game.ModsDir != "" {
		return c.Game.ModsDir
	}
	return filepath.Join(c.Paths.OutputDir, "mods")
}

// ProfileDir resolves the ordering-manifest directory.
func (c *Config) ProfileDir() string {
	if c.Game.ProfileDir != "" {
		return c.Game.ProfileDir
	}
	return filepath.Join(c.Paths.OutputDir, "profiles", "Default")
}

// NewConfig creates a Config with the provided trees and default layout.
func NewConfig(outputDir, downloadsDir, baseDir string) *Config {
	return &Config{
		LogDir: filepath.Join(baseDir, "log"),
		Paths: PathsConfig{
			OutputDir:    outputDir,
			DownloadsDir: downloadsDir,
		},
		Game: GameConfig{Type: "SkyrimSE"},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the given path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config %s: %w", path, err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided
// Config. Fails if a config already exists there.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
