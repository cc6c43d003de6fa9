package app

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestGetDefaults(t *testing.T) {
	t.Setenv("LODESTONE_CONFIG_PATH", "")
	t.Setenv("LODESTONE_HOME", "")

	defaults, err := GetDefaults()
	if err != nil {
		t.Fatalf("GetDefaults() error = %v", err)
	}

	if !strings.HasSuffix(defaults["config_path"], filepath.Join(".config", "lodestone.toml")) {
		t.Errorf("config_path = %q", defaults["config_path"])
	}
	if !strings.HasSuffix(defaults["base_dir"], filepath.Join(".local", "share", "lodestone")) {
		t.Errorf("base_dir = %q", defaults["base_dir"])
	}
	if defaults["log_dir"] != filepath.Join(defaults["base_dir"], "log") {
		t.Errorf("log_dir = %q", defaults["log_dir"])
	}
}

func TestGetDefaultsEnvOverride(t *testing.T) {
	t.Setenv("LODESTONE_CONFIG_PATH", "/custom/config.toml")
	t.Setenv("LODESTONE_HOME", "/custom/home")

	defaults, err := GetDefaults()
	if err != nil {
		t.Fatalf("GetDefaults() error = %v", err)
	}

	if defaults["config_path"] != "/custom/config.toml" {
		t.Errorf("config_path = %q", defaults["config_path"])
	}
	if defaults["base_dir"] != "/custom/home" {
		t.Errorf("base_dir = %q", defaults["base_dir"])
	}
}
