package app

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"lodestone/internal/manifest"
)

func TestPartitionPluginsDeclared(t *testing.T) {
	declared := []manifest.PluginRecord{
		{Name: "Alpha.esp", Enabled: true},
		{Name: "Off.esp", Enabled: false},
		{Name: "Beta.esm", Enabled: true},
	}

	enabled, disabled := partitionPlugins(declared, t.TempDir())

	if !reflect.DeepEqual(enabled, []string{"Alpha.esp", "Beta.esm"}) {
		t.Errorf("enabled = %v", enabled)
	}
	if !reflect.DeepEqual(disabled, []string{"Off.esp"}) {
		t.Errorf("disabled = %v", disabled)
	}
}

func TestPartitionPluginsFallsBackToDiscovery(t *testing.T) {
	modsDir := t.TempDir()
	dir := filepath.Join(modsDir, "SomeMod")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"Found.esp", "Masters.esm", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	enabled, disabled := partitionPlugins(nil, modsDir)

	if !reflect.DeepEqual(enabled, []string{"Found.esp", "Masters.esm"}) {
		t.Errorf("enabled = %v", enabled)
	}
	if disabled != nil {
		t.Errorf("disabled = %v, want none for discovered plugins", disabled)
	}
}
