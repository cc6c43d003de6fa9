package loadorder

import (
	"fmt"
	"os"
	"strings"

	"lodestone/internal/paths"
)

// BasePlugins returns the fixed base-game plugin list for a game type.
// These always head the plugin order and are always enabled.
func BasePlugins(gameType string) []string {
	switch gameType {
	case "SkyrimSE":
		return []string{
			"Skyrim.esm",
			"Update.esm",
			"Dawnguard.esm",
			"HearthFires.esm",
			"Dragonborn.esm",
		}
	case "Fallout4":
		return []string{
			"Fallout4.esm",
			"DLCRobot.esm",
			"DLCworkshop01.esm",
			"DLCCoast.esm",
			"DLCworkshop02.esm",
			"DLCworkshop03.esm",
			"DLCNukaWorld.esm",
		}
	default:
		return nil
	}
}

// WriteModlist writes modlist.txt: one mod folder per line, winners on top,
// enabled mods marked with a leading '+'.
func WriteModlist(path string, modOrder []string) error {
	var b strings.Builder
	b.WriteString("# This file was automatically generated by lodestone\n")
	b.WriteString("# Mod priority: Top = Winner, Bottom = Loser\n")
	for _, folder := range modOrder {
		b.WriteString("+")
		b.WriteString(folder)
		b.WriteString("\n")
	}

	if err := paths.EnsureParent(path); err != nil {
		return fmt.Errorf("creating parent dirs: %w", err)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("writing modlist: %w", err)
	}
	return nil
}

// WritePlugins writes plugins.txt and loadorder.txt. Base-game plugins come
// first; the sorter's order is written verbatim after them; disabled
// plugins trail unstarred.
func WritePlugins(pluginsPath, loadorderPath, gameType string, sortedPlugins, disabledPlugins []string) error {
	base := BasePlugins(gameType)
	isBase := make(map[string]bool, len(base))
	for _, p := range base {
		isBase[strings.ToLower(p)] = true
	}

	var plugins, loadorder strings.Builder
	plugins.WriteString("# This file was automatically generated by lodestone\n")

	for _, p := range base {
		plugins.WriteString("*")
		plugins.WriteString(p)
		plugins.WriteString("\n")
		loadorder.WriteString(p)
		loadorder.WriteString("\n")
	}
	for _, p := range sortedPlugins {
		if isBase[strings.ToLower(p)] {
			continue
		}
		plugins.WriteString("*")
		plugins.WriteString(p)
		plugins.WriteString("\n")
		loadorder.WriteString(p)
		loadorder.WriteString("\n")
	}
	for _, p := range disabledPlugins {
		if isBase[strings.ToLower(p)] {
			continue
		}
		plugins.WriteString(p)
		plugins.WriteString("\n")
		loadorder.WriteString(p)
		loadorder.WriteString("\n")
	}

	if err := paths.EnsureParent(pluginsPath); err != nil {
		return fmt.Errorf("creating parent dirs: %w", err)
	}
	if err := os.WriteFile(pluginsPath, []byte(plugins.String()), 0644); err != nil {
		return fmt.Errorf("writing plugins: %w", err)
	}
	if err := paths.EnsureParent(loadorderPath); err != nil {
		return fmt.Errorf("creating parent dirs: %w", err)
	}
	if err := os.WriteFile(loadorderPath, []byte(loadorder.String()), 0644); err != nil {
		return fmt.Errorf("writing loadorder: %w", err)
	}
	return nil
}
