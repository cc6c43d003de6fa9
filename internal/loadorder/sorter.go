package loadorder

import (
	"sort"
	"strings"

	"lodestone/internal/install"
	"lodestone/internal/paths"
)

// DefaultSorter is the built-in plugin-sorter collaborator: masters load
// before regular plugins, alphabetical within each class. A game-aware
// external sorter can replace it through the install.PluginSorter interface.
type DefaultSorter struct{}

func (DefaultSorter) Sort(gameType string, searchDirs []string, plugins []string) ([]string, error) {
	sorted := append([]string(nil), plugins...)
	class := func(name string) int {
		switch paths.Ext(name) {
		case "esm":
			return 0
		case "esl":
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(sorted, func(a, b int) bool {
		ca, cb := class(sorted[a]), class(sorted[b])
		if ca != cb {
			return ca < cb
		}
		return strings.ToLower(sorted[a]) < strings.ToLower(sorted[b])
	})
	return sorted, nil
}

var _ install.PluginSorter = DefaultSorter{}
