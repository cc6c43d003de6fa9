// Package paths handles Windows-style bundle paths on the host filesystem.
//
// Modding bundles declare paths with backslashes and arbitrary case. Every
// intra-archive lookup and destination-uniqueness check uses the normalized
// form; the original case is kept for extraction so case-sensitive
// filesystems receive the intended name.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// Normalize lowercases a path, folds backslashes to forward slashes, and
// trims leading/trailing slashes. This is the canonical lookup form.
func Normalize(path string) string {
	return TrimSlashes(strings.ToLower(strings.ReplaceAll(path, `\`, "/")))
}

// TrimSlashes removes leading and trailing forward slashes.
func TrimSlashes(path string) string {
	return strings.Trim(path, "/")
}

// ToHost converts a Windows-style path to host separators, preserving case.
func ToHost(path string) string {
	return strings.ReplaceAll(path, `\`, "/")
}

// Equal reports whether two paths refer to the same entry, case-insensitively.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// FileName returns the final component of a path with either separator.
func FileName(path string) string {
	if idx := strings.LastIndexAny(path, `\/`); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

// Ext returns the lowercase extension without the dot, or "" if none.
func Ext(path string) string {
	name := FileName(path)
	if idx := strings.LastIndexByte(name, '.'); idx >= 0 {
		return strings.ToLower(name[idx+1:])
	}
	return ""
}

// StripDataPrefix removes a leading "Data/" (or "Data\") component,
// case-insensitively. Destinations are rooted at the output directory, so an
// implicit Data prefix is folded away at parse time.
func StripDataPrefix(path string) string {
	trimmed := strings.TrimLeft(path, `\/`)
	if len(trimmed) >= 5 && strings.EqualFold(trimmed[:4], "data") && (trimmed[4] == '/' || trimmed[4] == '\\') {
		return strings.TrimLeft(trimmed[5:], `\/`)
	}
	return trimmed
}

// JoinHost joins a host base directory with a Windows-style relative path.
func JoinHost(base, relative string) string {
	return filepath.Join(base, filepath.FromSlash(ToHost(relative)))
}

// EnsureParent creates the parent directory of path if it does not exist.
func EnsureParent(path string) error {
	parent := filepath.Dir(path)
	if parent == "" || parent == "." {
		return nil
	}
	return os.MkdirAll(parent, 0755)
}

// ResolveCaseInsensitive walks base looking for relative, matching each
// component case-insensitively. Returns the real path and true on a hit.
func ResolveCaseInsensitive(base, relative string) (string, bool) {
	current := base
	for _, component := range strings.FieldsFunc(relative, func(r rune) bool {
		return r == '/' || r == '\\'
	}) {
		entries, err := os.ReadDir(current)
		if err != nil {
			return "", false
		}
		found := ""
		for _, e := range entries {
			if strings.EqualFold(e.Name(), component) {
				found = filepath.Join(current, e.Name())
				break
			}
		}
		if found == "" {
			return "", false
		}
		current = found
	}
	return current, true
}
