// Package manifest models the bundle manifest: the declarative description of
// every archive a modding bundle needs and every installation action to
// perform with them.
package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"lodestone/internal/paths"
)

// Kind identifies the action a directive performs.
type Kind string

const (
	KindFromArchive        Kind = "FromArchive"
	KindPatchedFromArchive Kind = "PatchedFromArchive"
	KindCreateBSA          Kind = "CreateBSA"
	KindInline             Kind = "Inline"
	KindWholeFile          Kind = "WholeFile"
	KindTransformed        Kind = "Transformed"
	KindNoOp               Kind = "NoOp"
)

// ContainerKind names the synthetic archive container a CreateBSA directive
// produces.
type ContainerKind string

const (
	ContainerBSA ContainerKind = "BSA"
	ContainerBA2 ContainerKind = "BA2"
)

// Bundle is the root manifest document.
type Bundle struct {
	Name      string       `json:"name"`
	Author    string       `json:"author,omitempty"`
	Version   string       `json:"version,omitempty"`
	GameType  string       `json:"game_type"`
	Archives  []ArchiveRef `json:"archives"`
	Directive []Directive  `json:"directives"`

	// Collection bundles also carry the mod records, ordering rules and
	// plugin states the load-order generator consumes.
	Mods    []ModRecord    `json:"mods,omitempty"`
	Rules   []OrderRule    `json:"rules,omitempty"`
	Plugins []PluginRecord `json:"plugins,omitempty"`
}

// ModRecord is one mod for load-order purposes.
type ModRecord struct {
	Name        string `json:"name"`
	LogicalName string `json:"logical_name,omitempty"`
	Folder      string `json:"folder,omitempty"`
	MD5         string `json:"md5,omitempty"`
}

// PluginRecord is one game plugin the bundle declares. Disabled plugins
// still appear in the ordering manifests, unstarred, after the enabled ones.
type PluginRecord struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// OrderRule is one partial-order constraint between two mods. References
// resolve by logical name first, then by MD5.
type OrderRule struct {
	Kind       string `json:"kind"` // "before" or "after"
	SourceName string `json:"source_name,omitempty"`
	SourceMD5  string `json:"source_md5,omitempty"`
	TargetName string `json:"target_name,omitempty"`
	TargetMD5  string `json:"target_md5,omitempty"`
}

// ArchiveRef describes one source archive the bundle depends on. ID is an
// opaque content identifier; both hash-derived and digest-derived schemes
// resolve through the same index.
type ArchiveRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	Hash string `json:"hash,omitempty"`
}

// Directive is one declarative installation action.
//
// ArchiveHashPath addresses the source content: [archive-id] means the whole
// archive is the artifact, [archive-id, entry] a single-level extraction, and
// [archive-id, container, entry] descends into a BSA/BA2 stored inside the
// archive.
type Directive struct {
	ID              int64    `json:"id"`
	Kind            Kind     `json:"kind"`
	To              string   `json:"to"`
	Size            int64    `json:"size"`
	Hash            string   `json:"hash,omitempty"`
	ArchiveHashPath []string `json:"archive_hash_path,omitempty"`

	// CreateBSA only.
	TempID    string     `json:"temp_id,omitempty"`
	Members   []string   `json:"members,omitempty"`
	Container *Container `json:"container,omitempty"`

	// Inline only: literal payload.
	Data []byte `json:"data,omitempty"`

	// WholeFile only: path relative to the bundle payload directory.
	Source string `json:"source,omitempty"`
}

// Container carries the flags needed to rebuild a synthetic archive.
type Container struct {
	Kind         ContainerKind `json:"kind"`
	Version      uint32        `json:"version"`
	ArchiveFlags uint32        `json:"archive_flags,omitempty"`
	FileFlags    uint32        `json:"file_flags,omitempty"`
	Compressed   bool          `json:"compressed,omitempty"`
}

// ArchiveID returns the source archive identifier, or "" if the directive
// has no archive source.
func (d *Directive) ArchiveID() string {
	if len(d.ArchiveHashPath) == 0 {
		return ""
	}
	return d.ArchiveHashPath[0]
}

// EntryPath returns the first intra-archive path, or "".
func (d *Directive) EntryPath() string {
	if len(d.ArchiveHashPath) < 2 {
		return ""
	}
	return d.ArchiveHashPath[1]
}

// NestedPath returns the path inside a nested container, or "".
func (d *Directive) NestedPath() string {
	if len(d.ArchiveHashPath) < 3 {
		return ""
	}
	return d.ArchiveHashPath[2]
}

// IsNested reports whether the directive descends into a nested container.
func (d *Directive) IsNested() bool {
	return len(d.ArchiveHashPath) > 2
}

// Load reads and validates a bundle manifest from path.
func Load(path string) (*Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening manifest: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read decodes and validates a bundle manifest.
//
// Destination paths have any implicit leading "Data/" component stripped, and
// every directive that produces output must land on a unique normalized
// destination; a collision is a manifest error, not something the pipeline
// discovers later.
func Read(r io.Reader) (*Bundle, error) {
	var b Bundle
	dec := json.NewDecoder(r)
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}

	archives := make(map[string]struct{}, len(b.Archives))
	for i := range b.Archives {
		a := &b.Archives[i]
		if a.ID == "" {
			return nil, fmt.Errorf("archive %d (%q) has no id", i, a.Name)
		}
		if _, dup := archives[a.ID]; dup {
			return nil, fmt.Errorf("duplicate archive id %q", a.ID)
		}
		archives[a.ID] = struct{}{}
	}

	destinations := make(map[string]int64, len(b.Directive))
	for i := range b.Directive {
		d := &b.Directive[i]
		if d.Kind == KindNoOp {
			continue
		}
		if d.To == "" {
			return nil, fmt.Errorf("directive %d has no destination", d.ID)
		}
		d.To = paths.StripDataPrefix(d.To)

		normalized := paths.Normalize(d.To)
		if prev, dup := destinations[normalized]; dup {
			return nil, fmt.Errorf("directives %d and %d both target %q", prev, d.ID, normalized)
		}
		destinations[normalized] = d.ID

		switch d.Kind {
		case KindFromArchive, KindPatchedFromArchive, KindTransformed:
			if len(d.ArchiveHashPath) == 0 {
				return nil, fmt.Errorf("directive %d (%s) has empty archive_hash_path", d.ID, d.Kind)
			}
			if _, ok := archives[d.ArchiveHashPath[0]]; !ok {
				return nil, fmt.Errorf("directive %d references unknown archive %q", d.ID, d.ArchiveHashPath[0])
			}
		case KindCreateBSA:
			if d.Container == nil {
				return nil, fmt.Errorf("directive %d (CreateBSA) has no container", d.ID)
			}
			if len(d.Members) == 0 {
				return nil, fmt.Errorf("directive %d (CreateBSA) has no members", d.ID)
			}
		case KindInline:
			if len(d.Data) == 0 {
				return nil, fmt.Errorf("directive %d (Inline) has no data", d.ID)
			}
		case KindWholeFile:
			if d.Source == "" {
				return nil, fmt.Errorf("directive %d (WholeFile) has no source", d.ID)
			}
		}
	}

	return &b, nil
}
