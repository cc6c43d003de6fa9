package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"lodestone/internal/archive"
	"lodestone/internal/install"
	"lodestone/internal/manifest"
	"lodestone/internal/paths"
)

// StagingDirName holds synthetic-archive members between phase 1 placement
// and phase 3 packing.
const StagingDirName = "TEMP_BSA_FILES"

// syntheticID derives the index identity of an archive nested inside
// another archive's entry list.
func syntheticID(outerID, containerNorm string) string {
	return outerID + "#" + strings.NewReplacer("/", "_", `\`, "_").Replace(containerNorm)
}

// runNestedPhase is phase 2: consume the staged BSA/BA2 containers parked by
// the movers and place their inner entries.
func (p *Pipeline) runNestedPhase(events chan<- event) {
	p.mu.Lock()
	parked := p.parked
	p.parked = nil
	p.mu.Unlock()
	if len(parked) == 0 {
		return
	}

	type containerKey struct {
		archiveID     string
		containerNorm string
	}
	groups := make(map[containerKey][]deferred)
	var order []containerKey
	for _, def := range parked {
		k := containerKey{def.archiveID, def.containerNorm}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], def)
	}

	p.log.Info("starting nested-archive phase",
		"containers", len(order), "directives", len(parked))

	for _, k := range order {
		defs := groups[k]
		if p.shutdown.Load() {
			// Leave the remaining directives InFlight; the next run
			// recovers them. Temp trees stay on disk for resume.
			for _, def := range defs {
				p.temps.keep(def.archiveID)
			}
			continue
		}
		p.processContainer(k.archiveID, k.containerNorm, defs, events)
		for range defs {
			p.temps.release(k.archiveID)
		}
	}
}

// processContainer opens one staged container and drives its directives
// through extraction and placement. Inner-entry errors are isolated.
func (p *Pipeline) processContainer(archiveID, containerNorm string, defs []deferred, events chan<- event) {
	synthID := syntheticID(archiveID, containerNorm)
	containerHost := defs[0].containerHost

	r, format, err := archive.Open(containerHost)
	if err != nil {
		for _, def := range defs {
			p.failFromErr(PhaseNested, def.directive, fmt.Errorf("opening nested container: %w", err), events)
		}
		return
	}
	defer r.Close()

	indexed, err := p.idx.IsIndexed(synthID)
	if p.checkIndexErr(err) {
		return
	}
	if !indexed {
		entries, err := r.Entries()
		if err != nil {
			for _, def := range defs {
				p.failFromErr(PhaseNested, def.directive, fmt.Errorf("enumerating nested container: %w", err), events)
			}
			return
		}
		fileEntries := make([]install.FileEntry, 0, len(entries))
		for _, e := range entries {
			fileEntries = append(fileEntries, install.FileEntry{
				ArchiveID: synthID,
				Path:      e.Path,
				Size:      e.Size,
			})
		}
		if err := p.idx.IndexFiles(synthID, fileEntries); err != nil {
			p.checkIndexErr(err)
			return
		}
	}

	needed := make(map[string]struct{})
	resolved := make(map[int64]string)
	for _, def := range defs {
		inner := def.directive.NestedPath()
		if found, ok, err := p.idx.Lookup(synthID, inner); err != nil {
			if p.checkIndexErr(err) {
				return
			}
		} else if ok {
			inner = found
		}
		norm := paths.Normalize(inner)
		resolved[def.directive.ID] = norm
		needed[norm] = struct{}{}
	}

	tempDir, err := p.temps.acquire(synthID)
	if err != nil {
		for _, def := range defs {
			p.failFromErr(PhaseNested, def.directive, err, events)
		}
		return
	}
	defer p.temps.release(synthID)

	total, err := p.idx.FileCount(synthID)
	if p.checkIndexErr(err) {
		return
	}

	// Inner entries stream to temp files; nothing is buffered whole.
	var wanted map[string]struct{}
	if archive.UseSelective(format, len(needed), total) {
		wanted = needed
	}
	result, err := r.Extract(tempDir, wanted)
	if err != nil {
		if install.IsDiskFull(err) {
			p.fatal(install.ErrDiskFull)
		}
		for _, def := range defs {
			p.failFromErr(PhaseNested, def.directive, fmt.Errorf("extracting nested container: %w", err), events)
		}
		return
	}
	for _, f := range result.Failed {
		p.log.Warn("nested entry extraction failed",
			"container", synthID, "entry", f.Path, "err", f.Err)
	}

	fileIndex, err := indexTree(tempDir)
	if err != nil {
		for _, def := range defs {
			p.failFromErr(PhaseNested, def.directive, err, events)
		}
		return
	}

	refs := make(map[string]int)
	for _, def := range defs {
		refs[resolved[def.directive.ID]]++
	}

	for _, def := range defs {
		d := def.directive
		norm := resolved[d.ID]
		src, ok := fileIndex[norm]
		if !ok {
			p.markFailed(PhaseNested, d, install.ReasonCorrupt,
				fmt.Sprintf("entry %q missing from nested container", d.NestedPath()), events)
			continue
		}

		keep := refs[norm] > 1
		refs[norm]--

		dst := paths.JoinHost(p.cfg.OutputDir, d.To)
		if err := placeFile(src, dst, keep); err != nil {
			p.failFromErr(PhaseNested, d, err, events)
			continue
		}
		if got := fileSize(dst); got != d.Size {
			p.markFailed(PhaseNested, d, install.ReasonConflict,
				fmt.Sprintf("destination size %d, want %d", got, d.Size), events)
			continue
		}
		p.markDone(PhaseNested, d, events)
	}
}

// runCreateBSAPhase is phase 3: assemble synthetic archives from members
// the earlier phases placed under the staging directory.
func (p *Pipeline) runCreateBSAPhase(bundle *manifest.Bundle, events chan<- event) {
	for i := range bundle.Directive {
		d := &bundle.Directive[i]
		if d.Kind != manifest.KindCreateBSA {
			continue
		}
		if p.shutdown.Load() {
			return
		}

		status, err := p.idx.Status(d.ID)
		if p.checkIndexErr(err) {
			return
		}
		if status == install.StatusDone || status == install.StatusSkipped {
			events <- event{phase: PhaseCreateBSA, outcome: install.StatusSkipped}
			continue
		}
		if status == install.StatusFailed {
			continue
		}

		if err := p.idx.SetStatus(d.ID, install.StatusInFlight); err != nil {
			p.checkIndexErr(err)
			continue
		}
		p.buildSyntheticArchive(d, events)
	}
}

func (p *Pipeline) buildSyntheticArchive(d *manifest.Directive, events chan<- event) {
	stagingDir := filepath.Join(p.cfg.OutputDir, StagingDirName, d.TempID)

	members := make([]archive.Member, 0, len(d.Members))
	for _, rel := range d.Members {
		src := paths.JoinHost(stagingDir, rel)
		if fileSize(src) < 0 {
			p.markFailed(PhaseCreateBSA, d, install.ReasonCorrupt,
				fmt.Sprintf("staged member %q missing", rel), events)
			return
		}
		members = append(members, archive.Member{Path: rel, Source: src})
	}

	dst := paths.JoinHost(p.cfg.OutputDir, d.To)
	var err error
	switch d.Container.Kind {
	case manifest.ContainerBA2:
		err = archive.WriteBA2(dst, members, archive.BA2Options{Version: d.Container.Version})
	case manifest.ContainerBSA:
		err = archive.WriteBSA(dst, members, archive.BSAOptions{
			Version:      d.Container.Version,
			ArchiveFlags: d.Container.ArchiveFlags,
			FileFlags:    d.Container.FileFlags,
			Compressed:   d.Container.Compressed,
		})
	default:
		p.markFailed(PhaseCreateBSA, d, install.ReasonUnsupported,
			fmt.Sprintf("unknown container kind %q", d.Container.Kind), events)
		return
	}
	if err != nil {
		p.failFromErr(PhaseCreateBSA, d, err, events)
		return
	}

	// Repacking is a compatible superset, not a byte-for-byte rebuild, so
	// completion is verified by enumeration rather than output size.
	r, _, err := archive.Open(dst)
	if err != nil {
		p.failFromErr(PhaseCreateBSA, d, fmt.Errorf("verifying synthetic archive: %w", err), events)
		return
	}
	entries, err := r.Entries()
	r.Close()
	if err != nil {
		p.failFromErr(PhaseCreateBSA, d, fmt.Errorf("verifying synthetic archive: %w", err), events)
		return
	}
	if len(entries) != len(members) {
		p.markFailed(PhaseCreateBSA, d, install.ReasonCorrupt,
			fmt.Sprintf("synthetic archive holds %d entries, want %d", len(entries), len(members)), events)
		return
	}

	os.RemoveAll(stagingDir)
	p.markDone(PhaseCreateBSA, d, events)
}

// runInlinePhase is phase 4: literal payloads, whole-file sources shipped
// with the bundle, and NoOp bookkeeping.
func (p *Pipeline) runInlinePhase(bundle *manifest.Bundle, events chan<- event) {
	for i := range bundle.Directive {
		d := &bundle.Directive[i]
		switch d.Kind {
		case manifest.KindInline, manifest.KindWholeFile, manifest.KindNoOp:
		default:
			continue
		}
		if p.shutdown.Load() {
			return
		}

		status, err := p.idx.Status(d.ID)
		if p.checkIndexErr(err) {
			return
		}
		if status.Terminal() {
			if status != install.StatusFailed {
				events <- event{phase: PhaseInline, outcome: install.StatusSkipped}
			}
			continue
		}

		if d.Kind == manifest.KindNoOp {
			p.markSkipped(PhaseInline, d, events)
			continue
		}

		dst := paths.JoinHost(p.cfg.OutputDir, d.To)
		if fileSize(dst) == d.Size {
			p.markSkipped(PhaseInline, d, events)
			continue
		}

		if err := p.idx.SetStatus(d.ID, install.StatusInFlight); err != nil {
			p.checkIndexErr(err)
			continue
		}

		switch d.Kind {
		case manifest.KindInline:
			err = p.placeInline(d, dst)
		case manifest.KindWholeFile:
			src := filepath.Join(p.cfg.PayloadDir, filepath.FromSlash(paths.ToHost(d.Source)))
			err = placeFile(src, dst, true)
		}
		if err != nil {
			p.failFromErr(PhaseInline, d, err, events)
			continue
		}

		if got := fileSize(dst); got != d.Size {
			p.markFailed(PhaseInline, d, install.ReasonConflict,
				fmt.Sprintf("destination size %d, want %d", got, d.Size), events)
			continue
		}
		p.markDone(PhaseInline, d, events)
	}
}

func (p *Pipeline) placeInline(d *manifest.Directive, dst string) error {
	if err := paths.EnsureParent(dst); err != nil {
		return err
	}
	return install.RetryIO(func() error {
		return os.WriteFile(dst, d.Data, 0644)
	})
}
