package pipeline

import (
	"fmt"
	"os"

	"lodestone/internal/install"
	"lodestone/internal/manifest"
	"lodestone/internal/paths"
)

func (p *Pipeline) moveWorker(moveQ <-chan ExtractedBatch, events chan<- event) {
	// A plain range: once shutdown is requested the extractors stop feeding
	// and the queue closes after they join, so draining here always
	// terminates.
	for batch := range moveQ {
		p.processBatch(&batch, events)
		p.temps.release(batch.ArchiveID)
	}
}

// processBatch handles one archive's directives in listed order on a single
// worker, so directives sharing a source see consistent intermediate state.
func (p *Pipeline) processBatch(batch *ExtractedBatch, events chan<- event) {
	// Reference counts decide move-vs-copy: a source consumed by several
	// directives is copied for all but its last use. Nested containers are
	// always copied; phase 2 opens them from the temp tree.
	refs := make(map[string]int)
	nestedSources := make(map[string]bool)
	for _, d := range batch.Directives {
		norm, ok := batch.Resolved[d.ID]
		if !ok {
			continue
		}
		if d.IsNested() {
			nestedSources[norm] = true
			continue
		}
		refs[norm]++
	}

	for _, d := range batch.Directives {
		p.processDirective(batch, d, refs, nestedSources, events)
	}
}

func (p *Pipeline) processDirective(batch *ExtractedBatch, d *manifest.Directive, refs map[string]int, nestedSources map[string]bool, events chan<- event) {
	dst := paths.JoinHost(p.cfg.OutputDir, d.To)

	if fileSize(dst) == d.Size {
		p.markSkipped(PhaseFromArchive, d, events)
		return
	}

	if err := p.idx.SetStatus(d.ID, install.StatusInFlight); err != nil {
		p.checkIndexErr(err)
		p.markFailed(PhaseFromArchive, d, install.ReasonIO, err.Error(), events)
		return
	}

	// Whole-archive artifact: the downloaded file is the output. It stays
	// in the downloads directory, so this is always a copy.
	if batch.WholeArchive[d.ID] {
		if err := placeFile(batch.ArchivePath, dst, true); err != nil {
			p.failFromErr(PhaseFromArchive, d, err, events)
			return
		}
		p.verifyAndFinish(d, dst, events)
		return
	}

	// Nested directives park until phase 2; their container source must
	// survive the batch, which nestedSources guarantees above.
	if d.IsNested() {
		norm := batch.Resolved[d.ID]
		host, ok := batch.FileIndex[norm]
		if !ok {
			p.markFailed(PhaseFromArchive, d, install.ReasonCorrupt,
				fmt.Sprintf("container %q missing from extraction", d.EntryPath()), events)
			return
		}
		p.temps.retain(batch.ArchiveID)
		p.mu.Lock()
		p.parked = append(p.parked, deferred{
			directive:     d,
			archiveID:     batch.ArchiveID,
			containerHost: host,
			containerNorm: norm,
		})
		p.mu.Unlock()
		return
	}

	norm, ok := batch.Resolved[d.ID]
	if !ok {
		p.markFailed(PhaseFromArchive, d, install.ReasonCorrupt,
			"no archive entry matches this directive", events)
		return
	}
	src, ok := batch.FileIndex[norm]
	if !ok {
		p.markFailed(PhaseFromArchive, d, install.ReasonCorrupt,
			fmt.Sprintf("entry %q missing from extraction", norm), events)
		return
	}

	keep := nestedSources[norm] || refs[norm] > 1
	if refs[norm] > 0 {
		refs[norm]--
	}

	if err := placeFile(src, dst, keep); err != nil {
		p.failFromErr(PhaseFromArchive, d, err, events)
		return
	}
	p.verifyAndFinish(d, dst, events)
}

// verifyAndFinish applies the completion invariant: a Done directive's
// output matches its declared size.
func (p *Pipeline) verifyAndFinish(d *manifest.Directive, dst string, events chan<- event) {
	got := fileSize(dst)
	if got != d.Size {
		// Patch and transform engines are external collaborators; a basis
		// whose size disagrees is the signal this directive needed one.
		if d.Kind == manifest.KindPatchedFromArchive || d.Kind == manifest.KindTransformed {
			os.Remove(dst)
			p.markFailed(PhaseFromArchive, d, install.ReasonUnsupported,
				fmt.Sprintf("%s directive requires an external transform (basis size %d, want %d)", d.Kind, got, d.Size), events)
			return
		}
		p.markFailed(PhaseFromArchive, d, install.ReasonConflict,
			fmt.Sprintf("destination size %d, want %d", got, d.Size), events)
		return
	}
	p.markDone(PhaseFromArchive, d, events)
}
