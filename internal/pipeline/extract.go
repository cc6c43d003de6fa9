package pipeline

import (
	"fmt"
	"os"
	"sync"

	"lodestone/internal/archive"
	"lodestone/internal/install"
	"lodestone/internal/manifest"
	"lodestone/internal/paths"
)

// runFromArchivePhase is phase 1: admission, the extractor pool, and the
// mover pool, joined in sequence so phase 2 never observes a live worker.
func (p *Pipeline) runFromArchivePhase(bundle *manifest.Bundle, events chan<- event) {
	work := p.collectArchiveWork(bundle, events)
	if len(work) == 0 {
		return
	}

	jobs := p.buildJobs(work, events)
	sortJobs(jobs)
	extractors, movers := workerSplit(jobs, p.cfg.Workers)
	p.log.Info("starting extraction phase",
		"jobs", len(jobs), "extractors", extractors, "movers", movers)

	jobQ := make(chan ExtractionJob, p.cfg.JobQueueDepth)
	moveQ := make(chan ExtractedBatch, p.cfg.MoveQueueDepth)

	var feedWG, extractWG, moveWG sync.WaitGroup

	feedWG.Add(1)
	go func() {
		defer feedWG.Done()
		for _, job := range jobs {
			if !p.pushJob(jobQ, job) {
				break
			}
		}
		close(jobQ)
	}()

	for i := 0; i < extractors; i++ {
		extractWG.Add(1)
		go func() {
			defer extractWG.Done()
			p.extractWorker(jobQ, moveQ, events)
		}()
	}

	for i := 0; i < movers; i++ {
		moveWG.Add(1)
		go func() {
			defer moveWG.Done()
			p.moveWorker(moveQ, events)
		}()
	}

	// Phase barrier: producer, then extractors, then movers.
	feedWG.Wait()
	extractWG.Wait()
	close(moveQ)
	moveWG.Wait()
}

// collectArchiveWork filters phase-1 directives down to the ones that still
// need work, grouped by source archive.
func (p *Pipeline) collectArchiveWork(bundle *manifest.Bundle, events chan<- event) map[string][]*manifest.Directive {
	groups := make(map[string][]*manifest.Directive)
	for i := range bundle.Directive {
		d := &bundle.Directive[i]
		switch d.Kind {
		case manifest.KindFromArchive, manifest.KindPatchedFromArchive, manifest.KindTransformed:
		default:
			continue
		}

		status, err := p.idx.Status(d.ID)
		if p.checkIndexErr(err) {
			return nil
		}
		if status == install.StatusDone || status == install.StatusSkipped {
			events <- event{phase: PhaseFromArchive, outcome: install.StatusSkipped}
			continue
		}
		if status == install.StatusFailed {
			// Failed stays failed until the operator resets it.
			continue
		}

		if fileSize(paths.JoinHost(p.cfg.OutputDir, d.To)) == d.Size {
			p.markSkipped(PhaseFromArchive, d, events)
			continue
		}

		groups[d.ArchiveID()] = append(groups[d.ArchiveID()], d)
	}
	return groups
}

// buildJobs turns directive groups into admitted jobs, failing groups whose
// archive cannot be located or verified.
func (p *Pipeline) buildJobs(groups map[string][]*manifest.Directive, events chan<- event) []ExtractionJob {
	jobs := make([]ExtractionJob, 0, len(groups))
	for archiveID, directives := range groups {
		path, ok := p.loc.Locate(archiveID)
		if !ok {
			for _, d := range directives {
				p.markFailed(PhaseFromArchive, d, install.ReasonMissingArchive,
					"archive not present on disk", events)
			}
			continue
		}

		verify, err := p.loc.Verify(archiveID)
		if err != nil || !verify.OK {
			detail := "archive failed verification"
			if err != nil {
				detail = err.Error()
			}
			for _, d := range directives {
				p.markFailed(PhaseFromArchive, d, install.ReasonMissingArchive, detail, events)
			}
			continue
		}

		format := archive.Detect(path)
		jobs = append(jobs, ExtractionJob{
			JobID:       len(jobs),
			ArchiveID:   archiveID,
			ArchivePath: path,
			Format:      format,
			Size:        verify.Size,
			Directives:  directives,
			Priority:    jobPriority(format, verify.Size),
		})
	}
	return jobs
}

func (p *Pipeline) extractWorker(jobQ <-chan ExtractionJob, moveQ chan<- ExtractedBatch, events chan<- event) {
	for {
		job, ok := p.popJob(jobQ)
		if !ok {
			return
		}

		batch, err := p.extractJob(&job)
		if err != nil {
			if install.IsDiskFull(err) {
				p.fatal(install.ErrDiskFull)
			}
			for _, d := range job.Directives {
				p.failFromErr(PhaseFromArchive, d, err, events)
			}
			p.temps.release(job.ArchiveID)
			continue
		}

		// Blocking push: movers drain the queue even during shutdown, so
		// a completed extraction always reaches the mover stage.
		moveQ <- *batch
	}
}

// extractJob performs one archive's extraction into its stable temp
// directory and builds the batch the mover consumes. An error here is
// archive-wide; per-entry problems surface later as per-directive failures.
func (p *Pipeline) extractJob(job *ExtractionJob) (*ExtractedBatch, error) {
	tempDir, err := p.temps.acquire(job.ArchiveID)
	if err != nil {
		return nil, err
	}

	// Whole-archive artifacts never need enumeration; a plain file posing
	// as an archive (a bare DLL) only parses when something else in the
	// job actually reaches inside it.
	needIndex := false
	for _, d := range job.Directives {
		if len(d.ArchiveHashPath) > 1 || job.Size != d.Size {
			needIndex = true
			break
		}
	}
	if needIndex {
		if err := p.ensureIndexed(job); err != nil {
			return nil, err
		}
	}

	needed := make(map[string]struct{})
	resolved := make(map[int64]string)
	whole := make(map[int64]bool)

	for _, d := range job.Directives {
		if len(d.ArchiveHashPath) == 1 {
			if job.Size == d.Size {
				// The archive file itself is the artifact.
				whole[d.ID] = true
				continue
			}
			// Misclassified whole-file: recover the intended entry by size
			// and basename.
			found, ok, err := p.idx.LookupBySizeAndName(job.ArchiveID, d.Size, paths.FileName(d.To))
			if p.checkIndexErr(err) {
				return nil, err
			}
			if !ok {
				continue // unresolved; the mover reports it
			}
			norm := paths.Normalize(found)
			resolved[d.ID] = norm
			needed[norm] = struct{}{}
			continue
		}

		entry := d.EntryPath()
		if found, ok, err := p.idx.Lookup(job.ArchiveID, entry); err != nil {
			if p.checkIndexErr(err) {
				return nil, err
			}
		} else if ok {
			entry = found
		}
		norm := paths.Normalize(entry)
		resolved[d.ID] = norm
		needed[norm] = struct{}{}
	}

	fileIndex, err := p.populateTemp(job, tempDir, needed)
	if err != nil {
		return nil, err
	}

	return &ExtractedBatch{
		JobID:        job.JobID,
		ArchiveID:    job.ArchiveID,
		ArchivePath:  job.ArchivePath,
		TempDir:      tempDir,
		FileIndex:    fileIndex,
		Resolved:     resolved,
		Directives:   job.Directives,
		WholeArchive: whole,
	}, nil
}

// populateTemp fills the temp tree with the needed entries, reusing a
// complete tree left by an interrupted run and discarding a partial one.
func (p *Pipeline) populateTemp(job *ExtractionJob, tempDir string, needed map[string]struct{}) (map[string]string, error) {
	existing, err := indexTree(tempDir)
	if err == nil && len(existing) > 0 {
		if containsAll(existing, needed) {
			p.log.Debug("reusing temp tree", "archive", job.ArchiveID, "files", len(existing))
			return existing, nil
		}
		// Partial content is discarded and re-extracted.
		if err := os.RemoveAll(tempDir); err != nil {
			return nil, fmt.Errorf("discarding partial temp tree: %w", err)
		}
		if err := os.MkdirAll(tempDir, 0755); err != nil {
			return nil, fmt.Errorf("recreating temp dir: %w", err)
		}
	}

	if len(needed) == 0 {
		return map[string]string{}, nil
	}

	total, err := p.idx.FileCount(job.ArchiveID)
	if p.checkIndexErr(err) {
		return nil, err
	}

	r, _, err := archive.Open(job.ArchivePath)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	defer r.Close()

	var wanted map[string]struct{}
	mode := "full"
	if archive.UseSelective(job.Format, len(needed), total) {
		wanted = needed
		mode = "selective"
	}
	p.log.Debug("extracting archive",
		"archive", job.ArchiveID, "format", job.Format.String(),
		"needed", len(needed), "total", total, "mode", mode)

	result, err := r.Extract(tempDir, wanted)
	if err != nil {
		return nil, fmt.Errorf("extracting archive: %w", err)
	}
	for _, f := range result.Failed {
		p.log.Warn("entry extraction failed",
			"archive", job.ArchiveID, "entry", f.Path, "err", f.Err)
	}

	return indexTree(tempDir)
}

// ensureIndexed enumerates the archive into the index on first contact.
func (p *Pipeline) ensureIndexed(job *ExtractionJob) error {
	indexed, err := p.idx.IsIndexed(job.ArchiveID)
	if err != nil {
		p.checkIndexErr(err)
		return err
	}
	if indexed {
		return nil
	}

	r, _, err := archive.Open(job.ArchivePath)
	if err != nil {
		return fmt.Errorf("opening archive for enumeration: %w", err)
	}
	defer r.Close()

	entries, err := r.Entries()
	if err != nil {
		// Enumeration failure is the one per-archive corruption case.
		return fmt.Errorf("enumerating archive: %w", err)
	}

	fileEntries := make([]install.FileEntry, 0, len(entries))
	for _, e := range entries {
		fileEntries = append(fileEntries, install.FileEntry{
			ArchiveID: job.ArchiveID,
			Path:      e.Path,
			Size:      e.Size,
		})
	}
	if err := p.idx.IndexFiles(job.ArchiveID, fileEntries); err != nil {
		p.checkIndexErr(err)
		return err
	}
	p.log.Debug("indexed archive", "archive", job.ArchiveID, "entries", len(fileEntries))
	return nil
}

func containsAll(index map[string]string, needed map[string]struct{}) bool {
	for n := range needed {
		if _, ok := index[n]; !ok {
			return false
		}
	}
	return true
}
