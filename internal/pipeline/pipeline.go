package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"lodestone/internal/install"
	"lodestone/internal/manifest"
)

// Phase names, in execution order.
const (
	PhaseFromArchive = "from-archive"
	PhaseNested      = "nested-archive"
	PhaseCreateBSA   = "create-bsa"
	PhaseInline      = "inline"
)

// Config tunes the pipeline.
type Config struct {
	// OutputDir is the installation root; destinations are relative to it.
	OutputDir string

	// PayloadDir holds WholeFile sources shipped alongside the bundle.
	PayloadDir string

	// Workers is the total worker budget split between extractors and
	// movers. Zero means the CPU count.
	Workers int

	// Queue depths; zero means the defaults.
	JobQueueDepth  int
	MoveQueueDepth int

	// PollInterval is how often blocked queue operations re-check the
	// shutdown flag. Zero means 100ms.
	PollInterval time.Duration

	// OnProgress, when set, receives running completion counts.
	OnProgress func(done, skipped, failed int)
}

// event is one directive completion consumed by the reporter.
type event struct {
	phase   string
	outcome install.Status
}

// deferred is a nested-archive directive parked by the mover for phase 2.
type deferred struct {
	directive     *manifest.Directive
	archiveID     string
	containerHost string
	containerNorm string
}

// Pipeline executes a bundle's directives against the output tree.
type Pipeline struct {
	cfg   Config
	idx   install.Index
	loc   install.Locator
	log   install.Logger
	temps *tempManager

	shutdown atomic.Bool
	fatalMu  sync.Mutex
	fatalErr error

	mu       sync.Mutex
	failures []install.Failure
	parked   []deferred

	done    atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64
}

// New builds a pipeline over the given collaborators.
func New(cfg Config, idx install.Index, loc install.Locator, log install.Logger) *Pipeline {
	if cfg.JobQueueDepth <= 0 {
		cfg.JobQueueDepth = defaultJobQueueDepth
	}
	if cfg.MoveQueueDepth <= 0 {
		cfg.MoveQueueDepth = defaultMoveQueueDepth
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if log == nil {
		log = install.NewNopLogger()
	}
	return &Pipeline{
		cfg:   cfg,
		idx:   idx,
		loc:   loc,
		log:   log,
		temps: newTempManager(cfg.OutputDir),
	}
}

// Shutdown requests a cooperative stop: workers finish in-progress archives,
// drain their outputs, and preserve temp trees for resume.
func (p *Pipeline) Shutdown() {
	p.shutdown.Store(true)
}

// fatal records an abort-the-run error and triggers the cooperative stop.
func (p *Pipeline) fatal(err error) {
	p.fatalMu.Lock()
	if p.fatalErr == nil {
		p.fatalErr = err
	}
	p.fatalMu.Unlock()
	p.shutdown.Store(true)
	p.log.Error("fatal pipeline error", "err", err)
}

func (p *Pipeline) fatalError() error {
	p.fatalMu.Lock()
	defer p.fatalMu.Unlock()
	return p.fatalErr
}

// checkIndexErr routes index-store failures to the fatal path. Returns true
// when err was fatal.
func (p *Pipeline) checkIndexErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, install.ErrIndexFailure) {
		p.fatal(err)
		return true
	}
	return false
}

// Run executes all phases and returns the run summary. Only index-store
// failures and disk exhaustion abort between phases; everything else is
// per-directive accounting.
func (p *Pipeline) Run(bundle *manifest.Bundle) (*install.Summary, error) {
	if n, err := p.idx.RecoverInFlight(); err != nil {
		return nil, fmt.Errorf("recovering interrupted directives: %w", err)
	} else if n > 0 {
		p.log.Info("recovered interrupted directives", "count", n)
	}

	known := make(map[string]bool)
	for i := range bundle.Archives {
		known[bundle.Archives[i].ID] = true
	}
	if removed := p.temps.cleanupStale(known); removed > 0 {
		p.log.Info("removed stale temp directories", "count", removed)
	}

	events := make(chan event, 256)
	var reporterWG sync.WaitGroup
	phaseStats := make(map[string]*install.PhaseStats)
	for _, name := range []string{PhaseFromArchive, PhaseNested, PhaseCreateBSA, PhaseInline} {
		phaseStats[name] = &install.PhaseStats{Phase: name}
	}

	reporterWG.Add(1)
	go func() {
		defer reporterWG.Done()
		p.report(events, phaseStats)
	}()

	p.runFromArchivePhase(bundle, events)
	if p.fatalError() == nil {
		p.runNestedPhase(events)
	}
	if p.fatalError() == nil {
		p.runCreateBSAPhase(bundle, events)
	}
	if p.fatalError() == nil {
		p.runInlinePhase(bundle, events)
	}

	close(events)
	reporterWG.Wait()

	summary := &install.Summary{}
	for _, name := range []string{PhaseFromArchive, PhaseNested, PhaseCreateBSA, PhaseInline} {
		summary.Phases = append(summary.Phases, *phaseStats[name])
	}
	p.mu.Lock()
	summary.Failures = append(summary.Failures, p.failures...)
	p.mu.Unlock()

	return summary, p.fatalError()
}

// report is the single reporter task: it consumes completion events,
// updates counters, and feeds the progress callback.
func (p *Pipeline) report(events <-chan event, stats map[string]*install.PhaseStats) {
	for ev := range events {
		s := stats[ev.phase]
		switch ev.outcome {
		case install.StatusDone:
			s.Done++
			p.done.Add(1)
		case install.StatusSkipped:
			s.Skipped++
			p.skipped.Add(1)
		case install.StatusFailed:
			s.Failed++
			p.failed.Add(1)
		}
		if p.cfg.OnProgress != nil {
			p.cfg.OnProgress(int(p.done.Load()), int(p.skipped.Load()), int(p.failed.Load()))
		}
	}
}

// markDone records a completed directive.
func (p *Pipeline) markDone(phase string, d *manifest.Directive, events chan<- event) {
	if err := p.idx.SetStatus(d.ID, install.StatusDone); err != nil {
		p.checkIndexErr(err)
		return
	}
	events <- event{phase: phase, outcome: install.StatusDone}
}

// markSkipped records a directive that needed no work.
func (p *Pipeline) markSkipped(phase string, d *manifest.Directive, events chan<- event) {
	if err := p.idx.SetStatus(d.ID, install.StatusSkipped); err != nil {
		p.checkIndexErr(err)
		return
	}
	events <- event{phase: phase, outcome: install.StatusSkipped}
}

// markFailed records a failed directive with its classified reason.
func (p *Pipeline) markFailed(phase string, d *manifest.Directive, reason install.Reason, detail string, events chan<- event) {
	if reason == install.ReasonDiskFull {
		p.fatal(fmt.Errorf("directive %d: %w", d.ID, install.ErrDiskFull))
	}
	if err := p.idx.MarkFailed(d.ID, reason, detail); err != nil {
		p.checkIndexErr(err)
	}
	p.mu.Lock()
	p.failures = append(p.failures, install.Failure{
		DirectiveID: d.ID,
		ArchiveID:   d.ArchiveID(),
		Reason:      reason,
		Detail:      detail,
	})
	p.mu.Unlock()
	p.log.Warn("directive failed", "id", d.ID, "reason", string(reason), "detail", detail)
	events <- event{phase: phase, outcome: install.StatusFailed}
}

// failFromErr classifies err and records the failure.
func (p *Pipeline) failFromErr(phase string, d *manifest.Directive, err error, events chan<- event) {
	p.markFailed(phase, d, install.Classify(err), err.Error(), events)
}

// pushJob offers a job to the queue, re-checking the shutdown flag at every
// poll interval. Returns false when the pipeline is stopping.
func (p *Pipeline) pushJob(q chan<- ExtractionJob, job ExtractionJob) bool {
	for {
		if p.shutdown.Load() {
			return false
		}
		select {
		case q <- job:
			return true
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// popJob pulls the next job, refusing new work once shutdown is requested.
func (p *Pipeline) popJob(q <-chan ExtractionJob) (ExtractionJob, bool) {
	for {
		if p.shutdown.Load() {
			return ExtractionJob{}, false
		}
		select {
		case job, ok := <-q:
			return job, ok
		case <-time.After(p.cfg.PollInterval):
		}
	}
}
