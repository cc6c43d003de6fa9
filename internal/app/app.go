// Package app is the application layer between the CLI and the installation
// core. It constructs all dependencies from config, exposes the high-level
// operations, and manages the index lifecycle on Close.
package app

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/term"

	"lodestone/internal/config"
	"lodestone/internal/index"
	"lodestone/internal/install"
	"lodestone/internal/loadorder"
	"lodestone/internal/locate"
	"lodestone/internal/manifest"
	"lodestone/internal/paths"
	"lodestone/internal/pipeline"
)

// App wires the installer's components for one CLI invocation. The caller
// must call Close when done.
type App struct {
	cfg     *config.Config
	idx     *index.SQLiteIndex
	logger  install.Logger
	logFile *os.File
	runID   string
	sorter  install.PluginSorter

	pipe *pipeline.Pipeline
}

// New creates a fully wired App from the given config.
func New(cfg *config.Config) (*App, error) {
	runID := fmt.Sprintf("%s-%s",
		time.Now().UTC().Format("20060102T150405Z"),
		uuid.New().String()[:8])

	logger, logFile, err := newLogger(cfg.LogDir, runID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	idx, err := index.Open(cfg.IndexPath())
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("opening archive index: %w", err)
	}
	if err := idx.CheckMigrations(); err != nil {
		idx.Close()
		logFile.Close()
		return nil, fmt.Errorf("archive index schema out of date: %w", err)
	}

	return &App{
		cfg:     cfg,
		idx:     idx,
		logger:  &slogAdapter{l: logger},
		logFile: logFile,
		runID:   runID,
		sorter:  loadorder.DefaultSorter{},
	}, nil
}

// Cancel requests a cooperative shutdown of a running install.
func (a *App) Cancel() {
	if a.pipe != nil {
		a.pipe.Shutdown()
	}
}

// Install runs the full installation for the bundle at manifestPath:
// the streaming pipeline phases followed by load-order generation.
func (a *App) Install(manifestPath string) (*install.Summary, error) {
	bundle, err := manifest.Load(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("loading bundle manifest: %w", err)
	}

	if err := a.idx.BeginRun(a.runID, "install"); err != nil {
		return nil, err
	}

	payloadDir := a.cfg.Paths.PayloadDir
	if payloadDir == "" {
		payloadDir = filepath.Dir(manifestPath)
	}

	locator := locate.NewDirLocator(bundle, a.cfg.Paths.DownloadsDir)

	var onProgress func(done, skipped, failed int)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		onProgress = func(done, skipped, failed int) {
			fmt.Fprintf(os.Stderr, "\rOK:%d Skip:%d Fail:%d", done, skipped, failed)
		}
	}

	a.pipe = pipeline.New(pipeline.Config{
		OutputDir:      a.cfg.Paths.OutputDir,
		PayloadDir:     payloadDir,
		Workers:        a.cfg.Pipeline.Workers,
		JobQueueDepth:  a.cfg.Pipeline.JobQueueDepth,
		MoveQueueDepth: a.cfg.Pipeline.MoveQueueDepth,
		OnProgress:     onProgress,
	}, a.idx, locator, a.logger)

	summary, runErr := a.pipe.Run(bundle)
	if onProgress != nil {
		fmt.Fprintln(os.Stderr)
	}

	outcome := "success"
	switch {
	case runErr != nil:
		outcome = "aborted"
	case summary.Partial():
		outcome = "partial"
	}

	// Load-order generation still runs after a partial pipeline: the
	// manifests must reflect whatever is on disk.
	if runErr == nil && len(bundle.Mods) > 0 {
		if err := a.generateLoadOrder(bundle); err != nil {
			a.logger.Error("load-order generation failed", "err", err)
			outcome = "partial"
		}
	}

	if err := a.idx.FinishRun(a.runID, outcome); err != nil {
		a.logger.Error("recording run outcome failed", "err", err)
	}

	return summary, runErr
}

// GenerateLoadOrder recomputes and writes the ordering manifests without
// running the pipeline.
func (a *App) GenerateLoadOrder(manifestPath string) error {
	bundle, err := manifest.Load(manifestPath)
	if err != nil {
		return fmt.Errorf("loading bundle manifest: %w", err)
	}
	return a.generateLoadOrder(bundle)
}

func (a *App) generateLoadOrder(bundle *manifest.Bundle) error {
	modsDir := a.cfg.ModsDir()
	enabled, disabled := partitionPlugins(bundle.Plugins, modsDir)

	sorted, err := a.sorter.Sort(bundle.GameType, []string{modsDir}, enabled)
	if err != nil {
		return fmt.Errorf("sorting plugins: %w", err)
	}

	mods := make([]loadorder.Mod, 0, len(bundle.Mods))
	for _, m := range bundle.Mods {
		mods = append(mods, loadorder.Mod{
			Name:        m.Name,
			LogicalName: m.LogicalName,
			Folder:      m.Folder,
			MD5:         m.MD5,
		})
	}
	rules := make([]loadorder.Rule, 0, len(bundle.Rules))
	for _, r := range bundle.Rules {
		rules = append(rules, loadorder.Rule{
			Kind:       loadorder.RuleKind(r.Kind),
			SourceName: r.SourceName,
			SourceMD5:  r.SourceMD5,
			TargetName: r.TargetName,
			TargetMD5:  r.TargetMD5,
		})
	}

	gen := loadorder.NewGenerator(a.logger)
	modOrder := gen.ModOrder(mods, rules, sorted, modsDir)

	profileDir := a.cfg.ProfileDir()
	if err := loadorder.WriteModlist(filepath.Join(profileDir, "modlist.txt"), modOrder); err != nil {
		return err
	}
	if err := loadorder.WritePlugins(
		filepath.Join(profileDir, "plugins.txt"),
		filepath.Join(profileDir, "loadorder.txt"),
		bundle.GameType, sorted, disabled,
	); err != nil {
		return err
	}

	a.logger.Info("load order generated",
		"mods", len(modOrder), "plugins", len(sorted), "profile", profileDir)
	return nil
}

// partitionPlugins splits the bundle's declared plugins into enabled ones
// (fed to the sorter) and disabled ones (appended unstarred to the ordering
// manifests). Bundles that declare no plugins fall back to discovery: every
// plugin found under the mods tree is treated as enabled.
func partitionPlugins(declared []manifest.PluginRecord, modsDir string) (enabled, disabled []string) {
	if len(declared) == 0 {
		return discoverPlugins(modsDir), nil
	}
	for _, p := range declared {
		if p.Enabled {
			enabled = append(enabled, p.Name)
		} else {
			disabled = append(disabled, p.Name)
		}
	}
	return enabled, disabled
}

// discoverPlugins walks the mods tree for plugin files. Names are unique
// and sorted so the sorter sees deterministic input.
func discoverPlugins(modsDir string) []string {
	seen := make(map[string]string)
	filepath.WalkDir(modsDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		switch paths.Ext(d.Name()) {
		case "esp", "esm", "esl":
			seen[strings.ToLower(d.Name())] = d.Name()
		}
		return nil
	})

	plugins := make([]string, 0, len(seen))
	for _, name := range seen {
		plugins = append(plugins, name)
	}
	sort.Strings(plugins)
	return plugins
}

// Status returns directive counts per status.
func (a *App) Status() (map[install.Status]int, error) {
	return a.idx.StatusCounts()
}

// RetryFailed resets all Failed directives to Pending. Returns the number
// reset.
func (a *App) RetryFailed() (int, error) {
	n, err := a.idx.ResetFailed()
	if err != nil {
		return 0, err
	}
	a.logger.Info("failed directives reset", "count", n)
	return n, nil
}

// Close releases the index and log file.
func (a *App) Close() error {
	var firstErr error
	if err := a.idx.Close(); err != nil {
		firstErr = fmt.Errorf("closing archive index: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
