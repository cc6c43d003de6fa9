package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"lodestone/internal/app"
	"lodestone/internal/config"
	"lodestone/internal/install"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer
// a.Close().
func newApp() (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

var rootCmd = &cobra.Command{
	Use:   "lodestone",
	Short: "Streaming modlist installer",
}

// config command

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var (
	configInitOutput    string
	configInitDownloads string
)

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(configInitOutput, configInitDownloads, defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Output Dir:    %s\n", cfg.Paths.OutputDir)
		fmt.Printf("Downloads Dir: %s\n", cfg.Paths.DownloadsDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Output Dir:    %s\n", cfg.Paths.OutputDir)
		fmt.Printf("Downloads Dir: %s\n", cfg.Paths.DownloadsDir)
		fmt.Printf("Index Path:    %s\n", cfg.IndexPath())
		fmt.Printf("Game Type:     %s\n", cfg.Game.Type)
		fmt.Printf("Log Dir:       %s\n", cfg.LogDir)
		return nil
	},
}

// install command

var installCmd = &cobra.Command{
	Use:   "install <bundle-manifest>",
	Short: "Install a bundle into the output directory",
	Long: `Install runs the streaming pipeline for every directive in the bundle
manifest, then generates the load-order manifests. Interrupting with SIGINT
or SIGTERM drains the pipeline cooperatively; a rerun resumes where the
previous run stopped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		go func() {
			<-sigCh
			fmt.Fprintln(os.Stderr, "shutdown requested, draining pipeline...")
			a.Cancel()
		}()

		summary, err := a.Install(args[0])
		if err != nil {
			return fmt.Errorf("install aborted: %w", err)
		}

		printSummary(summary)
		if summary.Partial() {
			return fmt.Errorf("%d directives failed; rerun after fixing, or use retry-failed", len(summary.Failures))
		}
		return nil
	},
}

// resume is install under a clearer name: all completed work is skipped.
var resumeCmd = &cobra.Command{
	Use:   "resume <bundle-manifest>",
	Short: "Resume an interrupted installation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return installCmd.RunE(cmd, args)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show directive progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		counts, err := a.Status()
		if err != nil {
			return err
		}

		order := []install.Status{
			install.StatusPending,
			install.StatusInFlight,
			install.StatusDone,
			install.StatusSkipped,
			install.StatusFailed,
		}
		for _, s := range order {
			fmt.Printf("%-10s %d\n", s, counts[s])
		}
		return nil
	},
}

var retryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Reset failed directives so the next run retries them",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.RetryFailed()
		if err != nil {
			return err
		}
		fmt.Printf("Reset %d failed directives to pending\n", n)
		return nil
	},
}

var loadorderCmd = &cobra.Command{
	Use:   "loadorder <bundle-manifest>",
	Short: "Regenerate the load-order manifests",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.GenerateLoadOrder(args[0]); err != nil {
			return err
		}
		fmt.Println("Load-order manifests written")
		return nil
	},
}

func printSummary(summary *install.Summary) {
	fmt.Println()
	for _, p := range summary.Phases {
		fmt.Printf("%-16s done:%-6d skipped:%-6d failed:%d\n",
			p.Phase, p.Done, p.Skipped, p.Failed)
	}
	if len(summary.Failures) > 0 {
		fmt.Printf("\nFailed directives:\n")
		for _, f := range summary.Failures {
			fmt.Printf("  [%d] archive=%s reason=%s: %s\n",
				f.DirectiveID, f.ArchiveID, f.Reason, f.Detail)
		}
	}
}

func init() {
	configInitCmd.Flags().StringVar(&configInitOutput, "output", "", "installation output directory")
	configInitCmd.Flags().StringVar(&configInitDownloads, "downloads", "", "downloaded archives directory")
	configInitCmd.MarkFlagRequired("output")
	configInitCmd.MarkFlagRequired("downloads")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(retryFailedCmd)
	rootCmd.AddCommand(loadorderCmd)
}
