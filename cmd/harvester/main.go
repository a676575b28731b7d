package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/asinwatch/harvester/internal/channel"
	"github.com/asinwatch/harvester/internal/config"
	"github.com/asinwatch/harvester/internal/types"
)

// Exit codes: 0 clean, 1 run failure, 2 configuration error.
const (
	exitOK     = 0
	exitRun    = 1
	exitConfig = 2
)

var (
	cfgFile     string
	verbose     bool
	region      string
	categories  string
	workers     int
	storeType   string
	outputDir   string
	rulesPath   string
	noProxy     bool
	metricsPort int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "harvester",
		Short: "Marketplace channel harvester and risk classifier",
		Long: `harvester crawls marketplace discovery channels (best sellers,
movers & shakers, outlet deals, warehouse deals), filters listings per
channel rules, classifies every harvested record against a versioned
compliance rule set, and persists partitioned results.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(channelsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var cfgErr *configError
		if errors.As(err, &cfgErr) {
			os.Exit(exitConfig)
		}
		os.Exit(exitRun)
	}
	os.Exit(exitOK)
}

// configError marks failures that are the operator's configuration
// rather than the run itself; they map to exit code 2.
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// runCmd creates the "run" subcommand: one pass over the named
// channels, or all of them.
func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [channel...]",
		Short: "Run one harvest pass over the given channels",
		Long: `Run one harvest pass. With no arguments every channel runs once, in
sequence. Channels: best_sellers, movers_shakers, outlet, warehouse.`,
		RunE: runHarvest,
	}
	cmd.Flags().StringVarP(&region, "region", "r", "", "marketplace region (us, uk, de, fr, jp, ca)")
	cmd.Flags().StringVar(&categories, "categories", "", "comma-separated category slugs to narrow the crawl")
	cmd.Flags().IntVarP(&workers, "workers", "n", 0, "page-fetch workers per run (2-4)")
	cmd.Flags().StringVar(&storeType, "storage", "", "storage backend: file, sqlite, mongo")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "output directory for the file backend")
	cmd.Flags().StringVar(&rulesPath, "rules", "", "rule-set JSON file (default: built-in)")
	cmd.Flags().BoolVar(&noProxy, "no-proxy", false, "fetch directly, ignoring any configured proxy list")
	cmd.Flags().IntVar(&metricsPort, "metrics", 0, "serve Prometheus metrics on this port")
	return cmd
}

func runHarvest(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	strategies, err := rt.strategiesFor(args)
	if err != nil {
		return &configError{err}
	}

	ctx, stop := signalContext()
	defer stop()

	var failures int
	start := time.Now()
	for _, strat := range strategies {
		run, err := rt.runner.Run(ctx, strat, rt.cfg.Run.Categories)
		switch {
		case errors.Is(err, types.ErrRunCancelled):
			fmt.Printf("%-16s cancelled after %d pages, %d records persisted\n",
				run.Channel, run.PagesVisited, run.RecordsHarvested)
			return fmt.Errorf("interrupted")
		case err != nil:
			failures++
			fmt.Printf("%-16s FAILED: %s\n", run.Channel, run.FailureCause)
		default:
			fmt.Printf("%-16s %d pages, %d harvested (%d safe / %d review / %d banned), %d page errors\n",
				run.Channel, run.PagesVisited, run.RecordsHarvested,
				run.SafeCount, run.ReviewCount, run.BannedCount, len(run.Errors))
		}
	}

	fmt.Printf("\nDone in %s, rule set %s, output via %s\n",
		time.Since(start).Round(time.Millisecond), rt.runner.RuleSetVersion(), rt.store.Name())
	if failures > 0 {
		return fmt.Errorf("%d of %d channel runs failed", failures, len(strategies))
	}
	return nil
}

// scheduleCmd creates the "schedule" subcommand: every channel on its
// own cadence until interrupted.
func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run all channels continuously on their cadences",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signalContext()
			defer stop()

			rt.logger.Info("scheduler starting", "channels", 4, "region", rt.cfg.Run.Region)
			rt.scheduler.Start(ctx)
			rt.logger.Info("scheduler stopped")
			return nil
		},
	}
	cmd.Flags().StringVarP(&region, "region", "r", "", "marketplace region (us, uk, de, fr, jp, ca)")
	cmd.Flags().StringVar(&storeType, "storage", "", "storage backend: file, sqlite, mongo")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "output directory for the file backend")
	return cmd
}

// channelsCmd creates the "channels" subcommand.
func channelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List harvest channels and their cadences",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			scopes := map[types.Channel]string{
				types.ChannelBestSellers:   strings.Join(cfg.Channels.BestSellerCategories, ", "),
				types.ChannelMoversShakers: strings.Join(cfg.Channels.MoversCategories, ", "),
				types.ChannelOutlet:        strings.Join(cfg.Channels.OutletAllowList, ", "),
				types.ChannelWarehouse:     fmt.Sprintf("%d pages", cfg.Channels.WarehousePages),
			}
			fmt.Printf("%-16s %-8s %s\n", "CHANNEL", "CADENCE", "SCOPE")
			for _, strat := range channel.All(&cfg.Channels) {
				fmt.Printf("%-16s %-8s %s\n", strat.Channel(), strat.Cadence(), scopes[strat.Channel()])
			}
			return nil
		},
	}
}

// configCmd creates the "config" subcommand for inspecting the
// effective configuration.
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("Run:\n")
			fmt.Printf("  Region:             %s\n", cfg.Run.Region)
			fmt.Printf("  Workers:            %d\n", cfg.Run.Workers)
			fmt.Printf("  Failure threshold:  %d\n", cfg.Run.MaxConsecutiveFailures)
			fmt.Printf("\nFetcher:\n")
			fmt.Printf("  Base delay:         %s\n", cfg.Fetcher.BaseDelay)
			fmt.Printf("  Timeout:            %s\n", cfg.Fetcher.Timeout)
			fmt.Printf("  Retries:            %d\n", cfg.Fetcher.Retries)
			fmt.Printf("\nProxy:\n")
			fmt.Printf("  Enabled:            %v\n", cfg.Proxy.Enabled)
			fmt.Printf("  List file:          %s\n", cfg.Proxy.ListFile)
			fmt.Printf("  Ban threshold:      %d\n", cfg.Proxy.BanThreshold)
			fmt.Printf("  Cooldown:           %s .. %s\n", cfg.Proxy.CooldownBase, cfg.Proxy.CooldownMax)
			fmt.Printf("\nRules:\n")
			fmt.Printf("  Rule file:          %s\n", ruleSource(cfg))
			fmt.Printf("\nStorage:\n")
			fmt.Printf("  Type:               %s\n", cfg.Storage.Type)
			fmt.Printf("  Output dir:         %s\n", cfg.Storage.OutputDir)
			fmt.Printf("  Mirror:             %v\n", cfg.Storage.Mirror)
			fmt.Printf("\nMetrics:\n")
			fmt.Printf("  Enabled:            %v\n", cfg.Metrics.Enabled)
			fmt.Printf("  Port:               %d\n", cfg.Metrics.Port)
			return nil
		},
	}
}

func ruleSource(cfg *config.Config) string {
	if cfg.Rules.Path == "" {
		return "(built-in)"
	}
	return cfg.Rules.Path
}

// versionCmd creates the "version" subcommand.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("harvester %s\n", config.Version)
		},
	}
}

// loadConfig loads the file/env config and applies CLI overrides.
// Every failure here is a configuration error.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, &configError{fmt.Errorf("load config: %w", err)}
	}
	applyCLIOverrides(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, &configError{fmt.Errorf("invalid config: %w", err)}
	}
	return cfg, nil
}

// applyCLIOverrides applies command-line flag values to the config.
func applyCLIOverrides(cfg *config.Config) {
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if region != "" {
		cfg.Run.Region = strings.ToLower(region)
	}
	if workers > 0 {
		cfg.Run.Workers = workers
	}
	if storeType != "" {
		cfg.Storage.Type = strings.ToLower(storeType)
	}
	if outputDir != "" {
		cfg.Storage.OutputDir = outputDir
	}
	if rulesPath != "" {
		cfg.Rules.Path = rulesPath
	}
	if noProxy {
		cfg.Proxy.Enabled = false
	}
	if metricsPort > 0 {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Port = metricsPort
	}
	if categories != "" {
		var cats []string
		for _, c := range strings.Split(categories, ",") {
			if c = strings.TrimSpace(c); c != "" {
				cats = append(cats, strings.ToLower(c))
			}
		}
		cfg.Run.Categories = cats
	}
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
