/*
fgwd - outbound resource-fetch gateway.

fgwd serves a single fetch endpoint. Each request names a resource by a
relative reference, resolved against a trusted base location, or by an
absolute URL. The target host must be on the allow-list before any
outbound connection is made.

Usage:

	fgwd [flags]
	fgwd version
	fgwd check <reference> [flags]
	fgwd config dump [flags]
	fgwd config validate [flags]
*/
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/ushineko/fetchgate/internal/allowlist"
	"github.com/ushineko/fetchgate/internal/config"
	"github.com/ushineko/fetchgate/internal/fetch"
	"github.com/ushineko/fetchgate/internal/gateway"
	"github.com/ushineko/fetchgate/internal/logbuf"
	"github.com/ushineko/fetchgate/internal/logging"
	"github.com/ushineko/fetchgate/internal/probe"
	"github.com/ushineko/fetchgate/internal/resolve"
	"github.com/ushineko/fetchgate/internal/server"
	"github.com/ushineko/fetchgate/internal/stats"
	"github.com/ushineko/fetchgate/internal/version"
)

// Flags other than these two are read through the config overlay, which
// also maps each one to an FGW_* environment variable.
var (
	flagConfigPath  string
	flagVersionJSON bool
)

var rootCmd = &cobra.Command{
	Use:          "fgwd",
	Short:        "fgwd - outbound resource-fetch gateway",
	SilenceUsage: true,
	RunE:         runGateway,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !flagVersionJSON {
			fmt.Fprintln(cmd.OutOrStdout(), version.Full())
			return nil
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(version.Get())
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <reference>",
	Short: "Resolve a reference and check it against the allow-list without fetching",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheck,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the resolved configuration as YAML",
	RunE:  runConfigDump,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and exit",
	RunE:  runConfigValidate,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagConfigPath, "config", "c", "", "config file path (default: fgwd.yml in current directory)")
	pf.String(config.KeyDataDir, "", "directory for stats.db")
	pf.String(config.KeyBaseLocation, "", "trusted base URL for relative references")
	pf.Duration(config.KeyFetchTimeout, 0, "outbound fetch timeout (e.g. 5s)")
	pf.StringArray(config.KeyAllowedHosts, nil, "allowed upstream host (repeatable)")
	pf.Int(config.KeyWorkers, 0, "number of concurrent fetch workers")

	rootCmd.Flags().StringP(config.KeyAddr, "a", "", "listen address (host:port)")
	rootCmd.Flags().String(config.KeyLogDir, "", "directory for log files (empty to disable file logging)")
	rootCmd.Flags().BoolP(config.KeyVerbose, "v", false, "enable verbose (DEBUG) logging")

	versionCmd.Flags().BoolVar(&flagVersionJSON, "json", false, "print version information as JSON")

	configCmd.AddCommand(configDumpCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves configuration from file, environment and CLI flags,
// validates it, and derives the immutable gateway settings.
func loadConfig(cmd *cobra.Command) (config.Config, config.Settings, error) {
	cfg, cfgPath, err := config.Load(flagConfigPath)
	if err != nil {
		return cfg, config.Settings{}, err
	}

	if cfgPath != "" {
		fmt.Fprintf(os.Stderr, "config: loaded %s\n", cfgPath)
	}

	overlay, err := config.NewOverlay(cmd.Flags())
	if err != nil {
		return cfg, config.Settings{}, err
	}
	if err := cfg.ApplyOverlay(overlay); err != nil {
		return cfg, config.Settings{}, err
	}

	settings, err := cfg.Settings()
	if err != nil {
		return cfg, config.Settings{}, err
	}

	return cfg, settings, nil
}

func runGateway(cmd *cobra.Command, _ []string) error {
	cfg, settings, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Recent records for the logs endpoint, at the console level or above.
	var recent *logbuf.Buffer
	var extra []slog.Handler
	if cfg.Management.RecentLogs > 0 {
		level := slog.LevelInfo
		if cfg.Verbose {
			level = slog.LevelDebug
		}
		recent = logbuf.New(cfg.Management.RecentLogs, level)
		extra = append(extra, recent.Handler())
	}

	logger, cleanup := logging.Setup(logging.Config{
		LogDir:  cfg.LogDir,
		Verbose: cfg.Verbose,
		Extra:   extra,
	})
	defer cleanup()

	allowed := allowlist.New(settings.AllowedHosts())
	if allowed.Size() == 0 {
		logger.Warn("allow-list is empty, every fetch will be denied")
	}

	resolver := resolve.New(settings.BaseLocation())
	fetcher := fetch.New(&fetch.Config{
		Timeout:      settings.FetchTimeout(),
		MaxBodyBytes: settings.MaxBodyBytes(),
		UserAgent:    settings.UserAgent(),
		Logger:       logger,
	})

	// In-memory stats are always collected; persistence is optional.
	collector := stats.NewCollectorWithLimit(cfg.Stats.MaxKeys)

	var statsDB *stats.DB
	if cfg.Stats.Enabled {
		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil { //nolint:gosec // data directory
			return fmt.Errorf("create data dir: %w", err)
		}
		statsDBPath := filepath.Join(cfg.DataDir, "stats.db")
		statsDB, err = stats.Open(statsDBPath, collector, logger, cfg.Stats.FlushInterval.Duration)
		if err != nil {
			return fmt.Errorf("open stats db: %w", err)
		}
		defer statsDB.Close() //nolint:errcheck // best-effort on shutdown (includes final flush)

		logger.Info("stats database initialized",
			"path", statsDBPath,
			"flush_interval", cfg.Stats.FlushInterval.Duration,
		)
	}

	var gw *gateway.Handler
	metrics := stats.NewMetrics(func() int { return gw.WorkersBusy() })

	gw = gateway.New(&gateway.Config{
		Param:     cfg.Gateway.Param,
		Workers:   cfg.Gateway.Workers,
		Resolver:  resolver,
		Validator: allowed,
		Fetcher:   fetcher,
		Logger:    logger,
		OnResult: func(res gateway.Result) {
			collector.Record(res)
			metrics.Observe(res)
		},
	})

	srvCfg := &server.Config{
		ListenAddr:        cfg.Listen,
		Logger:            logger,
		ReadHeaderTimeout: cfg.Timeouts.ReadHeader.Duration,
		ManagementPrefix:  cfg.Management.PathPrefix,
		GatewayPath:       cfg.Gateway.Path,
		Gateway:           gw,
		MetricsHandler:    metrics.Handler(),
	}
	if recent != nil {
		srvCfg.LogsHandler = probe.LogsHandler(recent)
	}
	srv := server.New(srvCfg)

	// Management handlers need the server itself for uptime and counters.
	srv.SetHandlers(
		probe.HeartbeatHandler(srv, probe.GatewayInfo{
			AllowlistSize: allowed.Size(),
			FetchTimeout:  settings.FetchTimeout(),
			Pool:          gw,
		}),
		probe.StatsHandler(&probe.StatsProvider{
			Info:      srv,
			Collector: collector,
			DB:        statsDB,
		}),
	)

	if statsDB != nil {
		statsDB.Start()
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("fgwd starting",
		"version", version.Full(),
		"addr", cfg.Listen,
		"log_dir", cfg.LogDir,
		"verbose", cfg.Verbose,
		"base_location", settings.BaseLocation(),
		"allowed_hosts", allowed.Size(),
		"fetch_timeout", settings.FetchTimeout(),
		"workers", gw.Workers(),
		"stats_enabled", cfg.Stats.Enabled,
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown.Duration)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	logger.Info("fgwd stopped")
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	_, settings, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return checkReference(cmd.OutOrStdout(), settings, args[0])
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	out, err := cfg.Dump()
	if err != nil {
		return fmt.Errorf("dump config: %w", err)
	}

	fmt.Fprint(cmd.OutOrStdout(), string(out))
	return nil
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	_, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "config: valid")
	return nil
}
