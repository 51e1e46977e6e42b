// Package main is the entry point for the pybt backtest runtime.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fenggeHu/pybt/internal/config"
	"github.com/fenggeHu/pybt/internal/engine"
	"github.com/fenggeHu/pybt/internal/metrics"
	"github.com/fenggeHu/pybt/internal/notify"
	"github.com/fenggeHu/pybt/internal/outbox"
	"github.com/fenggeHu/pybt/internal/reporter"
	"github.com/fenggeHu/pybt/internal/run"
	"github.com/fenggeHu/pybt/internal/strategy"
	"github.com/fenggeHu/pybt/internal/types"
)

// Version information (set by build flags).
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "backtest":
		cmdBacktest(os.Args[2:])
	case "serve":
		cmdServe(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`pybt - event-driven backtest runtime

Usage:
  pybt <command> [options]

Commands:
  backtest   Run one configured backtest to completion
  serve      Start the run orchestrator with outbox dispatcher and metrics
  validate   Validate a configuration file
  version    Show version information
  help       Show this help message

Examples:
  pybt backtest --config run.yaml
  pybt serve --config server.yaml run-a.yaml run-b.yaml
  pybt validate --config run.yaml

Use "pybt <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("pybt version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(exitCode(engine.FailureConfig))
	}

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Initial cash: %s\n", cfg.InitialCash())
	fmt.Printf("  Data feed: %s\n", cfg.Data.Type)
	fmt.Printf("  Strategies: %d\n", len(cfg.Strategies))
	if cfg.Notify.Enabled {
		fmt.Printf("  Notification channels: %d\n", len(cfg.Notify.Channels))
	}
}

// exitCode maps a run failure class to a process exit code.
func exitCode(f engine.Failure) int {
	switch f {
	case engine.FailureConfig:
		return 2
	case engine.FailureFeed:
		return 3
	case engine.FailureCanceled:
		return 5
	default:
		return 4
	}
}

func newLogger(verbose bool, json bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var logger *slog.Logger
	if json {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, opts))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	slog.SetDefault(logger)
	return logger
}

// buildChannels constructs the configured notification adapters.
func buildChannels(cfg *config.Config, logger *slog.Logger) []notify.ChannelAdapter {
	var channels []notify.ChannelAdapter
	for _, ch := range cfg.Notify.Channels {
		switch ch.Type {
		case "telegram":
			channels = append(channels, notify.NewTelegram(notify.TelegramConfig{
				BotToken: ch.BotToken,
				ChatID:   ch.ChatID,
			}))
		case "webhook":
			channels = append(channels, notify.NewWebhook(notify.WebhookConfig{URL: ch.URL}))
		case "console":
			channels = append(channels, notify.NewConsole(logger))
		default:
			logger.Warn("skipping unknown notification channel", "type", ch.Type)
		}
	}
	return channels
}

// notifier bundles the outbox plumbing for one process.
type notifier struct {
	store      *outbox.Store
	dispatcher *outbox.Dispatcher
	enqueuer   notify.Enqueuer
	bridgeCfg  notify.BridgeConfig
}

// setupNotifier wires the outbox store, the per-channel fanout, and the
// dispatcher. Returns nil when notifications are disabled.
func setupNotifier(cfg *config.Config, logger *slog.Logger) (*notifier, error) {
	if !cfg.Notify.Enabled || len(cfg.Notify.Channels) == 0 {
		return nil, nil
	}

	path := cfg.Notify.OutboxPath
	if path == "" {
		path = "outbox.db"
	}
	store, err := outbox.NewStore(path, outbox.Config{MaxAttempts: cfg.Notify.MaxAttempts})
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}

	channels := buildChannels(cfg, logger)
	names := make([]string, 0, len(channels))
	for _, ch := range channels {
		names = append(names, ch.Name())
	}

	ttl := parseDuration(cfg.Notify.DedupeTTL, 5*time.Minute)
	minSev, err := notify.ParseSeverity(cfg.Notify.MinSeverity)
	if err != nil {
		minSev = notify.SeverityInfo
	}

	return &notifier{
		store: store,
		dispatcher: outbox.NewDispatcher(store, channels, outbox.DispatcherConfig{
			Workers:     cfg.Notify.Workers,
			BatchSize:   cfg.Notify.BatchSize,
			LeaseTTL:    parseDuration(cfg.Notify.LeaseTTL, 0),
			SendTimeout: parseDuration(cfg.Notify.SendTimeout, 0),
		}, logger),
		enqueuer:  outbox.Fanout{Store: store, Channels: names, TTL: ttl},
		bridgeCfg: notify.BridgeConfig{MinSeverity: minSev, DedupeTTL: ttl},
	}, nil
}

func parseDuration(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func cmdBacktest(args []string) {
	fs := flag.NewFlagSet("backtest", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	verbose := fs.Bool("verbose", false, "Verbose output")
	fs.Parse(args)

	logger := newLogger(*verbose, false)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(exitCode(engine.FailureConfig))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nt, err := setupNotifier(cfg, logger)
	if err != nil {
		slog.Error("failed to set up notifications", "err", err)
		os.Exit(exitCode(engine.FailureConfig))
	}

	var extras []reporter.Reporter
	if nt != nil {
		defer func() { _ = nt.store.Close() }()
		extras = append(extras, notify.NewBridge(nt.bridgeCfg, nt.enqueuer, logger).WithContext(ctx))
	}

	asm, err := cfg.BuildEngine(strategy.NewRegistry(), logger, nil, extras...)
	if err != nil {
		slog.Error("failed to assemble run", "err", err)
		os.Exit(exitCode(engine.Classify(err)))
	}
	defer func() { _ = asm.Close() }()

	slog.Info("starting backtest",
		"run_id", asm.RunID,
		"feed", cfg.Data.Type,
		"strategies", len(cfg.Strategies),
	)

	result, runErr := asm.Engine.Run(ctx)

	if nt != nil {
		if _, err := nt.enqueuer.Enqueue(context.Background(),
			notify.RunLifecycle(asm.RunID, runStatus(runErr), errDetail(runErr))); err != nil {
			slog.Warn("enqueue lifecycle notification", "err", err)
		}
		// Flush whatever is deliverable before exiting.
		nt.dispatcher.DrainOnce(context.Background())
	}

	if runErr != nil {
		slog.Error("backtest failed", "err", runErr)
		os.Exit(exitCode(engine.Classify(runErr)))
	}

	printSummary(asm.Detailed.Summarize(), result)
}

func runStatus(runErr error) types.RunStatus {
	if runErr == nil {
		return types.RunSucceeded
	}
	if engine.Classify(runErr) == engine.FailureCanceled {
		return types.RunCanceled
	}
	return types.RunFailed
}

func errDetail(runErr error) string {
	if runErr == nil {
		return ""
	}
	return runErr.Error()
}

func printSummary(s reporter.Summary, result *engine.Result) {
	pct := func(d decimal.Decimal) float64 {
		return d.Mul(decimal.NewFromInt(100)).InexactFloat64()
	}

	fmt.Println("\n=== BACKTEST RESULTS ===")
	fmt.Printf("Bars Processed:   %d\n", result.Bars)
	fmt.Printf("Starting Equity:  $%.2f\n", s.StartEquity.InexactFloat64())
	fmt.Printf("Ending Equity:    $%.2f\n", s.EndEquity.InexactFloat64())
	fmt.Printf("Total Return:     %.2f%%\n", pct(s.TotalReturn))
	fmt.Printf("Max Drawdown:     %.2f%%\n", pct(s.MaxDrawdown))
	fmt.Println()
	fmt.Printf("Total Trades:     %d\n", s.TotalTrades)
	fmt.Printf("Winning Trades:   %d\n", s.WinningTrades)
	fmt.Printf("Losing Trades:    %d\n", s.LosingTrades)
	fmt.Printf("Win Rate:         %.2f%%\n", pct(s.WinRate))
	fmt.Printf("Profit Factor:    %.2f\n", s.ProfitFactor.InexactFloat64())
	fmt.Printf("Commission Paid:  $%.2f\n", s.Commission.InexactFloat64())
	fmt.Printf("Risk Rejections:  %d\n", s.Rejections)
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	verbose := fs.Bool("verbose", false, "Verbose output")
	fs.Parse(args)

	logger := newLogger(*verbose, true)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(exitCode(engine.FailureConfig))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPath := cfg.Server.DBPath
	if dbPath == "" {
		dbPath = "pybt.db"
	}
	store, err := run.NewStore(dbPath)
	if err != nil {
		slog.Error("failed to open run store", "err", err)
		os.Exit(exitCode(engine.FailureInternal))
	}
	defer func() { _ = store.Close() }()

	nt, err := setupNotifier(cfg, logger)
	if err != nil {
		slog.Error("failed to set up notifications", "err", err)
		os.Exit(exitCode(engine.FailureConfig))
	}

	recorder := metrics.NewRecorder()
	opts := []run.ManagerOption{run.WithRecorder(recorder)}
	if nt != nil {
		defer func() { _ = nt.store.Close() }()
		opts = append(opts, run.WithNotifications(nt.enqueuer, nt.bridgeCfg))
		go nt.dispatcher.WithRecorder(recorder).Run(ctx)
		go pollOutboxGauges(ctx, nt.store, recorder)
	}

	manager, err := run.NewManager(store, strategy.NewRegistry(), run.ManagerConfig{
		MaxConcurrent: cfg.Server.MaxConcurrentRuns,
		QueueSize:     cfg.Server.QueueSize,
		CancelGrace:   cfg.CancelGrace(),
		EventBuffer:   cfg.Server.EventBuffer,
	}, logger, opts...)
	if err != nil {
		slog.Error("failed to start run manager", "err", err)
		os.Exit(exitCode(engine.FailureInternal))
	}
	defer manager.Close()

	if cfg.Server.Metrics.Enabled {
		srv := metrics.NewServer(metrics.ServerConfig{
			Port:        cfg.Server.Metrics.Port,
			MetricsPath: cfg.Server.Metrics.Path,
		}, logger)
		srv.RegisterHealthCheck("run_store", func() metrics.Check {
			if _, err := store.CountByStatus(context.Background()); err != nil {
				return metrics.Check{Status: "unhealthy", Message: err.Error()}
			}
			return metrics.Check{Status: "healthy"}
		})
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	slog.Info("pybt serve started",
		"version", Version,
		"db", dbPath,
		"max_concurrent", cfg.Server.MaxConcurrentRuns,
	)

	// Positional arguments are run documents submitted at startup.
	for _, docPath := range fs.Args() {
		doc, err := os.ReadFile(docPath)
		if err != nil {
			slog.Error("failed to read run document", "path", docPath, "err", err)
			continue
		}
		id, err := manager.Submit(ctx, docPath, doc)
		if err != nil {
			slog.Error("submission rejected", "path", docPath, "err", err)
			continue
		}
		slog.Info("run submitted", "path", docPath, "run_id", id)
	}

	<-ctx.Done()
	slog.Info("shutdown signal received")

	if nt != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		nt.dispatcher.DrainOnce(drainCtx)
		cancel()
	}
	slog.Info("pybt shutdown complete")
}

// pollOutboxGauges refreshes outbox depth metrics periodically.
func pollOutboxGauges(ctx context.Context, store *outbox.Store, recorder *metrics.Recorder) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := store.Counts(ctx)
			if err != nil {
				continue
			}
			recorder.SetOutboxCounts(counts)
		}
	}
}
