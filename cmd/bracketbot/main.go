// Package main is the entry point for the bracket execution engine.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vqtran/bracketbot/internal/alerting"
	"github.com/vqtran/bracketbot/internal/config"
	"github.com/vqtran/bracketbot/internal/engine"
	"github.com/vqtran/bracketbot/internal/exchange"
	"github.com/vqtran/bracketbot/internal/exchange/binance"
	"github.com/vqtran/bracketbot/internal/exchange/mock"
	"github.com/vqtran/bracketbot/internal/metrics"
	"github.com/vqtran/bracketbot/internal/persistence"
	"github.com/vqtran/bracketbot/internal/reconcile"
	"github.com/vqtran/bracketbot/internal/rules"
	"github.com/vqtran/bracketbot/internal/types"
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
	case "run":
		cmdRun(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	case "history":
		cmdHistory(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Bracketbot - Bracket Order Execution & Reconciliation Engine

Usage:
  bracketbot <command> [options]

Commands:
  run        Start the engine (live or paper, per config)
  validate   Validate configuration file
  history    Show closed positions or consumed signals
  version    Show version information
  help       Show this help message

The run command reads trade intents as JSON lines on stdin:
  {"symbol":"BTCUSDT","direction":"LONG","source_signal_id":"tg-123"}

Examples:
  bracketbot run --config config.yaml
  bracketbot validate --config config.yaml
  bracketbot history --config config.yaml --symbol BTCUSDT

Use "bracketbot <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("bracketbot version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Mode: %s\n", cfg.Exchange.Mode)
	fmt.Printf("  Position size: $%.2f (margin)\n", cfg.Risk.MaxPositionSizeUSD)
	fmt.Printf("  Max leverage: %dx\n", cfg.Risk.MaxLeverage)
	fmt.Printf("  Stop loss: %.2f%%\n", cfg.Risk.StopLossPct*100)
	fmt.Printf("  Take profit: %.2f%%\n", cfg.Risk.TakeProfitPct*100)
	fmt.Printf("  Reconcile interval: %s\n", cfg.ReconcileInterval())
}

func cmdHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	symbol := fs.String("symbol", "", "Show every position for one symbol")
	limit := fs.Int("limit", 20, "Maximum rows to show (-1 for all)")
	signals := fs.Bool("signals", false, "Show consumed signals instead of positions")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	repo, err := persistence.NewSQLiteRepository(cfg.Persistence.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Database error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = repo.Close() }()

	ctx := context.Background()

	if *signals {
		recs, err := repo.GetSignals(ctx, *limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Query error: %v\n", err)
			os.Exit(1)
		}
		if len(recs) == 0 {
			fmt.Println("No signals recorded.")
			return
		}
		for _, rec := range recs {
			fmt.Printf("%s  %-10s %-5s source=%s\n",
				rec.ReceivedAt.Format("2006-01-02 15:04:05"),
				rec.Symbol, rec.Direction, rec.SourceSignalID)
		}
		return
	}

	var positions []*types.TrackedPosition
	if *symbol != "" {
		positions, err = repo.GetPositionsBySymbol(ctx, *symbol)
	} else {
		positions, err = repo.GetClosedPositions(ctx, *limit)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Query error: %v\n", err)
		os.Exit(1)
	}
	if len(positions) == 0 {
		fmt.Println("No positions found.")
		return
	}

	for _, p := range positions {
		pnl := "-"
		if p.RealizedPnl != nil {
			pnl = p.RealizedPnl.StringFixed(2)
		}
		fmt.Printf("%s  %-10s %-5s %-9s qty=%s entry=%s pnl=%s exit=%s\n",
			p.CreatedAt.Format("2006-01-02 15:04:05"),
			p.Symbol, p.Direction, p.State,
			p.Quantity, p.EntryPrice, pnl, p.ExitReason)
	}
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	verbose := fs.Bool("verbose", false, "Verbose output")
	_ = fs.Parse(args)

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("bracketbot starting",
		"version", Version,
		"mode", cfg.Exchange.Mode,
		"reconcile_interval", cfg.ReconcileInterval(),
	)
	metrics.SetBuildInfo(Version, GitCommit, BuildTime)

	// Persistence
	repo, err := persistence.NewSQLiteRepository(cfg.Persistence.Path)
	if err != nil {
		slog.Error("failed to open database", "path", cfg.Persistence.Path, "err", err)
		os.Exit(1)
	}
	defer func() { _ = repo.Close() }()

	if err := repo.Migrate(ctx); err != nil {
		slog.Error("failed to run migrations", "err", err)
		os.Exit(1)
	}

	// Exchange client
	var client exchange.Client
	switch cfg.Exchange.Mode {
	case "live":
		client = binance.NewClient(binance.Config{
			APIKey:               cfg.Exchange.APIKey,
			APISecret:            cfg.Exchange.APISecret,
			Testnet:              cfg.Exchange.Testnet,
			BaseURL:              cfg.Exchange.BaseURL,
			RequestTimeout:       cfg.RequestTimeout(),
			MaxRequestsPerSecond: cfg.Exchange.RateLimitPerSecond,
		}, logger)
	default:
		slog.Warn("paper mode: orders are simulated in-process")
		client = mock.New()
	}

	alerter := buildAlerter(cfg, logger)

	resolver := rules.NewResolver(client, logger, rules.WithTTL(cfg.RulesTTL()))
	eng := engine.New(client, resolver, repo, cfg.ToRiskConfig(), alerter, logger)
	reconciler := reconcile.New(client, repo, alerter, cfg.ReconcileInterval(), logger)

	if cfg.Alerting.Enabled && len(cfg.Alerting.Events) > 0 {
		filter := func(event alerting.AlertEvent) bool {
			return cfg.IsAlertEventEnabled(string(event))
		}
		eng.SetAlertFilter(filter)
		reconciler.SetAlertFilter(filter)
	}

	// Metrics server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		serverCfg := metrics.DefaultServerConfig()
		serverCfg.Port = cfg.Metrics.Port
		if cfg.Metrics.Path != "" {
			serverCfg.MetricsPath = cfg.Metrics.Path
		}
		metricsServer = metrics.NewServer(serverCfg, logger)
		metricsServer.RegisterHealthCheck("database", func() metrics.Check {
			if _, err := repo.GetActivePositions(context.Background()); err != nil {
				return metrics.Check{Status: "unhealthy", Message: err.Error()}
			}
			return metrics.Check{Status: "healthy"}
		})
		metricsServer.RegisterHealthCheck("reconciler", func() metrics.Check {
			last, ok := reconciler.LastTick()
			if !ok {
				return metrics.Check{Status: "healthy", Message: "no tick yet"}
			}
			if age := time.Since(last); age > 3*cfg.ReconcileInterval() {
				return metrics.Check{
					Status:  "unhealthy",
					Message: fmt.Sprintf("last tick %s ago", age.Round(time.Second)),
				}
			}
			return metrics.Check{Status: "healthy"}
		})
		if err := metricsServer.Start(); err != nil {
			slog.Error("failed to start metrics server", "err", err)
			os.Exit(1)
		}
	}

	if err := reconciler.Start(ctx); err != nil {
		slog.Error("failed to start reconciler", "err", err)
		os.Exit(1)
	}

	if err := alerter.Alert(ctx, alerting.SeverityInfo, "Engine started",
		"version", Version,
		"mode", cfg.Exchange.Mode,
	); err != nil {
		slog.Warn("failed to send start alert", "err", err)
	}

	// Intent feed: one JSON trade intent per stdin line.
	go readIntents(ctx, eng, logger)

	<-ctx.Done()
	slog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	reconciler.Stop()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown failed", "err", err)
		}
	}

	if err := alerter.Alert(shutdownCtx, alerting.SeverityInfo, "Engine stopped"); err != nil {
		slog.Warn("failed to send stop alert", "err", err)
	}

	slog.Info("bracketbot shutdown complete")
}

// readIntents consumes trade intents from stdin until EOF or shutdown.
func readIntents(ctx context.Context, eng *engine.Engine, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var intent types.TradeIntent
		if err := json.Unmarshal(line, &intent); err != nil {
			logger.Warn("skipping malformed intent", "err", err)
			continue
		}

		p, err := eng.ExecuteSignal(ctx, intent)
		if err != nil {
			logger.Error("intent execution failed",
				"symbol", intent.Symbol,
				"direction", intent.Direction.String(),
				"source_signal_id", intent.SourceSignalID,
				"err", err,
			)
			continue
		}
		logger.Info("intent executed",
			"position_id", p.ID,
			"symbol", p.Symbol,
			"state", p.State.String(),
		)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("intent feed closed with error", "err", err)
	}
}

// buildAlerter assembles the configured alert channels.
func buildAlerter(cfg *config.Config, logger *slog.Logger) alerting.Alerter {
	if !cfg.Alerting.Enabled {
		return alerting.NewConsoleAlerter(logger)
	}

	var alerters []alerting.Alerter
	for _, ch := range cfg.Alerting.Channels {
		switch ch.Type {
		case "telegram":
			alerters = append(alerters, alerting.NewTelegramAlerter(alerting.TelegramConfig{
				BotToken: ch.BotToken,
				ChatID:   ch.ChatID,
			}))
		case "console":
			alerters = append(alerters, alerting.NewConsoleAlerter(logger))
		}
	}
	if len(alerters) == 0 {
		return alerting.NewConsoleAlerter(logger)
	}
	if len(alerters) == 1 {
		return alerters[0]
	}
	return alerting.NewMultiAlerter(alerters...)
}
