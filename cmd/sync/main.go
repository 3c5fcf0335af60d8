package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/ghostfolio-actual-sync/internal/config"
	"github.com/boddenberg/ghostfolio-actual-sync/internal/date"
	"github.com/boddenberg/ghostfolio-actual-sync/internal/domain"
	"github.com/boddenberg/ghostfolio-actual-sync/internal/infra/actual"
	"github.com/boddenberg/ghostfolio-actual-sync/internal/infra/ghostfolio"
	"github.com/boddenberg/ghostfolio-actual-sync/internal/infra/observability"
	"github.com/boddenberg/ghostfolio-actual-sync/internal/infra/resilience"
	"github.com/boddenberg/ghostfolio-actual-sync/internal/report"
	"github.com/boddenberg/ghostfolio-actual-sync/internal/service"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"
)

const serviceName = "ghostfolio-actual-sync"

var cli struct {
	DryRun   bool      `help:"Show the planned reconciliation transactions without writing them." name:"dry-run"`
	Config   string    `help:"Path to the JSON configuration file." env:"CONFIG_PATH" default:"config.json" type:"path"`
	EnvFile  string    `help:"Optional .env file loaded before configuration." name:"env-file" default:".env" type:"path"`
	Date     date.Date `help:"Reference date (YYYY-MM-DD); its month end is reconciled. Defaults to today (UTC)."`
	LogLevel string    `help:"Log level override (debug, info, warn, error)." name:"log-level"`
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	parser := kong.Must(&cli,
		kong.Name("ghostfolio-actual-sync"),
		kong.Description("Reconcile Actual Budget investment accounts against Ghostfolio valuations at month end."),
		kong.UsageOnError(),
	)
	if _, err := parser.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	// --- Load .env file (for local development) ---
	if err := config.LoadDotEnv(cli.EnvFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", cli.EnvFile, err)
		return 1
	}

	// --- Config ---
	cfg, err := config.Load(cli.Config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}

	printer := report.NewPrinter(os.Stdout, cfg.Currency)
	if err := cfg.Validate(); err != nil {
		printer.PrintError(err)
		return 1
	}

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	logger.Info("configuration loaded",
		zap.String("config", cli.Config),
		zap.String("log_level", cfg.LogLevel),
		zap.Bool("dry_run", cli.DryRun),
		zap.Int("mappings", len(cfg.AccountMapping)),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Duration("run_timeout", cfg.RunTimeout),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("initial_backoff", cfg.InitialBackoff),
		zap.Int("max_concurrency", cfg.MaxConcurrency),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Tracing ---
	shutdown, err := observability.InitTracer(ctx, cfg.OTLPEndpoint, serviceName)
	if err != nil {
		logger.Error("failed to init tracer", zap.Error(err))
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}

	// --- Clients ---
	source := ghostfolio.NewClient(
		observability.NewHTTPClient(cfg.HTTPTimeout, "ghostfolio", logger),
		cfg.GhostfolioBaseURL,
		cfg.GhostfolioPassword,
		resilience.NewCircuitBreaker("ghostfolio", logger),
		resilienceCfg,
		logger,
	)
	ledger := actual.NewClient(
		observability.NewHTTPClient(cfg.HTTPTimeout, "actual", logger),
		actual.Config{
			BaseURL:            cfg.ActualBaseURL,
			APIKey:             cfg.ActualPassword,
			BudgetID:           cfg.ActualBudgetID,
			EncryptionPassword: cfg.ActualEncryptionPassword,
		},
		resilience.NewCircuitBreaker("actual", logger),
		resilienceCfg,
		logger,
	)

	// --- Services ---
	mode := domain.ModeExecute
	if cli.DryRun {
		mode = domain.ModePreview
	}
	coordinator := service.NewCoordinator(
		source,
		ledger,
		service.NewReconciler(metrics, logger, time.Now),
		service.RunConfig{
			Mappings:            cfg.AccountMapping,
			Mode:                mode,
			ReferenceDate:       cli.Date,
			TriggerRefresh:      cfg.TriggerFearAndGreed,
			RefetchForFreshness: cfg.RefetchForFreshness,
			FreshnessWait:       cfg.FreshnessWait,
			Concurrency:         cfg.MaxConcurrency,
		},
		metrics,
		logger,
	)

	runCtx, cancel := context.WithTimeout(ctx, cfg.RunTimeout)
	defer cancel()

	rep, runErr := coordinator.Run(runCtx)
	if runErr != nil {
		printer.PrintError(runErr)
	} else {
		printer.Print(rep)
	}

	if cfg.PushgatewayURL != "" {
		pctx, pcancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := metrics.Push(pctx, cfg.PushgatewayURL); err != nil {
			logger.Warn("failed to push metrics", zap.String("url", cfg.PushgatewayURL), zap.Error(err))
		}
		pcancel()
	}

	if runErr != nil {
		logger.Error("sync failed",
			zap.String("run_id", rep.RunID),
			zap.Float64("external_errors", metrics.ExternalErrorTotal()),
			zap.Error(runErr),
		)
		return 1
	}
	logger.Info("sync finished",
		zap.String("run_id", rep.RunID),
		zap.Float64("created", metrics.OutcomeCount(domain.OutcomeCreated)),
		zap.Float64("updated", metrics.OutcomeCount(domain.OutcomeUpdated)),
		zap.Float64("skipped", metrics.OutcomeCount(domain.OutcomeSkippedNoValue)+metrics.OutcomeCount(domain.OutcomeSkippedAccountNotFound)),
		zap.Float64("failed", metrics.OutcomeCount(domain.OutcomeFailed)),
		zap.Float64("external_errors", metrics.ExternalErrorTotal()),
	)
	return 0
}
