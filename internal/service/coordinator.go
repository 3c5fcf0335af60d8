package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/ghostfolio-actual-sync/internal/date"
	"github.com/boddenberg/ghostfolio-actual-sync/internal/domain"
	"github.com/boddenberg/ghostfolio-actual-sync/internal/infra/observability"
	"github.com/boddenberg/ghostfolio-actual-sync/internal/port"
	"github.com/boddenberg/ghostfolio-actual-sync/internal/valuation"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// closeTimeout bounds Ledger session cleanup, which runs even after the
// run context is cancelled.
const closeTimeout = 10 * time.Second

// RunConfig controls one sync pass.
type RunConfig struct {
	Mappings domain.AccountMappings
	Mode     domain.Mode

	// ReferenceDate selects the month to reconcile. Zero means today (UTC).
	ReferenceDate date.Date

	TriggerRefresh      bool
	RefetchForFreshness bool
	FreshnessWait       time.Duration

	// Concurrency bounds how many mappings are reconciled at once. 1 is sequential.
	Concurrency int
}

// Coordinator runs one sync pass from Source to Ledger.
type Coordinator struct {
	source     port.SourceGateway
	ledger     port.LedgerGateway
	reconciler *Reconciler
	cfg        RunConfig
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewCoordinator creates the coordinator with all dependencies injected.
func NewCoordinator(
	source port.SourceGateway,
	ledger port.LedgerGateway,
	reconciler *Reconciler,
	cfg RunConfig,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Coordinator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Coordinator{
		source:     source,
		ledger:     ledger,
		reconciler: reconciler,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
	}
}

// Run authenticates, reads valuations and reconciles every mapping.
// The returned report is never nil. A non-nil error means the run aborted:
// *domain.ErrAuth, *domain.ErrInit or a Source fetch failure. Per-mapping
// problems are reported as outcomes instead.
func (c *Coordinator) Run(ctx context.Context) (*domain.RunReport, error) {
	now := c.reconciler.now
	report := &domain.RunReport{
		RunID:     uuid.NewString(),
		Mode:      c.cfg.Mode,
		StartedAt: now().UTC(),
	}

	ctx, span := tracer.Start(ctx, "Coordinator.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", report.RunID),
		attribute.String("mode", c.cfg.Mode.String()),
	)

	log := c.logger.With(zap.String("run_id", report.RunID), zap.Stringer("mode", c.cfg.Mode))
	log.Info("sync started", zap.Int("mappings", len(c.cfg.Mappings)))

	defer func() {
		report.FinishedAt = now().UTC()
		c.metrics.MarkRunFinished(report.FinishedAt)
		c.metrics.RecordDuration("run", report.FinishedAt.Sub(report.StartedAt))
	}()

	sess, err := c.source.Authenticate(ctx)
	if err != nil {
		c.metrics.IncrExternalError("ghostfolio/auth")
		var authErr *domain.ErrAuth
		if !errors.As(err, &authErr) {
			err = &domain.ErrAuth{Service: "ghostfolio", Reason: "authenticate", Err: err}
		}
		span.SetStatus(codes.Error, err.Error())
		log.Error("authentication failed", zap.Error(err))
		return report, err
	}

	ledger, err := c.ledger.InitializeSession(ctx)
	if err != nil {
		c.metrics.IncrExternalError("actual/init")
		var initErr *domain.ErrInit
		if !errors.As(err, &initErr) {
			err = &domain.ErrInit{Err: err}
		}
		span.SetStatus(codes.Error, err.Error())
		log.Error("ledger initialization failed", zap.Error(err))
		return report, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		ledger.Close(closeCtx)
	}()

	raw, err := c.fetchAccounts(ctx, sess, log)
	if err != nil {
		c.metrics.IncrExternalError("ghostfolio/accounts")
		span.SetStatus(codes.Error, err.Error())
		log.Error("fetching source accounts failed", zap.Error(err))
		return report, fmt.Errorf("fetch source accounts: %w", err)
	}

	result := valuation.Normalize(raw, c.cfg.Mappings.SourceNames())
	report.Valuations = result.Valuations
	report.Diagnostics = result.Diagnostics
	for _, d := range result.Diagnostics {
		log.Warn("valuation diagnostic", zap.String("account", d.Account), zap.String("detail", d.String()))
	}
	log.Info("valuations resolved", zap.Int("accounts", len(result.Valuations)))

	ref := c.cfg.ReferenceDate
	if ref.IsZero() {
		ref = date.Of(now())
	}
	report.ReconciliationDate = ref.EndOfMonth()
	span.SetAttributes(attribute.String("reconciliation.date", report.ReconciliationDate.String()))

	report.Outcomes = c.reconcileAll(ctx, ledger, report.Valuations, report.ReconciliationDate)
	for _, o := range report.Outcomes {
		c.metrics.RecordOutcome(o)
	}

	log.Info("sync finished",
		zap.Stringer("reconciliation_date", report.ReconciliationDate),
		zap.Int("created", report.Count(domain.OutcomeCreated)),
		zap.Int("updated", report.Count(domain.OutcomeUpdated)),
		zap.Int("skipped", report.SkippedCount()),
		zap.Int("failed", report.Count(domain.OutcomeFailed)),
	)
	return report, nil
}

// fetchAccounts reads the Source accounts. The first read queues price
// updates; with RefetchForFreshness it waits and reads again so the second
// read sees them. A failed refetch falls back to the first result.
func (c *Coordinator) fetchAccounts(ctx context.Context, sess *domain.SourceSession, log *zap.Logger) ([]domain.RawAccount, error) {
	start := time.Now()
	defer func() { c.metrics.RecordDuration("fetch_accounts", time.Since(start)) }()

	raw, err := c.source.ListAccounts(ctx, sess)
	if err != nil {
		return nil, err
	}

	if c.cfg.TriggerRefresh {
		if err := c.source.TriggerAuxiliaryRefresh(ctx, sess); err != nil {
			c.metrics.IncrExternalError("ghostfolio/refresh")
			log.Warn("auxiliary refresh failed, continuing", zap.Error(err))
		}
	}

	if !c.cfg.RefetchForFreshness {
		return raw, nil
	}

	log.Debug("waiting for fresh valuations", zap.Duration("wait", c.cfg.FreshnessWait))
	if err := sleep(ctx, c.cfg.FreshnessWait); err != nil {
		return nil, err
	}

	fresh, err := c.source.ListAccounts(ctx, sess)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		log.Warn("refetch failed, using first result", zap.Error(err))
		return raw, nil
	}
	return fresh, nil
}

// reconcileAll runs every mapping and returns outcomes in mapping order.
func (c *Coordinator) reconcileAll(ctx context.Context, ledger port.LedgerSession, valuations domain.Valuations, reconDate date.Date) []domain.Outcome {
	outcomes := make([]domain.Outcome, len(c.cfg.Mappings))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for i, m := range c.cfg.Mappings {
		g.Go(func() error {
			outcomes[i] = c.reconciler.ComputeAndApply(gctx, m, valuations, ledger, reconDate, c.cfg.Mode)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
