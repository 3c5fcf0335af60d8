package service

import (
	"context"
	"errors"
	"time"

	"github.com/boddenberg/ghostfolio-actual-sync/internal/date"
	"github.com/boddenberg/ghostfolio-actual-sync/internal/domain"
	"github.com/boddenberg/ghostfolio-actual-sync/internal/infra/observability"
	"github.com/boddenberg/ghostfolio-actual-sync/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("service")

// Reconciler writes one balancing transaction per mapping so that the
// Ledger account's balance equals the Source valuation.
type Reconciler struct {
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewReconciler creates a reconciler. now defaults to time.Now.
func NewReconciler(metrics *observability.Metrics, logger *zap.Logger, now func() time.Time) *Reconciler {
	if now == nil {
		now = time.Now
	}
	return &Reconciler{metrics: metrics, logger: logger, now: now}
}

// ComputeAndApply reconciles one mapping. It never returns an error: skips
// and failures are reported through the outcome so other mappings proceed.
func (r *Reconciler) ComputeAndApply(
	ctx context.Context,
	mapping domain.AccountMapping,
	valuations domain.Valuations,
	session port.LedgerSession,
	reconDate date.Date,
	mode domain.Mode,
) domain.Outcome {
	ctx, span := tracer.Start(ctx, "Reconciler.ComputeAndApply")
	defer span.End()
	span.SetAttributes(
		attribute.String("source.account", mapping.SourceAccount),
		attribute.String("ledger.account", mapping.LedgerAccount),
		attribute.String("mode", mode.String()),
	)

	start := time.Now()
	defer func() { r.metrics.RecordDuration("reconcile_account", time.Since(start)) }()

	log := r.logger.With(
		zap.String("source_account", mapping.SourceAccount),
		zap.String("ledger_account", mapping.LedgerAccount),
	)
	out := domain.Outcome{
		SourceAccount: mapping.SourceAccount,
		LedgerAccount: mapping.LedgerAccount,
		Preview:       mode == domain.ModePreview,
	}

	val, ok := valuations[mapping.SourceAccount]
	if !ok {
		out.Kind = domain.OutcomeSkippedNoValue
		out.Reason = &domain.ErrLookup{Side: "ghostfolio", Name: mapping.SourceAccount}
		log.Warn("no valuation for source account, skipping")
		return out
	}
	out.TargetValue = val.Value.Round(domain.MinorUnitPlaces)

	accounts, err := session.ListAccounts(ctx)
	if err != nil {
		return r.fail(span, log, out, "list ledger accounts", err)
	}
	account, found := findAccount(accounts, mapping.LedgerAccount)
	if !found {
		out.Kind = domain.OutcomeSkippedAccountNotFound
		out.Reason = &domain.ErrLookup{Side: "actual", Name: mapping.LedgerAccount}
		log.Warn("ledger account not found, skipping")
		return out
	}

	txs, err := session.ListTransactions(ctx, account.ID)
	if err != nil {
		return r.fail(span, log, out, "list ledger transactions", err)
	}

	now := r.now().UTC()
	base, existing := scanTransactions(txs, date.Of(now), reconDate)

	baseBalance := domain.FromMinorUnits(base)
	delta := val.Value.Sub(baseBalance)
	amount := domain.ToMinorUnits(delta)
	note := domain.ReconciliationNote(mapping.SourceAccount, now)

	out.BaseBalance = baseBalance
	out.Amount = domain.FromMinorUnits(amount)
	out.Note = note
	out.Kind = domain.OutcomeCreated
	if existing != nil {
		out.Kind = domain.OutcomeUpdated
		out.OldAmount = domain.FromMinorUnits(existing.Amount)
	}

	fields := []zap.Field{
		zap.String("base_balance", out.BaseBalance.StringFixed(2)),
		zap.String("target_value", out.TargetValue.StringFixed(2)),
		zap.String("amount", out.Amount.StringFixed(2)),
		zap.Stringer("date", reconDate),
	}

	if mode == domain.ModePreview {
		log.Info("reconciliation planned", append(fields, zap.Stringer("outcome", out.Kind))...)
		return out
	}

	payeeID, err := session.GetOrCreatePayee(ctx, domain.PayeeName)
	if err != nil {
		return r.fail(span, log, out, "resolve payee", err)
	}

	if existing != nil {
		err = session.UpdateTransaction(ctx, existing.ID, amount, note, payeeID)
	} else {
		err = session.CreateTransaction(ctx, domain.ReconciliationTransaction{
			AccountID: account.ID,
			Amount:    amount,
			Date:      reconDate,
			Notes:     note,
			PayeeID:   payeeID,
			Cleared:   false,
		})
	}
	if err != nil {
		return r.fail(span, log, out, "write reconciliation transaction", err)
	}

	log.Info("reconciliation written", append(fields, zap.Stringer("outcome", out.Kind))...)
	return out
}

// scanTransactions returns the balance of ordinary transactions dated on or
// before today, and the first tagged transaction dated reconDate.
func scanTransactions(txs []domain.LedgerTransaction, today, reconDate date.Date) (int64, *domain.LedgerTransaction) {
	var base int64
	var existing *domain.LedgerTransaction
	for i := range txs {
		tx := &txs[i]
		tagged := domain.IsReconciliationNote(tx.Notes)
		if !tagged && !tx.Date.After(today) {
			base += tx.Amount
		}
		if tagged && existing == nil && tx.Date == reconDate {
			existing = tx
		}
	}
	return base, existing
}

func findAccount(accounts []domain.LedgerAccount, name string) (domain.LedgerAccount, bool) {
	for _, a := range accounts {
		if a.Name == name {
			return a, true
		}
	}
	return domain.LedgerAccount{}, false
}

func (r *Reconciler) fail(span trace.Span, log *zap.Logger, out domain.Outcome, step string, err error) domain.Outcome {
	span.SetStatus(codes.Error, err.Error())
	log.Error("reconciliation failed", zap.String("step", step), zap.Error(err))
	var ext *domain.ErrExternalService
	if errors.As(err, &ext) {
		r.metrics.IncrExternalError(ext.Service)
	}
	out.Kind = domain.OutcomeFailed
	out.Reason = err
	return out
}
