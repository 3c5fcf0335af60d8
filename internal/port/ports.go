// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the reconciliation
// service from the concrete Ghostfolio and Actual Budget clients.
package port

import (
	"context"

	"github.com/boddenberg/ghostfolio-actual-sync/internal/domain"
)

// SourceGateway reads account valuations from the portfolio tracker.
type SourceGateway interface {
	Authenticate(ctx context.Context) (*domain.SourceSession, error)
	ListAccounts(ctx context.Context, sess *domain.SourceSession) ([]domain.RawAccount, error)
	// TriggerAuxiliaryRefresh is best-effort; callers log and ignore its error.
	TriggerAuxiliaryRefresh(ctx context.Context, sess *domain.SourceSession) error
}

// LedgerGateway opens sessions against the personal-finance ledger.
type LedgerGateway interface {
	InitializeSession(ctx context.Context) (LedgerSession, error)
}

// LedgerSession is a scoped handle on one budget. Close must always be called.
type LedgerSession interface {
	ListAccounts(ctx context.Context) ([]domain.LedgerAccount, error)
	ListTransactions(ctx context.Context, accountID string) ([]domain.LedgerTransaction, error)
	GetOrCreatePayee(ctx context.Context, name string) (string, error)
	CreateTransaction(ctx context.Context, tx domain.ReconciliationTransaction) error
	UpdateTransaction(ctx context.Context, id string, amount int64, notes, payeeID string) error
	// Close releases the session; errors are swallowed.
	Close(ctx context.Context)
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
	Clear()
}
