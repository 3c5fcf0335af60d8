package actual

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/boddenberg/ghostfolio-actual-sync/internal/date"
	"github.com/boddenberg/ghostfolio-actual-sync/internal/domain"
	"github.com/boddenberg/ghostfolio-actual-sync/internal/infra/cache"
	"github.com/boddenberg/ghostfolio-actual-sync/internal/infra/resilience"
	"github.com/boddenberg/ghostfolio-actual-sync/internal/port"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// sessionCacheTTL outlives any single run.
	sessionCacheTTL = 30 * time.Minute

	// sinceDate asks the bridge for the full transaction history.
	sinceDate = "1970-01-01"

	accountsKey = "accounts"
)

// Session is an open handle on one budget. It is safe for concurrent use.
type Session struct {
	client   *Client
	budgetID string
	bulkhead *resilience.Bulkhead

	accounts port.Cache[[]domain.LedgerAccount]
	payees   port.Cache[string]
	flight   singleflight.Group
	closed   atomic.Bool
}

func newSession(c *Client, budgetID string) *Session {
	return &Session{
		client:   c,
		budgetID: budgetID,
		bulkhead: resilience.NewBulkhead(c.cfg.MaxConcurrency),
		accounts: cache.New[[]domain.LedgerAccount](sessionCacheTTL),
		payees:   cache.New[string](sessionCacheTTL),
	}
}

func (s *Session) call(ctx context.Context, method, path string, in, out any) error {
	if s.closed.Load() {
		return fmt.Errorf("ledger session for budget %q is closed", s.budgetID)
	}
	return s.bulkhead.Do(ctx, func() error {
		return s.client.do(ctx, method, path, in, out)
	})
}

type accountDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	OffBudget bool   `json:"offbudget"`
	Closed    bool   `json:"closed"`
}

// ListAccounts returns the budget's accounts. The list is fetched once per session.
func (s *Session) ListAccounts(ctx context.Context) ([]domain.LedgerAccount, error) {
	if accounts, ok := s.accounts.Get(accountsKey); ok {
		return accounts, nil
	}

	v, err, _ := s.flight.Do(accountsKey, func() (any, error) {
		ctx, span := tracer.Start(ctx, "ActualSession.ListAccounts")
		defer span.End()

		var resp struct {
			Data []accountDTO `json:"data"`
		}
		if err := s.call(ctx, http.MethodGet, s.client.budgetPath(s.budgetID, "accounts"), nil, &resp); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, &domain.ErrExternalService{Service: "actual/accounts", Err: err}
		}

		accounts := make([]domain.LedgerAccount, 0, len(resp.Data))
		for _, a := range resp.Data {
			accounts = append(accounts, domain.LedgerAccount{ID: a.ID, Name: a.Name, OffBudget: a.OffBudget, Closed: a.Closed})
		}
		s.accounts.Set(accountsKey, accounts)
		return accounts, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.LedgerAccount), nil
}

type transactionDTO struct {
	ID      string      `json:"id"`
	Account string      `json:"account"`
	Date    date.Date   `json:"date"`
	Amount  json.Number `json:"amount"`
	Notes   string      `json:"notes"`
	Payee   string      `json:"payee"`
	Cleared bool        `json:"cleared"`
}

// ListTransactions returns every transaction stored in accountID.
func (s *Session) ListTransactions(ctx context.Context, accountID string) ([]domain.LedgerTransaction, error) {
	ctx, span := tracer.Start(ctx, "ActualSession.ListTransactions")
	defer span.End()
	span.SetAttributes(attribute.String("account.id", accountID))

	var resp struct {
		Data []transactionDTO `json:"data"`
	}
	path := s.client.budgetPath(s.budgetID, "accounts", accountID, "transactions") + "?since_date=" + sinceDate
	if err := s.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, &domain.ErrExternalService{Service: "actual/transactions", Err: err}
	}

	txs := make([]domain.LedgerTransaction, 0, len(resp.Data))
	for _, t := range resp.Data {
		amount, err := t.Amount.Int64()
		if err != nil {
			return nil, &domain.ErrExternalService{
				Service: "actual/transactions",
				Err:     fmt.Errorf("transaction %s: amount %q is not an integer: %w", t.ID, t.Amount, err),
			}
		}
		txs = append(txs, domain.LedgerTransaction{
			ID:        t.ID,
			AccountID: t.Account,
			Date:      t.Date,
			Amount:    amount,
			Notes:     t.Notes,
			PayeeID:   t.Payee,
			Cleared:   t.Cleared,
		})
	}
	span.SetAttributes(attribute.Int("transactions.count", len(txs)))
	return txs, nil
}

type payeeDTO struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// GetOrCreatePayee returns the id of the payee called name, creating it if
// needed. Concurrent callers for the same name share one lookup.
func (s *Session) GetOrCreatePayee(ctx context.Context, name string) (string, error) {
	if id, ok := s.payees.Get(name); ok {
		return id, nil
	}

	v, err, _ := s.flight.Do("payee:"+name, func() (any, error) {
		if id, ok := s.payees.Get(name); ok {
			return id, nil
		}

		ctx, span := tracer.Start(ctx, "ActualSession.GetOrCreatePayee")
		defer span.End()

		var list struct {
			Data []payeeDTO `json:"data"`
		}
		if err := s.call(ctx, http.MethodGet, s.client.budgetPath(s.budgetID, "payees"), nil, &list); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return "", &domain.ErrExternalService{Service: "actual/payees", Err: err}
		}
		for _, p := range list.Data {
			if p.Name == name {
				s.payees.Set(name, p.ID)
				return p.ID, nil
			}
		}

		var created struct {
			Data string `json:"data"`
		}
		body := map[string]any{"payee": map[string]string{"name": name}}
		if err := s.call(ctx, http.MethodPost, s.client.budgetPath(s.budgetID, "payees"), body, &created); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return "", &domain.ErrExternalService{Service: "actual/payees", Err: err}
		}
		if created.Data == "" {
			return "", &domain.ErrExternalService{Service: "actual/payees", Err: fmt.Errorf("create payee %q returned no id", name)}
		}

		s.client.logger.Info("payee created", zap.String("payee", name), zap.String("payee_id", created.Data))
		s.payees.Set(name, created.Data)
		return created.Data, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// CreateTransaction adds tx to its account.
func (s *Session) CreateTransaction(ctx context.Context, tx domain.ReconciliationTransaction) error {
	ctx, span := tracer.Start(ctx, "ActualSession.CreateTransaction")
	defer span.End()
	span.SetAttributes(attribute.String("account.id", tx.AccountID), attribute.Int64("amount", tx.Amount))

	body := map[string]any{
		"transaction": map[string]any{
			"account": tx.AccountID,
			"date":    tx.Date.String(),
			"amount":  tx.Amount,
			"payee":   tx.PayeeID,
			"notes":   tx.Notes,
			"cleared": tx.Cleared,
		},
	}
	path := s.client.budgetPath(s.budgetID, "accounts", tx.AccountID, "transactions")
	if err := s.call(ctx, http.MethodPost, path, body, nil); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return &domain.ErrExternalService{Service: "actual/transactions", Err: err}
	}
	return nil
}

// UpdateTransaction overwrites amount, notes and payee of transaction id.
func (s *Session) UpdateTransaction(ctx context.Context, id string, amount int64, notes, payeeID string) error {
	ctx, span := tracer.Start(ctx, "ActualSession.UpdateTransaction")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", id), attribute.Int64("amount", amount))

	body := map[string]any{
		"transaction": map[string]any{
			"amount": amount,
			"notes":  notes,
			"payee":  payeeID,
		},
	}
	if err := s.call(ctx, http.MethodPatch, s.client.budgetPath(s.budgetID, "transactions", id), body, nil); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return &domain.ErrExternalService{Service: "actual/transactions", Err: err}
	}
	return nil
}

// Close releases the session. It never fails and is safe to call twice.
func (s *Session) Close(ctx context.Context) {
	if s.closed.Swap(true) {
		return
	}
	s.accounts.Clear()
	s.payees.Clear()
	s.client.httpClient.CloseIdleConnections()
	s.client.logger.Debug("ledger session closed", zap.String("budget_id", s.budgetID))
}
