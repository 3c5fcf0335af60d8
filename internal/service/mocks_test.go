package service_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/boddenberg/ghostfolio-actual-sync/internal/domain"
	"github.com/boddenberg/ghostfolio-actual-sync/internal/port"
)

// fixedNow is 2024-01-20 09:30 UTC unless a test says otherwise.
var fixedNow = time.Date(2024, 1, 20, 9, 30, 0, 0, time.UTC)

func clock(t time.Time) func() time.Time { return func() time.Time { return t } }

// --- Source mock ---

type mockSource struct {
	mu sync.Mutex

	authErr    error
	accounts   [][]domain.RawAccount // one entry per ListAccounts call; last repeats
	listErr    error
	failCall   int // when set, only this 1-based ListAccounts call returns listErr
	refreshErr error

	authCalls    int
	listCalls    int
	refreshCalls int
}

func (m *mockSource) Authenticate(_ context.Context) (*domain.SourceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authCalls++
	if m.authErr != nil {
		return nil, m.authErr
	}
	return &domain.SourceSession{Token: "tok"}, nil
}

func (m *mockSource) ListAccounts(_ context.Context, sess *domain.SourceSession) ([]domain.RawAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if sess == nil || sess.Token != "tok" {
		return nil, fmt.Errorf("missing session")
	}
	if m.listErr != nil && (m.failCall == 0 || m.failCall == m.listCalls) {
		return nil, m.listErr
	}
	if len(m.accounts) == 0 {
		return nil, nil
	}
	i := m.listCalls - 1
	if i >= len(m.accounts) {
		i = len(m.accounts) - 1
	}
	return m.accounts[i], nil
}

func (m *mockSource) TriggerAuxiliaryRefresh(_ context.Context, _ *domain.SourceSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshCalls++
	return m.refreshErr
}

// --- Ledger mocks ---

type mockLedger struct {
	session  *mockSession
	initErr  error
	initCall int
}

func (m *mockLedger) InitializeSession(_ context.Context) (port.LedgerSession, error) {
	m.initCall++
	if m.initErr != nil {
		return nil, m.initErr
	}
	return m.session, nil
}

// mockSession is an in-memory ledger that records every call.
type mockSession struct {
	mu sync.Mutex

	accounts     []domain.LedgerAccount
	transactions []domain.LedgerTransaction
	payees       map[string]string

	listAccountsErr error
	listTxErr       error
	payeeErr        error
	writeErr        error

	creates     []domain.ReconciliationTransaction
	updates     []string
	payeeCreate int
	closed      int
	nextID      int
}

func newMockSession(accountNames ...string) *mockSession {
	s := &mockSession{payees: map[string]string{}}
	for _, name := range accountNames {
		s.accounts = append(s.accounts, domain.LedgerAccount{ID: "acct-" + name, Name: name})
	}
	return s
}

func (s *mockSession) add(tx domain.LedgerTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	tx.ID = fmt.Sprintf("tx-%d", s.nextID)
	s.transactions = append(s.transactions, tx)
}

func (s *mockSession) ListAccounts(_ context.Context) ([]domain.LedgerAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.LedgerAccount(nil), s.accounts...), s.listAccountsErr
}

func (s *mockSession) ListTransactions(_ context.Context, accountID string) ([]domain.LedgerTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listTxErr != nil {
		return nil, s.listTxErr
	}
	var out []domain.LedgerTransaction
	for _, tx := range s.transactions {
		if tx.AccountID == accountID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *mockSession) GetOrCreatePayee(_ context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.payeeErr != nil {
		return "", s.payeeErr
	}
	if id, ok := s.payees[name]; ok {
		return id, nil
	}
	s.payeeCreate++
	id := fmt.Sprintf("payee-%d", s.payeeCreate)
	s.payees[name] = id
	return id, nil
}

func (s *mockSession) CreateTransaction(_ context.Context, tx domain.ReconciliationTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.creates = append(s.creates, tx)
	s.nextID++
	s.transactions = append(s.transactions, domain.LedgerTransaction{
		ID:        fmt.Sprintf("tx-%d", s.nextID),
		AccountID: tx.AccountID,
		Date:      tx.Date,
		Amount:    tx.Amount,
		Notes:     tx.Notes,
		PayeeID:   tx.PayeeID,
		Cleared:   tx.Cleared,
	})
	return nil
}

func (s *mockSession) UpdateTransaction(_ context.Context, id string, amount int64, notes, payeeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.updates = append(s.updates, id)
	for i := range s.transactions {
		if s.transactions[i].ID == id {
			s.transactions[i].Amount = amount
			s.transactions[i].Notes = notes
			s.transactions[i].PayeeID = payeeID
			return nil
		}
	}
	return fmt.Errorf("transaction %s not found", id)
}

func (s *mockSession) Close(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
}

func (s *mockSession) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.creates) + len(s.updates)
}
