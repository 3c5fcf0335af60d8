// Package actualtest provides an in-memory actual-http-api server for tests.
package actualtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
)

// Operations that can be failed on purpose with FailOn.
const (
	OpListBudgets       = "list-budgets"
	OpListAccounts      = "list-accounts"
	OpListTransactions  = "list-transactions"
	OpListPayees        = "list-payees"
	OpCreatePayee       = "create-payee"
	OpCreateTransaction = "create-transaction"
	OpUpdateTransaction = "update-transaction"
)

// Account is a stored account.
type Account struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	OffBudget bool   `json:"offbudget"`
	Closed    bool   `json:"closed"`
}

// Transaction is a stored transaction. Amount is in minor units.
type Transaction struct {
	ID      string `json:"id"`
	Account string `json:"account"`
	Date    string `json:"date"`
	Amount  int64  `json:"amount"`
	Payee   string `json:"payee,omitempty"`
	Notes   string `json:"notes,omitempty"`
	Cleared bool   `json:"cleared"`
}

// Payee is a stored payee.
type Payee struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Write records one mutating request as received.
type Write struct {
	Op   string
	Path string
	Body map[string]any
}

// Server is a single-budget actual-http-api.
type Server struct {
	URL      string
	APIKey   string
	BudgetID string

	mu           sync.Mutex
	accounts     []Account
	transactions []Transaction
	payees       []Payee
	writes       []Write
	calls        map[string]int
	failures     map[string]int
	lostReplies  map[string]int
	nextID       int
}

// NewServer starts a server that accepts apiKey and serves budgetID.
// It is closed when the test ends.
func NewServer(t testing.TB, apiKey, budgetID string) *Server {
	t.Helper()
	s := &Server{
		APIKey:      apiKey,
		BudgetID:    budgetID,
		calls:       make(map[string]int),
		failures:    make(map[string]int),
		lostReplies: make(map[string]int),
	}
	srv := httptest.NewServer(s.routes())
	t.Cleanup(srv.Close)
	s.URL = srv.URL
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requireAPIKey)

	r.Get("/v1/budgets", s.handle(OpListBudgets, s.listBudgets))
	r.Route("/v1/budgets/{budgetSyncId}", func(r chi.Router) {
		r.Use(s.requireBudget)
		r.Get("/accounts", s.handle(OpListAccounts, s.listAccounts))
		r.Get("/accounts/{accountId}/transactions", s.handle(OpListTransactions, s.listTransactions))
		r.Post("/accounts/{accountId}/transactions", s.handle(OpCreateTransaction, s.createTransaction))
		r.Patch("/transactions/{transactionId}", s.handle(OpUpdateTransaction, s.updateTransaction))
		r.Get("/payees", s.handle(OpListPayees, s.listPayees))
		r.Post("/payees", s.handle(OpCreatePayee, s.createPayee))
	})
	return r
}

// AddAccount stores an open on-budget account and returns its id.
func (s *Server) AddAccount(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.newID("acct")
	s.accounts = append(s.accounts, Account{ID: id, Name: name})
	return id
}

// AddTransaction stores a transaction and returns its id.
func (s *Server) AddTransaction(accountID, date string, amount int64, notes string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.newID("tx")
	s.transactions = append(s.transactions, Transaction{ID: id, Account: accountID, Date: date, Amount: amount, Notes: notes, Cleared: true})
	return id
}

// AddPayee stores a payee and returns its id.
func (s *Server) AddPayee(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.newID("payee")
	s.payees = append(s.payees, Payee{ID: id, Name: name})
	return id
}

// Transactions returns a copy of accountID's transactions.
func (s *Server) Transactions(accountID string) []Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Transaction
	for _, t := range s.transactions {
		if t.Account == accountID {
			out = append(out, t)
		}
	}
	return out
}

// Payees returns a copy of the stored payees.
func (s *Server) Payees() []Payee {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Payee(nil), s.payees...)
}

// Writes returns the mutating requests received so far.
func (s *Server) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Write(nil), s.writes...)
}

// Calls returns how many requests op has served, failed ones included.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// FailOn makes op answer with status until cleared with status 0.
func (s *Server) FailOn(op string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failures, op)
		return
	}
	s.failures[op] = status
}

// FailAfterCommit makes the next call of op apply its write and then answer
// with status, as a proxy does when the upstream reply is lost.
func (s *Server) FailAfterCommit(op string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lostReplies[op] = status
}

// newID must be called with mu held.
func (s *Server) newID(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%d", prefix, s.nextID)
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != s.APIKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireBudget(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "budgetSyncId") != s.BudgetID {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "budget not found"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handle counts the call and applies any injected failure.
func (s *Server) handle(op string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[op]++
		status := s.failures[op]
		lost := s.lostReplies[op]
		delete(s.lostReplies, op)
		s.mu.Unlock()

		if status != 0 {
			writeJSON(w, status, map[string]string{"error": "injected failure"})
			return
		}
		if lost != 0 {
			h(httptest.NewRecorder(), r)
			writeJSON(w, lost, map[string]string{"error": "bad gateway"})
			return
		}
		h(w, r)
	}
}

func (s *Server) listBudgets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"data": []map[string]string{
			{"name": "Test Budget", "cloudFileId": s.BudgetID, "groupId": "group-" + s.BudgetID},
		},
	})
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"data": append([]Account{}, s.accounts...)})
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	since := r.URL.Query().Get("since_date")
	if since == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since_date is required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasAccount(accountID) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "account not found"})
		return
	}
	out := []Transaction{}
	for _, t := range s.transactions {
		if t.Account == accountID && t.Date >= since {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (s *Server) createTransaction(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	raw, req, ok := decodeBody[struct {
		Transaction Transaction `json:"transaction"`
	}](w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasAccount(accountID) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "account not found"})
		return
	}
	s.writes = append(s.writes, Write{Op: OpCreateTransaction, Path: r.URL.Path, Body: raw})

	tx := req.Transaction
	tx.ID = s.newID("tx")
	tx.Account = accountID
	s.transactions = append(s.transactions, tx)
	writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
}

func (s *Server) updateTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "transactionId")
	raw, req, ok := decodeBody[struct {
		Transaction struct {
			Amount *int64  `json:"amount"`
			Notes  *string `json:"notes"`
			Payee  *string `json:"payee"`
		} `json:"transaction"`
	}](w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, Write{Op: OpUpdateTransaction, Path: r.URL.Path, Body: raw})

	for i := range s.transactions {
		t := &s.transactions[i]
		if t.ID != id {
			continue
		}
		if req.Transaction.Amount != nil {
			t.Amount = *req.Transaction.Amount
		}
		if req.Transaction.Notes != nil {
			t.Notes = *req.Transaction.Notes
		}
		if req.Transaction.Payee != nil {
			t.Payee = *req.Transaction.Payee
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "transaction not found"})
}

func (s *Server) listPayees(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"data": append([]Payee{}, s.payees...)})
}

func (s *Server) createPayee(w http.ResponseWriter, r *http.Request) {
	raw, req, ok := decodeBody[struct {
		Payee struct {
			Name string `json:"name"`
		} `json:"payee"`
	}](w, r)
	if !ok {
		return
	}
	if req.Payee.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payee name is required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, Write{Op: OpCreatePayee, Path: r.URL.Path, Body: raw})
	id := s.newID("payee")
	s.payees = append(s.payees, Payee{ID: id, Name: req.Payee.Name})
	writeJSON(w, http.StatusCreated, map[string]string{"data": id})
}

// hasAccount must be called with mu held.
func (s *Server) hasAccount(id string) bool {
	for _, a := range s.accounts {
		if a.ID == id {
			return true
		}
	}
	return false
}

// decodeBody reads the request body both as a generic map, for Writes,
// and as T. It answers 400 itself when the body is not valid JSON.
func decodeBody[T any](w http.ResponseWriter, r *http.Request) (map[string]any, T, bool) {
	var raw map[string]any
	var typed T
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return nil, typed, false
	}
	b, _ := json.Marshal(raw)
	if err := json.Unmarshal(b, &typed); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return nil, typed, false
	}
	return raw, typed, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
