package service_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/boddenberg/ghostfolio-actual-sync/internal/date"
	"github.com/boddenberg/ghostfolio-actual-sync/internal/domain"
	"github.com/boddenberg/ghostfolio-actual-sync/internal/infra/actual"
	"github.com/boddenberg/ghostfolio-actual-sync/internal/infra/actual/actualtest"
	"github.com/boddenberg/ghostfolio-actual-sync/internal/infra/observability"
	"github.com/boddenberg/ghostfolio-actual-sync/internal/infra/resilience"
	"github.com/boddenberg/ghostfolio-actual-sync/internal/service"

	"go.uber.org/zap"
)

func mappings(pairs ...string) domain.AccountMappings {
	var m domain.AccountMappings
	for i := 0; i+1 < len(pairs); i += 2 {
		m.Set(pairs[i], pairs[i+1])
	}
	return m
}

func raw(name string, value any) domain.RawAccount {
	return domain.RawAccount{"name": name, "value": value}
}

func newCoordinator(src *mockSource, ledger *mockLedger, cfg service.RunConfig) (*service.Coordinator, *observability.Metrics) {
	metrics := observability.NewMetrics()
	rec := service.NewReconciler(metrics, zap.NewNop(), clock(fixedNow))
	return service.NewCoordinator(src, ledger, rec, cfg, metrics, zap.NewNop()), metrics
}

func TestRun_ExecutesMappingsInOrder(t *testing.T) {
	src := &mockSource{accounts: [][]domain.RawAccount{{
		raw("Vanguard ISA", 620.0),
		raw("Pension", 1000.0),
	}}}
	sess := newMockSession("ISA", "SIPP")
	sess.add(domain.LedgerTransaction{AccountID: "acct-ISA", Date: date.New(2024, 1, 3), Amount: 50000})
	ledger := &mockLedger{session: sess}

	c, metrics := newCoordinator(src, ledger, service.RunConfig{
		Mappings:    mappings("Vanguard ISA", "ISA", "Missing", "Nowhere", "Pension", "SIPP"),
		Mode:        domain.ModeExecute,
		Concurrency: 3,
	})

	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if report.RunID == "" {
		t.Error("expected a run id")
	}
	if report.ReconciliationDate != date.New(2024, 1, 31) {
		t.Errorf("expected month end of today, got %s", report.ReconciliationDate)
	}

	wantKinds := []domain.OutcomeKind{domain.OutcomeCreated, domain.OutcomeSkippedNoValue, domain.OutcomeCreated}
	if len(report.Outcomes) != len(wantKinds) {
		t.Fatalf("expected %d outcomes, got %d", len(wantKinds), len(report.Outcomes))
	}
	for i, want := range wantKinds {
		if report.Outcomes[i].Kind != want {
			t.Errorf("outcome %d: expected %v, got %v", i, want, report.Outcomes[i].Kind)
		}
	}
	if report.Outcomes[2].SourceAccount != "Pension" {
		t.Errorf("outcomes must follow mapping order, got %q last", report.Outcomes[2].SourceAccount)
	}

	if len(sess.creates) != 2 {
		t.Errorf("expected 2 creates, got %d", len(sess.creates))
	}
	if sess.closed != 1 {
		t.Errorf("expected session to be closed once, got %d", sess.closed)
	}
	if got := metrics.OutcomeCount(domain.OutcomeCreated); got != 2 {
		t.Errorf("expected 2 created in metrics, got %v", got)
	}
}

func TestRun_MissingLedgerAccountDoesNotStopOthers(t *testing.T) {
	src := &mockSource{accounts: [][]domain.RawAccount{{
		raw("Vanguard ISA", 620.0),
		raw("Crypto", 300.0),
		raw("Pension", 1000.0),
	}}}
	sess := newMockSession("ISA", "SIPP")
	ledger := &mockLedger{session: sess}

	c, metrics := newCoordinator(src, ledger, service.RunConfig{
		Mappings: mappings("Vanguard ISA", "ISA", "Crypto", "Coins", "Pension", "SIPP"),
		Mode:     domain.ModeExecute,
	})

	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	wantKinds := []domain.OutcomeKind{domain.OutcomeCreated, domain.OutcomeSkippedAccountNotFound, domain.OutcomeCreated}
	if len(report.Outcomes) != len(wantKinds) {
		t.Fatalf("expected %d outcomes, got %d", len(wantKinds), len(report.Outcomes))
	}
	for i, want := range wantKinds {
		if report.Outcomes[i].Kind != want {
			t.Errorf("outcome %d: expected %v, got %v", i, want, report.Outcomes[i].Kind)
		}
	}
	var lookup *domain.ErrLookup
	if !errors.As(report.Outcomes[1].Reason, &lookup) || lookup.Name != "Coins" {
		t.Errorf("expected lookup failure for Coins, got %v", report.Outcomes[1].Reason)
	}
	if len(sess.creates) != 2 {
		t.Errorf("expected 2 creates, got %d", len(sess.creates))
	}
	if got := metrics.OutcomeCount(domain.OutcomeSkippedAccountNotFound); got != 1 {
		t.Errorf("expected 1 account-not-found in metrics, got %v", got)
	}
}

func TestRun_AuthFailureNeverOpensLedger(t *testing.T) {
	src := &mockSource{authErr: &domain.ErrAuth{Service: "ghostfolio", Reason: "status 401"}}
	ledger := &mockLedger{session: newMockSession()}

	c, _ := newCoordinator(src, ledger, service.RunConfig{Mappings: mappings("A", "B")})

	report, err := c.Run(context.Background())

	var authErr *domain.ErrAuth
	if !errors.As(err, &authErr) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if report == nil {
		t.Fatal("report must never be nil")
	}
	if ledger.initCall != 0 {
		t.Errorf("ledger session must not be opened after auth failure")
	}
}

func TestRun_PlainAuthErrorIsWrapped(t *testing.T) {
	src := &mockSource{authErr: errors.New("dial tcp: refused")}
	c, _ := newCoordinator(src, &mockLedger{session: newMockSession()}, service.RunConfig{})

	_, err := c.Run(context.Background())

	var authErr *domain.ErrAuth
	if !errors.As(err, &authErr) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
}

func TestRun_InitFailureAborts(t *testing.T) {
	src := &mockSource{accounts: [][]domain.RawAccount{{raw("A", 1.0)}}}
	ledger := &mockLedger{initErr: &domain.ErrInit{BudgetID: "b", NotFound: true}}

	c, _ := newCoordinator(src, ledger, service.RunConfig{Mappings: mappings("A", "B")})

	_, err := c.Run(context.Background())

	var initErr *domain.ErrInit
	if !errors.As(err, &initErr) || !initErr.NotFound {
		t.Fatalf("expected ErrInit not found, got %v", err)
	}
	if src.listCalls != 0 {
		t.Errorf("accounts must not be fetched after init failure")
	}
}

func TestRun_ClosesSessionOnFetchFailure(t *testing.T) {
	src := &mockSource{listErr: &domain.ErrExternalService{Service: "ghostfolio/accounts", Err: errors.New("502")}}
	sess := newMockSession("B")

	c, _ := newCoordinator(src, &mockLedger{session: sess}, service.RunConfig{Mappings: mappings("A", "B")})

	_, err := c.Run(context.Background())
	if err == nil {
		t.Fatal("expected fetch failure to abort the run")
	}
	if sess.closed != 1 {
		t.Errorf("expected session to be closed on failure, got %d", sess.closed)
	}
}

func TestRun_RefreshAndRefetch(t *testing.T) {
	src := &mockSource{
		accounts: [][]domain.RawAccount{
			{raw("A", 100.0)},
			{raw("A", 110.0)},
		},
		refreshErr: errors.New("rapid api down"),
	}
	sess := newMockSession("B")

	c, _ := newCoordinator(src, &mockLedger{session: sess}, service.RunConfig{
		Mappings:            mappings("A", "B"),
		TriggerRefresh:      true,
		RefetchForFreshness: true,
		FreshnessWait:       time.Millisecond,
	})

	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("refresh failure must be swallowed, got %v", err)
	}
	if src.refreshCalls != 1 || src.listCalls != 2 {
		t.Errorf("expected 1 refresh and 2 fetches, got %d and %d", src.refreshCalls, src.listCalls)
	}
	if got := report.Valuations["A"].Value.String(); got != "110" {
		t.Errorf("expected refetched value 110, got %s", got)
	}
}

func TestRun_RefetchFailureFallsBack(t *testing.T) {
	src := &mockSource{
		accounts: [][]domain.RawAccount{{raw("A", 100.0)}},
		failCall: 2,
		listErr:  errors.New("timeout"),
	}
	c, _ := newCoordinator(src, &mockLedger{session: newMockSession("B")}, service.RunConfig{
		Mappings:            mappings("A", "B"),
		RefetchForFreshness: true,
	})

	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("refetch failure must not abort, got %v", err)
	}
	if got := report.Valuations["A"].Value.String(); got != "100" {
		t.Errorf("expected first result to be used, got %s", got)
	}
}

func TestRun_PreviewWritesNothing(t *testing.T) {
	src := &mockSource{accounts: [][]domain.RawAccount{{raw("A", 10.0)}}}
	sess := newMockSession("B")

	c, _ := newCoordinator(src, &mockLedger{session: sess}, service.RunConfig{
		Mappings: mappings("A", "B"),
		Mode:     domain.ModePreview,
	})

	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.writes() != 0 {
		t.Errorf("preview must not write")
	}
	if !report.Outcomes[0].Preview {
		t.Errorf("expected preview outcome")
	}
}

func TestRun_ReferenceDateMonthEnd(t *testing.T) {
	tests := []struct {
		ref  date.Date
		want date.Date
	}{
		{date.New(2024, 2, 10), date.New(2024, 2, 29)},
		{date.New(2023, 2, 10), date.New(2023, 2, 28)},
		{date.New(2023, 12, 31), date.New(2023, 12, 31)},
	}

	for _, tt := range tests {
		c, _ := newCoordinator(&mockSource{}, &mockLedger{session: newMockSession()}, service.RunConfig{ReferenceDate: tt.ref})
		report, err := c.Run(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if report.ReconciliationDate != tt.want {
			t.Errorf("ref %s: expected %s, got %s", tt.ref, tt.want, report.ReconciliationDate)
		}
	}
}

func TestRun_EmptyValuationsIsNotFatal(t *testing.T) {
	src := &mockSource{accounts: [][]domain.RawAccount{{raw("A", 0.0)}}}
	c, _ := newCoordinator(src, &mockLedger{session: newMockSession("B")}, service.RunConfig{Mappings: mappings("A", "B")})

	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Count(domain.OutcomeSkippedNoValue) != 1 {
		t.Errorf("expected the mapping to be skipped")
	}
	if len(report.Diagnostics) == 0 {
		t.Errorf("expected diagnostics for the unusable account")
	}
}

// TestRun_AgainstLedgerServer runs twice against the in-memory
// actual-http-api and checks that the second run updates in place.
func TestRun_AgainstLedgerServer(t *testing.T) {
	srv := actualtest.NewServer(t, "key", "budget")
	isa := srv.AddAccount("ISA")
	srv.AddTransaction(isa, "2024-01-03", 50000, "opening balance")

	client := actual.NewClient(http.DefaultClient, actual.Config{BaseURL: srv.URL, APIKey: "key", BudgetID: "budget"},
		resilience.NewCircuitBreaker("actual", zap.NewNop()),
		resilience.Config{MaxRetries: 0, MaxConcurrency: 2},
		zap.NewNop(),
	)

	run := func(value float64) *domain.RunReport {
		t.Helper()
		src := &mockSource{accounts: [][]domain.RawAccount{{raw("Vanguard ISA", value)}}}
		metrics := observability.NewMetrics()
		rec := service.NewReconciler(metrics, zap.NewNop(), clock(fixedNow))
		c := service.NewCoordinator(src, client, rec, service.RunConfig{
			Mappings: mappings("Vanguard ISA", "ISA"),
			Mode:     domain.ModeExecute,
		}, metrics, zap.NewNop())
		report, err := c.Run(context.Background())
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		return report
	}

	if got := run(620).Outcomes[0].Kind; got != domain.OutcomeCreated {
		t.Fatalf("first run: expected created, got %v", got)
	}
	if got := run(600).Outcomes[0]; got.Kind != domain.OutcomeUpdated || got.OldAmount.String() != "120" || got.Amount.String() != "100" {
		t.Fatalf("second run: expected UPDATED(120, 100), got %v(%s, %s)", got.Kind, got.OldAmount, got.Amount)
	}

	var tagged []actualtest.Transaction
	for _, tx := range srv.Transactions(isa) {
		if domain.IsReconciliationNote(tx.Notes) {
			tagged = append(tagged, tx)
		}
	}
	if len(tagged) != 1 || tagged[0].Amount != 10000 || tagged[0].Date != "2024-01-31" {
		t.Errorf("expected one reconciliation of 10000 on 2024-01-31, got %+v", tagged)
	}
	if len(srv.Payees()) != 1 {
		t.Errorf("expected the payee to be created once, got %d", len(srv.Payees()))
	}
}
