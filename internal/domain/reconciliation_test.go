package domain_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/boddenberg/ghostfolio-actual-sync/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconciliationNote(t *testing.T) {
	at := time.Date(2024, 2, 10, 14, 37, 59, 0, time.UTC)
	note := domain.ReconciliationNote("ISA", at)

	assert.Equal(t, "#ghostfolio Reconciliation - ISA - as of 2024-02-10 14:37", note)
	assert.True(t, domain.IsReconciliationNote(note))
}

func TestIsReconciliationNote(t *testing.T) {
	assert.True(t, domain.IsReconciliationNote("#ghostfolio Reconciliation - x"))
	assert.False(t, domain.IsReconciliationNote(""))
	assert.False(t, domain.IsReconciliationNote("salary"))
	assert.False(t, domain.IsReconciliationNote(" #ghostfolio Reconciliation"))
	assert.False(t, domain.IsReconciliationNote("#ghostfolio reconciliation"))
}

func TestAccountMappingsKeepOrder(t *testing.T) {
	var m domain.AccountMappings
	err := json.Unmarshal([]byte(`{"Zeta ISA":"Investments: ISA","Alpha SIPP":"Pension","Mid":"Brokerage"}`), &m)
	require.NoError(t, err)

	require.Len(t, m, 3)
	assert.Equal(t, domain.AccountMapping{SourceAccount: "Zeta ISA", LedgerAccount: "Investments: ISA"}, m[0])
	assert.Equal(t, "Alpha SIPP", m[1].SourceAccount)
	assert.Equal(t, "Mid", m[2].SourceAccount)
}

func TestAccountMappingsDuplicateLastWriteWins(t *testing.T) {
	var m domain.AccountMappings
	err := json.Unmarshal([]byte(`{"ISA":"Old","SIPP":"Pension","ISA":"New"}`), &m)
	require.NoError(t, err)

	require.Len(t, m, 2)
	assert.Equal(t, domain.AccountMapping{SourceAccount: "ISA", LedgerAccount: "New"}, m[0])
	assert.Equal(t, "SIPP", m[1].SourceAccount)
}

func TestAccountMappingsRejectsNonObject(t *testing.T) {
	var m domain.AccountMappings
	assert.Error(t, json.Unmarshal([]byte(`["ISA"]`), &m))
	assert.Error(t, json.Unmarshal([]byte(`{"ISA": 3}`), &m))
}

func TestAccountMappingsRoundTripOrder(t *testing.T) {
	m := domain.AccountMappings{
		{SourceAccount: "b", LedgerAccount: "B"},
		{SourceAccount: "a", LedgerAccount: "A"},
	}
	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":"B","a":"A"}`, string(out))
	assert.Equal(t, `{"b":"B","a":"A"}`, string(out))
}

func TestRawAccountName(t *testing.T) {
	assert.Equal(t, "ISA", domain.RawAccount{"name": "ISA", "id": "x"}.Name())
	assert.Equal(t, "Alt", domain.RawAccount{"name": "", "accountName": "Alt", "id": "x"}.Name())
	assert.Equal(t, "42", domain.RawAccount{"id": json.Number("42")}.Name())
	assert.Equal(t, "", domain.RawAccount{"value": 3}.Name())
}

func TestErrStatusPermanent(t *testing.T) {
	assert.True(t, (&domain.ErrStatus{Code: 401}).Permanent())
	assert.True(t, (&domain.ErrStatus{Code: 404}).Permanent())
	assert.False(t, (&domain.ErrStatus{Code: 429}).Permanent())
	assert.False(t, (&domain.ErrStatus{Code: 503}).Permanent())
}

func TestErrorsUnwrap(t *testing.T) {
	root := errors.New("connection refused")
	err := error(&domain.ErrExternalService{Service: "actual/accounts", Err: root})
	assert.ErrorIs(t, err, root)

	var ext *domain.ErrExternalService
	require.ErrorAs(t, err, &ext)
	assert.Equal(t, "actual/accounts", ext.Service)

	initErr := &domain.ErrInit{BudgetID: "b-1", NotFound: true}
	assert.Contains(t, initErr.Error(), `budget "b-1" not found`)
}

func TestRunReportCounts(t *testing.T) {
	r := &domain.RunReport{Outcomes: []domain.Outcome{
		{Kind: domain.OutcomeCreated},
		{Kind: domain.OutcomeSkippedNoValue},
		{Kind: domain.OutcomeSkippedAccountNotFound},
		{Kind: domain.OutcomeFailed},
		{Kind: domain.OutcomeUpdated, Preview: true},
	}}

	assert.Equal(t, 1, r.Count(domain.OutcomeCreated))
	assert.Equal(t, 2, r.SkippedCount())
	assert.True(t, r.Outcomes[1].Skipped())
	assert.False(t, r.Outcomes[3].Skipped(), "a failure is not a skip")
	assert.False(t, r.Outcomes[4].Skipped(), "a preview write is not a skip")
}
