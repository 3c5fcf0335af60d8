package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/boddenberg/ghostfolio-actual-sync/internal/date"

	"github.com/shopspring/decimal"
)

// ReconciliationTag prefixes the notes of every transaction written by the sync.
// It is the idempotency key: tagged transactions are excluded from base
// balances and matched for update.
const ReconciliationTag = "#ghostfolio Reconciliation"

// PayeeName is the Ledger payee attached to reconciliation transactions.
const PayeeName = "Reconciliation Balance Adjustment"

const noteTimestampFormat = "2006-01-02 15:04"

// IsReconciliationNote reports whether notes belong to a reconciliation transaction.
func IsReconciliationNote(notes string) bool {
	return strings.HasPrefix(notes, ReconciliationTag)
}

// ReconciliationNote builds the tagged note for sourceAccount computed at `at` (UTC, minute precision).
func ReconciliationNote(sourceAccount string, at time.Time) string {
	return fmt.Sprintf("%s - %s - as of %s", ReconciliationTag, sourceAccount, at.UTC().Format(noteTimestampFormat))
}

// Mode selects whether the Ledger is mutated.
type Mode int

const (
	ModeExecute Mode = iota
	ModePreview
)

func (m Mode) String() string {
	if m == ModePreview {
		return "preview"
	}
	return "execute"
}

// OutcomeKind is the result of reconciling one account mapping.
type OutcomeKind int

const (
	OutcomeSkippedNoValue OutcomeKind = iota
	OutcomeSkippedAccountNotFound
	OutcomeCreated
	OutcomeUpdated
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSkippedNoValue:
		return "skipped_no_value"
	case OutcomeSkippedAccountNotFound:
		return "skipped_account_not_found"
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome describes what happened, or in preview what would happen, for one mapping.
// Amounts are major units rounded to minor-unit precision.
type Outcome struct {
	Kind          OutcomeKind
	SourceAccount string
	LedgerAccount string
	Preview       bool

	BaseBalance decimal.Decimal
	TargetValue decimal.Decimal
	Amount      decimal.Decimal
	OldAmount   decimal.Decimal // OutcomeUpdated only
	Note        string

	Reason error // skips and failures
}

// Skipped reports whether the mapping was skipped rather than written or failed.
func (o Outcome) Skipped() bool {
	return o.Kind == OutcomeSkippedNoValue || o.Kind == OutcomeSkippedAccountNotFound
}

// DiagnosticKind classifies a non-fatal valuation finding.
type DiagnosticKind int

const (
	DiagnosticNoUsableValue DiagnosticKind = iota
	DiagnosticNoAccountsResolved
	DiagnosticDuplicateAccount
)

// Diagnostic is a non-fatal finding reported to the caller instead of being thrown.
type Diagnostic struct {
	Kind    DiagnosticKind
	Account string
	Message string
	Err     error
}

func (d Diagnostic) String() string {
	if d.Err != nil {
		return d.Err.Error()
	}
	return d.Message
}

// RunReport aggregates one sync pass.
type RunReport struct {
	RunID              string
	Mode               Mode
	ReconciliationDate date.Date
	Valuations         Valuations
	Diagnostics        []Diagnostic
	Outcomes           []Outcome
	StartedAt          time.Time
	FinishedAt         time.Time
}

// Count returns how many outcomes have kind k.
func (r *RunReport) Count(k OutcomeKind) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Kind == k {
			n++
		}
	}
	return n
}

// SkippedCount returns how many mappings were skipped for any reason.
func (r *RunReport) SkippedCount() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Skipped() {
			n++
		}
	}
	return n
}
