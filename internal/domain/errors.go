package domain

import (
	"fmt"
	"strings"
)

// Error types for consistent error handling across the sync.
//
// Run-level: ErrAuth, ErrInit, ErrValidation abort the whole run.
// Per-mapping: ErrLookup, ErrData, ErrExternalService become outcomes.

// ErrAuth indicates the Source rejected our credentials or returned no token.
type ErrAuth struct {
	Service string
	Reason  string
	Err     error
}

func (e *ErrAuth) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s authentication failed: %s: %v", e.Service, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s authentication failed: %s", e.Service, e.Reason)
}

func (e *ErrAuth) Unwrap() error {
	return e.Err
}

// ErrInit indicates the Ledger session could not be opened.
// NotFound distinguishes an unknown budget from transport failures.
type ErrInit struct {
	BudgetID string
	NotFound bool
	Err      error
}

func (e *ErrInit) Error() string {
	if e.NotFound {
		return fmt.Sprintf("budget %q not found: check that the budget sync id is correct, "+
			"that it exists on the server and that the server is reachable", e.BudgetID)
	}
	return fmt.Sprintf("failed to open budget %q: %v", e.BudgetID, e.Err)
}

func (e *ErrInit) Unwrap() error {
	return e.Err
}

// ErrLookup indicates a named account is absent on one side.
type ErrLookup struct {
	Side string // "ghostfolio" or "actual"
	Name string
}

func (e *ErrLookup) Error() string {
	return fmt.Sprintf("account %q not found in %s", e.Name, e.Side)
}

// ErrExternalService indicates a failure in an external service call.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error {
	return e.Err
}

// ErrData indicates no usable valuation field was found for an account.
// Fields holds the raw values that were considered, keyed by field name.
type ErrData struct {
	Account string
	Fields  map[string]any
}

func (e *ErrData) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("account %q has no valuation fields", e.Account)
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range AllValueFields {
		if v, ok := e.Fields[f]; ok {
			parts = append(parts, fmt.Sprintf("%s=%v", f, v))
		}
	}
	return fmt.Sprintf("account %q has zero or invalid investment value (%s)", e.Account, strings.Join(parts, ", "))
}

// ErrValidation indicates a validation error (bad or missing configuration).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrStatus carries a non-2xx HTTP status from a gateway.
type ErrStatus struct {
	Code int
	Body string
}

func (e *ErrStatus) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Permanent reports whether retrying the request cannot change the answer.
func (e *ErrStatus) Permanent() bool {
	return e.Code >= 400 && e.Code < 500 && e.Code != 408 && e.Code != 429
}
