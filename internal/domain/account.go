package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boddenberg/ghostfolio-actual-sync/internal/date"

	"github.com/shopspring/decimal"
)

// ============================================================
// Source side (Ghostfolio)
// ============================================================

// SourceSession is the authenticated handle returned by the Source.
// It is passed explicitly to every Source call.
type SourceSession struct {
	Token     string
	ExpiresAt time.Time // zero when the token carries no expiry
}

// RawAccount is one account record as returned by the Source, decoded with
// json.Number so numeric fields keep their exact textual value.
type RawAccount map[string]any

// Name resolves the account name: first non-empty of name, accountName, id.
func (r RawAccount) Name() string {
	for _, key := range []string{"name", "accountName", "id"} {
		switch v := r[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			if v.String() != "" {
				return v.String()
			}
		}
	}
	return ""
}

// Value fields in priority order. The first present, numeric and strictly
// positive field is the account valuation.
var ValueFields = []string{"value", "valueInBaseCurrency", "marketValue", "currentValue"}

// AllValueFields is ValueFields plus fields reported in diagnostics only.
var AllValueFields = []string{"value", "valueInBaseCurrency", "marketValue", "currentValue", "balanceInBaseCurrency"}

// AccountValuation is the normalised value of one Source account.
type AccountValuation struct {
	AccountName string
	Value       decimal.Decimal // major units
	SourceField string
}

// Valuations indexes valuations by Source account name.
type Valuations map[string]AccountValuation

// ============================================================
// Mapping (configuration)
// ============================================================

// AccountMapping pairs a Source account with a Ledger account.
type AccountMapping struct {
	SourceAccount string
	LedgerAccount string
}

// AccountMappings is an ordered list of mappings, unique by SourceAccount.
// It decodes from a JSON object and keeps the object's key order.
type AccountMappings []AccountMapping

// Set adds or replaces the mapping for source. A replaced mapping keeps its position.
func (m *AccountMappings) Set(source, ledger string) {
	for i := range *m {
		if (*m)[i].SourceAccount == source {
			(*m)[i].LedgerAccount = ledger
			return
		}
	}
	*m = append(*m, AccountMapping{SourceAccount: source, LedgerAccount: ledger})
}

// SourceNames returns the set of Source account names.
func (m AccountMappings) SourceNames() map[string]struct{} {
	names := make(map[string]struct{}, len(m))
	for _, mp := range m {
		names[mp.SourceAccount] = struct{}{}
	}
	return names
}

// UnmarshalJSON decodes {"source": "ledger", ...} preserving key order.
// Duplicate keys are last-write-wins.
func (m *AccountMappings) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*m = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("account mapping must be a JSON object, got %v", tok)
	}

	var out AccountMappings
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)

		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("account mapping %q: %w", key, err)
		}
		out.Set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*m = out
	return nil
}

// MarshalJSON encodes the mappings as an ordered JSON object.
func (m AccountMappings) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, mp := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(mp.SourceAccount)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(mp.LedgerAccount)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ============================================================
// Ledger side (Actual Budget)
// ============================================================

// LedgerAccount is an account in the Ledger.
type LedgerAccount struct {
	ID        string
	Name      string
	OffBudget bool
	Closed    bool
}

// LedgerTransaction is a stored Ledger transaction. Amount is in minor units.
type LedgerTransaction struct {
	ID        string
	AccountID string
	Date      date.Date
	Amount    int64
	Notes     string
	PayeeID   string
	Cleared   bool
}

// ReconciliationTransaction is the balancing entry written to the Ledger.
type ReconciliationTransaction struct {
	AccountID string
	Amount    int64 // minor units
	Date      date.Date
	Notes     string
	PayeeID   string
	Cleared   bool
}
