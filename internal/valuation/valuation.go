// Package valuation normalises heterogeneous Source account records into a
// single positive valuation per account name.
package valuation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/boddenberg/ghostfolio-actual-sync/internal/domain"

	"github.com/shopspring/decimal"
)

// Result holds the resolved valuations and every non-fatal finding.
type Result struct {
	Valuations  domain.Valuations
	Diagnostics []domain.Diagnostic
}

// Normalize selects, for each raw record whose name is in interested, the
// first value field (in domain.ValueFields order) that is present, numeric and
// strictly positive.
//
// Accounts with no such field are omitted and reported as a diagnostic.
// An empty result is also reported as a diagnostic; it is not an error.
// When several records resolve to the same name, the last one with a usable
// value wins.
func Normalize(raw []domain.RawAccount, interested map[string]struct{}) Result {
	res := Result{Valuations: make(domain.Valuations)}

	for _, rec := range raw {
		name := rec.Name()
		if _, ok := interested[name]; !ok {
			continue
		}

		v, ok := selectValue(name, rec)
		if !ok {
			res.Diagnostics = append(res.Diagnostics, domain.Diagnostic{
				Kind:    domain.DiagnosticNoUsableValue,
				Account: name,
				Err:     &domain.ErrData{Account: name, Fields: presentFields(rec)},
			})
			continue
		}

		if prev, dup := res.Valuations[name]; dup {
			res.Diagnostics = append(res.Diagnostics, domain.Diagnostic{
				Kind:    domain.DiagnosticDuplicateAccount,
				Account: name,
				Message: fmt.Sprintf("account %q appears more than once; %s replaces %s",
					name, v.Value.StringFixed(domain.MinorUnitPlaces), prev.Value.StringFixed(domain.MinorUnitPlaces)),
			})
		}
		res.Valuations[name] = v
	}

	if len(res.Valuations) == 0 {
		res.Diagnostics = append(res.Diagnostics, domain.Diagnostic{
			Kind: domain.DiagnosticNoAccountsResolved,
			Message: fmt.Sprintf("no account values found for any of: %s (available: %s)",
				strings.Join(sortedKeys(interested), ", "), strings.Join(availableNames(raw), ", ")),
		})
	}

	return res
}

func selectValue(name string, rec domain.RawAccount) (domain.AccountValuation, bool) {
	for _, field := range domain.ValueFields {
		d, ok := parseNumber(rec[field])
		if !ok || !d.IsPositive() {
			continue
		}
		return domain.AccountValuation{AccountName: name, Value: d, SourceField: field}, true
	}
	return domain.AccountValuation{}, false
}

// parseNumber accepts JSON numbers (json.Number or float64) and numeric strings.
func parseNumber(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		return d, err == nil
	default:
		return decimal.Decimal{}, false
	}
}

func presentFields(rec domain.RawAccount) map[string]any {
	fields := make(map[string]any)
	for _, f := range domain.AllValueFields {
		if v, ok := rec[f]; ok {
			fields[f] = v
		}
	}
	return fields
}

func availableNames(raw []domain.RawAccount) []string {
	names := make([]string, 0, len(raw))
	for _, rec := range raw {
		n := rec.Name()
		if n == "" {
			n = "unknown"
		}
		names = append(names, n)
	}
	return names
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
