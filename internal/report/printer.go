// Package report renders a sync run for humans.
package report

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/boddenberg/ghostfolio-actual-sync/internal/domain"

	"github.com/Rhymond/go-money"
	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"
	"golang.org/x/term"
)

var (
	successSymbol = "✓"
	errorSymbol   = "✗"
	skipSymbol    = "-"
	infoSymbol    = "→"

	successStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#00D787", Dark: "#00D787"})
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#FF5F87", Dark: "#FF5F87"})
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#D7AF00", Dark: "#FFD75F"})
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#5FAFFF", Dark: "#5FAFFF"})
	headerStyle  = lipgloss.NewStyle().Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#808080", Dark: "#808080"})
)

// Printer writes run reports. Styling is applied only when w is a terminal.
type Printer struct {
	w        io.Writer
	currency string
	styled   bool
}

// NewPrinter creates a printer formatting amounts in currency (ISO 4217).
func NewPrinter(w io.Writer, currency string) *Printer {
	return &Printer{w: w, currency: currency, styled: isTerminal(w)}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (p *Printer) render(s lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return s.Render(text)
}

func (p *Printer) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.w, format, args...)
}

// Money formats a major-unit amount, e.g. £1,234.56.
func (p *Printer) Money(amount decimal.Decimal) string {
	cur := money.New(0, p.currency).Currency()
	return cur.Formatter().Format(amount.Shift(int32(cur.Fraction)).Round(0).IntPart())
}

// Print writes the whole report: header, valuations, per-mapping results and a summary.
func (p *Printer) Print(r *domain.RunReport) {
	p.printf("%s\n", p.render(headerStyle, fmt.Sprintf("Reconciliation as of %s (%s)", r.ReconciliationDate, r.Mode)))
	p.printf("%s\n\n", p.render(dimStyle, "run "+r.RunID))

	p.printValuations(r)
	p.printDiagnostics(r.Diagnostics)

	if r.Mode == domain.ModePreview {
		p.printf("%s\n", p.render(headerStyle, "Planned changes"))
	} else {
		p.printf("%s\n", p.render(headerStyle, "Results"))
	}
	for _, o := range r.Outcomes {
		p.printOutcome(o)
	}

	p.printf("\n%d created, %d updated, %d skipped, %d failed\n",
		r.Count(domain.OutcomeCreated),
		r.Count(domain.OutcomeUpdated),
		r.SkippedCount(),
		r.Count(domain.OutcomeFailed),
	)
	if r.Mode == domain.ModePreview {
		p.printf("%s %s\n", p.render(infoStyle, infoSymbol),
			"Dry run: nothing was written. Run without --dry-run to apply these changes.")
	}
}

func (p *Printer) printValuations(r *domain.RunReport) {
	p.printf("%s\n", p.render(headerStyle, "Valuations"))
	if len(r.Valuations) == 0 {
		p.printf("  %s\n\n", p.render(warnStyle, "no account valuations resolved"))
		return
	}

	names := make([]string, 0, len(r.Valuations))
	width := 0
	for name := range r.Valuations {
		names = append(names, name)
		width = max(width, len(name))
	}
	sort.Strings(names)

	for _, name := range names {
		v := r.Valuations[name]
		p.printf("  %-*s  %14s  %s\n", width, name, p.Money(v.Value), p.render(dimStyle, "("+v.SourceField+")"))
	}
	p.printf("\n")
}

func (p *Printer) printDiagnostics(ds []domain.Diagnostic) {
	if len(ds) == 0 {
		return
	}
	p.printf("%s\n", p.render(headerStyle, "Warnings"))
	for _, d := range ds {
		p.printf("  %s %s\n", p.render(warnStyle, "!"), d.String())
	}
	p.printf("\n")
}

func (p *Printer) printOutcome(o domain.Outcome) {
	pair := fmt.Sprintf("%s %s %s", o.SourceAccount, infoSymbol, o.LedgerAccount)

	switch o.Kind {
	case domain.OutcomeSkippedNoValue, domain.OutcomeSkippedAccountNotFound:
		p.printf("%s SKIP %s: %v\n", p.render(warnStyle, skipSymbol), pair, o.Reason)
		return
	case domain.OutcomeFailed:
		p.printf("%s %s\n", p.render(errorStyle, errorSymbol),
			p.render(errorStyle, fmt.Sprintf("FAILED %s: %v", pair, o.Reason)))
		return
	}

	if o.Preview {
		verb := "CREATE"
		if o.Kind == domain.OutcomeUpdated {
			verb = "UPDATE"
		}
		p.printf("%s %s %s\n", p.render(infoStyle, infoSymbol), verb, pair)
		p.printf("    Base balance:  %s\n", p.Money(o.BaseBalance))
		p.printf("    Target value:  %s\n", p.Money(o.TargetValue))
		if o.Kind == domain.OutcomeUpdated {
			p.printf("    Old amount:    %s\n", p.Money(o.OldAmount))
			p.printf("    New amount:    %s\n", p.Money(o.Amount))
		} else {
			p.printf("    Amount:        %s\n", p.Money(o.Amount))
		}
		p.printf("    Note:          %s\n", p.render(dimStyle, o.Note))
		return
	}

	var change string
	if o.Kind == domain.OutcomeUpdated {
		change = fmt.Sprintf("Updated %s: %s %s %s", pair, p.Money(o.OldAmount), infoSymbol, p.Money(o.Amount))
	} else {
		change = fmt.Sprintf("Created %s: %s", pair, p.Money(o.Amount))
	}
	p.printf("%s %s %s\n", p.render(successStyle, successSymbol), change,
		p.render(dimStyle, fmt.Sprintf("(base %s %s target %s)", p.Money(o.BaseBalance), infoSymbol, p.Money(o.TargetValue))))
}

// PrintError writes a run-level failure.
func (p *Printer) PrintError(err error) {
	msg := strings.TrimSpace(err.Error())
	p.printf("%s %s\n", p.render(errorStyle, errorSymbol), p.render(errorStyle, msg))
}
