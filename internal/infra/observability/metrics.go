package observability

import (
	"context"
	"time"

	"github.com/boddenberg/ghostfolio-actual-sync/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	dto "github.com/prometheus/client_model/go"
)

// JobName groups pushed metrics on the Pushgateway.
const JobName = "ghostfolio_actual_sync"

// Metrics holds all Prometheus metrics for a sync run.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the run can push it to a Pushgateway.
	Registry *prometheus.Registry

	operationDuration    *prometheus.HistogramVec
	externalErrors       *prometheus.CounterVec
	outcomes             *prometheus.CounterVec
	reconciliationAmount *prometheus.GaugeVec
	lastRun              prometheus.Gauge
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// sync metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sync_operation_duration_seconds",
				Help:    "Duration of sync steps by operation.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		outcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_outcomes_total",
				Help: "Account mapping outcomes by kind.",
			},
			[]string{"outcome"},
		),
		reconciliationAmount: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sync_reconciliation_amount",
				Help: "Last reconciliation amount written per ledger account, in major units.",
			},
			[]string{"account"},
		),
		lastRun: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sync_last_run_timestamp_seconds",
				Help: "Unix time the last run finished.",
			},
		),
	}
}

// RecordDuration records the duration of an operation.
func (m *Metrics) RecordDuration(operation string, d time.Duration) {
	m.operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// RecordOutcome counts an outcome and, for writes, the amount.
func (m *Metrics) RecordOutcome(o domain.Outcome) {
	m.outcomes.WithLabelValues(o.Kind.String()).Inc()
	if (o.Kind == domain.OutcomeCreated || o.Kind == domain.OutcomeUpdated) && !o.Preview {
		m.reconciliationAmount.WithLabelValues(o.LedgerAccount).Set(o.Amount.InexactFloat64())
	}
}

// MarkRunFinished stamps the last-run gauge.
func (m *Metrics) MarkRunFinished(at time.Time) {
	m.lastRun.Set(float64(at.Unix()))
}

// OutcomeCount returns how many outcomes of kind k were recorded.
func (m *Metrics) OutcomeCount(k domain.OutcomeKind) float64 {
	return getCounterValue(m.outcomes, k.String())
}

// ExternalErrorCount returns the error count for one service label.
func (m *Metrics) ExternalErrorCount(service string) float64 {
	return getCounterValue(m.externalErrors, service)
}

// ExternalErrorTotal sums the external error counter over every service.
func (m *Metrics) ExternalErrorTotal() float64 {
	ch := make(chan prometheus.Metric)
	go func() {
		m.externalErrors.Collect(ch)
		close(ch)
	}()
	var total float64
	for metric := range ch {
		d := &dto.Metric{}
		if err := metric.Write(d); err == nil && d.Counter != nil {
			total += d.Counter.GetValue()
		}
	}
	return total
}

// Push sends the registry to a Pushgateway. A batch job has no scrape
// endpoint, so this is how its metrics leave the process.
func (m *Metrics) Push(ctx context.Context, url string) error {
	return push.New(url, JobName).Gatherer(m.Registry).PushContext(ctx)
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	counter := cv.WithLabelValues(label)
	m := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
