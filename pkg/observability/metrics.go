// Package observability exposes Prometheus metrics for the pipeline. The
// metrics set is optional: components accept a nil *Metrics and every method
// is a no-op on a nil receiver, so library users pay nothing unless the
// command-line adapter wires a registry in.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	conversationsProcessed prometheus.Counter
	messagesProcessed      prometheus.Counter
	rowsInserted           *prometheus.CounterVec
	batchesFlushed         *prometheus.CounterVec
	errorsTotal            *prometheus.CounterVec
	phaseDuration          *prometheus.HistogramVec
	memoryUsageMB          prometheus.Gauge
}

// NewMetrics creates the pipeline collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		conversationsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "skypetl",
			Name:      "conversations_processed_total",
			Help:      "Conversations transformed across all runs.",
		}),
		messagesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "skypetl",
			Name:      "messages_processed_total",
			Help:      "Messages transformed across all runs.",
		}),
		rowsInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skypetl",
			Name:      "rows_inserted_total",
			Help:      "Rows written to the database, by table.",
		}, []string{"table"}),
		batchesFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skypetl",
			Name:      "batches_flushed_total",
			Help:      "Database round trips issued, by table.",
		}, []string{"table"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skypetl",
			Name:      "errors_total",
			Help:      "Errors recorded during runs, by phase.",
		}, []string{"phase"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "skypetl",
			Name:      "phase_duration_seconds",
			Help:      "Wall-clock duration of completed phases.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"phase"}),
		memoryUsageMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "skypetl",
			Name:      "memory_usage_mb",
			Help:      "Last sampled process resident set size in MB.",
		}),
	}
	reg.MustRegister(
		m.conversationsProcessed,
		m.messagesProcessed,
		m.rowsInserted,
		m.batchesFlushed,
		m.errorsTotal,
		m.phaseDuration,
		m.memoryUsageMB,
	)
	return m
}

// ObserveProgress records transformed conversation and message counts.
func (m *Metrics) ObserveProgress(conversations, messages int) {
	if m == nil {
		return
	}
	m.conversationsProcessed.Add(float64(conversations))
	m.messagesProcessed.Add(float64(messages))
}

// ObserveBatch records one database round trip writing n rows to table.
func (m *Metrics) ObserveBatch(table string, rows int) {
	if m == nil {
		return
	}
	m.batchesFlushed.WithLabelValues(table).Inc()
	m.rowsInserted.WithLabelValues(table).Add(float64(rows))
}

// ObserveError counts one recorded error in the given phase.
func (m *Metrics) ObserveError(phase string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(phase).Inc()
}

// ObservePhase records the duration of a completed phase.
func (m *Metrics) ObservePhase(phase string, seconds float64) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(seconds)
}

// ObserveMemory records a resident-set sample in MB.
func (m *Metrics) ObserveMemory(usedMB float64) {
	if m == nil {
		return
	}
	m.memoryUsageMB.Set(usedMB)
}
