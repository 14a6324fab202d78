package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all application metrics
type Metrics struct {
	// Outbox dispatch metrics
	OutboxDispatched    *prometheus.CounterVec
	DispatchRunDuration prometheus.Histogram
	DispatchRunsSkipped prometheus.Counter
	PublishRetries      *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState    *prometheus.GaugeVec
	CircuitBreakerRequests *prometheus.CounterVec

	// Inbox / consumer metrics
	ConsumerMessagesProcessed *prometheus.CounterVec
	InboxDuplicatesSkipped    prometheus.Counter
}

// NewMetrics creates and registers all metrics against the given registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := prometheus.WrapRegistererWith(nil, reg)

	m := &Metrics{
		OutboxDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_dispatched_total",
				Help:      "Total number of outbox messages dispatched by event name and result",
			},
			[]string{"event", "result"},
		),
		DispatchRunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_run_duration_seconds",
				Help:      "Outbox dispatch run duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),
		DispatchRunsSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_runs_skipped_total",
				Help:      "Ticks skipped because a dispatch run was still active",
			},
		),
		PublishRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_retries_total",
				Help:      "Total number of intra-run publish retries",
			},
			[]string{"resource"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"resource"},
		),
		CircuitBreakerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_requests_total",
				Help:      "Total number of circuit breaker requests",
			},
			[]string{"resource", "result"},
		),
		ConsumerMessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consumer_messages_processed_total",
				Help:      "Total number of consumer messages processed",
			},
			[]string{"status"},
		),
		InboxDuplicatesSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inbox_duplicates_skipped_total",
				Help:      "Deliveries skipped because the event id was already processed",
			},
		),
	}

	// Register all collectors
	factory.MustRegister(
		m.OutboxDispatched,
		m.DispatchRunDuration,
		m.DispatchRunsSkipped,
		m.PublishRetries,
		m.CircuitBreakerState,
		m.CircuitBreakerRequests,
		m.ConsumerMessagesProcessed,
		m.InboxDuplicatesSkipped,
	)

	return m
}
