package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the billing service's Prometheus collectors
type Metrics struct {
	GatewayCallsTotal        *prometheus.CounterVec
	GatewayCallDuration      *prometheus.HistogramVec
	TransitionsTotal         *prometheus.CounterVec
	OperationsTotal          *prometheus.CounterVec
	ReconcileDivergenceTotal *prometheus.CounterVec
	ReconcileRunsTotal       *prometheus.CounterVec
	JobsTotal                *prometheus.CounterVec
	NotificationFailures     *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on registry
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		GatewayCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_gateway_calls_total",
				Help: "Payment gateway calls by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		GatewayCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_gateway_call_duration_seconds",
				Help:    "Payment gateway call latency",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_display_transitions_total",
				Help: "Display status transitions written to the ledger",
			},
			[]string{"from", "to"},
		),
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_operations_total",
				Help: "Lifecycle operations by name and outcome",
			},
			[]string{"operation", "outcome"},
		),
		ReconcileDivergenceTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_reconcile_divergences_total",
				Help: "Gateway states that could not be applied along a legal transition",
			},
			[]string{"local", "remote"},
		),
		ReconcileRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_reconcile_runs_total",
				Help: "Reconcile passes by result",
			},
			[]string{"result"},
		),
		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_jobs_total",
				Help: "Scheduled job executions by job and outcome",
			},
			[]string{"job", "outcome"},
		),
		NotificationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_notification_failures_total",
				Help: "Best-effort notifications that failed",
			},
			[]string{"event"},
		),
	}

	registry.MustRegister(
		m.GatewayCallsTotal,
		m.GatewayCallDuration,
		m.TransitionsTotal,
		m.OperationsTotal,
		m.ReconcileDivergenceTotal,
		m.ReconcileRunsTotal,
		m.JobsTotal,
		m.NotificationFailures,
	)

	return m
}

var (
	defaultRegistry *prometheus.Registry
	defaultMetrics  *Metrics
	defaultOnce     sync.Once
)

func initDefault() {
	defaultOnce.Do(func() {
		defaultRegistry = prometheus.NewRegistry()
		defaultRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		defaultMetrics = NewMetrics(defaultRegistry)
	})
}

// Default returns the process-wide collectors
func Default() *Metrics {
	initDefault()
	return defaultMetrics
}

// Registry exposes the process-wide registry, mainly for tests
func Registry() *prometheus.Registry {
	initDefault()
	return defaultRegistry
}

// Handler serves the process-wide registry in the Prometheus text format
func Handler() http.Handler {
	initDefault()
	return promhttp.HandlerFor(defaultRegistry, promhttp.HandlerOpts{})
}

// Outcome labels an error for the *_total counters.
func Outcome(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}
