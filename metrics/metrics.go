// Package metrics - Prometheus instrumentation for the relay
package metrics

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Correlation outcomes used as the "outcome" label of ResponsesHandled.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeOrphan    = "orphan"
	OutcomeInvalid   = "invalid"
)

// Metrics holds all Prometheus metrics of the relay
type Metrics struct {
	// Dispatch metrics
	Dispatched       *prometheus.CounterVec
	DispatchFailures *prometheus.CounterVec

	// Correlation metrics
	ResponsesHandled *prometheus.CounterVec
	OrphanResponses  prometheus.Counter

	// Session metrics
	CounterUnderflows prometheus.Counter
	ActiveSessions    prometheus.Gauge
	SessionsReclaimed *prometheus.CounterVec

	// Durable log metrics
	DurableLogFailures *prometheus.CounterVec

	// Health metrics
	ProbeResults  *prometheus.CounterVec
	ProbeDuration prometheus.Histogram

	// Transport metrics
	Reconnects *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates metrics registered on reg. A nil reg uses a private registry,
// which keeps tests independent of each other.
func New(namespace string, reg *prometheus.Registry) *Metrics {
	if namespace == "" {
		namespace = "relay"
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Dispatched: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_dispatched_total",
				Help:      "Total number of executions handed to the broker",
			},
			[]string{"analytic"},
		),
		DispatchFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_failures_total",
				Help:      "Total number of dispatches that failed, by reason",
			},
			[]string{"reason"},
		),
		ResponsesHandled: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "responses_handled_total",
				Help:      "Total number of response messages handled, by outcome",
			},
			[]string{"outcome"},
		),
		OrphanResponses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphan_responses_total",
			Help:      "Responses whose execution id is unknown to the durable log",
		}),
		CounterUnderflows: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "counter_underflow_total",
			Help:      "Refused decrements of a session's expected response count",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Client sessions currently held in memory",
		}),
		SessionsReclaimed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_reclaimed_total",
				Help:      "Sessions reclaimed by the sweeper, by policy",
			},
			[]string{"policy"},
		),
		DurableLogFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "durable_log_failures_total",
				Help:      "Durable log writes that failed and were not retried",
			},
			[]string{"op"},
		),
		ProbeResults: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_probes_total",
				Help:      "Health probes by resulting status code",
			},
			[]string{"code"},
		),
		ProbeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_probe_duration_seconds",
			Help:      "Duration of a single health probe in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		Reconnects: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broker_reconnects_total",
				Help:      "Broker connection attempts, by result",
			},
			[]string{"result"},
		),
		gatherer: reg,
	}
}

// Handler returns an Echo handler serving the metrics of m.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
}

// RegisterEndpoint registers the metrics endpoint on an Echo server
func (m *Metrics) RegisterEndpoint(e *echo.Echo, path string) {
	if path == "" {
		path = "/metrics"
	}
	e.GET(path, m.Handler())
}

// Nop returns metrics on a throwaway registry.
func Nop() *Metrics {
	return New("", nil)
}
