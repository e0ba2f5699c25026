package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wenbnb/wenbnb/internal/llm"
)

// Metrics exposes Prometheus collectors for dispatch, handlers and the LLM.
type Metrics struct {
	dispatchDuration *prometheus.HistogramVec
	handlerFailures  *prometheus.CounterVec
	llmRequests      *prometheus.CounterVec
	llmDuration      *prometheus.HistogramVec
	backups          *prometheus.CounterVec
	pendingVerify    prometheus.Gauge
	feed             *Feed
}

// MustNewMetrics registers the collectors on reg. feed, when non-nil, also
// receives activity counts.
func MustNewMetrics(reg prometheus.Registerer, feed *Feed) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "wenbnb",
				Subsystem: "router",
				Name:      "dispatch_duration_seconds",
				Help:      "Time spent dispatching one update, by classification.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		handlerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wenbnb",
				Subsystem: "router",
				Name:      "handler_failures_total",
				Help:      "Handler invocations that ended in an error or panic.",
			},
			[]string{"handler", "reason"},
		),
		llmRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wenbnb",
				Subsystem: "llm",
				Name:      "requests_total",
				Help:      "LLM completions by provider and result kind.",
			},
			[]string{"provider", "result"},
		),
		llmDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "wenbnb",
				Subsystem: "llm",
				Name:      "request_duration_seconds",
				Help:      "LLM completion latency.",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
			},
			[]string{"provider"},
		),
		backups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wenbnb",
				Subsystem: "maintenance",
				Name:      "backups_total",
				Help:      "Backup snapshots by result.",
			},
			[]string{"result"},
		),
		pendingVerify: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "wenbnb",
				Subsystem: "verify",
				Name:      "pending",
				Help:      "Outstanding member verifications.",
			},
		),
		feed: feed,
	}
	reg.MustRegister(m.dispatchDuration, m.handlerFailures, m.llmRequests, m.llmDuration, m.backups, m.pendingVerify)
	return m
}

// ObserveDispatch implements router.Metrics.
func (m *Metrics) ObserveDispatch(kind string, elapsed time.Duration) {
	m.dispatchDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	if m.feed != nil {
		m.feed.CountActivity(kind)
	}
}

// HandlerFailure implements router.Metrics.
func (m *Metrics) HandlerFailure(handler, reason string) {
	m.handlerFailures.WithLabelValues(handler, reason).Inc()
}

// ObserveLLM matches llm.ResultFunc.
func (m *Metrics) ObserveLLM(provider string, elapsed time.Duration, err error) {
	result := "ok"
	if kind, ok := llm.KindOf(err); ok {
		result = kind.String()
	} else if err != nil {
		result = "error"
	}
	m.llmRequests.WithLabelValues(provider, result).Inc()
	m.llmDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// BackupDone counts a snapshot attempt.
func (m *Metrics) BackupDone(err error) {
	if err != nil {
		m.backups.WithLabelValues("error").Inc()
		return
	}
	m.backups.WithLabelValues("ok").Inc()
}

// SetPendingVerifications sets the verify gauge.
func (m *Metrics) SetPendingVerifications(n int) {
	m.pendingVerify.Set(float64(n))
}
