package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for engine activity. All methods
// are nil-safe so instrumentation stays optional.
type Metrics struct {
	running        prometheus.Gauge
	actionDuration *prometheus.HistogramVec
	failures       *prometheus.CounterVec
	retries        *prometheus.CounterVec
	commits        prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowrx",
			Name:      "tasks_running",
			Help:      "Number of task actions currently executing.",
		}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowrx",
			Name:      "action_duration_seconds",
			Help:      "Wall time of task action execution.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowrx",
			Name:      "task_failures_total",
			Help:      "Tasks that ended in FAILED.",
		}, []string{"kind"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowrx",
			Name:      "task_retries_total",
			Help:      "Retry requests accepted per task kind.",
		}, []string{"kind"}),
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowrx",
			Name:      "commits_total",
			Help:      "Durable state commits performed by engines.",
		}),
	}

	reg.MustRegister(m.running, m.actionDuration, m.failures, m.retries, m.commits)
	return m
}

// TaskStarted records the start of an action.
func (m *Metrics) TaskStarted(kind string) {
	if m == nil {
		return
	}
	m.running.Inc()
}

// ActionDone records the end of an action and its duration.
func (m *Metrics) ActionDone(kind string, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.running.Dec()
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.actionDuration.WithLabelValues(kind, outcome).Observe(elapsed.Seconds())
}

// TaskFailed counts a task ending in FAILED.
func (m *Metrics) TaskFailed(kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(kind).Inc()
}

// TaskRetried counts an accepted retry request.
func (m *Metrics) TaskRetried(kind string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(kind).Inc()
}

// Committed counts one durable commit.
func (m *Metrics) Committed() {
	if m == nil {
		return
	}
	m.commits.Inc()
}
