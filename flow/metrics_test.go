package flow

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.TaskStarted("step")
	if got := testutil.ToFloat64(m.running); got != 1 {
		t.Errorf("running = %v after start, want 1", got)
	}

	m.ActionDone("step", true, 10*time.Millisecond)
	if got := testutil.ToFloat64(m.running); got != 0 {
		t.Errorf("running = %v after done, want 0", got)
	}

	m.TaskFailed("step")
	m.TaskRetried("step")
	m.Committed()
	m.Committed()

	if got := testutil.ToFloat64(m.failures.WithLabelValues("step")); got != 1 {
		t.Errorf("failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.retries.WithLabelValues("step")); got != 1 {
		t.Errorf("retries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.commits); got != 2 {
		t.Errorf("commits = %v, want 2", got)
	}
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.TaskStarted("step")
	m.ActionDone("step", false, time.Millisecond)
	m.TaskFailed("step")
	m.TaskRetried("step")
	m.Committed()
}
