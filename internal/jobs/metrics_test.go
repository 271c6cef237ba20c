package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	assert.NoError(t, m.Track("stock:integrity").End(nil))
	boom := errors.New("boom")
	assert.ErrorIs(t, m.Track("stock:integrity").End(boom), boom)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("stock:integrity", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("stock:integrity", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("stock:integrity")))
}

func TestCountersIgnoreEmptyInput(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddDrifts(0)
	m.AddDrifts(3)
	m.AddPurged(-1)
	m.AddPurged(2)
	m.ObserveEvent("stock:reconciled", nil)
	m.ObserveEvent("stock:reconciled", errors.New("redis down"))

	assert.Equal(t, 3.0, testutil.ToFloat64(m.drifts))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.purged))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("stock:reconciled", "dropped")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.AddDrifts(1)
	m.AddPurged(1)
	m.ObserveEvent("x", nil)
	assert.NoError(t, m.Track("x").End(nil))
}
