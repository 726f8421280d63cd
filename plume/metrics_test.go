package plume

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordMerge(t *testing.T) {
	m := NewMetrics("test")

	m.RecordIngest(12, 30)
	m.RecordMerge(FuseStats{Sensors: 12, Joined: 10, Dropped: 2}, RefineStats{NonFinite: [NumGases]int{0, 0, 3, 0}}, 1)
	m.RecordConstantField("CH4_refined")
	m.RecordRun(StatusOK)
	m.RecordRun(StatusOK)

	assert.Equal(t, 12.0, testutil.ToFloat64(m.RowsIngested.WithLabelValues("sensor")))
	assert.Equal(t, 30.0, testutil.ToFloat64(m.RowsIngested.WithLabelValues("gps")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RowsDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Anomalies))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.NumericDegeneracies.WithLabelValues("NOx_refined", "non_finite")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NumericDegeneracies.WithLabelValues("CH4_refined", "constant_field")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues(StatusOK)))
}

func TestMetrics_Timers(t *testing.T) {
	m := NewMetrics("test")

	d := m.StageTimer(StageMerge).ObserveDuration()
	assert.GreaterOrEqual(t, d, time.Duration(0))
	m.PollutantTimer("CO_refined").ObserveDuration()

	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ReconstructDuration))
}

func TestMetrics_OwnRegistry(t *testing.T) {
	a := NewMetrics("plumefield")
	b := NewMetrics("plumefield")
	a.RecordRun(StatusFailed)

	families, err := a.Registry.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "plumefield_runs_total")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.RunsTotal.WithLabelValues(StatusFailed)))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordIngest(1, 1)
		m.RecordMerge(FuseStats{Dropped: 1}, RefineStats{}, 1)
		m.RecordConstantField("CO_refined")
		m.RecordRun(StatusOK)
		m.StageTimer(StageVisualization).ObserveDuration()
		m.PollutantTimer("CO_refined").ObserveDuration()
	})
}
