package plume

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	records := plumeRecords(1, 100)
	records[9].Label = Anomaly
	records[0].Refined[NOx] = math.NaN()
	records[1].Refined[NOx] = math.Inf(-1)

	stats := Summarize(records)
	require.Len(t, stats, NumGases)

	co := stats[CO]
	assert.Equal(t, "CO_refined", co.Pollutant)
	assert.Equal(t, 10, co.Count)
	assert.Equal(t, 0, co.NonFinite)
	assert.InDelta(t, 10.9, co.Mean, 1e-9)
	assert.Equal(t, 1.0, co.Min)
	assert.Equal(t, 100.0, co.Max)
	assert.Equal(t, 100.0, co.P95)
	assert.Equal(t, 100.0, co.MeanAnomalous)
	assert.Greater(t, co.StdDev, 0.0)

	ch4 := stats[CH4]
	assert.Equal(t, 2.0, ch4.Mean)
	assert.Equal(t, 0.0, ch4.StdDev)
	assert.Equal(t, 2.0, ch4.MeanAnomalous)

	nox := stats[NOx]
	assert.Equal(t, 8, nox.Count)
	assert.Equal(t, 2, nox.NonFinite)
	assert.Equal(t, 3.0, nox.Mean)
}

func TestSummarize_Empty(t *testing.T) {
	stats := Summarize(nil)
	require.Len(t, stats, NumGases)
	for _, s := range stats {
		assert.Equal(t, 0, s.Count)
		assert.Equal(t, 0.0, s.Mean)
	}
}

func TestSummarize_SingleRecordHasZeroSpread(t *testing.T) {
	stats := Summarize(plumeRecords(1, 100)[:1])
	assert.Equal(t, 0.0, stats[CO].StdDev)
	assert.Equal(t, 1.0, stats[CO].P95)
}
