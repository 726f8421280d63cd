package plume

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects pipeline counters on its own registry
type Metrics struct {
	Registry *prometheus.Registry

	RowsIngested        *prometheus.CounterVec
	RowsDropped         prometheus.Counter
	Anomalies           prometheus.Counter
	NumericDegeneracies *prometheus.CounterVec
	StageDuration       *prometheus.HistogramVec
	ReconstructDuration *prometheus.HistogramVec
	RunsTotal           *prometheus.CounterVec
}

// NewMetrics creates a collector registered on a fresh registry
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		RowsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_ingested_total",
				Help:      "Rows read from input tables by stream",
			},
			[]string{"stream"}, // "sensor", "gps"
		),

		RowsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_dropped_total",
				Help:      "Sensor rows with no GPS fix inside the join tolerance",
			},
		),

		Anomalies: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "anomalies_total",
				Help:      "Records labelled anomalous",
			},
		),

		NumericDegeneracies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "numeric_degeneracies_total",
				Help:      "Non-finite refined values and constant fields by pollutant",
			},
			[]string{"pollutant", "kind"}, // kind: "non_finite", "constant_field"
		),

		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of pipeline stages",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"stage"},
		),

		ReconstructDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconstruct_duration_seconds",
				Help:      "Field reconstruction and rendering time per pollutant",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"pollutant"},
		),

		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Pipeline runs by outcome",
			},
			[]string{"status"}, // "ok", "partial", "failed"
		),
	}
}

// Timer provides timing functionality for operations
type Timer struct {
	start    time.Time
	observer prometheus.Observer
}

// StageTimer times one pipeline stage; a nil collector records nothing
func (m *Metrics) StageTimer(stage Stage) *Timer {
	t := &Timer{start: time.Now()}
	if m != nil {
		t.observer = m.StageDuration.WithLabelValues(string(stage))
	}
	return t
}

// PollutantTimer times reconstruction and rendering of one pollutant
func (m *Metrics) PollutantTimer(pollutant string) *Timer {
	t := &Timer{start: time.Now()}
	if m != nil {
		t.observer = m.ReconstructDuration.WithLabelValues(pollutant)
	}
	return t
}

// ObserveDuration records the elapsed time since timer creation
func (t *Timer) ObserveDuration() time.Duration {
	duration := time.Since(t.start)
	if t.observer != nil {
		t.observer.Observe(duration.Seconds())
	}
	return duration
}

// RecordIngest counts rows read from each input
func (m *Metrics) RecordIngest(sensors, positions int) {
	if m == nil {
		return
	}
	m.RowsIngested.WithLabelValues("sensor").Add(float64(sensors))
	m.RowsIngested.WithLabelValues("gps").Add(float64(positions))
}

// RecordMerge counts the outcome of fusion, refinement and detection
func (m *Metrics) RecordMerge(fuse FuseStats, refine RefineStats, anomalies int) {
	if m == nil {
		return
	}
	m.RowsDropped.Add(float64(fuse.Dropped))
	m.Anomalies.Add(float64(anomalies))
	for _, g := range Gases {
		if n := refine.NonFinite[g]; n > 0 {
			m.NumericDegeneracies.WithLabelValues(g.Pollutant(), "non_finite").Add(float64(n))
		}
	}
}

// RecordConstantField counts a pollutant whose field had no spread
func (m *Metrics) RecordConstantField(pollutant string) {
	if m == nil {
		return
	}
	m.NumericDegeneracies.WithLabelValues(pollutant, "constant_field").Inc()
}

// RecordRun counts a finished run
func (m *Metrics) RecordRun(status string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(status).Inc()
}
