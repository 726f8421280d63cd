package plume

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// outlierCO is a calm batch with a single CO spike at the last sample
var outlierCO = []float64{1, 1.1, 0.9, 1, 1.05, 0.95, 1, 1.02, 0.98, 100}

// writeBatch writes matching sensor and GPS logs for co over the
// plumeRecords positions and returns their paths. gpsShift offsets every
// GPS timestamp.
func writeBatch(t *testing.T, dir string, co []float64, gpsShift time.Duration) (string, string) {
	t.Helper()
	positions := plumeRecords(0, 0)

	var sensor, gps strings.Builder
	sensor.WriteString("timestamp,CO,CH4,NOx,LPG,temperature,humidity\n")
	gps.WriteString("timestamp,latitude,longitude,altitude\n")
	for i, v := range co {
		ts := t0.Add(time.Duration(i) * time.Second)
		fmt.Fprintf(&sensor, "%s,%g,2,3,4,25,50\n", FormatTimestamp(ts), v)
		p := positions[i%len(positions)].Position
		fmt.Fprintf(&gps, "%s,%g,%g,%g\n", FormatTimestamp(ts.Add(gpsShift)), p.Latitude, p.Longitude, p.Altitude)
	}

	sensorPath := filepath.Join(dir, "sensor.csv")
	gpsPath := filepath.Join(dir, "gps.csv")
	require.NoError(t, os.WriteFile(sensorPath, []byte(sensor.String()), 0644))
	require.NoError(t, os.WriteFile(gpsPath, []byte(gps.String()), 0644))
	return sensorPath, gpsPath
}

func testPipelineConfig(dir string) *Config {
	cfg := DefaultConfig()
	cfg.Output.Dir = filepath.Join(dir, "analysis_output")
	cfg.Output.PlumeDir = filepath.Join(dir, "plumes")
	cfg.Field = testFieldConfig()
	cfg.Render.PNGScale = 2
	return cfg
}

// failOn fails interpolation for any pollutant that has a sample equal to
// value
type failOn struct {
	value float64
}

func (f failOn) Interpolate(ctx context.Context, samples []Sample, grid *Grid) ([]float64, error) {
	for _, s := range samples {
		if s.Value == f.value {
			return nil, errors.New("interpolation blew up")
		}
	}
	return NearestInterpolator{}.Interpolate(ctx, samples, grid)
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func TestPipeline_Run(t *testing.T) {
	dir := t.TempDir()
	sensorPath, gpsPath := writeBatch(t, dir, outlierCO, 0)

	cfg := testPipelineConfig(dir)
	p := NewPipeline(cfg)
	p.Metrics = NewMetrics("test")
	p.State = NewStateTracker()
	client := NewMockClient()
	client.SetConnected(true)
	p.Publisher = NewPublisher(client, "plumefield")

	result, err := p.Run(context.Background(), sensorPath, gpsPath)
	require.NoError(t, err)

	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, StatusOK, result.Status())
	assert.Equal(t, 10, result.Rows)
	assert.Equal(t, 0, result.Dropped)
	assert.Equal(t, 1, result.Anomalies)
	assert.Equal(t, Pollutants(), result.Pollutants)
	assert.Empty(t, result.Failures)
	require.Len(t, result.Stats, NumGases)

	// merge outputs
	merged, err := ReadScoredFile(filepath.Join(cfg.Output.Dir, MergedFileName))
	require.NoError(t, err)
	assert.Len(t, merged, 10)
	anomalies, err := ReadScoredFile(filepath.Join(cfg.Output.Dir, AnomaliesFileName))
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, 100.0, anomalies[0].Refined[CO])
	assert.FileExists(t, filepath.Join(cfg.Output.Dir, SamplesFileName))

	// one artefact pair per pollutant
	for _, id := range Pollutants() {
		assert.FileExists(t, filepath.Join(cfg.Output.PlumeDir, id+".html"))
		assert.FileExists(t, filepath.Join(cfg.Output.PlumeDir, id+".png"))
	}
	co := result.Visualize.Fields["CO_refined"]
	require.NotNil(t, co)
	assert.False(t, co.Constant)
	assert.True(t, result.Visualize.Fields["CH4_refined"].Constant)

	// side effects
	last := p.State.LastRun()
	require.NotNil(t, last)
	assert.Equal(t, result.RunID, last.RunID)
	assert.Equal(t, []string{"CO_refined.html", "CH4_refined.html", "NOx_refined.html", "LPG_refined.html"}, last.Artifacts)

	_, ok := client.Retained("plumefield/summary")
	assert.True(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics.RunsTotal.WithLabelValues(StatusOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics.Anomalies))
}

func TestPipeline_RunIsRepeatable(t *testing.T) {
	dir := t.TempDir()
	sensorPath, gpsPath := writeBatch(t, dir, outlierCO, 0)
	p := NewPipeline(testPipelineConfig(dir))

	first, err := p.Run(context.Background(), sensorPath, gpsPath)
	require.NoError(t, err)
	second, err := p.Run(context.Background(), sensorPath, gpsPath)
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.Visualize.Fields["CO_refined"].Values, second.Visualize.Fields["CO_refined"].Values)
}

func TestPipeline_EmptyJoin(t *testing.T) {
	dir := t.TempDir()
	// every fix is an hour late, far outside the join tolerance
	sensorPath, gpsPath := writeBatch(t, dir, outlierCO, time.Hour)
	cfg := testPipelineConfig(dir)

	result, err := NewPipeline(cfg).Run(context.Background(), sensorPath, gpsPath)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Rows)
	assert.Equal(t, 10, result.Dropped)
	assert.Empty(t, result.Pollutants)

	merged, err := ReadScoredFile(filepath.Join(cfg.Output.Dir, MergedFileName))
	require.NoError(t, err)
	assert.Empty(t, merged)
}

func TestPipeline_MergeFailures(t *testing.T) {
	t.Run("missing column", func(t *testing.T) {
		dir := t.TempDir()
		_, gpsPath := writeBatch(t, dir, outlierCO, 0)
		sensorPath := filepath.Join(dir, "broken.csv")
		require.NoError(t, os.WriteFile(sensorPath, []byte("timestamp,CO,CH4,NOx,temperature,humidity\n"), 0644))

		p := NewPipeline(testPipelineConfig(dir))
		p.State = NewStateTracker()
		_, err := p.Run(context.Background(), sensorPath, gpsPath)
		require.Error(t, err)

		var se *StageError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, StageMerge, se.Stage)
		assert.True(t, strings.HasPrefix(err.Error(), "Merging failed"))
		assert.True(t, errors.Is(err, ErrMissingColumn))

		last := p.State.LastRun()
		require.NotNil(t, last)
		assert.Equal(t, StatusFailed, last.Status)
	})

	t.Run("too few rows", func(t *testing.T) {
		dir := t.TempDir()
		sensorPath, gpsPath := writeBatch(t, dir, []float64{1}, 0)

		_, err := NewPipeline(testPipelineConfig(dir)).Run(context.Background(), sensorPath, gpsPath)
		var mfe *ModelFitError
		assert.True(t, errors.As(err, &mfe))
	})

	t.Run("missing file", func(t *testing.T) {
		dir := t.TempDir()
		_, gpsPath := writeBatch(t, dir, outlierCO, 0)

		_, err := NewPipeline(testPipelineConfig(dir)).Run(context.Background(), filepath.Join(dir, "nope.csv"), gpsPath)
		assert.True(t, errors.Is(err, os.ErrNotExist))
	})
}

func TestPipeline_Cancelled(t *testing.T) {
	dir := t.TempDir()
	sensorPath, gpsPath := writeBatch(t, dir, outlierCO, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewPipeline(testPipelineConfig(dir)).Run(ctx, sensorPath, gpsPath)
	assert.True(t, errors.Is(err, context.Canceled))
}

// ---------------------------------------------------------------------------
// Render error policy
// ---------------------------------------------------------------------------

func TestPipeline_RenderAbort(t *testing.T) {
	dir := t.TempDir()
	sensorPath, gpsPath := writeBatch(t, dir, outlierCO, 0)

	p := NewPipeline(testPipelineConfig(dir))
	p.Reconstructor.Interpolator = failOn{value: 100}

	_, err := p.Run(context.Background(), sensorPath, gpsPath)
	require.Error(t, err)

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageVisualization, se.Stage)
	var re *RenderError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "CO_refined", re.Pollutant)
	assert.True(t, strings.HasPrefix(err.Error(), "Visualization failed"))

	// merge outputs survive a visualization failure
	assert.FileExists(t, filepath.Join(p.Config.Output.Dir, MergedFileName))
}

func TestPipeline_RenderContinue(t *testing.T) {
	dir := t.TempDir()
	sensorPath, gpsPath := writeBatch(t, dir, outlierCO, 0)

	cfg := testPipelineConfig(dir)
	cfg.Render.OnError = RenderContinue
	p := NewPipeline(cfg)
	p.Reconstructor.Interpolator = failOn{value: 100}

	result, err := p.Run(context.Background(), sensorPath, gpsPath)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, result.Status())
	assert.Equal(t, []string{"CH4_refined", "NOx_refined", "LPG_refined"}, result.Pollutants)
	require.Len(t, result.Failures, 1)

	var re *RenderError
	require.True(t, errors.As(result.Failures[0], &re))
	assert.Equal(t, "CO_refined", re.Pollutant)

	_, err = os.Stat(filepath.Join(cfg.Output.PlumeDir, "CO_refined.html"))
	assert.True(t, os.IsNotExist(err))

	summary := result.Summary()
	assert.Equal(t, StatusPartial, summary.Status)
	require.Len(t, summary.Failures, 1)
	assert.Contains(t, summary.Failures[0], "CO_refined")
}

func TestPipeline_RenderContinueAllFail(t *testing.T) {
	dir := t.TempDir()
	sensorPath, gpsPath := writeBatch(t, dir, outlierCO, 0)

	cfg := testPipelineConfig(dir)
	cfg.Render.OnError = RenderContinue
	p := NewPipeline(cfg)
	blocker := filepath.Join(dir, "blocked")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	p.Artifacts.Dir = blocker

	result, err := p.Run(context.Background(), sensorPath, gpsPath)
	require.NoError(t, err)
	assert.Empty(t, result.Pollutants)
	assert.Len(t, result.Failures, NumGases)
	assert.Equal(t, StatusFailed, result.Status())
}

// ---------------------------------------------------------------------------
// RunVisualizeOnly
// ---------------------------------------------------------------------------

func TestPipeline_RunVisualizeOnly(t *testing.T) {
	dir := t.TempDir()
	sensorPath, gpsPath := writeBatch(t, dir, outlierCO, 0)
	cfg := testPipelineConfig(dir)
	p := NewPipeline(cfg)

	_, err := p.Run(context.Background(), sensorPath, gpsPath)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(cfg.Output.PlumeDir))

	result, err := p.RunVisualizeOnly(context.Background(), filepath.Join(cfg.Output.Dir, MergedFileName))
	require.NoError(t, err)
	assert.Equal(t, 10, result.Rows)
	assert.Equal(t, 1, result.Anomalies)
	assert.Nil(t, result.Merge)
	assert.Equal(t, Pollutants(), result.Pollutants)
	assert.FileExists(t, filepath.Join(cfg.Output.PlumeDir, "LPG_refined.html"))
}

func TestPipeline_RunVisualizeOnlyMissingTable(t *testing.T) {
	dir := t.TempDir()
	_, err := NewPipeline(testPipelineConfig(dir)).RunVisualizeOnly(context.Background(), filepath.Join(dir, "missing.csv"))
	require.Error(t, err)

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageVisualization, se.Stage)
}
