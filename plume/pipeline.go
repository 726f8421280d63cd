package plume

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Run outcomes
const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Pipeline runs the merge stage (fuse, refine, detect) and the
// visualization stage (reconstruct, render) over one batch. Runs share no
// state, so one Pipeline may serve concurrent runs as long as they write to
// different directories.
type Pipeline struct {
	Config        *Config
	Detector      Detector
	Reconstructor *Reconstructor
	Artifacts     *ArtifactWriter

	Metrics   *Metrics      // optional
	Publisher *Publisher    // optional
	State     *StateTracker // optional
}

// NewPipeline wires the default components for cfg
func NewPipeline(cfg *Config) *Pipeline {
	return &Pipeline{
		Config:        cfg,
		Detector:      NewIsolationForest(cfg.Detector),
		Reconstructor: NewReconstructor(cfg.Field, cfg.Detector.Seed),
		Artifacts:     NewArtifactWriter(cfg.Output.PlumeDir, cfg.Render),
	}
}

// MergeResult is the output of the merge stage
type MergeResult struct {
	Records   []ScoredRecord
	Fuse      FuseStats
	Refine    RefineStats
	Anomalies int

	MergedPath    string
	AnomaliesPath string
	GeoJSONPath   string // empty when disabled
}

// VisualizeResult is the output of the visualization stage
type VisualizeResult struct {
	Pollutants []string // rendered pollutant ids in channel order
	Artifacts  map[string]Artifacts
	Fields     map[string]*ScalarField
	// Failures holds one *StageError per pollutant that failed under the
	// continue policy, in channel order
	Failures []error
}

// RunResult describes one complete run
type RunResult struct {
	RunID      string
	Rows       int
	Dropped    int
	Anomalies  int
	Pollutants []string
	Artifacts  map[string]Artifacts
	Failures   []error
	Stats      []PollutantStats
	Duration   time.Duration

	Merge     *MergeResult
	Visualize *VisualizeResult
}

// Status summarises the outcome
func (r *RunResult) Status() string {
	switch {
	case len(r.Failures) == 0:
		return StatusOK
	case len(r.Pollutants) > 0:
		return StatusPartial
	}
	return StatusFailed
}

// Summary converts the result to its published form
func (r *RunResult) Summary() *RunSummary {
	s := &RunSummary{
		RunID:      r.RunID,
		Status:     r.Status(),
		Rows:       r.Rows,
		Dropped:    r.Dropped,
		Anomalies:  r.Anomalies,
		Pollutants: r.Stats,
		Artifacts:  make([]string, 0, len(r.Pollutants)),
		Timestamp:  time.Now().Unix(),
	}
	for _, id := range r.Pollutants {
		s.Artifacts = append(s.Artifacts, filepath.Base(r.Artifacts[id].HTML))
	}
	for _, err := range r.Failures {
		s.Failures = append(s.Failures, err.Error())
	}
	return s
}

// Merge reads both logs, fuses, refines and labels them, and writes the
// merged and anomaly tables. Failures are *StageError{Stage: StageMerge}.
func (p *Pipeline) Merge(ctx context.Context, sensorPath, gpsPath string) (*MergeResult, error) {
	timer := p.Metrics.StageTimer(StageMerge)
	defer timer.ObserveDuration()

	res, err := p.merge(ctx, sensorPath, gpsPath)
	if err != nil {
		return nil, &StageError{Stage: StageMerge, Err: err}
	}
	return res, nil
}

func (p *Pipeline) merge(ctx context.Context, sensorPath, gpsPath string) (*MergeResult, error) {
	sensors, err := ReadSensorFile(sensorPath)
	if err != nil {
		return nil, err
	}
	fixes, err := ReadGPSFile(gpsPath)
	if err != nil {
		return nil, err
	}
	p.Metrics.RecordIngest(len(sensors), len(fixes))
	log.Printf("Loaded %d sensor rows and %d GPS fixes", len(sensors), len(fixes))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fused, fuseStats := Fuse(sensors, fixes, p.Config.Fusion.Tolerance())
	if fuseStats.Dropped > 0 {
		log.Printf("Warning: %d of %d sensor rows had no GPS fix within %v",
			fuseStats.Dropped, fuseStats.Sensors, p.Config.Fusion.Tolerance())
	}
	if len(fused) == 0 {
		log.Printf("Warning: no sensor rows matched a GPS fix; outputs will be empty")
	}

	refined, refineStats := RefineAll(fused)

	scored, err := DetectAnomalies(p.Detector, refined)
	if err != nil {
		return nil, fmt.Errorf("detecting anomalies: %w", err)
	}

	res := &MergeResult{
		Records: scored,
		Fuse:    fuseStats,
		Refine:  refineStats,
	}
	anomalies := FilterAnomalies(scored)
	res.Anomalies = len(anomalies)

	res.MergedPath = filepath.Join(p.Config.Output.Dir, MergedFileName)
	if err := WriteScoredFile(res.MergedPath, scored); err != nil {
		return nil, err
	}
	res.AnomaliesPath = filepath.Join(p.Config.Output.Dir, AnomaliesFileName)
	if err := WriteScoredFile(res.AnomaliesPath, anomalies); err != nil {
		return nil, err
	}
	if p.Config.Output.GeoJSON {
		res.GeoJSONPath = filepath.Join(p.Config.Output.Dir, SamplesFileName)
		if err := WriteGeoJSON(res.GeoJSONPath, SamplesToGeoJSON(scored)); err != nil {
			return nil, err
		}
	}

	p.Metrics.RecordMerge(fuseStats, refineStats, res.Anomalies)
	log.Printf("Merged %d rows (%d dropped), %d anomalies", len(scored), fuseStats.Dropped, res.Anomalies)
	return res, nil
}

// Visualize reconstructs and renders every pollutant concurrently.
//
// Under RenderAbort the first failure cancels the remaining pollutants and
// is returned as *StageError{Stage: StageVisualization}. Under
// RenderContinue failures are collected in VisualizeResult.Failures and the
// error is nil. Context cancellation always aborts.
func (p *Pipeline) Visualize(ctx context.Context, records []ScoredRecord) (*VisualizeResult, error) {
	timer := p.Metrics.StageTimer(StageVisualization)
	defer timer.ObserveDuration()

	res := &VisualizeResult{
		Artifacts: make(map[string]Artifacts, NumGases),
		Fields:    make(map[string]*ScalarField, NumGases),
	}

	bounds, ok := BoundsOf(records)
	if !ok {
		log.Printf("Warning: no located records; skipping field reconstruction")
		return res, nil
	}

	workers := p.Config.Field.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	var mu sync.Mutex
	failures := make([]error, NumGases)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, gas := range Gases {
		g.Go(func() error {
			field, art, err := p.renderPollutant(gctx, records, gas, bounds)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				rerr := &RenderError{Pollutant: gas.Pollutant(), Err: err}
				if p.Config.Render.OnError != RenderContinue {
					return rerr
				}
				log.Printf("Warning: %v; continuing with remaining pollutants", rerr)
				mu.Lock()
				failures[gas] = &StageError{Stage: StageVisualization, Err: rerr}
				mu.Unlock()
				return nil
			}

			mu.Lock()
			res.Artifacts[gas.Pollutant()] = art
			res.Fields[gas.Pollutant()] = field
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, &StageError{Stage: StageVisualization, Err: err}
	}

	for _, gas := range Gases {
		if _, ok := res.Artifacts[gas.Pollutant()]; ok {
			res.Pollutants = append(res.Pollutants, gas.Pollutant())
		}
		if failures[gas] != nil {
			res.Failures = append(res.Failures, failures[gas])
		}
	}
	log.Printf("Rendered %d of %d pollutants", len(res.Pollutants), NumGases)
	return res, nil
}

func (p *Pipeline) renderPollutant(ctx context.Context, records []ScoredRecord, gas Gas, bounds Bounds3) (*ScalarField, Artifacts, error) {
	timer := p.Metrics.PollutantTimer(gas.Pollutant())
	defer timer.ObserveDuration()

	field, err := p.Reconstructor.Reconstruct(ctx, records, gas, bounds)
	if err != nil {
		return nil, Artifacts{}, err
	}
	if field.Constant {
		p.Metrics.RecordConstantField(field.Pollutant)
	}
	if err := ctx.Err(); err != nil {
		return nil, Artifacts{}, err
	}

	art, err := p.Artifacts.Write(field)
	if err != nil {
		return nil, Artifacts{}, err
	}
	log.Printf("[DEBUG] %s: %d samples, raw range [%g, %g] -> %s",
		field.Pollutant, field.Samples, field.RawMin, field.RawMax, art.HTML)
	return field, art, nil
}

// Run executes both stages over a sensor log and a GPS log
func (p *Pipeline) Run(ctx context.Context, sensorPath, gpsPath string) (*RunResult, error) {
	start := time.Now()
	result := &RunResult{RunID: uuid.NewString()}
	log.Printf("Starting run %s", result.RunID)

	merged, err := p.Merge(ctx, sensorPath, gpsPath)
	if err != nil {
		return nil, p.fail(result, start, err)
	}
	result.Merge = merged
	result.Rows = len(merged.Records)
	result.Dropped = merged.Fuse.Dropped
	result.Anomalies = merged.Anomalies

	return p.visualizeInto(ctx, result, start, merged.Records)
}

// RunVisualizeOnly re-renders the artefacts from an existing merged table
func (p *Pipeline) RunVisualizeOnly(ctx context.Context, mergedPath string) (*RunResult, error) {
	start := time.Now()
	result := &RunResult{RunID: uuid.NewString()}
	log.Printf("Starting visualization-only run %s from %s", result.RunID, mergedPath)

	records, err := ReadScoredFile(mergedPath)
	if err != nil {
		return nil, p.fail(result, start, &StageError{Stage: StageVisualization, Err: err})
	}
	result.Rows = len(records)
	result.Anomalies = len(FilterAnomalies(records))

	return p.visualizeInto(ctx, result, start, records)
}

func (p *Pipeline) visualizeInto(ctx context.Context, result *RunResult, start time.Time, records []ScoredRecord) (*RunResult, error) {
	result.Stats = Summarize(records)

	vis, err := p.Visualize(ctx, records)
	if err != nil {
		return nil, p.fail(result, start, err)
	}
	result.Visualize = vis
	result.Pollutants = vis.Pollutants
	result.Artifacts = vis.Artifacts
	result.Failures = vis.Failures
	result.Duration = time.Since(start)

	p.finish(result, records)
	return result, nil
}

// fail records a run that ended in err and returns err
func (p *Pipeline) fail(result *RunResult, start time.Time, err error) error {
	result.Failures = []error{err}
	result.Duration = time.Since(start)
	log.Printf("Run %s failed after %v: %v", result.RunID, result.Duration.Round(time.Millisecond), err)
	p.Metrics.RecordRun(StatusFailed)
	if p.State != nil {
		p.State.Record(result.Summary())
	}
	return err
}

// finish publishes and records a completed run
func (p *Pipeline) finish(result *RunResult, records []ScoredRecord) {
	status := result.Status()
	log.Printf("Run %s finished (%s) in %v: %d rows, %d anomalies, %d pollutants",
		result.RunID, status, result.Duration.Round(time.Millisecond), result.Rows, result.Anomalies, len(result.Pollutants))
	p.Metrics.RecordRun(status)

	summary := result.Summary()
	if p.State != nil {
		p.State.Record(summary)
	}
	if p.Publisher != nil {
		if err := p.Publisher.PublishRun(summary, FilterAnomalies(records)); err != nil {
			log.Printf("Warning: failed to publish run %s: %v", result.RunID, err)
		}
	}
}
