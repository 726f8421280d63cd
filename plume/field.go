package plume

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
)

// SnapshotPoint is one record of the most recent instant, with its value
// normalized against the other records of that instant
type SnapshotPoint struct {
	Position
	Value float64 `json:"value"`
	Raw   float64 `json:"raw"`
}

// ScalarField is a reconstructed, normalized and smoothed pollutant volume
type ScalarField struct {
	Pollutant string
	Grid      *Grid
	Values    []float64 // normalized to [0, 1], laid out per Grid.Index

	// Raw range of the interpolated field before normalization
	RawMin, RawMax float64
	// Constant is set when the interpolated field had no spread
	Constant bool
	// Samples is the number of distinct finite samples interpolated
	Samples int

	SnapshotTime time.Time
	Snapshot     []SnapshotPoint
}

// Max returns the largest cell value and its flattened index
func (f *ScalarField) Max() (float64, int) {
	if len(f.Values) == 0 {
		return math.NaN(), -1
	}
	idx := floats.MaxIdx(f.Values)
	return f.Values[idx], idx
}

// Reconstructor turns scattered pollutant samples into a ScalarField
type Reconstructor struct {
	NX, NY, NZ   int
	Sigma        float64
	Epsilon      float64
	Interpolator Interpolator
}

// NewReconstructor builds a reconstructor using linear interpolation with a
// nearest-neighbour fallback outside the convex hull
func NewReconstructor(cfg FieldConfig, seed int64) *Reconstructor {
	return &Reconstructor{
		NX:      cfg.NX,
		NY:      cfg.NY,
		NZ:      cfg.NZ,
		Sigma:   cfg.Sigma,
		Epsilon: cfg.Epsilon,
		Interpolator: &FallbackInterpolator{
			Primary:  LinearInterpolator{Seed: seed},
			Fallback: NearestInterpolator{},
		},
	}
}

// Reconstruct builds the field of gas g over bounds. Bounds normally come
// from the whole batch so every pollutant shares one grid.
func (r *Reconstructor) Reconstruct(ctx context.Context, records []ScoredRecord, g Gas, bounds Bounds3) (*ScalarField, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	samples := samplesFor(records, g)
	if len(samples) == 0 {
		return nil, fmt.Errorf("no finite %s samples", g.Pollutant())
	}

	grid := NewGrid(bounds, r.NX, r.NY, r.NZ)
	field := &ScalarField{
		Pollutant: g.Pollutant(),
		Grid:      grid,
		Samples:   len(samples),
	}

	if lo, hi := sampleRange(samples); lo == hi {
		// constant data interpolates to itself
		field.Values = make([]float64, grid.Len())
		field.RawMin, field.RawMax = lo, hi
	} else {
		raw, err := r.Interpolator.Interpolate(ctx, samples, grid)
		if err != nil {
			return nil, fmt.Errorf("interpolating %s: %w", g.Pollutant(), err)
		}
		field.Values, field.RawMin, field.RawMax = Normalize(raw, r.Epsilon)
	}
	field.Constant = field.RawMax == field.RawMin
	if field.Constant {
		log.Printf("Warning: %s field is constant (%g); normalized volume is all zero", field.Pollutant, field.RawMin)
	}

	nx, ny, nz := grid.Dims()
	field.Values = GaussianFilter3D(field.Values, nx, ny, nz, r.Sigma)
	field.SnapshotTime, field.Snapshot = Snapshot(records, g, r.Epsilon)
	return field, nil
}

// samplesFor collects the finite values of g, keeping the first record at
// any repeated position
func samplesFor(records []ScoredRecord, g Gas) []Sample {
	seen := make(map[Position]bool, len(records))
	samples := make([]Sample, 0, len(records))
	for i := range records {
		rec := &records[i]
		v := rec.Refined[g]
		if !isFinite(v) || !rec.Position.Valid() || seen[rec.Position] {
			continue
		}
		seen[rec.Position] = true
		samples = append(samples, Sample{Position: rec.Position, Value: v})
	}
	return samples
}

func sampleRange(samples []Sample) (lo, hi float64) {
	lo, hi = samples[0].Value, samples[0].Value
	for _, s := range samples[1:] {
		lo = math.Min(lo, s.Value)
		hi = math.Max(hi, s.Value)
	}
	return lo, hi
}

// Normalize rescales values to (v-min)/(max-min+eps). NaN cells are
// ignored for the range and come back as 0. A constant input yields zeros.
func Normalize(values []float64, eps float64) (out []float64, lo, hi float64) {
	out = make([]float64, len(values))
	finite := make([]float64, 0, len(values))
	for _, v := range values {
		if isFinite(v) {
			finite = append(finite, v)
		}
	}
	if len(finite) == 0 {
		return out, math.NaN(), math.NaN()
	}
	lo, hi = floats.Min(finite), floats.Max(finite)
	scale := hi - lo + eps
	if scale == 0 {
		return out, lo, hi
	}
	for i, v := range values {
		if isFinite(v) {
			out[i] = (v - lo) / scale
		}
	}
	return out, lo, hi
}

// Snapshot returns the records sharing the latest timestamp, with values of
// g normalized among themselves
func Snapshot(records []ScoredRecord, g Gas, eps float64) (time.Time, []SnapshotPoint) {
	var latest time.Time
	for i := range records {
		if records[i].Time.After(latest) {
			latest = records[i].Time
		}
	}

	var points []SnapshotPoint
	for i := range records {
		rec := &records[i]
		if !rec.Time.Equal(latest) || !isFinite(rec.Refined[g]) || !rec.Position.Valid() {
			continue
		}
		points = append(points, SnapshotPoint{Position: rec.Position, Raw: rec.Refined[g]})
	}
	if len(points) == 0 {
		return latest, nil
	}

	raw := make([]float64, len(points))
	for i, p := range points {
		raw[i] = p.Raw
	}
	norm, _, _ := Normalize(raw, eps)
	for i := range points {
		points[i].Value = norm[i]
	}
	return latest, points
}
