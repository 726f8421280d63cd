package plume

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// Sample is one scattered observation of a pollutant
type Sample struct {
	Position Position
	Value    float64
}

// Interpolator estimates a value for every grid cell from scattered
// samples. Cells it cannot estimate are NaN.
type Interpolator interface {
	Interpolate(ctx context.Context, samples []Sample, grid *Grid) ([]float64, error)
}

// FallbackInterpolator runs Primary and Fallback independently and fills
// the cells Primary left undefined with Fallback's values.
type FallbackInterpolator struct {
	Primary  Interpolator
	Fallback Interpolator
}

// Interpolate implements Interpolator
func (f *FallbackInterpolator) Interpolate(ctx context.Context, samples []Sample, grid *Grid) ([]float64, error) {
	var primary, fallback []float64

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		primary, err = f.Primary.Interpolate(ctx, samples, grid)
		if err != nil {
			return fmt.Errorf("primary interpolation: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		fallback, err = f.Fallback.Interpolate(ctx, samples, grid)
		if err != nil {
			return fmt.Errorf("fallback interpolation: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, v := range primary {
		if math.IsNaN(v) {
			primary[i] = fallback[i]
		}
	}
	return primary, nil
}

// NearestInterpolator assigns each cell the value of the closest sample in
// raw (longitude, latitude, altitude) space, using a k-d tree.
type NearestInterpolator struct{}

// Interpolate implements Interpolator
func (NearestInterpolator) Interpolate(ctx context.Context, samples []Sample, grid *Grid) ([]float64, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("nearest interpolation needs at least one sample")
	}

	pts := make(kdPoints, len(samples))
	for i, s := range samples {
		pts[i] = kdPoint{
			pos: [3]float64{s.Position.Longitude, s.Position.Latitude, s.Position.Altitude},
			idx: i,
		}
	}
	tree := kdtree.New(pts, false)

	out := make([]float64, grid.Len())
	for i, lon := range grid.Lon {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for j, lat := range grid.Lat {
			for k, alt := range grid.Alt {
				q := kdPoint{pos: [3]float64{lon, lat, alt}, idx: -1}
				best, _ := tree.Nearest(q)
				out[grid.Index(i, j, k)] = samples[best.(kdPoint).idx].Value
			}
		}
	}
	return out, nil
}

// kdPoint is a sample position stored in the k-d tree
type kdPoint struct {
	pos [3]float64
	idx int
}

// Compare implements kdtree.Comparable
func (p kdPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(kdPoint)
	return p.pos[d] - q.pos[d]
}

// Dims implements kdtree.Comparable
func (p kdPoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance
func (p kdPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(kdPoint)
	dx := p.pos[0] - q.pos[0]
	dy := p.pos[1] - q.pos[1]
	dz := p.pos[2] - q.pos[2]
	return dx*dx + dy*dy + dz*dz
}

// kdPoints satisfies kdtree.Interface
type kdPoints []kdPoint

func (p kdPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p kdPoints) Len() int                              { return len(p) }
func (p kdPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot uses median of medians
func (p kdPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(kdPlane{kdPoints: p, Dim: d}, kdtree.MedianOfMedians(kdPlane{kdPoints: p, Dim: d}))
}

// kdPlane sorts points along one dimension
type kdPlane struct {
	kdPoints
	kdtree.Dim
}

func (p kdPlane) Less(i, j int) bool {
	return p.kdPoints[i].pos[p.Dim] < p.kdPoints[j].pos[p.Dim]
}

func (p kdPlane) Slice(start, end int) kdtree.SortSlicer {
	return kdPlane{kdPoints: p.kdPoints[start:end], Dim: p.Dim}
}

func (p kdPlane) Swap(i, j int) {
	p.kdPoints[i], p.kdPoints[j] = p.kdPoints[j], p.kdPoints[i]
}
