package plume

import (
	"math"

	"github.com/paulmach/orb"
)

// Bounds3 is an axis-aligned box in (longitude, latitude, altitude)
type Bounds3 struct {
	Horizontal orb.Bound // X = longitude, Y = latitude
	MinAlt     float64
	MaxAlt     float64
}

// BoundsOf returns the bounding box of every record position. ok is false
// for an empty batch.
func BoundsOf(records []ScoredRecord) (b Bounds3, ok bool) {
	for i := range records {
		p := records[i].Position
		if !p.Valid() {
			continue
		}
		pt := orb.Point{p.Longitude, p.Latitude}
		if !ok {
			b = Bounds3{Horizontal: pt.Bound(), MinAlt: p.Altitude, MaxAlt: p.Altitude}
			ok = true
			continue
		}
		b.Horizontal = b.Horizontal.Extend(pt)
		b.MinAlt = math.Min(b.MinAlt, p.Altitude)
		b.MaxAlt = math.Max(b.MaxAlt, p.Altitude)
	}
	return b, ok
}

// Min returns the lower corner
func (b Bounds3) Min() Position {
	return Position{Longitude: b.Horizontal.Min.X(), Latitude: b.Horizontal.Min.Y(), Altitude: b.MinAlt}
}

// Max returns the upper corner
func (b Bounds3) Max() Position {
	return Position{Longitude: b.Horizontal.Max.X(), Latitude: b.Horizontal.Max.Y(), Altitude: b.MaxAlt}
}

// Grid is a regular lattice; Lon, Lat and Alt are the axis vectors and the
// value of cell (i, j, k) lives at Index(i, j, k), longitude slowest.
type Grid struct {
	Lon []float64 `json:"lon"`
	Lat []float64 `json:"lat"`
	Alt []float64 `json:"alt"`
}

// NewGrid spans bounds with nx, ny, nz evenly spaced points per axis
func NewGrid(b Bounds3, nx, ny, nz int) *Grid {
	lo, hi := b.Min(), b.Max()
	return &Grid{
		Lon: Linspace(lo.Longitude, hi.Longitude, nx),
		Lat: Linspace(lo.Latitude, hi.Latitude, ny),
		Alt: Linspace(lo.Altitude, hi.Altitude, nz),
	}
}

// Dims returns the point count along each axis
func (g *Grid) Dims() (nx, ny, nz int) {
	return len(g.Lon), len(g.Lat), len(g.Alt)
}

// Len is the total number of cells
func (g *Grid) Len() int {
	return len(g.Lon) * len(g.Lat) * len(g.Alt)
}

// Index flattens a cell coordinate
func (g *Grid) Index(i, j, k int) int {
	return (i*len(g.Lat)+j)*len(g.Alt) + k
}

// Cell returns the coordinates of a flattened index
func (g *Grid) Cell(idx int) (i, j, k int) {
	nz := len(g.Alt)
	ny := len(g.Lat)
	k = idx % nz
	j = (idx / nz) % ny
	i = idx / (nz * ny)
	return
}

// Point returns the position of cell (i, j, k)
func (g *Grid) Point(i, j, k int) Position {
	return Position{Longitude: g.Lon[i], Latitude: g.Lat[j], Altitude: g.Alt[k]}
}

// Linspace returns n evenly spaced values from start to stop inclusive
func Linspace(start, stop float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	step := (stop - start) / float64(n-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	out[n-1] = stop
	return out
}
