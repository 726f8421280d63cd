package plume

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"
)

const (
	// joggle perturbs normalized sample coordinates so cospherical and
	// coplanar lattices still triangulate
	joggle = 1e-9
	// baryTolerance admits grid points sitting on a hull face
	baryTolerance = 1e-7
	// flatTolerance marks a tetrahedron as flat relative to its edge lengths
	flatTolerance = 1e-12
	// rankTolerance is relative to the largest singular value
	rankTolerance = 1e-10
	// superScale sizes the enclosing tetrahedron around the unit cube
	superScale = 100.0
)

// LinearInterpolator estimates each cell by barycentric interpolation over
// a Delaunay tetrahedralization of the samples. Cells outside the convex
// hull are NaN. Coordinates are normalized to the grid's unit cube first so
// degrees and metres weigh the same.
type LinearInterpolator struct {
	Seed int64 // joggle source
}

// Interpolate implements Interpolator
func (l LinearInterpolator) Interpolate(ctx context.Context, samples []Sample, grid *Grid) ([]float64, error) {
	out := make([]float64, grid.Len())
	for i := range out {
		out[i] = math.NaN()
	}
	if len(samples) < 4 || grid.Len() == 0 {
		return out, nil
	}

	norm := newUnitCube(grid)
	pts := make([][3]float64, len(samples))
	for i, s := range samples {
		pts[i] = norm.apply(s.Position)
	}
	if affineRank(pts) < 3 {
		// Samples span a plane or less; there is no volume to interpolate
		return out, nil
	}

	jittered := make([][3]float64, len(pts))
	rng := rand.New(rand.NewSource(l.Seed))
	for i, p := range pts {
		for d := range p {
			jittered[i][d] = p[d] + (2*rng.Float64()-1)*joggle
		}
	}

	tets, err := triangulate(ctx, jittered)
	if err != nil {
		return nil, err
	}

	axes := [3][]float64{
		norm.axis(grid.Lon, 0),
		norm.axis(grid.Lat, 1),
		norm.axis(grid.Alt, 2),
	}
	for n, t := range tets {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		// Weights come from the unjoggled positions so cells lying exactly
		// on a flat hull face still land inside a tetrahedron
		rasterizeTet(pts, samples, t, axes, grid, out)
	}
	return out, nil
}

// unitCube maps grid coordinates onto [0, 1] per axis. A flat axis maps
// everything to 0.
type unitCube struct {
	lo, span [3]float64
}

func newUnitCube(g *Grid) unitCube {
	var u unitCube
	for d, axis := range [3][]float64{g.Lon, g.Lat, g.Alt} {
		if len(axis) == 0 {
			continue
		}
		u.lo[d] = axis[0]
		u.span[d] = axis[len(axis)-1] - axis[0]
	}
	return u
}

func (u unitCube) scale(v float64, d int) float64 {
	if u.span[d] == 0 {
		return 0
	}
	return (v - u.lo[d]) / u.span[d]
}

func (u unitCube) apply(p Position) [3]float64 {
	return [3]float64{
		u.scale(p.Longitude, 0),
		u.scale(p.Latitude, 1),
		u.scale(p.Altitude, 2),
	}
}

func (u unitCube) axis(values []float64, d int) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = u.scale(v, d)
	}
	return out
}

// affineRank is the rank of the centred point cloud
func affineRank(pts [][3]float64) int {
	if len(pts) < 2 {
		return 0
	}
	var mean [3]float64
	for _, p := range pts {
		for d := range p {
			mean[d] += p[d]
		}
	}
	for d := range mean {
		mean[d] /= float64(len(pts))
	}

	m := mat.NewDense(len(pts), 3, nil)
	for i, p := range pts {
		for d := range p {
			m.Set(i, d, p[d]-mean[d])
		}
	}

	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDNone) {
		return 0
	}
	values := svd.Values(nil)
	if len(values) == 0 || values[0] == 0 {
		return 0
	}
	rank := 0
	for _, s := range values {
		if s > rankTolerance*values[0] {
			rank++
		}
	}
	return rank
}

// rasterizeTet writes the barycentric blend of a tetrahedron's vertex values
// into every still-undefined cell it covers
func rasterizeTet(pts [][3]float64, samples []Sample, t [4]int, axes [3][]float64, grid *Grid, out []float64) {
	p0 := pts[t[0]]
	var edges [3][3]float64
	for e := 0; e < 3; e++ {
		for d := 0; d < 3; d++ {
			edges[e][d] = pts[t[e+1]][d] - p0[d]
		}
	}
	scale := math.Sqrt(dot3(edges[0], edges[0]) * dot3(edges[1], edges[1]) * dot3(edges[2], edges[2]))
	if scale == 0 || math.Abs(det3(edges[0], edges[1], edges[2])) <= flatTolerance*scale {
		// slivers from the joggle collapse here; their neighbours cover the face
		return
	}

	// Columns are the edge vectors; the inverse maps offsets to weights
	m := mat.NewDense(3, 3, []float64{
		edges[0][0], edges[1][0], edges[2][0],
		edges[0][1], edges[1][1], edges[2][1],
		edges[0][2], edges[1][2], edges[2][2],
	})
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return
		}
	}

	var lo, hi [3]float64
	for d := 0; d < 3; d++ {
		lo[d], hi[d] = math.Inf(1), math.Inf(-1)
		for _, v := range t {
			lo[d] = math.Min(lo[d], pts[v][d])
			hi[d] = math.Max(hi[d], pts[v][d])
		}
		lo[d] -= baryTolerance
		hi[d] += baryTolerance
	}

	v0 := samples[t[0]].Value
	v1 := samples[t[1]].Value
	v2 := samples[t[2]].Value
	v3 := samples[t[3]].Value

	for i := sort.SearchFloat64s(axes[0], lo[0]); i < len(axes[0]) && axes[0][i] <= hi[0]; i++ {
		for j := sort.SearchFloat64s(axes[1], lo[1]); j < len(axes[1]) && axes[1][j] <= hi[1]; j++ {
			for k := sort.SearchFloat64s(axes[2], lo[2]); k < len(axes[2]) && axes[2][k] <= hi[2]; k++ {
				idx := grid.Index(i, j, k)
				if !math.IsNaN(out[idx]) {
					continue
				}
				dx := axes[0][i] - p0[0]
				dy := axes[1][j] - p0[1]
				dz := axes[2][k] - p0[2]
				l1 := inv.At(0, 0)*dx + inv.At(0, 1)*dy + inv.At(0, 2)*dz
				l2 := inv.At(1, 0)*dx + inv.At(1, 1)*dy + inv.At(1, 2)*dz
				l3 := inv.At(2, 0)*dx + inv.At(2, 1)*dy + inv.At(2, 2)*dz
				l0 := 1 - l1 - l2 - l3
				if l0 < -baryTolerance || l1 < -baryTolerance || l2 < -baryTolerance || l3 < -baryTolerance {
					continue
				}
				out[idx] = l0*v0 + l1*v1 + l2*v2 + l3*v3
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Bowyer-Watson tetrahedralization
// ---------------------------------------------------------------------------

type tetra struct {
	v      [4]int
	center [3]float64
	r2     float64
	dead   bool
}

// faceKey is a tetrahedron face with its vertex ids sorted
type faceKey [3]int

func newFaceKey(a, b, c int) faceKey {
	k := faceKey{a, b, c}
	if k[0] > k[1] {
		k[0], k[1] = k[1], k[0]
	}
	if k[1] > k[2] {
		k[1], k[2] = k[2], k[1]
	}
	if k[0] > k[1] {
		k[0], k[1] = k[1], k[0]
	}
	return k
}

// opposite returns the face that excludes vertex slot k
func (t *tetra) opposite(k int) (faceKey, [3]int) {
	var f [3]int
	n := 0
	for i, v := range t.v {
		if i != k {
			f[n] = v
			n++
		}
	}
	return newFaceKey(f[0], f[1], f[2]), f
}

type mesh3 struct {
	pts  [][3]float64
	tets []tetra
	// faces maps a face to the (id+1) of up to two tetrahedra sharing it
	faces map[faceKey][2]int
	last  int
}

// triangulate returns the Delaunay tetrahedra of pts as index quadruples
func triangulate(ctx context.Context, pts [][3]float64) ([][4]int, error) {
	n := len(pts)
	m := &mesh3{
		pts:   make([][3]float64, n, n+4),
		faces: make(map[faceKey][2]int, 12*n),
	}
	copy(m.pts, pts)

	// The unit cube sits well inside this tetrahedron
	a, b := superScale, 10*superScale
	m.pts = append(m.pts,
		[3]float64{-a, -a, -a},
		[3]float64{b, -a, -a},
		[3]float64{-a, b, -a},
		[3]float64{-a, -a, b},
	)
	m.last = m.addTet(n, n+1, n+2, n+3)

	for i := 0; i < n; i++ {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		m.insert(i)
	}

	var out [][4]int
	for _, t := range m.tets {
		if t.dead || t.v[0] >= n || t.v[1] >= n || t.v[2] >= n || t.v[3] >= n {
			continue
		}
		out = append(out, t.v)
	}
	return out, nil
}

func (m *mesh3) addTet(a, b, c, d int) int {
	t := tetra{v: [4]int{a, b, c, d}}
	t.center, t.r2 = circumsphere(m.pts[a], m.pts[b], m.pts[c], m.pts[d])
	id := len(m.tets)
	m.tets = append(m.tets, t)
	for k := 0; k < 4; k++ {
		key, _ := t.opposite(k)
		e := m.faces[key]
		if e[0] == 0 {
			e[0] = id + 1
		} else {
			e[1] = id + 1
		}
		m.faces[key] = e
	}
	return id
}

func (m *mesh3) removeTet(id int) {
	t := &m.tets[id]
	t.dead = true
	for k := 0; k < 4; k++ {
		key, _ := t.opposite(k)
		e := m.faces[key]
		switch id + 1 {
		case e[0]:
			e[0], e[1] = e[1], 0
		case e[1]:
			e[1] = 0
		}
		if e[0] == 0 {
			delete(m.faces, key)
		} else {
			m.faces[key] = e
		}
	}
}

// neighbor returns the tetrahedron across key from id, or -1 on the hull
func (m *mesh3) neighbor(id int, key faceKey) int {
	e := m.faces[key]
	if e[0] == id+1 {
		return e[1] - 1
	}
	return e[0] - 1
}

func (m *mesh3) inSphere(id int, p [3]float64) bool {
	t := &m.tets[id]
	if math.IsInf(t.r2, 1) {
		return true
	}
	dx := p[0] - t.center[0]
	dy := p[1] - t.center[1]
	dz := p[2] - t.center[2]
	return dx*dx+dy*dy+dz*dz < t.r2
}

func (m *mesh3) insert(i int) {
	p := m.pts[i]

	seed := m.locate(m.last, p)
	if seed < 0 || !m.inSphere(seed, p) {
		seed = -1
		for id := len(m.tets) - 1; id >= 0; id-- {
			if !m.tets[id].dead && m.inSphere(id, p) {
				seed = id
				break
			}
		}
	}
	if seed < 0 {
		return
	}

	// Grow the cavity of tetrahedra whose circumsphere holds p
	bad := map[int]bool{seed: true}
	stack := []int{seed}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for k := 0; k < 4; k++ {
			key, _ := m.tets[id].opposite(k)
			nb := m.neighbor(id, key)
			if nb < 0 || bad[nb] {
				continue
			}
			if m.inSphere(nb, p) {
				bad[nb] = true
				stack = append(stack, nb)
			}
		}
	}

	// Collect the cavity boundary in a stable order
	ids := make([]int, 0, len(bad))
	for id := range bad {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var boundary [][3]int
	for _, id := range ids {
		for k := 0; k < 4; k++ {
			key, f := m.tets[id].opposite(k)
			nb := m.neighbor(id, key)
			if nb < 0 || !bad[nb] {
				boundary = append(boundary, f)
			}
		}
	}

	for _, id := range ids {
		m.removeTet(id)
	}
	for _, f := range boundary {
		m.last = m.addTet(f[0], f[1], f[2], i)
	}
}

// locate walks from start towards p across faces p lies beyond, returning
// the tetrahedron that contains it or -1 when the walk does not settle
func (m *mesh3) locate(start int, p [3]float64) int {
	if start < 0 || start >= len(m.tets) || m.tets[start].dead {
		return -1
	}
	cur := start
	limit := len(m.tets) + 64
	for step := 0; step < limit; step++ {
		t := &m.tets[cur]
		moved := false
		for k := 0; k < 4; k++ {
			key, f := t.opposite(k)
			a, b, c := m.pts[f[0]], m.pts[f[1]], m.pts[f[2]]
			inner := orient(a, b, c, m.pts[t.v[k]])
			side := orient(a, b, c, p)
			if inner*side >= 0 {
				continue
			}
			if nb := m.neighbor(cur, key); nb >= 0 {
				cur = nb
				moved = true
				break
			}
		}
		if !moved {
			return cur
		}
	}
	return -1
}

func sub3(a, b [3]float64) [3]float64 {
	return [3]float64{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

func dot3(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func cross3(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func det3(a, b, c [3]float64) float64 {
	return dot3(a, cross3(b, c))
}

// orient is positive when d lies on the positive side of plane abc
func orient(a, b, c, d [3]float64) float64 {
	return det3(sub3(b, a), sub3(c, a), sub3(d, a))
}

// circumsphere returns the centre and squared radius through four points.
// A flat tetrahedron gets an infinite sphere so the next insertion that
// reaches it removes it.
func circumsphere(p0, p1, p2, p3 [3]float64) ([3]float64, float64) {
	a := sub3(p1, p0)
	b := sub3(p2, p0)
	c := sub3(p3, p0)
	det := det3(a, b, c)
	if math.Abs(det) < 1e-30 {
		return p0, math.Inf(1)
	}

	bc := cross3(b, c)
	ca := cross3(c, a)
	ab := cross3(a, b)
	la, lb, lc := dot3(a, a), dot3(b, b), dot3(c, c)

	var off [3]float64
	for d := 0; d < 3; d++ {
		off[d] = (la*bc[d] + lb*ca[d] + lc*ab[d]) / (2 * det)
	}
	center := [3]float64{p0[0] + off[0], p0[1] + off[1], p0[2] + off[2]}
	return center, dot3(off, off)
}
