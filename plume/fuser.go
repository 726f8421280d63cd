package plume

import (
	"sort"
	"time"
)

// DefaultTolerance is the widest gap allowed between a sensor reading and
// the GPS fix it is joined to
const DefaultTolerance = 5 * time.Second

// FuseStats summarises a join
type FuseStats struct {
	Sensors   int // sensor samples in
	Positions int // GPS fixes in
	Joined    int // fused records out
	Dropped   int // sensor samples with no usable fix within tolerance
}

// Fuse joins every sensor sample to the GPS fix nearest in time.
//
// A sample is kept when the gap to its nearest fix is <= tol, otherwise it
// is dropped silently and counted in FuseStats.Dropped; a match whose
// coordinates are not all finite is dropped the same way. When two fixes
// are equally near, the earlier one wins; fixes sharing a timestamp resolve
// to the first in input order. Output is ordered by sensor time, ties in
// input order. Runs in O((n+m) log m).
func Fuse(sensors []SensorSample, positions []PositionSample, tol time.Duration) ([]FusedRecord, FuseStats) {
	stats := FuseStats{Sensors: len(sensors), Positions: len(positions)}

	order := make([]int, len(sensors))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return sensors[order[a]].Time.Before(sensors[order[b]].Time)
	})

	fixes := make([]PositionSample, len(positions))
	copy(fixes, positions)
	sort.SliceStable(fixes, func(a, b int) bool {
		return fixes[a].Time.Before(fixes[b].Time)
	})

	fused := make([]FusedRecord, 0, len(sensors))
	for _, idx := range order {
		s := sensors[idx]
		fix, ok := nearestFix(fixes, s.Time, tol)
		if !ok {
			stats.Dropped++
			continue
		}
		pos := Position{Longitude: fix.Longitude, Latitude: fix.Latitude, Altitude: fix.Altitude}
		if !pos.Valid() {
			stats.Dropped++
			continue
		}
		fused = append(fused, FusedRecord{SensorSample: s, Position: pos, PositionTime: fix.Time})
	}
	stats.Joined = len(fused)
	return fused, stats
}

// nearestFix finds the fix closest to t in a time-sorted slice
func nearestFix(fixes []PositionSample, t time.Time, tol time.Duration) (PositionSample, bool) {
	if len(fixes) == 0 {
		return PositionSample{}, false
	}

	// First fix at or after t
	after := sort.Search(len(fixes), func(i int) bool {
		return !fixes[i].Time.Before(t)
	})

	best := -1
	var bestGap time.Duration
	if after > 0 {
		// Last fix strictly before t; step back to the first of any equal run
		before := after - 1
		for before > 0 && fixes[before-1].Time.Equal(fixes[before].Time) {
			before--
		}
		best = before
		bestGap = t.Sub(fixes[before].Time)
	}
	if after < len(fixes) {
		gap := fixes[after].Time.Sub(t)
		if best < 0 || gap < bestGap {
			best = after
			bestGap = gap
		}
	}

	if bestGap > tol {
		return PositionSample{}, false
	}
	return fixes[best], true
}
