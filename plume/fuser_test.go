package plume

import (
	"math"
	"testing"
	"time"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func sensorAt(offset time.Duration, co float64) SensorSample {
	return SensorSample{
		Time:        t0.Add(offset),
		Gas:         [NumGases]float64{co, 2, 3, 4},
		Temperature: 25,
		Humidity:    50,
	}
}

func fixAt(offset time.Duration, lat, lon, alt float64) PositionSample {
	return PositionSample{Time: t0.Add(offset), Latitude: lat, Longitude: lon, Altitude: alt}
}

func TestFuse_NearestFix(t *testing.T) {
	sensors := []SensorSample{sensorAt(2*time.Second, 1)}
	fixes := []PositionSample{
		fixAt(0, 50.0, 10.0, 100),
		fixAt(3*time.Second, 50.1, 10.1, 110),
		fixAt(10*time.Second, 50.2, 10.2, 120),
	}

	fused, stats := Fuse(sensors, fixes, DefaultTolerance)
	if len(fused) != 1 {
		t.Fatalf("len(fused) = %d, want 1", len(fused))
	}
	if fused[0].Position.Latitude != 50.1 {
		t.Errorf("Latitude = %v, want 50.1 (nearest fix)", fused[0].Position.Latitude)
	}
	if !fused[0].PositionTime.Equal(t0.Add(3 * time.Second)) {
		t.Errorf("PositionTime = %v, want the 3s fix", fused[0].PositionTime)
	}
	if stats.Joined != 1 || stats.Dropped != 0 || stats.Sensors != 1 || stats.Positions != 3 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestFuse_ToleranceBoundary(t *testing.T) {
	fixes := []PositionSample{fixAt(0, 50, 10, 100)}

	tests := []struct {
		name   string
		offset time.Duration
		joined bool
	}{
		{"exact", 0, true},
		{"inside", 4 * time.Second, true},
		{"on boundary", 5 * time.Second, true},
		{"just past", 5*time.Second + time.Millisecond, false},
		{"before, on boundary", -5 * time.Second, true},
		{"before, just past", -(5*time.Second + time.Millisecond), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fused, stats := Fuse([]SensorSample{sensorAt(tt.offset, 1)}, fixes, 5*time.Second)
			if got := len(fused) == 1; got != tt.joined {
				t.Errorf("joined = %v, want %v", got, tt.joined)
			}
			if !tt.joined && stats.Dropped != 1 {
				t.Errorf("Dropped = %d, want 1", stats.Dropped)
			}
		})
	}
}

func TestFuse_TieUsesEarlierFix(t *testing.T) {
	sensors := []SensorSample{sensorAt(2*time.Second, 1)}
	fixes := []PositionSample{
		fixAt(4*time.Second, 51, 11, 200), // later fix listed first
		fixAt(0, 50, 10, 100),
	}

	fused, _ := Fuse(sensors, fixes, DefaultTolerance)
	if len(fused) != 1 {
		t.Fatalf("len(fused) = %d, want 1", len(fused))
	}
	if fused[0].Position.Latitude != 50 {
		t.Errorf("equidistant fixes should resolve to the earlier one, got lat %v", fused[0].Position.Latitude)
	}
}

func TestFuse_DuplicateFixTimesUseFirstInInput(t *testing.T) {
	sensors := []SensorSample{sensorAt(time.Second, 1), sensorAt(-time.Second, 1)}
	fixes := []PositionSample{
		fixAt(0, 50, 10, 100),
		fixAt(0, 60, 20, 200),
	}

	fused, _ := Fuse(sensors, fixes, DefaultTolerance)
	if len(fused) != 2 {
		t.Fatalf("len(fused) = %d, want 2", len(fused))
	}
	for i, f := range fused {
		if f.Position.Latitude != 50 {
			t.Errorf("fused[%d] lat = %v, want 50", i, f.Position.Latitude)
		}
	}
}

func TestFuse_Deterministic(t *testing.T) {
	var sensors []SensorSample
	for i := 0; i < 50; i++ {
		sensors = append(sensors, sensorAt(time.Duration(i*700)*time.Millisecond, float64(i)))
	}
	var fixes []PositionSample
	for i := 0; i < 20; i++ {
		fixes = append(fixes, fixAt(time.Duration(i*2)*time.Second, 50+float64(i)*0.001, 10, 100))
	}

	first, s1 := Fuse(sensors, fixes, DefaultTolerance)
	second, s2 := Fuse(sensors, fixes, DefaultTolerance)
	if s1 != s2 {
		t.Fatalf("stats differ: %+v vs %+v", s1, s2)
	}
	for i := range first {
		if first[i].Position != second[i].Position || !first[i].Time.Equal(second[i].Time) {
			t.Fatalf("record %d differs between runs", i)
		}
	}
}

func TestFuse_OrderedBySensorTime(t *testing.T) {
	sensors := []SensorSample{sensorAt(3*time.Second, 3), sensorAt(time.Second, 1), sensorAt(2*time.Second, 2)}
	fixes := []PositionSample{fixAt(2*time.Second, 50, 10, 100)}

	fused, _ := Fuse(sensors, fixes, DefaultTolerance)
	for i, want := range []float64{1, 2, 3} {
		if fused[i].Gas[CO] != want {
			t.Errorf("fused[%d].CO = %v, want %v", i, fused[i].Gas[CO], want)
		}
	}
}

func TestFuse_DropsNaNPositions(t *testing.T) {
	sensors := []SensorSample{sensorAt(0, 1)}
	fixes := []PositionSample{fixAt(0, math.NaN(), 10, 100)}

	fused, stats := Fuse(sensors, fixes, DefaultTolerance)
	if len(fused) != 0 {
		t.Errorf("len(fused) = %d, want 0", len(fused))
	}
	if stats.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", stats.Dropped)
	}
}

func TestFuse_NoFixes(t *testing.T) {
	fused, stats := Fuse([]SensorSample{sensorAt(0, 1), sensorAt(time.Second, 1)}, nil, DefaultTolerance)
	if len(fused) != 0 || stats.Dropped != 2 {
		t.Errorf("got %d records, %d dropped; want 0 and 2", len(fused), stats.Dropped)
	}
}

func TestFuse_RowCountMonotonic(t *testing.T) {
	var sensors []SensorSample
	for i := 0; i < 30; i++ {
		sensors = append(sensors, sensorAt(time.Duration(i)*time.Second, 1))
	}
	fixes := []PositionSample{fixAt(0, 50, 10, 100), fixAt(20*time.Second, 50, 10, 100)}

	prev := -1
	for _, tol := range []time.Duration{0, time.Second, 3 * time.Second, 5 * time.Second, 10 * time.Second} {
		fused, stats := Fuse(sensors, fixes, tol)
		if len(fused) > len(sensors) {
			t.Fatalf("more records out than in")
		}
		if len(fused)+stats.Dropped != len(sensors) {
			t.Errorf("tol %v: joined %d + dropped %d != %d", tol, len(fused), stats.Dropped, len(sensors))
		}
		if len(fused) < prev {
			t.Errorf("tol %v: joined %d < %d at smaller tolerance", tol, len(fused), prev)
		}
		prev = len(fused)
	}
}
