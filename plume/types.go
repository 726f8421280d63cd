package plume

import (
	"math"
	"time"
)

// Gas identifies one of the fixed sensor channels
type Gas int

const (
	CO Gas = iota
	CH4
	NOx
	LPG
)

// NumGases is the number of gas channels carried by every sensor sample
const NumGases = 4

// Gases lists the channels in column order
var Gases = [NumGases]Gas{CO, CH4, NOx, LPG}

var gasNames = [NumGases]string{"CO", "CH4", "NOx", "LPG"}

// String returns the raw CSV column name of the channel
func (g Gas) String() string {
	if g < 0 || int(g) >= NumGases {
		return "UNKNOWN"
	}
	return gasNames[g]
}

// Pollutant returns the refined column name, which is also the pollutant id
// used for artefact names ("CO_refined").
func (g Gas) Pollutant() string {
	return g.String() + "_refined"
}

// Pollutants returns the pollutant ids of all channels in column order
func Pollutants() []string {
	ids := make([]string, NumGases)
	for i, g := range Gases {
		ids[i] = g.Pollutant()
	}
	return ids
}

// GasByPollutant resolves a pollutant id back to its channel
func GasByPollutant(id string) (Gas, bool) {
	for _, g := range Gases {
		if g.Pollutant() == id {
			return g, true
		}
	}
	return 0, false
}

// SensorSample is one row of the gas sensor log
type SensorSample struct {
	Time        time.Time
	Gas         [NumGases]float64
	Temperature float64 // degrees C
	Humidity    float64 // percent RH
}

// PositionSample is one GPS fix
type PositionSample struct {
	Time      time.Time
	Latitude  float64
	Longitude float64
	Altitude  float64 // metres
}

// Position is a geolocation in (longitude, latitude, altitude) order, which
// is also the x, y, z order of the reconstruction grid.
type Position struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
	Altitude  float64 `json:"altitude"`
}

// Valid reports whether all three coordinates are finite
func (p Position) Valid() bool {
	return isFinite(p.Longitude) && isFinite(p.Latitude) && isFinite(p.Altitude)
}

// FusedRecord is a sensor sample joined to its nearest GPS fix
type FusedRecord struct {
	SensorSample
	Position Position
	// PositionTime is the timestamp of the GPS fix that was joined
	PositionTime time.Time
}

// RefinedRecord carries corrected gas values; raw readings are not retained
type RefinedRecord struct {
	Time        time.Time
	Temperature float64
	Humidity    float64
	Position    Position
	Refined     [NumGases]float64
}

// Label is the binary outlier verdict for a record
type Label int

const (
	Normal Label = iota
	Anomaly
)

// String returns the value written to the anomaly column
func (l Label) String() string {
	if l == Anomaly {
		return "anomaly"
	}
	return "normal"
}

// ParseLabel parses an anomaly column value
func ParseLabel(s string) (Label, bool) {
	switch s {
	case "normal":
		return Normal, true
	case "anomaly":
		return Anomaly, true
	}
	return Normal, false
}

// ScoredRecord is a refined record labelled by the outlier detector.
// Score is the detector's continuous score (lower is more anomalous); it is
// only meaningful within the batch it was computed for.
type ScoredRecord struct {
	RefinedRecord
	Label Label
	Score float64
}

// Features returns the refined channel vector used by the detector
func (r *RefinedRecord) Features() []float64 {
	f := make([]float64, NumGases)
	copy(f, r.Refined[:])
	return f
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
