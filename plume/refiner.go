package plume

import "log"

// Environmental correction coefficients, relative to 25 C and 50% RH
const (
	referenceTemperature = 25.0
	referenceHumidity    = 50.0
	temperatureCoeff     = 0.005
	humidityCoeff        = 0.003
)

// Refine corrects a raw gas reading for ambient temperature and humidity.
//
// The division is unguarded: a correction product of zero yields ±Inf or
// NaN, which callers propagate and count as a numeric degeneracy.
func Refine(raw, temperature, humidity float64) float64 {
	tempFactor := 1 + temperatureCoeff*(temperature-referenceTemperature)
	humidityFactor := 1 - humidityCoeff*(humidity-referenceHumidity)
	return raw / (tempFactor * humidityFactor)
}

// RefineStats counts degenerate corrections in a batch
type RefineStats struct {
	Records   int
	NonFinite [NumGases]int // refined values that came out ±Inf or NaN, per channel
}

// Degenerate returns the total number of non-finite refined values
func (s RefineStats) Degenerate() int {
	n := 0
	for _, c := range s.NonFinite {
		n += c
	}
	return n
}

// RefineAll applies Refine to every channel of every record. It has no
// cross-row state, so callers may split the batch freely.
func RefineAll(fused []FusedRecord) ([]RefinedRecord, RefineStats) {
	stats := RefineStats{Records: len(fused)}
	refined := make([]RefinedRecord, len(fused))

	for i := range fused {
		f := &fused[i]
		r := RefinedRecord{
			Time:        f.Time,
			Temperature: f.Temperature,
			Humidity:    f.Humidity,
			Position:    f.Position,
		}
		for _, g := range Gases {
			v := Refine(f.Gas[g], f.Temperature, f.Humidity)
			// NaN raw readings are missing data, not degeneracies
			if !isFinite(v) && isFinite(f.Gas[g]) {
				stats.NonFinite[g]++
			}
			r.Refined[g] = v
		}
		refined[i] = r
	}

	for _, g := range Gases {
		if n := stats.NonFinite[g]; n > 0 {
			log.Printf("Warning: %d %s readings have a near-zero correction factor; refined values are non-finite", n, g)
		}
	}
	return refined, stats
}
