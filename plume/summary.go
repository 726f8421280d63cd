package plume

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// PollutantStats describes the refined values of one channel in a batch.
// Statistics cover finite values only.
type PollutantStats struct {
	Pollutant string  `json:"pollutant"`
	Count     int     `json:"count"`
	NonFinite int     `json:"nonFinite"`
	Mean      float64 `json:"mean"`
	StdDev    float64 `json:"stdDev"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	P95       float64 `json:"p95"`
	// MeanAnomalous is the mean over records labelled Anomaly
	MeanAnomalous float64 `json:"meanAnomalous"`
}

// Summarize computes per-pollutant statistics in channel order
func Summarize(records []ScoredRecord) []PollutantStats {
	out := make([]PollutantStats, 0, NumGases)
	for _, g := range Gases {
		s := PollutantStats{Pollutant: g.Pollutant()}

		var values, anomalous []float64
		for i := range records {
			v := records[i].Refined[g]
			if !isFinite(v) {
				s.NonFinite++
				continue
			}
			values = append(values, v)
			if records[i].Label == Anomaly {
				anomalous = append(anomalous, v)
			}
		}
		s.Count = len(values)
		if s.Count > 0 {
			s.Mean, s.StdDev = stat.MeanStdDev(values, nil)
			if !isFinite(s.StdDev) {
				s.StdDev = 0
			}
			s.Min = floats.Min(values)
			s.Max = floats.Max(values)
			sort.Float64s(values)
			s.P95 = stat.Quantile(0.95, stat.Empirical, values, nil)
		}
		if len(anomalous) > 0 {
			s.MeanAnomalous = stat.Mean(anomalous, nil)
		}
		out = append(out, s)
	}
	return out
}
