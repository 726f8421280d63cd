package plume

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
)

// Output table names inside the output directory
const (
	MergedFileName    = "merged_refined_data.csv"
	AnomaliesFileName = "anomalies.csv"
)

// MergedColumns is the header of the merged and anomaly tables
func MergedColumns() []string {
	cols := []string{ColTimestamp, ColTemperature, ColHumidity, ColLatitude, ColLongitude, ColAltitude}
	cols = append(cols, Pollutants()...)
	return append(cols, ColAnomaly)
}

// formatFloat writes NaN as an empty cell
func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// WriteScoredCSV writes records in MergedColumns order
func WriteScoredCSV(w io.Writer, records []ScoredRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(MergedColumns()); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	row := make([]string, 0, len(MergedColumns()))
	for i := range records {
		rec := &records[i]
		row = row[:0]
		row = append(row,
			FormatTimestamp(rec.Time),
			formatFloat(rec.Temperature),
			formatFloat(rec.Humidity),
			formatFloat(rec.Position.Latitude),
			formatFloat(rec.Position.Longitude),
			formatFloat(rec.Position.Altitude),
		)
		for _, g := range Gases {
			row = append(row, formatFloat(rec.Refined[g]))
		}
		row = append(row, rec.Label.String())
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing row %d: %w", i+1, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteScoredFile writes records to path, creating parent directories
func WriteScoredFile(path string, records []ScoredRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := WriteScoredCSV(f, records); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

// FilterAnomalies returns the records labelled Anomaly, in order
func FilterAnomalies(records []ScoredRecord) []ScoredRecord {
	var out []ScoredRecord
	for i := range records {
		if records[i].Label == Anomaly {
			out = append(out, records[i])
		}
	}
	return out
}
