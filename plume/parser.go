package plume

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Column names of the input and output tables
const (
	ColTimestamp   = "timestamp"
	ColTemperature = "temperature"
	ColHumidity    = "humidity"
	ColLatitude    = "latitude"
	ColLongitude   = "longitude"
	ColAltitude    = "altitude"
	ColAnomaly     = "anomaly"
)

// timestampLayouts are tried in order; zone-less layouts are read as UTC
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006/01/02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp parses the ISO-8601 forms found in sensor and GPS logs
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// FormatTimestamp renders a timestamp the way the merged table stores it
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05.999999999")
}

// parseFloat reads a numeric cell; an empty cell is NaN
func parseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "nan") {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

// table is a header-indexed CSV reader
type table struct {
	source string
	reader *csv.Reader
	cols   map[string]int
	line   int
}

func openTable(source string, r io.Reader, required []string) (*table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			err = errors.New("empty file")
		}
		return nil, &InputFormatError{Source: source, Err: fmt.Errorf("reading header: %w", err)}
	}

	t := &table{source: source, reader: reader, cols: make(map[string]int), line: 1}
	exact := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		exact[h] = i
		if _, ok := t.cols[strings.ToLower(h)]; !ok {
			t.cols[strings.ToLower(h)] = i
		}
	}
	// Exact matches win over case-insensitive ones
	for h, i := range exact {
		t.cols[h] = i
	}

	for _, col := range required {
		if _, ok := t.index(col); !ok {
			return nil, &InputFormatError{Source: source, Column: col, Err: ErrMissingColumn}
		}
	}
	return t, nil
}

func (t *table) index(col string) (int, bool) {
	if i, ok := t.cols[col]; ok {
		return i, true
	}
	i, ok := t.cols[strings.ToLower(col)]
	return i, ok
}

// next returns the next record, or io.EOF
func (t *table) next() ([]string, error) {
	record, err := t.reader.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	t.line++
	if err != nil {
		return nil, &InputFormatError{Source: t.source, Line: t.line, Err: err}
	}
	return record, nil
}

func (t *table) cell(record []string, col string) string {
	i, ok := t.index(col)
	if !ok || i >= len(record) {
		return ""
	}
	return record[i]
}

func (t *table) time(record []string, col string) (time.Time, error) {
	ts, err := ParseTimestamp(t.cell(record, col))
	if err != nil {
		return time.Time{}, &InputFormatError{Source: t.source, Line: t.line, Column: col, Err: err}
	}
	return ts, nil
}

func (t *table) float(record []string, col string) (float64, error) {
	v, err := parseFloat(t.cell(record, col))
	if err != nil {
		return 0, &InputFormatError{Source: t.source, Line: t.line, Column: col, Err: err}
	}
	return v, nil
}

// SensorColumns returns the required sensor table columns
func SensorColumns() []string {
	cols := []string{ColTimestamp}
	for _, g := range Gases {
		cols = append(cols, g.String())
	}
	return append(cols, ColTemperature, ColHumidity)
}

// GPSColumns returns the required GPS table columns
func GPSColumns() []string {
	return []string{ColTimestamp, ColLatitude, ColLongitude, ColAltitude}
}

// ReadSensorCSV parses a sensor log. Any malformed row aborts with an
// InputFormatError; extra columns are ignored.
func ReadSensorCSV(source string, r io.Reader) ([]SensorSample, error) {
	t, err := openTable(source, r, SensorColumns())
	if err != nil {
		return nil, err
	}

	var samples []SensorSample
	for {
		record, err := t.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		var s SensorSample
		if s.Time, err = t.time(record, ColTimestamp); err != nil {
			return nil, err
		}
		for _, g := range Gases {
			if s.Gas[g], err = t.float(record, g.String()); err != nil {
				return nil, err
			}
		}
		if s.Temperature, err = t.float(record, ColTemperature); err != nil {
			return nil, err
		}
		if s.Humidity, err = t.float(record, ColHumidity); err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// ReadGPSCSV parses a GPS log
func ReadGPSCSV(source string, r io.Reader) ([]PositionSample, error) {
	t, err := openTable(source, r, GPSColumns())
	if err != nil {
		return nil, err
	}

	var fixes []PositionSample
	for {
		record, err := t.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		var p PositionSample
		if p.Time, err = t.time(record, ColTimestamp); err != nil {
			return nil, err
		}
		if p.Latitude, err = t.float(record, ColLatitude); err != nil {
			return nil, err
		}
		if p.Longitude, err = t.float(record, ColLongitude); err != nil {
			return nil, err
		}
		if p.Altitude, err = t.float(record, ColAltitude); err != nil {
			return nil, err
		}
		fixes = append(fixes, p)
	}
	return fixes, nil
}

// ReadScoredCSV parses a merged_refined_data.csv written by WriteScoredCSV.
// It lets the visualisation stage run again without re-merging.
func ReadScoredCSV(source string, r io.Reader) ([]ScoredRecord, error) {
	required := []string{ColTimestamp, ColLatitude, ColLongitude, ColAltitude}
	for _, g := range Gases {
		required = append(required, g.Pollutant())
	}
	t, err := openTable(source, r, required)
	if err != nil {
		return nil, err
	}
	_, hasLabel := t.index(ColAnomaly)

	var records []ScoredRecord
	for {
		record, err := t.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		var rec ScoredRecord
		if rec.Time, err = t.time(record, ColTimestamp); err != nil {
			return nil, err
		}
		if rec.Temperature, err = t.float(record, ColTemperature); err != nil {
			return nil, err
		}
		if rec.Humidity, err = t.float(record, ColHumidity); err != nil {
			return nil, err
		}
		if rec.Position.Latitude, err = t.float(record, ColLatitude); err != nil {
			return nil, err
		}
		if rec.Position.Longitude, err = t.float(record, ColLongitude); err != nil {
			return nil, err
		}
		if rec.Position.Altitude, err = t.float(record, ColAltitude); err != nil {
			return nil, err
		}
		for _, g := range Gases {
			if rec.Refined[g], err = t.float(record, g.Pollutant()); err != nil {
				return nil, err
			}
		}
		if hasLabel {
			v := t.cell(record, ColAnomaly)
			label, ok := ParseLabel(strings.TrimSpace(v))
			if !ok {
				return nil, &InputFormatError{Source: source, Line: t.line, Column: ColAnomaly,
					Err: fmt.Errorf("unknown label %q", v)}
			}
			rec.Label = label
		}
		records = append(records, rec)
	}
	return records, nil
}

// ReadSensorFile opens and parses a sensor CSV file
func ReadSensorFile(path string) ([]SensorSample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening sensor file: %w", err)
	}
	defer f.Close()
	return ReadSensorCSV(path, f)
}

// ReadGPSFile opens and parses a GPS CSV file
func ReadGPSFile(path string) ([]PositionSample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening GPS file: %w", err)
	}
	defer f.Close()
	return ReadGPSCSV(path, f)
}

// ReadScoredFile opens and parses a merged output table
func ReadScoredFile(path string) ([]ScoredRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening merged file: %w", err)
	}
	defer f.Close()
	return ReadScoredCSV(path, f)
}

// SniffRole inspects a CSV header and reports whether it is a GPS log
// (true) or a sensor log (false). ok is false when it is neither.
func SniffRole(r io.Reader) (gps bool, ok bool) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return false, false
	}
	cols := make(map[string]bool, len(header))
	for _, h := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = true
	}
	if cols[ColLatitude] && cols[ColLongitude] {
		return true, true
	}
	if cols[strings.ToLower(CO.String())] && cols[ColTemperature] {
		return false, true
	}
	return false, false
}
