package plume

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/simplify"
)

// SamplesFileName is the GeoJSON export inside the output directory
const SamplesFileName = "samples.geojson"

// TrackTolerance is the Douglas-Peucker tolerance for the flight track, in
// degrees (about a metre at mid latitudes)
const TrackTolerance = 1e-5

// GeometryType represents the GeoJSON geometry type
type GeometryType string

const (
	GeometryPoint      GeometryType = "Point"
	GeometryLineString GeometryType = "LineString"
)

// Geometry represents a GeoJSON geometry object
type Geometry struct {
	Type        GeometryType    `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// Feature represents a GeoJSON feature with geometry and properties
type Feature struct {
	Type       string                 `json:"type"`
	Geometry   *Geometry              `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
}

// FeatureCollection represents a GeoJSON FeatureCollection
type FeatureCollection struct {
	Type     string     `json:"type"`
	Features []*Feature `json:"features"`
}

// NewFeatureCollection creates a new empty FeatureCollection
func NewFeatureCollection() *FeatureCollection {
	return &FeatureCollection{
		Type:     "FeatureCollection",
		Features: make([]*Feature, 0),
	}
}

// AddFeature appends a feature to the collection
func (fc *FeatureCollection) AddFeature(f *Feature) {
	fc.Features = append(fc.Features, f)
}

// NewFeature creates a Feature with the given geometry and properties
func NewFeature(geom *Geometry, props map[string]interface{}) *Feature {
	if props == nil {
		props = make(map[string]interface{})
	}
	return &Feature{
		Type:       "Feature",
		Geometry:   geom,
		Properties: props,
	}
}

// PositionToPoint converts a position to a 3-D GeoJSON Point
func PositionToPoint(p Position) *Geometry {
	coordsJSON, _ := json.Marshal([3]float64{p.Longitude, p.Latitude, p.Altitude})
	return &Geometry{
		Type:        GeometryPoint,
		Coordinates: coordsJSON,
	}
}

// LineStringToGeometry converts a 2-D orb line to a GeoJSON LineString
func LineStringToGeometry(ls orb.LineString) *Geometry {
	coords := make([][2]float64, len(ls))
	for i, p := range ls {
		coords[i] = [2]float64{p.X(), p.Y()}
	}
	coordsJSON, _ := json.Marshal(coords)
	return &Geometry{
		Type:        GeometryLineString,
		Coordinates: coordsJSON,
	}
}

// FlightTrack returns the horizontal path of the records in time order,
// skipping consecutive repeats
func FlightTrack(records []ScoredRecord) orb.LineString {
	var ls orb.LineString
	for i := range records {
		p := records[i].Position
		if !p.Valid() {
			continue
		}
		pt := orb.Point{p.Longitude, p.Latitude}
		if len(ls) > 0 && ls[len(ls)-1].Equal(pt) {
			continue
		}
		ls = append(ls, pt)
	}
	return ls
}

// SimplifyTrack applies Douglas-Peucker with tolerance in degrees
func SimplifyTrack(ls orb.LineString, tolerance float64) orb.LineString {
	if len(ls) < 3 {
		return ls
	}
	simplified, ok := simplify.DouglasPeucker(tolerance).Simplify(ls.Clone()).(orb.LineString)
	if !ok {
		return ls
	}
	return simplified
}

// SamplesToGeoJSON exports every scored record as a Point feature plus one
// LineString feature for the simplified flight track
func SamplesToGeoJSON(records []ScoredRecord) *FeatureCollection {
	fc := NewFeatureCollection()
	for i := range records {
		rec := &records[i]
		if !rec.Position.Valid() {
			continue
		}
		props := map[string]interface{}{
			ColTimestamp:   FormatTimestamp(rec.Time),
			ColAnomaly:     rec.Label.String(),
			ColTemperature: jsonNumber(rec.Temperature),
			ColHumidity:    jsonNumber(rec.Humidity),
			"score":        jsonNumber(rec.Score),
		}
		for _, g := range Gases {
			props[g.Pollutant()] = jsonNumber(rec.Refined[g])
		}
		fc.AddFeature(NewFeature(PositionToPoint(rec.Position), props))
	}

	track := FlightTrack(records)
	if len(track) >= 2 {
		simplified := SimplifyTrack(track, TrackTolerance)
		fc.AddFeature(NewFeature(LineStringToGeometry(simplified), map[string]interface{}{
			"kind":            "track",
			"points":          len(track),
			"simplifiedTo":    len(simplified),
			"lengthMetres":    geo.Length(track),
			"anomalousPoints": len(FilterAnomalies(records)),
		}))
	}
	return fc
}

// jsonNumber maps non-finite values to null, which encoding/json cannot encode
func jsonNumber(v float64) interface{} {
	if !isFinite(v) {
		return nil
	}
	return v
}

// WriteGeoJSON writes a feature collection to path
func WriteGeoJSON(path string, fc *FeatureCollection) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling GeoJSON: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
