package plume

import (
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
)

// Rendering hints carried by every volume artefact
const (
	IsoMin       = 0.05
	IsoMax       = 1.0
	Opacity      = 0.3
	SurfaceCount = 40
)

// Artifacts lists the files written for one pollutant
type Artifacts struct {
	Pollutant string `json:"pollutant"`
	HTML      string `json:"html"`
	PNG       string `json:"png,omitempty"`
}

// VolumeSpec is the JSON payload embedded in the HTML artefact
type VolumeSpec struct {
	Pollutant    string           `json:"pollutant"`
	Dims         [3]int           `json:"dims"`
	Axes         *Grid            `json:"axes"`
	Min          Position         `json:"min"`
	Max          Position         `json:"max"`
	RawMin       float64          `json:"rawMin"`
	RawMax       float64          `json:"rawMax"`
	Constant     bool             `json:"constant"`
	Values       []float64        `json:"values"`
	SnapshotTime string           `json:"snapshotTime,omitempty"`
	Snapshot     []SnapshotPoint  `json:"snapshot"`
	IsoMin       float64          `json:"isomin"`
	IsoMax       float64          `json:"isomax"`
	Opacity      float64          `json:"opacity"`
	SurfaceCount int              `json:"surfaceCount"`
	ColorScale   [][2]interface{} `json:"colorscale"`
}

// NewVolumeSpec packs a field for the HTML artefact
func NewVolumeSpec(f *ScalarField, scale []ColorStop) *VolumeSpec {
	nx, ny, nz := f.Grid.Dims()
	spec := &VolumeSpec{
		Pollutant:    f.Pollutant,
		Dims:         [3]int{nx, ny, nz},
		Axes:         f.Grid,
		RawMin:       jsonSafe(f.RawMin),
		RawMax:       jsonSafe(f.RawMax),
		Constant:     f.Constant,
		Values:       make([]float64, len(f.Values)),
		Snapshot:     f.Snapshot,
		IsoMin:       IsoMin,
		IsoMax:       IsoMax,
		Opacity:      Opacity,
		SurfaceCount: SurfaceCount,
		ColorScale:   PlotlyColorScale(scale),
	}
	if nx > 0 && ny > 0 && nz > 0 {
		spec.Min = f.Grid.Point(0, 0, 0)
		spec.Max = f.Grid.Point(nx-1, ny-1, nz-1)
	}
	for i, v := range f.Values {
		spec.Values[i] = jsonSafe(v)
	}
	if spec.Snapshot == nil {
		spec.Snapshot = []SnapshotPoint{}
	}
	if !f.SnapshotTime.IsZero() {
		spec.SnapshotTime = FormatTimestamp(f.SnapshotTime)
	}
	return spec
}

// jsonSafe maps non-finite values to 0
func jsonSafe(v float64) float64 {
	if !isFinite(v) {
		return 0
	}
	return v
}

var artifactTemplate = template.Must(template.New("plume").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<script src="https://cdn.plot.ly/plotly-2.35.2.min.js"></script>
<style>
body { font-family: sans-serif; margin: 1em; }
#volume { width: 100%; height: 80vh; }
.projection svg { max-width: 480px; height: auto; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Samples}} samples; raw range {{printf "%.4g" .Spec.RawMin}} to {{printf "%.4g" .Spec.RawMax}}{{if .Spec.SnapshotTime}}; snapshot at {{.Spec.SnapshotTime}}{{end}}</p>
<div id="volume"></div>
<div class="projection">{{.Projection}}</div>
<script type="application/json" id="plume-data">{{.Data}}</script>
<script>
(function () {
  if (typeof Plotly === "undefined") { return; }
  var spec = JSON.parse(document.getElementById("plume-data").textContent);
  var x = [], y = [], z = [];
  for (var i = 0; i < spec.dims[0]; i++)
    for (var j = 0; j < spec.dims[1]; j++)
      for (var k = 0; k < spec.dims[2]; k++) {
        x.push(spec.axes.lon[i]); y.push(spec.axes.lat[j]); z.push(spec.axes.alt[k]);
      }
  var traces = [{
    type: "volume", x: x, y: y, z: z, value: spec.values,
    isomin: spec.isomin, isomax: spec.isomax, opacity: spec.opacity,
    surface: { count: spec.surfaceCount }, colorscale: spec.colorscale
  }];
  if (spec.snapshot.length) {
    traces.push({
      type: "scatter3d", mode: "markers", name: "latest",
      x: spec.snapshot.map(function (p) { return p.longitude; }),
      y: spec.snapshot.map(function (p) { return p.latitude; }),
      z: spec.snapshot.map(function (p) { return p.altitude; }),
      marker: { size: 4, color: spec.snapshot.map(function (p) { return p.value; }), colorscale: spec.colorscale, cmin: 0, cmax: 1 }
    });
  }
  Plotly.newPlot("volume", traces, {
    title: spec.pollutant,
    scene: { xaxis: { title: "Longitude" }, yaxis: { title: "Latitude" }, zaxis: { title: "Altitude (m)" } }
  });
})();
</script>
</body>
</html>
`))

type artifactPage struct {
	Title      string
	Samples    int
	Spec       *VolumeSpec
	Data       template.JS
	Projection template.HTML
}

// ArtifactWriter writes the per-pollutant artefacts into Dir
type ArtifactWriter struct {
	Dir    string
	PNG    bool
	Vector *VectorRenderer
	Raster *RasterRenderer
}

// NewArtifactWriter creates a writer from render configuration
func NewArtifactWriter(dir string, cfg RenderConfig) *ArtifactWriter {
	return &ArtifactWriter{
		Dir:    dir,
		PNG:    cfg.PNG,
		Vector: NewVectorRenderer(),
		Raster: NewRasterRenderer(cfg.PNGScale),
	}
}

// Write renders f to <Dir>/<pollutant>.html and, when enabled, .png
func (w *ArtifactWriter) Write(f *ScalarField) (Artifacts, error) {
	out := Artifacts{Pollutant: f.Pollutant}
	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return out, fmt.Errorf("creating plume directory: %w", err)
	}

	spec := NewVolumeSpec(f, w.Vector.ColorScale)
	data, err := json.Marshal(spec)
	if err != nil {
		return out, fmt.Errorf("marshaling volume: %w", err)
	}
	projection, err := w.Vector.SVG(f)
	if err != nil {
		return out, fmt.Errorf("rendering projection: %w", err)
	}

	htmlPath := filepath.Join(w.Dir, f.Pollutant+".html")
	file, err := os.Create(htmlPath)
	if err != nil {
		return out, fmt.Errorf("creating %s: %w", htmlPath, err)
	}
	page := artifactPage{
		Title:      fmt.Sprintf("3D Plume: %s", f.Pollutant),
		Samples:    f.Samples,
		Spec:       spec,
		Data:       template.JS(data),
		Projection: template.HTML(projection),
	}
	if err := artifactTemplate.Execute(file, page); err != nil {
		file.Close()
		return out, fmt.Errorf("writing %s: %w", htmlPath, err)
	}
	if err := file.Close(); err != nil {
		return out, fmt.Errorf("closing %s: %w", htmlPath, err)
	}
	out.HTML = htmlPath

	if w.PNG {
		pngPath := filepath.Join(w.Dir, f.Pollutant+".png")
		if err := SavePNG(pngPath, w.Raster.Render(f)); err != nil {
			return out, fmt.Errorf("writing %s: %w", pngPath, err)
		}
		out.PNG = pngPath
	}
	return out, nil
}
