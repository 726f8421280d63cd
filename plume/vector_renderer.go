package plume

import (
	"bytes"
	"io"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/svg"
)

// VectorRenderer renders the max projection of a field as SVG
type VectorRenderer struct {
	CellSize   float64 // canvas units per grid cell
	Padding    float64
	ColorScale []ColorStop
}

// NewVectorRenderer creates a vector renderer with default settings
func NewVectorRenderer() *VectorRenderer {
	return &VectorRenderer{
		CellSize:   4.0,
		Padding:    4.0,
		ColorScale: DefaultColorScale,
	}
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// RenderToSVG writes the field as an SVG to the provided writer
func (r *VectorRenderer) RenderToSVG(w io.Writer, f *ScalarField) error {
	nx, ny, _ := f.Grid.Dims()
	width := float64(nx)*r.CellSize + 2*r.Padding
	height := float64(ny)*r.CellSize + 2*r.Padding

	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, f, width, height)

	// Close writes the closing tags
	return svgRenderer.Close()
}

// SVG renders the field to a string for inlining
func (r *VectorRenderer) SVG(f *ScalarField) (string, error) {
	var buf bytes.Buffer
	if err := r.RenderToSVG(&buf, f); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// renderToCanvas draws cells bottom-up so latitude increases upwards
func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, f *ScalarField, width, height float64) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	proj := MaxProjection(f)
	for i := range proj {
		for j, v := range proj[i] {
			cellStyle := canvas.DefaultStyle
			cellStyle.Fill = canvas.Paint{Color: colorAt(r.ColorScale, v)}
			cellStyle.Stroke = canvas.Paint{Color: canvas.Transparent}

			x := r.Padding + float64(i)*r.CellSize
			y := r.Padding + float64(j)*r.CellSize
			cell := canvas.Rectangle(r.CellSize, r.CellSize).Translate(x, y)
			renderer.RenderPath(cell, cellStyle, canvas.Identity)
		}
	}

	// Latest snapshot as outlined dots sized by their relative level
	nx, ny, _ := f.Grid.Dims()
	plotW := float64(nx) * r.CellSize
	plotH := float64(ny) * r.CellSize
	for _, p := range f.Snapshot {
		dotStyle := canvas.DefaultStyle
		dotStyle.Fill = canvas.Paint{Color: colorAt(r.ColorScale, p.Value)}
		dotStyle.Stroke = canvas.Paint{Color: canvas.Black}
		dotStyle.StrokeWidth = 0.3

		x := r.Padding + axisFraction(p.Longitude, f.Grid.Lon)*plotW
		y := r.Padding + axisFraction(p.Latitude, f.Grid.Lat)*plotH
		radius := r.CellSize * (0.5 + p.Value)
		renderer.RenderPath(canvas.Circle(radius).Translate(x, y), dotStyle, canvas.Identity)
	}

	frameStyle := canvas.DefaultStyle
	frameStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	frameStyle.Stroke = canvas.Paint{Color: canvas.Gray}
	frameStyle.StrokeWidth = 0.5
	renderer.RenderPath(canvas.Rectangle(plotW, plotH).Translate(r.Padding, r.Padding), frameStyle, canvas.Identity)
}

// axisFraction places v on an axis as a fraction in [0, 1]
func axisFraction(v float64, axis []float64) float64 {
	if len(axis) < 2 || axis[len(axis)-1] == axis[0] {
		return 0.5
	}
	t := (v - axis[0]) / (axis[len(axis)-1] - axis[0])
	return min(max(t, 0), 1)
}
