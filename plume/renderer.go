package plume

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ColorStop is one band of a stepped colour scale; the band starts at Pos
type ColorStop struct {
	Pos   float64
	Name  string
	Color string // hex
}

// DefaultColorScale bands normalized concentration in steps of 0.2
var DefaultColorScale = []ColorStop{
	{Pos: 0.0, Name: "green", Color: "#008000"},
	{Pos: 0.2, Name: "yellow", Color: "#FFFF00"},
	{Pos: 0.4, Name: "orange", Color: "#FFA500"},
	{Pos: 0.6, Name: "red", Color: "#FF0000"},
	{Pos: 0.8, Name: "darkred", Color: "#8B0000"},
}

// colorAt returns the band colour for v in [0, 1]
func colorAt(scale []ColorStop, v float64) color.RGBA {
	if len(scale) == 0 {
		return color.RGBA{0, 0, 0, 255}
	}
	c := scale[0].Color
	for _, s := range scale {
		if v >= s.Pos {
			c = s.Color
		}
	}
	return parseHexColor(c)
}

// PlotlyColorScale expands a stepped scale into the [position, colour]
// pairs a plotting library expects, with hard edges between bands
func PlotlyColorScale(scale []ColorStop) [][2]interface{} {
	var out [][2]interface{}
	for i, s := range scale {
		end := 1.0
		if i+1 < len(scale) {
			end = scale[i+1].Pos
		}
		out = append(out, [2]interface{}{s.Pos, s.Name}, [2]interface{}{end, s.Name})
	}
	return out
}

// MaxProjection collapses the altitude axis, keeping the largest value of
// each (longitude, latitude) column. Result is indexed [i][j].
func MaxProjection(f *ScalarField) [][]float64 {
	nx, ny, nz := f.Grid.Dims()
	out := make([][]float64, nx)
	for i := range out {
		out[i] = make([]float64, ny)
		for j := range out[i] {
			best := math.Inf(-1)
			for k := 0; k < nz; k++ {
				if v := f.Values[f.Grid.Index(i, j, k)]; v > best {
					best = v
				}
			}
			if math.IsInf(best, -1) {
				best = 0
			}
			out[i][j] = best
		}
	}
	return out
}

// RasterRenderer draws a top-down preview of a field
type RasterRenderer struct {
	CellSize   int // pixels per grid cell
	ColorScale []ColorStop
}

// NewRasterRenderer creates a renderer with the default colour scale
func NewRasterRenderer(cellSize int) *RasterRenderer {
	if cellSize < 1 {
		cellSize = 1
	}
	return &RasterRenderer{CellSize: cellSize, ColorScale: DefaultColorScale}
}

// legendHeight is the strip under the map reserved for the label
const legendHeight = 20

// Render draws the max projection with north up, snapshot records as dots
// and a caption
func (r *RasterRenderer) Render(f *ScalarField) *image.RGBA {
	nx, ny, _ := f.Grid.Dims()
	width := nx * r.CellSize
	height := ny*r.CellSize + legendHeight
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{255, 255, 255, 255})
		}
	}

	proj := MaxProjection(f)
	for i := 0; i < nx; i++ {
		for j := 0; j < ny; j++ {
			c := colorAt(r.ColorScale, proj[i][j])
			x0 := i * r.CellSize
			y0 := (ny - 1 - j) * r.CellSize
			for dy := 0; dy < r.CellSize; dy++ {
				for dx := 0; dx < r.CellSize; dx++ {
					img.Set(x0+dx, y0+dy, c)
				}
			}
		}
	}

	for _, p := range f.Snapshot {
		x := gridPixel(p.Longitude, f.Grid.Lon, width)
		y := ny*r.CellSize - 1 - gridPixel(p.Latitude, f.Grid.Lat, ny*r.CellSize)
		drawCircle(img, x, y, max(2, r.CellSize/2), color.RGBA{0, 0, 0, 255})
	}

	peak, _ := f.Max()
	label := fmt.Sprintf("%s  peak %.2f  n=%d", f.Pollutant, peak, f.Samples)
	drawText(img, 4, ny*r.CellSize+legendHeight-5, label, color.RGBA{0, 0, 0, 255})
	return img
}

// gridPixel maps a coordinate on axis to a pixel in [0, size)
func gridPixel(v float64, axis []float64, size int) int {
	if len(axis) < 2 || axis[len(axis)-1] == axis[0] {
		return size / 2
	}
	t := (v - axis[0]) / (axis[len(axis)-1] - axis[0])
	px := int(t * float64(size-1))
	if px < 0 {
		px = 0
	}
	if px >= size {
		px = size - 1
	}
	return px
}

// SavePNG encodes img to path
func SavePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// drawCircle draws a filled circle
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				x, y := cx+dx, cy+dy
				if x >= 0 && x < img.Bounds().Max.X && y >= 0 && y < img.Bounds().Max.Y {
					img.Set(x, y, c)
				}
			}
		}
	}
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// parseHexColor parses a hex color string like "#FF6B6B" to color.RGBA
func parseHexColor(hex string) color.RGBA {
	// Default to red if parsing fails
	defaultColor := color.RGBA{255, 0, 0, 255}

	if len(hex) == 0 {
		return defaultColor
	}
	if hex[0] == '#' {
		hex = hex[1:]
	}
	if len(hex) != 6 {
		return defaultColor
	}

	var r, g, b uint8
	if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b); err != nil {
		return defaultColor
	}
	return color.RGBA{r, g, b, 255}
}

