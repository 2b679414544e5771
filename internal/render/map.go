// Package render draws ion map rasters using fogleman/gg.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"sort"
	"sync"

	"github.com/fogleman/gg"

	"github.com/sims-maps/server/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	Scale           int // rendered pixels per data pixel
	DefaultColormap string
}

// PixelValue is one data pixel to draw.
type PixelValue struct {
	X, Y int
	V    float64
}

// BorderPixel is one ROI boundary position to overlay.
type BorderPixel struct {
	X, Y int
	ROI  int
}

// Panel is one facet of a facet sheet.
type Panel struct {
	Title    string
	Width    int
	Height   int
	Pixels   []PixelValue
	Min, Max float64
	Colormap string
	Borders  []BorderPixel
}

// MapRenderer renders ion count maps as PNG rasters.
type MapRenderer struct {
	config     Config
	bufferPool sync.Pool
}

// NewMapRenderer creates a new map renderer.
func NewMapRenderer(cfg Config) *MapRenderer {
	if cfg.Scale <= 0 {
		cfg.Scale = 4
	}
	if cfg.DefaultColormap == "" {
		cfg.DefaultColormap = "viridis"
	}
	return &MapRenderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// Scale returns the configured pixels-per-data-pixel factor.
func (r *MapRenderer) Scale() int { return r.config.Scale }

// RenderMap renders a continuous raster of values normalized to
// [minV, maxV]. NaN pixels are left on the background.
func (r *MapRenderer) RenderMap(pixels []PixelValue, w, h int, minV, maxV float64, colormapName string) ([]byte, error) {
	dc, err := r.newContext(w, h)
	if err != nil {
		return nil, err
	}
	r.drawValues(dc, pixels, minV, maxV, colormapName)
	return r.encodeContext(dc)
}

// RenderMapWithBorders renders the raster and overlays ROI boundary pixels
// as discrete markers colored categorically by ROI id.
func (r *MapRenderer) RenderMapWithBorders(pixels []PixelValue, w, h int, minV, maxV float64, colormapName string, borders []BorderPixel) ([]byte, error) {
	dc, err := r.newContext(w, h)
	if err != nil {
		return nil, err
	}
	r.drawValues(dc, pixels, minV, maxV, colormapName)
	r.drawBorders(dc, borders)
	return r.encodeContext(dc)
}

// RenderFacetSheet lays panels out in a grid, one labeled facet per panel.
func (r *MapRenderer) RenderFacetSheet(panels []Panel, cols int) ([]byte, error) {
	if len(panels) == 0 {
		return nil, fmt.Errorf("no panels to render")
	}
	if cols <= 0 {
		cols = 3
	}
	if cols > len(panels) {
		cols = len(panels)
	}
	rows := (len(panels) + cols - 1) / cols

	const labelH = 18
	const pad = 4
	scale := r.config.Scale

	cellW, cellH := 0, 0
	for _, p := range panels {
		if w := p.Width * scale; w > cellW {
			cellW = w
		}
		if h := p.Height * scale; h > cellH {
			cellH = h
		}
	}
	if cellW == 0 || cellH == 0 {
		return nil, fmt.Errorf("panels have no raster geometry")
	}

	sheetW := cols*(cellW+pad) + pad
	sheetH := rows*(cellH+labelH+pad) + pad
	dc := gg.NewContext(sheetW, sheetH)
	dc.SetColor(color.White)
	dc.Clear()

	for i, p := range panels {
		ox := pad + (i%cols)*(cellW+pad)
		oy := pad + (i/cols)*(cellH+labelH+pad)

		dc.SetColor(color.Black)
		dc.DrawString(p.Title, float64(ox), float64(oy+labelH-6))

		dc.Push()
		dc.Translate(float64(ox), float64(oy+labelH))
		r.drawValues(dc, p.Pixels, p.Min, p.Max, p.Colormap)
		r.drawBorders(dc, p.Borders)
		dc.Pop()
	}

	return r.encodeContext(dc)
}

// CreateEmptyMap creates a transparent placeholder raster.
func (r *MapRenderer) CreateEmptyMap(w, h int) ([]byte, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("invalid raster size %dx%d", w, h)
	}
	img := image.NewRGBA(image.Rect(0, 0, w*r.config.Scale, h*r.config.Scale))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
		img.Pix[i+1] = 255
		img.Pix[i+2] = 255
		img.Pix[i+3] = 0
	}

	buf := bytes.NewBuffer(nil)
	if err := png.Encode(buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// AutoRange computes a display range for a set of values: zero floor and a
// robust upper bound (98th percentile of the positive values) so isolated
// hot pixels do not compress the colormap.
func AutoRange(values []float64) (minV, maxV float64) {
	positive := make([]float64, 0, len(values))
	maxAll := 0.0
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		if v > maxAll {
			maxAll = v
		}
		if v > 0 {
			positive = append(positive, v)
		}
	}
	if len(positive) == 0 {
		return 0, maxAll
	}
	sort.Float64s(positive)
	// idx = ceil(0.98*n) - 1, computed with integers.
	n := len(positive)
	idx := (98*n+99)/100 - 1
	if idx < 0 {
		idx = 0
	} else if idx >= n {
		idx = n - 1
	}
	upper := positive[idx]
	if upper <= 0 {
		upper = maxAll
	}
	return 0, upper
}

func (r *MapRenderer) newContext(w, h int) (*gg.Context, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("invalid raster size %dx%d", w, h)
	}
	scale := r.config.Scale
	dc := gg.NewContext(w*scale, h*scale)
	dc.SetColor(color.White)
	dc.Clear()
	return dc, nil
}

func (r *MapRenderer) drawValues(dc *gg.Context, pixels []PixelValue, minV, maxV float64, colormapName string) {
	cmap, ok := colormap.ByName(colormapName)
	if !ok {
		cmap, _ = colormap.ByName(r.config.DefaultColormap)
	}

	span := maxV - minV
	if span == 0 {
		span = 1
	}
	scale := float64(r.config.Scale)

	for _, p := range pixels {
		if math.IsNaN(p.V) {
			continue
		}
		t := (p.V - minV) / span
		dc.SetColor(cmap.At(t))
		dc.DrawRectangle(float64(p.X)*scale, float64(p.Y)*scale, scale, scale)
		dc.Fill()
	}
}

func (r *MapRenderer) drawBorders(dc *gg.Context, borders []BorderPixel) {
	scale := float64(r.config.Scale)
	for _, b := range borders {
		dc.SetColor(colormap.Categorical.AtIndex(b.ROI - 1))
		dc.DrawRectangle(float64(b.X)*scale, float64(b.Y)*scale, scale, scale)
		dc.Fill()
	}
}

func (r *MapRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	// Use fast PNG encoder
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
