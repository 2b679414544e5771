// Package service provides business logic for the map server.
package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sims-maps/server/internal/cache"
	"github.com/sims-maps/server/internal/data/lans"
	"github.com/sims-maps/server/internal/data/simsdb"
	"github.com/sims-maps/server/internal/pixel"
	"github.com/sims-maps/server/internal/render"
	"github.com/sims-maps/server/internal/roi"
	"github.com/sims-maps/server/internal/transform"
	"github.com/sims-maps/server/pkg/colormap"
)

// ErrBordersDisabled is returned when boundary drawing is switched off in
// the server configuration; the extractor is never invoked in that case.
var ErrBordersDisabled = errors.New("ROI boundary drawing is disabled")

// MapServiceConfig contains map service configuration.
type MapServiceConfig struct {
	AnalysisID     string
	Analysis       *lans.Analysis
	Summary        *pixel.Table // optional per-ROI summary table
	Store          *simsdb.Reader
	Cache          *cache.Manager
	Renderer       *render.MapRenderer
	DrawROIBorders bool
}

// MapService serves rendered ion maps and derived quantities for one
// analysis.
type MapService struct {
	id          string
	analysis    *lans.Analysis
	summary     *pixel.Table
	store       *simsdb.Reader
	cache       *cache.Manager
	renderer    *render.MapRenderer
	drawBorders bool

	borderOnce sync.Once
	borderTbl  *pixel.Table
	borderErr  error

	derivedMu    sync.Mutex
	derivedCache map[string]*pixel.Table
}

// NewMapService creates a new map service.
func NewMapService(cfg MapServiceConfig) *MapService {
	id := cfg.AnalysisID
	if id == "" {
		id = cfg.Analysis.Name
	}
	return &MapService{
		id:           id,
		analysis:     cfg.Analysis,
		summary:      cfg.Summary,
		store:        cfg.Store,
		cache:        cfg.Cache,
		renderer:     cfg.Renderer,
		drawBorders:  cfg.DrawROIBorders,
		derivedCache: make(map[string]*pixel.Table),
	}
}

// Metadata describes the analysis for API responses.
type Metadata struct {
	Analysis       string   `json:"analysis"`
	Width          int      `json:"width"`
	Height         int      `json:"height"`
	Variables      []string `json:"variables"`
	ROIs           []int    `json:"rois"`
	HasROIs        bool     `json:"has_rois"`
	BordersEnabled bool     `json:"borders_enabled"`
	HasSummary     bool     `json:"has_summary"`
	Colormaps      []string `json:"colormaps"`
}

// Metadata returns analysis metadata.
func (s *MapService) Metadata() Metadata {
	return Metadata{
		Analysis:       s.id,
		Width:          s.analysis.Width,
		Height:         s.analysis.Height,
		Variables:      s.analysis.Variables,
		ROIs:           s.analysis.ROIs,
		HasROIs:        s.analysis.HasROIs,
		BordersEnabled: s.drawBorders && s.analysis.HasROIs,
		HasSummary:     s.summary != nil,
		Colormaps:      colormap.Names(),
	}
}

// GetMapImage returns a rendered PNG for one variable. A nil min or max
// selects the automatic display range. Border overlays are drawn only when
// both the request and the server configuration ask for them.
func (s *MapService) GetMapImage(variable, colormapName string, minV, maxV *float64, withBorders bool) ([]byte, error) {
	withBorders = withBorders && s.drawBorders && s.analysis.HasROIs

	cacheKey := s.id + ":" + cache.MapKey(s.id, variable, colormapName, minV, maxV, withBorders)
	if data, ok := s.cache.GetImage(cacheKey); ok {
		return data, nil
	}

	pixels, err := s.pixelsForVariable(variable)
	if err != nil {
		return nil, err
	}

	data, err := s.renderPixels(pixels, colormapName, minV, maxV, withBorders)
	if err != nil {
		return nil, fmt.Errorf("failed to render map %q: %w", variable, err)
	}

	s.cache.SetImage(cacheKey, data)
	return data, nil
}

// DerivedSpec names a derived quantity to compute and render.
type DerivedSpec struct {
	Kind    string   // "ratio", "abundance", "enrichment" or "sum"
	Num     string   // numerator (or minor isotope)
	Den     string   // denominator (or major isotope)
	Vars    []string // inputs for "sum"
	Natural float64  // natural ratio for "enrichment"
}

// Name returns the derived variable's display name.
func (d DerivedSpec) Name() string {
	switch d.Kind {
	case "ratio":
		return d.Num + "/" + d.Den
	case "abundance":
		return d.Num + " frac"
	case "enrichment":
		return "d" + d.Num + "/" + d.Den
	case "sum":
		return "sum(" + strings.Join(d.Vars, "+") + ")"
	}
	return d.Kind
}

// key is the canonical cache identity of the derived quantity.
func (d DerivedSpec) key() string {
	return fmt.Sprintf("%s:%s:%s:%s:%g", d.Kind, d.Num, d.Den, strings.Join(d.Vars, ","), d.Natural)
}

// GetDerivedImage computes (or reuses) a derived quantity and renders it.
func (s *MapService) GetDerivedImage(spec DerivedSpec, colormapName string, minV, maxV *float64, withBorders bool) ([]byte, error) {
	withBorders = withBorders && s.drawBorders && s.analysis.HasROIs

	cacheKey := s.id + ":" + cache.DerivedKey(s.id, spec.key(), colormapName, minV, maxV, withBorders)
	if data, ok := s.cache.GetImage(cacheKey); ok {
		return data, nil
	}

	tbl, err := s.derivedTable(spec)
	if err != nil {
		return nil, err
	}

	pixels := make([]render.PixelValue, 0, tbl.Len())
	for i := 0; i < tbl.Len(); i++ {
		r := tbl.Row(i)
		pixels = append(pixels, render.PixelValue{X: r.X, Y: r.Y, V: r.Value})
	}

	data, err := s.renderPixels(pixels, colormapName, minV, maxV, withBorders)
	if err != nil {
		return nil, fmt.Errorf("failed to render derived map %q: %w", spec.Name(), err)
	}

	s.cache.SetImage(cacheKey, data)
	return data, nil
}

// Borders returns the analysis's ROI boundary table, computing it once.
func (s *MapService) Borders() (*pixel.Table, error) {
	if !s.drawBorders {
		return nil, ErrBordersDisabled
	}
	s.borderOnce.Do(func() {
		s.borderTbl, s.borderErr = roi.Borders(s.analysis.Table())
	})
	return s.borderTbl, s.borderErr
}

// BorderPositions returns the distinct boundary positions for rendering.
func (s *MapService) BorderPositions() ([]render.BorderPixel, error) {
	tbl, err := s.Borders()
	if err != nil {
		return nil, err
	}
	seen := make(map[render.BorderPixel]bool, tbl.Len())
	out := make([]render.BorderPixel, 0, tbl.Len())
	for i := 0; i < tbl.Len(); i++ {
		r := tbl.Row(i)
		bp := render.BorderPixel{X: r.X, Y: r.Y, ROI: r.ROI}
		if !seen[bp] {
			seen[bp] = true
			out = append(out, bp)
		}
	}
	return out, nil
}

// ROILegendItem is one entry of the ROI overlay legend.
type ROILegendItem struct {
	ROI        int    `json:"roi"`
	Color      string `json:"color"`
	PixelCount int    `json:"pixel_count"`
}

// ROILegend returns the overlay legend: one color-coded entry per ROI with
// its occupied pixel count (from the reference geometry, not per variable).
func (s *MapService) ROILegend() []ROILegendItem {
	counts := make(map[int]int)
	tbl := s.analysis.Table()
	nVars := len(s.analysis.Variables)
	if nVars == 0 {
		return nil
	}
	for i := 0; i < tbl.Len(); i++ {
		if r := tbl.Row(i); r.ROI > 0 {
			counts[r.ROI]++
		}
	}

	out := make([]ROILegendItem, 0, len(counts))
	for _, id := range s.analysis.ROIs {
		out = append(out, ROILegendItem{
			ROI:        id,
			Color:      colormap.Hex(colormap.Categorical.AtIndex(id - 1)),
			PixelCount: counts[id] / nVars,
		})
	}
	return out
}

// GetStats returns per-(ROI, variable) statistics, cached as JSON.
func (s *MapService) GetStats() ([]byte, error) {
	cacheKey := "stats:" + s.id
	if data, ok := s.cache.GetTable(cacheKey); ok {
		return data, nil
	}

	sums, err := transform.Summarize(s.analysis.Table())
	if err != nil {
		return nil, fmt.Errorf("failed to summarize analysis: %w", err)
	}
	data, err := json.Marshal(sums)
	if err != nil {
		return nil, err
	}

	s.cache.SetTable(cacheKey, data)
	return data, nil
}

// GetSummary returns the loaded LANS per-ROI summary table in wide form,
// or nil when the analysis has none.
func (s *MapService) GetSummary() ([]transform.WideRow, error) {
	if s.summary == nil {
		return nil, nil
	}
	return transform.Wide(s.summary)
}

// FacetPanels builds one labeled panel per requested variable or derived
// spec name. An empty variable list selects every measured variable.
func (s *MapService) FacetPanels(variables []string, colormapName string, withBorders bool) ([]render.Panel, error) {
	if len(variables) == 0 {
		variables = s.analysis.Variables
	}

	withBorders = withBorders && s.drawBorders && s.analysis.HasROIs
	var borders []render.BorderPixel
	if withBorders {
		var err error
		borders, err = s.BorderPositions()
		if err != nil {
			return nil, err
		}
	}

	panels := make([]render.Panel, 0, len(variables))
	for _, v := range variables {
		pixels, err := s.pixelsForVariable(v)
		if err != nil {
			return nil, err
		}
		values := make([]float64, len(pixels))
		for i, p := range pixels {
			values[i] = p.V
		}
		minV, maxV := render.AutoRange(values)
		panels = append(panels, render.Panel{
			Title:    v,
			Width:    s.analysis.Width,
			Height:   s.analysis.Height,
			Pixels:   pixels,
			Min:      minV,
			Max:      maxV,
			Colormap: colormapName,
			Borders:  borders,
		})
	}
	return panels, nil
}

// GetFacetSheet renders the faceted overview raster for the analysis.
func (s *MapService) GetFacetSheet(variables []string, colormapName string, withBorders bool, cols int) ([]byte, error) {
	sort.Strings(variables)
	cacheKey := s.id + ":" + cache.FacetKey(s.id, variables, colormapName, withBorders, cols)
	if data, ok := s.cache.GetImage(cacheKey); ok {
		return data, nil
	}

	panels, err := s.FacetPanels(variables, colormapName, withBorders)
	if err != nil {
		return nil, err
	}
	data, err := s.renderer.RenderFacetSheet(panels, cols)
	if err != nil {
		return nil, fmt.Errorf("failed to render facet sheet: %w", err)
	}

	s.cache.SetImage(cacheKey, data)
	return data, nil
}

// Renderer exposes the shared renderer, for the export executor.
func (s *MapService) Renderer() *render.MapRenderer { return s.renderer }

// Analysis exposes the loaded analysis metadata.
func (s *MapService) Analysis() *lans.Analysis { return s.analysis }

func (s *MapService) renderPixels(pixels []render.PixelValue, colormapName string, minV, maxV *float64, withBorders bool) ([]byte, error) {
	values := make([]float64, len(pixels))
	for i, p := range pixels {
		values[i] = p.V
	}
	lo, hi := render.AutoRange(values)
	if minV != nil {
		lo = *minV
	}
	if maxV != nil {
		hi = *maxV
	}
	if hi < lo {
		lo, hi = hi, lo
	}

	if !withBorders {
		return s.renderer.RenderMap(pixels, s.analysis.Width, s.analysis.Height, lo, hi, colormapName)
	}
	borders, err := s.BorderPositions()
	if err != nil {
		return nil, err
	}
	return s.renderer.RenderMapWithBorders(pixels, s.analysis.Width, s.analysis.Height, lo, hi, colormapName, borders)
}

// pixelsForVariable extracts one variable's raster from the pixel table,
// falling back to the TileDB store for variables archived there but not
// exported as text.
func (s *MapService) pixelsForVariable(variable string) ([]render.PixelValue, error) {
	for _, v := range s.analysis.Variables {
		if v == variable {
			tbl := s.analysis.Table()
			out := make([]render.PixelValue, 0, s.analysis.Width*s.analysis.Height)
			for i := 0; i < tbl.Len(); i++ {
				r := tbl.Row(i)
				if r.Variable == variable {
					out = append(out, render.PixelValue{X: r.X, Y: r.Y, V: r.Value})
				}
			}
			return out, nil
		}
	}

	if s.store != nil && s.store.Supported() {
		plane, err := s.store.MapPlane(variable, s.analysis.Width, s.analysis.Height)
		if err != nil {
			return nil, fmt.Errorf("variable %q not found in analysis or store: %w", variable, err)
		}
		out := make([]render.PixelValue, 0, s.analysis.Width*s.analysis.Height)
		for y, row := range plane {
			for x, v := range row {
				out = append(out, render.PixelValue{X: x, Y: y, V: v})
			}
		}
		return out, nil
	}

	return nil, fmt.Errorf("variable not found: %s", variable)
}

// derivedTable computes a derived quantity once per spec and memoizes it.
func (s *MapService) derivedTable(spec DerivedSpec) (*pixel.Table, error) {
	s.derivedMu.Lock()
	defer s.derivedMu.Unlock()

	if tbl, ok := s.derivedCache[spec.key()]; ok {
		return tbl, nil
	}

	src := s.analysis.Table()
	var (
		tbl *pixel.Table
		err error
	)
	switch spec.Kind {
	case "ratio":
		tbl, err = transform.Ratio(src, spec.Name(), spec.Num, spec.Den)
	case "abundance":
		tbl, err = transform.Abundance(src, spec.Name(), spec.Num, spec.Den)
	case "enrichment":
		tbl, err = transform.Enrichment(src, spec.Name(), spec.Num, spec.Den, spec.Natural)
	case "sum":
		tbl, err = transform.Sum(src, spec.Name(), spec.Vars...)
	default:
		return nil, fmt.Errorf("unknown derived kind: %s", spec.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to derive %q: %w", spec.Name(), err)
	}
	if tbl.Len() == 0 {
		return nil, fmt.Errorf("derived %q selects no pixels (unknown input variable?)", spec.Name())
	}

	s.derivedCache[spec.key()] = tbl
	return tbl, nil
}
