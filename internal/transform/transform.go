// Package transform derives secondary quantities from pixel tables:
// elemental sums, isotope ratios, fractional abundances and permil
// enrichment, plus long/wide reshaping and per-ROI summary statistics.
//
// Every transform is a pure function producing a new table of derived rows
// under the derived variable's name; inputs are never mutated. Transforms
// work on any table with a ROI, variable and value column, grouping on
// whatever identity columns (analysis, x.px, y.px) are present, so the same
// code serves both per-pixel map tables and per-ROI summary tables.
package transform

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/sims-maps/server/internal/pixel"
)

type cellKey struct {
	analysis string
	roi      int
	x, y     int
}

// Calculate derives a new variable per group from the named input
// variables. fn receives the group's values in the order of vars; a group
// missing one of the inputs is skipped. The result contains only the
// derived rows.
func Calculate(t *pixel.Table, name string, vars []string, fn func(vals []float64) float64) (*pixel.Table, error) {
	if err := t.Require(pixel.ColROI, pixel.ColVariable, pixel.ColValue); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("derived variable name must not be empty")
	}
	if len(vars) == 0 {
		return nil, fmt.Errorf("derived variable %q needs at least one input variable", name)
	}

	varIdx := make(map[string]int, len(vars))
	for i, v := range vars {
		if _, dup := varIdx[v]; dup {
			return nil, fmt.Errorf("duplicate input variable %q", v)
		}
		varIdx[v] = i
	}

	// Gather per-group input values, keeping first-seen group order.
	groups := make(map[cellKey][]float64)
	seen := make(map[cellKey][]bool)
	var order []cellKey
	for i := 0; i < t.Len(); i++ {
		r := t.Row(i)
		idx, ok := varIdx[r.Variable]
		if !ok {
			continue
		}
		k := cellKey{analysis: r.Analysis, roi: r.ROI, x: r.X, y: r.Y}
		vals, ok := groups[k]
		if !ok {
			vals = make([]float64, len(vars))
			groups[k] = vals
			seen[k] = make([]bool, len(vars))
			order = append(order, k)
		}
		vals[idx] = r.Value
		seen[k][idx] = true
	}

	out := pixel.NewLike(t)
	for _, k := range order {
		complete := true
		for _, s := range seen[k] {
			if !s {
				complete = false
				break
			}
		}
		if !complete {
			continue
		}
		out.Append(pixel.Record{
			Analysis: k.analysis,
			ROI:      k.roi,
			Variable: name,
			X:        k.x,
			Y:        k.y,
			Value:    fn(groups[k]),
		})
	}
	return out, nil
}

// Sum derives the sum of the named variables, e.g. an elemental total
// across isotopes.
func Sum(t *pixel.Table, name string, vars ...string) (*pixel.Table, error) {
	return Calculate(t, name, vars, func(vals []float64) float64 {
		s := 0.0
		for _, v := range vals {
			s += v
		}
		return s
	})
}

// Ratio derives num/den. A zero denominator yields NaN rather than an
// error, matching how downstream plotting treats missing pixels.
func Ratio(t *pixel.Table, name, num, den string) (*pixel.Table, error) {
	return Calculate(t, name, []string{num, den}, func(vals []float64) float64 {
		if vals[1] == 0 {
			return math.NaN()
		}
		return vals[0] / vals[1]
	})
}

// Abundance derives the fractional abundance minor/(minor+major).
func Abundance(t *pixel.Table, name, minor, major string) (*pixel.Table, error) {
	return Calculate(t, name, []string{minor, major}, func(vals []float64) float64 {
		total := vals[0] + vals[1]
		if total == 0 {
			return math.NaN()
		}
		return vals[0] / total
	})
}

// Enrichment derives permil enrichment of the num/den ratio relative to a
// natural reference ratio: (R/natural - 1) * 1000.
func Enrichment(t *pixel.Table, name, num, den string, natural float64) (*pixel.Table, error) {
	if natural <= 0 {
		return nil, fmt.Errorf("natural ratio for %q must be positive, got %v", name, natural)
	}
	return Calculate(t, name, []string{num, den}, func(vals []float64) float64 {
		if vals[1] == 0 {
			return math.NaN()
		}
		return (vals[0]/vals[1]/natural - 1) * 1000
	})
}

// WideRow is one row of the wide reshape: a pixel (or ROI, for tables
// without coordinates) with all its variables' values side by side.
type WideRow struct {
	Analysis string             `json:"analysis,omitempty"`
	ROI      int                `json:"roi"`
	X        int                `json:"x,omitempty"`
	Y        int                `json:"y,omitempty"`
	Values   map[string]float64 `json:"values"`
}

// Wide reshapes a long table to one row per (analysis, ROI, x, y) with a
// variable -> value map, for inspection and JSON output.
func Wide(t *pixel.Table) ([]WideRow, error) {
	if err := t.Require(pixel.ColROI, pixel.ColVariable, pixel.ColValue); err != nil {
		return nil, err
	}

	rows := make(map[cellKey]*WideRow)
	var order []cellKey
	for i := 0; i < t.Len(); i++ {
		r := t.Row(i)
		k := cellKey{analysis: r.Analysis, roi: r.ROI, x: r.X, y: r.Y}
		wr, ok := rows[k]
		if !ok {
			wr = &WideRow{
				Analysis: r.Analysis,
				ROI:      r.ROI,
				X:        r.X,
				Y:        r.Y,
				Values:   make(map[string]float64, 4),
			}
			rows[k] = wr
			order = append(order, k)
		}
		wr.Values[r.Variable] = r.Value
	}

	out := make([]WideRow, 0, len(order))
	for _, k := range order {
		out = append(out, *rows[k])
	}
	return out, nil
}

// Summary holds per-(analysis, ROI, variable) statistics over pixel values.
type Summary struct {
	Analysis string  `json:"analysis,omitempty"`
	ROI      int     `json:"roi"`
	Variable string  `json:"variable"`
	N        int     `json:"n"`
	Mean     float64 `json:"mean"`
	StdDev   float64 `json:"stddev"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Total    float64 `json:"total"`
}

type summaryKey struct {
	analysis string
	roi      int
	variable string
}

// Summarize computes per-ROI statistics for every variable. NaN values
// (e.g. ratio pixels with a zero denominator) are excluded.
func Summarize(t *pixel.Table) ([]Summary, error) {
	if err := t.Require(pixel.ColROI, pixel.ColVariable, pixel.ColValue); err != nil {
		return nil, err
	}

	groups := make(map[summaryKey][]float64)
	for i := 0; i < t.Len(); i++ {
		r := t.Row(i)
		if math.IsNaN(r.Value) {
			continue
		}
		k := summaryKey{analysis: r.Analysis, roi: r.ROI, variable: r.Variable}
		groups[k] = append(groups[k], r.Value)
	}

	out := make([]Summary, 0, len(groups))
	for k, vals := range groups {
		mean, std := stat.MeanStdDev(vals, nil)
		if len(vals) < 2 {
			std = 0
		}
		s := Summary{
			Analysis: k.analysis,
			ROI:      k.roi,
			Variable: k.variable,
			N:        len(vals),
			Mean:     mean,
			StdDev:   std,
			Min:      vals[0],
			Max:      vals[0],
		}
		for _, v := range vals {
			s.Total += v
			if v < s.Min {
				s.Min = v
			}
			if v > s.Max {
				s.Max = v
			}
		}
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Analysis != out[j].Analysis {
			return out[i].Analysis < out[j].Analysis
		}
		if out[i].ROI != out[j].ROI {
			return out[i].ROI < out[j].ROI
		}
		return out[i].Variable < out[j].Variable
	})
	return out, nil
}
