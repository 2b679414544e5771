// Package roi extracts region-of-interest boundaries from per-pixel tables.
//
// The border test is purely geometric: a pixel is on the border of its ROI
// when at least one of its four cardinal neighbours is not occupied by the
// same ROI. The geometry is computed once per (analysis, ROI) group from a
// single reference variable and then broadcast to every variable present in
// the group, since variables are parallel measurements over the same ROI
// mask.
package roi

import (
	"math"
	"sort"

	"github.com/sims-maps/server/internal/pixel"
)

type groupKey struct {
	analysis string
	roi      int
}

type point struct {
	x, y int
}

type group struct {
	key  groupKey
	rows []int // row indices into the input table, in input order
}

// Borders reduces a pixel table to its ROI boundary pixels.
//
// The input must carry the ROI, variable, x.px and y.px columns; a missing
// column aborts with a pixel.MissingColumnError naming it. The analysis
// column is optional and, when present, partitions groups alongside ROI.
// Rows with ROI <= 0 are background and never appear in the output.
//
// For each (analysis, ROI) group the reference variable is the
// lexicographically smallest variable name in the group, so classification
// does not depend on row order. Occupied positions are indexed in a hash
// set, making the four neighbour lookups O(1) and the whole group O(P).
//
// The output carries the same columns as the input, one row per
// (border pixel, variable) pair. When the input has a value column, each
// output row carries that variable's own value at the pixel; a variable
// with no reading at a border position gets NaN.
func Borders(t *pixel.Table) (*pixel.Table, error) {
	if err := t.Require(pixel.ColROI, pixel.ColVariable, pixel.ColX, pixel.ColY); err != nil {
		return nil, err
	}

	hasValue := t.Has(pixel.ColValue)

	// Partition by (analysis, ROI), keeping first-seen group order so the
	// result is deterministic for a given input.
	groups := make(map[groupKey]*group)
	var order []groupKey
	for i := 0; i < t.Len(); i++ {
		r := t.Row(i)
		if r.ROI <= 0 {
			continue
		}
		k := groupKey{analysis: r.Analysis, roi: r.ROI}
		g, ok := groups[k]
		if !ok {
			g = &group{key: k}
			groups[k] = g
			order = append(order, k)
		}
		g.rows = append(g.rows, i)
	}

	out := pixel.NewLike(t)
	for _, k := range order {
		borderGroup(t, groups[k], hasValue, out)
	}
	return out, nil
}

func borderGroup(t *pixel.Table, g *group, hasValue bool, out *pixel.Table) {
	// Distinct variables in the group; the smallest is the reference.
	varSet := make(map[string]bool, 4)
	for _, i := range g.rows {
		varSet[t.Row(i).Variable] = true
	}
	vars := make([]string, 0, len(varSet))
	for v := range varSet {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	refVar := vars[0]

	// Occupied-position index from the reference variable, plus per-variable
	// value lookups for the broadcast step.
	occupied := make(map[point]bool, len(g.rows))
	var refOrder []point
	var values map[string]map[point]float64
	if hasValue {
		values = make(map[string]map[point]float64, len(vars))
	}
	for _, i := range g.rows {
		r := t.Row(i)
		p := point{x: r.X, y: r.Y}
		if r.Variable == refVar && !occupied[p] {
			occupied[p] = true
			refOrder = append(refOrder, p)
		}
		if hasValue {
			vm, ok := values[r.Variable]
			if !ok {
				vm = make(map[point]float64, len(g.rows)/len(vars)+1)
				values[r.Variable] = vm
			}
			vm[p] = r.Value
		}
	}

	for _, p := range refOrder {
		if !isBorder(occupied, p) {
			continue
		}
		for _, v := range vars {
			rec := pixel.Record{
				Analysis: g.key.analysis,
				ROI:      g.key.roi,
				Variable: v,
				X:        p.x,
				Y:        p.y,
			}
			if hasValue {
				if val, ok := values[v][p]; ok {
					rec.Value = val
				} else {
					rec.Value = math.NaN()
				}
			}
			out.Append(rec)
		}
	}
}

// isBorder reports whether any of the four cardinal neighbours of p is
// absent from the ROI's occupied set. Interior holes count: a pixel next to
// a missing interior position is a border pixel via that hole.
func isBorder(occupied map[point]bool, p point) bool {
	return !occupied[point{p.x - 1, p.y}] ||
		!occupied[point{p.x + 1, p.y}] ||
		!occupied[point{p.x, p.y - 1}] ||
		!occupied[point{p.x, p.y + 1}]
}
