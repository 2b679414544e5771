// Package pixel defines the long-format pixel table shared by the LANS
// loaders, the derived-quantity transforms, and the map renderer.
//
// A table holds one row per (analysis, ROI, variable, pixel position), with
// an explicit set of present columns: loaders legitimately produce tables
// without coordinates (per-ROI summary tables) or without measured values
// (border tables), so consumers must check schema before relying on it.
package pixel

import (
	"fmt"
	"sort"
)

// Column names a table column. The names match the LANS export schema.
type Column string

const (
	ColAnalysis Column = "analysis"
	ColROI      Column = "ROI"
	ColVariable Column = "variable"
	ColX        Column = "x.px"
	ColY        Column = "y.px"
	ColValue    Column = "value"
)

// MissingColumnError reports a required column absent from a table.
type MissingColumnError struct {
	Column Column
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("required column %q is missing", string(e.Column))
}

// Record is one row of a table. Fields for absent columns are zero values
// and must not be read.
type Record struct {
	Analysis string
	ROI      int
	Variable string
	X, Y     int
	Value    float64
}

// Table is a column-oriented long-format pixel table. Rows are appended
// during construction; thereafter tables are treated as read-only.
type Table struct {
	cols map[Column]bool

	analysis []string
	roi      []int
	variable []string
	x, y     []int
	value    []float64
}

// NewTable creates an empty table with the given column set.
func NewTable(cols ...Column) *Table {
	t := &Table{cols: make(map[Column]bool, len(cols))}
	for _, c := range cols {
		t.cols[c] = true
	}
	return t
}

// NewLike creates an empty table with the same column set as t.
func NewLike(t *Table) *Table {
	cols := make([]Column, 0, len(t.cols))
	for c := range t.cols {
		cols = append(cols, c)
	}
	return NewTable(cols...)
}

// Has reports whether the table carries the given column.
func (t *Table) Has(c Column) bool { return t.cols[c] }

// Columns returns the table's column set in a fixed order.
func (t *Table) Columns() []Column {
	order := []Column{ColAnalysis, ColROI, ColVariable, ColX, ColY, ColValue}
	out := make([]Column, 0, len(t.cols))
	for _, c := range order {
		if t.cols[c] {
			out = append(out, c)
		}
	}
	return out
}

// Require checks that every named column is present, returning a
// MissingColumnError for the first absent one.
func (t *Table) Require(cols ...Column) error {
	for _, c := range cols {
		if !t.cols[c] {
			return &MissingColumnError{Column: c}
		}
	}
	return nil
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.roi) }

// Append adds one row. Fields for columns the table does not carry are
// ignored.
func (t *Table) Append(r Record) {
	if t.cols[ColAnalysis] {
		t.analysis = append(t.analysis, r.Analysis)
	}
	t.roi = append(t.roi, r.ROI)
	if t.cols[ColVariable] {
		t.variable = append(t.variable, r.Variable)
	}
	if t.cols[ColX] {
		t.x = append(t.x, r.X)
	}
	if t.cols[ColY] {
		t.y = append(t.y, r.Y)
	}
	if t.cols[ColValue] {
		t.value = append(t.value, r.Value)
	}
}

// Row returns row i as a Record. Fields for absent columns are zero values.
func (t *Table) Row(i int) Record {
	r := Record{ROI: t.roi[i]}
	if t.cols[ColAnalysis] {
		r.Analysis = t.analysis[i]
	}
	if t.cols[ColVariable] {
		r.Variable = t.variable[i]
	}
	if t.cols[ColX] {
		r.X = t.x[i]
	}
	if t.cols[ColY] {
		r.Y = t.y[i]
	}
	if t.cols[ColValue] {
		r.Value = t.value[i]
	}
	return r
}

// Filter returns a new table containing the rows for which keep returns true.
func (t *Table) Filter(keep func(Record) bool) *Table {
	out := NewLike(t)
	for i := 0; i < t.Len(); i++ {
		if r := t.Row(i); keep(r) {
			out.Append(r)
		}
	}
	return out
}

// Variables returns the distinct variable names, sorted.
func (t *Table) Variables() []string {
	if !t.cols[ColVariable] {
		return nil
	}
	return distinct(t.variable)
}

// Analyses returns the distinct analysis names, sorted. Tables without an
// analysis column return nil.
func (t *Table) Analyses() []string {
	if !t.cols[ColAnalysis] {
		return nil
	}
	return distinct(t.analysis)
}

// ROIs returns the distinct ROI ids, sorted.
func (t *Table) ROIs() []int {
	seen := make(map[int]bool, 16)
	out := make([]int, 0, 16)
	for _, id := range t.roi {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

// Concat appends all rows of src to dst. The tables must have identical
// column sets.
func Concat(dst, src *Table) error {
	if len(dst.cols) != len(src.cols) {
		return fmt.Errorf("cannot concat tables with different schemas")
	}
	for c := range dst.cols {
		if !src.cols[c] {
			return fmt.Errorf("cannot concat tables with different schemas: %q", string(c))
		}
	}
	for i := 0; i < src.Len(); i++ {
		dst.Append(src.Row(i))
	}
	return nil
}

func distinct(vals []string) []string {
	seen := make(map[string]bool, 16)
	out := make([]string, 0, 16)
	for _, v := range vals {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
