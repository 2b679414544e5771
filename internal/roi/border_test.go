package roi

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sims-maps/server/internal/pixel"
)

// posKey identifies an output row independent of row order.
type posKey struct {
	Analysis string
	ROI      int
	Variable string
	X, Y     int
}

func borderSet(t *testing.T, tbl *pixel.Table) map[posKey]bool {
	t.Helper()
	set := make(map[posKey]bool, tbl.Len())
	for i := 0; i < tbl.Len(); i++ {
		r := tbl.Row(i)
		k := posKey{Analysis: r.Analysis, ROI: r.ROI, Variable: r.Variable, X: r.X, Y: r.Y}
		if set[k] {
			t.Fatalf("duplicate output row: %+v", k)
		}
		set[k] = true
	}
	return set
}

func fullTable() *pixel.Table {
	return pixel.NewTable(pixel.ColAnalysis, pixel.ColROI, pixel.ColVariable,
		pixel.ColX, pixel.ColY, pixel.ColValue)
}

// addBlock adds a solid w x h block of pixels for one variable.
func addBlock(tbl *pixel.Table, analysis string, roiID int, variable string, x0, y0, w, h int, value float64) {
	for y := y0; y < y0+h; y++ {
		for x := x0; x < x0+w; x++ {
			tbl.Append(pixel.Record{
				Analysis: analysis, ROI: roiID, Variable: variable,
				X: x, Y: y, Value: value,
			})
		}
	}
}

func TestBordersMissingColumn(t *testing.T) {
	required := []pixel.Column{pixel.ColROI, pixel.ColVariable, pixel.ColX, pixel.ColY}

	for _, missing := range required {
		missing := missing
		t.Run(string(missing), func(t *testing.T) {
			cols := []pixel.Column{pixel.ColAnalysis, pixel.ColValue}
			for _, c := range required {
				if c != missing {
					cols = append(cols, c)
				}
			}
			tbl := pixel.NewTable(cols...)
			tbl.Append(pixel.Record{Analysis: "a1", ROI: 1, Variable: "13C", X: 0, Y: 0, Value: 1})

			_, err := Borders(tbl)
			if err == nil {
				t.Fatalf("expected error for missing column %q", missing)
			}
			var mce *pixel.MissingColumnError
			if !errors.As(err, &mce) {
				t.Fatalf("expected MissingColumnError, got %T: %v", err, err)
			}
			if mce.Column != missing {
				t.Errorf("error names column %q, want %q", mce.Column, missing)
			}
		})
	}
}

func TestBordersBackgroundExcluded(t *testing.T) {
	tbl := fullTable()
	addBlock(tbl, "a1", 0, "12C", 0, 0, 3, 3, 5)  // background
	addBlock(tbl, "a1", -2, "12C", 10, 10, 2, 2, 5) // unassigned
	addBlock(tbl, "a1", 1, "12C", 20, 20, 1, 1, 5)

	out, err := Borders(tbl)
	if err != nil {
		t.Fatalf("Borders: %v", err)
	}
	for i := 0; i < out.Len(); i++ {
		if r := out.Row(i); r.ROI <= 0 {
			t.Errorf("background row in output: ROI=%d at (%d,%d)", r.ROI, r.X, r.Y)
		}
	}
	if out.Len() != 1 {
		t.Errorf("expected only the single ROI 1 pixel, got %d rows", out.Len())
	}
}

func TestBordersSolidBlock(t *testing.T) {
	tbl := fullTable()
	addBlock(tbl, "a1", 1, "12C", 0, 0, 3, 3, 1)

	out, err := Borders(tbl)
	if err != nil {
		t.Fatalf("Borders: %v", err)
	}

	got := borderSet(t, out)
	want := make(map[posKey]bool)
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			if x == 1 && y == 1 {
				continue // interior
			}
			want[posKey{Analysis: "a1", ROI: 1, Variable: "12C", X: x, Y: y}] = true
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("border set mismatch (-want +got):\n%s", diff)
	}
}

func TestBordersIsolatedPixel(t *testing.T) {
	tbl := fullTable()
	tbl.Append(pixel.Record{Analysis: "a1", ROI: 3, Variable: "14N", X: 7, Y: 9, Value: 42})

	out, err := Borders(tbl)
	if err != nil {
		t.Fatalf("Borders: %v", err)
	}
	if out.Len() != 1 {
		t.Fatalf("expected 1 border row, got %d", out.Len())
	}
	r := out.Row(0)
	if r.X != 7 || r.Y != 9 || r.ROI != 3 || r.Variable != "14N" {
		t.Errorf("unexpected row: %+v", r)
	}
	if r.Value != 42 {
		t.Errorf("value not carried through: got %v", r.Value)
	}
}

func TestBordersMultiVariableBroadcast(t *testing.T) {
	tbl := fullTable()
	addBlock(tbl, "a1", 1, "12C", 0, 0, 3, 3, 1)
	addBlock(tbl, "a1", 1, "13C", 0, 0, 3, 3, 2)

	out, err := Borders(tbl)
	if err != nil {
		t.Fatalf("Borders: %v", err)
	}

	const borderPixels = 8
	if out.Len() != 2*borderPixels {
		t.Fatalf("expected %d rows (2 variables x %d border pixels), got %d",
			2*borderPixels, borderPixels, out.Len())
	}

	got := borderSet(t, out)
	perVar := map[string]int{}
	for k := range got {
		perVar[k.Variable]++
		// Every broadcast position must match a reference-variable border position.
		ref := k
		ref.Variable = "12C"
		if !got[ref] {
			t.Errorf("row %+v has no matching reference-variable border pixel", k)
		}
	}
	if perVar["12C"] != borderPixels || perVar["13C"] != borderPixels {
		t.Errorf("per-variable counts = %v, want %d each", perVar, borderPixels)
	}

	// Each row carries its own variable's value.
	for i := 0; i < out.Len(); i++ {
		r := out.Row(i)
		want := map[string]float64{"12C": 1, "13C": 2}[r.Variable]
		if r.Value != want {
			t.Errorf("row %s(%d,%d): value = %v, want %v", r.Variable, r.X, r.Y, r.Value, want)
		}
	}
}

func TestBordersRingWithHole(t *testing.T) {
	tbl := fullTable()
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			if x == 1 && y == 1 {
				continue // the hole
			}
			tbl.Append(pixel.Record{Analysis: "a1", ROI: 1, Variable: "12C", X: x, Y: y, Value: 1})
		}
	}

	out, err := Borders(tbl)
	if err != nil {
		t.Fatalf("Borders: %v", err)
	}

	// Every ring pixel is border: the four edge midpoints via the hole as
	// well as the outer perimeter, corners via the outer perimeter.
	if out.Len() != 8 {
		t.Fatalf("expected all 8 ring pixels as border, got %d rows", out.Len())
	}
	got := borderSet(t, out)
	if got[posKey{Analysis: "a1", ROI: 1, Variable: "12C", X: 1, Y: 1}] {
		t.Error("hole position classified as border")
	}
}

func TestBordersIdempotent(t *testing.T) {
	tbl := fullTable()
	addBlock(tbl, "a1", 1, "12C", 0, 0, 4, 4, 1)
	addBlock(tbl, "a1", 2, "12C", 10, 0, 1, 5, 1)

	first, err := Borders(tbl)
	if err != nil {
		t.Fatalf("first Borders: %v", err)
	}
	second, err := Borders(first)
	if err != nil {
		t.Fatalf("second Borders: %v", err)
	}

	// Every surviving pixel already has a missing neighbour, so re-running
	// on the output keeps the set stable.
	if diff := cmp.Diff(borderSet(t, first), borderSet(t, second)); diff != "" {
		t.Errorf("second pass changed the border set (-first +second):\n%s", diff)
	}

	third, err := Borders(first)
	if err != nil {
		t.Fatalf("third Borders: %v", err)
	}
	if diff := cmp.Diff(borderSet(t, second), borderSet(t, third)); diff != "" {
		t.Errorf("repeat run not deterministic:\n%s", diff)
	}
}

func TestBordersAllBackground(t *testing.T) {
	tbl := fullTable()
	addBlock(tbl, "a1", 0, "12C", 0, 0, 5, 5, 3)

	out, err := Borders(tbl)
	if err != nil {
		t.Fatalf("expected empty output without error, got %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("expected empty output, got %d rows", out.Len())
	}
}

func TestBordersEmptyInput(t *testing.T) {
	out, err := Borders(fullTable())
	if err != nil {
		t.Fatalf("empty input should not error: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("expected empty output, got %d rows", out.Len())
	}
}

func TestBordersMultipleAnalyses(t *testing.T) {
	// Identical ROI ids in different analyses are independent groups.
	tbl := fullTable()
	addBlock(tbl, "a1", 1, "12C", 0, 0, 3, 3, 1)
	addBlock(tbl, "a2", 1, "12C", 0, 0, 1, 1, 1)

	out, err := Borders(tbl)
	if err != nil {
		t.Fatalf("Borders: %v", err)
	}
	got := borderSet(t, out)
	if got[posKey{Analysis: "a1", ROI: 1, Variable: "12C", X: 1, Y: 1}] {
		t.Error("interior pixel of a1 leaked into output")
	}
	if !got[posKey{Analysis: "a2", ROI: 1, Variable: "12C", X: 0, Y: 0}] {
		t.Error("isolated pixel of a2 missing from output")
	}
	if len(got) != 9 {
		t.Errorf("expected 9 border rows across analyses, got %d", len(got))
	}
}

func TestBordersReferenceVariableIsLexicographic(t *testing.T) {
	// The second variable has a larger footprint; geometry must come from
	// the lexicographically smallest variable regardless of row order.
	tbl := fullTable()
	addBlock(tbl, "a1", 1, "b-var", 0, 0, 5, 5, 2) // appears first in row order
	addBlock(tbl, "a1", 1, "a-var", 0, 0, 3, 3, 1)

	out, err := Borders(tbl)
	if err != nil {
		t.Fatalf("Borders: %v", err)
	}
	got := borderSet(t, out)

	// 3x3 geometry: 8 border positions, broadcast to both variables.
	if len(got) != 16 {
		t.Fatalf("expected 16 rows from 3x3 reference geometry, got %d", len(got))
	}
	for k := range got {
		if k.X > 2 || k.Y > 2 {
			t.Errorf("position (%d,%d) outside reference-variable footprint", k.X, k.Y)
		}
	}
}

func TestBordersValueNaNWhenVariableLacksPixel(t *testing.T) {
	tbl := fullTable()
	tbl.Append(pixel.Record{Analysis: "a1", ROI: 1, Variable: "12C", X: 0, Y: 0, Value: 7})
	tbl.Append(pixel.Record{Analysis: "a1", ROI: 1, Variable: "13C", X: 5, Y: 5, Value: 9})

	out, err := Borders(tbl)
	if err != nil {
		t.Fatalf("Borders: %v", err)
	}

	// Reference variable 12C occupies only (0,0); 13C has no reading there.
	var sawNaN bool
	for i := 0; i < out.Len(); i++ {
		r := out.Row(i)
		if r.Variable == "13C" && r.X == 0 && r.Y == 0 {
			sawNaN = math.IsNaN(r.Value)
		}
	}
	if !sawNaN {
		t.Error("expected NaN value for variable without a reading at the border pixel")
	}
}

func TestBordersOutputSorted(t *testing.T) {
	// Not an ordering guarantee, just a determinism check: two identical
	// inputs give identical row sequences.
	build := func() *pixel.Table {
		tbl := fullTable()
		addBlock(tbl, "a1", 2, "13C", 3, 3, 4, 2, 1)
		addBlock(tbl, "a1", 1, "12C", 0, 0, 2, 2, 1)
		return tbl
	}
	a, err := Borders(build())
	if err != nil {
		t.Fatal(err)
	}
	b, err := Borders(build())
	if err != nil {
		t.Fatal(err)
	}
	if a.Len() != b.Len() {
		t.Fatalf("row counts differ: %d vs %d", a.Len(), b.Len())
	}
	rows := func(tbl *pixel.Table) []pixel.Record {
		out := make([]pixel.Record, tbl.Len())
		for i := range out {
			out[i] = tbl.Row(i)
		}
		return out
	}
	if diff := cmp.Diff(rows(a), rows(b)); diff != "" {
		t.Errorf("identical inputs produced different row sequences:\n%s", diff)
	}
}
