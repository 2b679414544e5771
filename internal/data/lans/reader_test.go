package lans

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/sims-maps/server/internal/pixel"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func writeZstd(t *testing.T, dir, name, content string) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	defer f.Close()
	enc, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	if _, err := enc.Write([]byte(content)); err != nil {
		t.Fatalf("zstd write: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("zstd close: %v", err)
	}
}

func TestLoadMaps(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "12C.txt", "10 20\n30 40\n")
	writeFile(t, dir, "13C.txt", "1 2\n3 4\n")
	writeFile(t, dir, "roi.txt", "1 1\n0 2\n")
	writeFile(t, dir, "notes.md", "ignored\n")

	a, err := LoadMaps(dir, "a1")
	if err != nil {
		t.Fatalf("LoadMaps: %v", err)
	}

	if a.Width != 2 || a.Height != 2 {
		t.Errorf("raster = %dx%d, want 2x2", a.Width, a.Height)
	}
	if len(a.Variables) != 2 || a.Variables[0] != "12C" || a.Variables[1] != "13C" {
		t.Errorf("variables = %v", a.Variables)
	}
	if !a.HasROIs || len(a.ROIs) != 2 {
		t.Errorf("ROIs = %v (HasROIs=%v), want [1 2]", a.ROIs, a.HasROIs)
	}

	tbl := a.Table()
	if tbl.Len() != 8 { // 2 variables x 4 pixels
		t.Fatalf("table has %d rows, want 8", tbl.Len())
	}
	if err := tbl.Require(pixel.ColAnalysis, pixel.ColROI, pixel.ColVariable,
		pixel.ColX, pixel.ColY, pixel.ColValue); err != nil {
		t.Fatalf("table schema incomplete: %v", err)
	}

	// Spot-check a pixel: (1,1) has ROI 2, 12C count 40.
	found := false
	for i := 0; i < tbl.Len(); i++ {
		r := tbl.Row(i)
		if r.Variable == "12C" && r.X == 1 && r.Y == 1 {
			found = true
			if r.ROI != 2 || r.Value != 40 || r.Analysis != "a1" {
				t.Errorf("unexpected row: %+v", r)
			}
		}
	}
	if !found {
		t.Error("pixel (1,1) missing from table")
	}
}

func TestLoadMapsZstd(t *testing.T) {
	dir := t.TempDir()
	writeZstd(t, dir, "32S.txt.zst", "5 6\n7 8\n")

	a, err := LoadMaps(dir, "a1")
	if err != nil {
		t.Fatalf("LoadMaps: %v", err)
	}
	if len(a.Variables) != 1 || a.Variables[0] != "32S" {
		t.Fatalf("variables = %v, want [32S]", a.Variables)
	}
	if a.HasROIs {
		t.Error("no ROI mask present, HasROIs should be false")
	}
	tbl := a.Table()
	if tbl.Len() != 4 {
		t.Fatalf("table has %d rows, want 4", tbl.Len())
	}
	for i := 0; i < tbl.Len(); i++ {
		if r := tbl.Row(i); r.ROI != 0 {
			t.Errorf("pixel (%d,%d) has ROI %d without a mask", r.X, r.Y, r.ROI)
		}
	}
}

func TestLoadMapsDimensionMismatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "12C.txt", "1 2\n3 4\n")
	writeFile(t, dir, "13C.txt", "1 2 3\n4 5 6\n")

	if _, err := LoadMaps(dir, "a1"); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestLoadMapsRaggedMatrix(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "12C.txt", "1 2\n3\n")

	if _, err := LoadMaps(dir, "a1"); err == nil {
		t.Fatal("expected ragged matrix error")
	}
}

func TestLoadMapsEmptyDir(t *testing.T) {
	if _, err := LoadMaps(t.TempDir(), "a1"); err == nil {
		t.Fatal("expected error for directory without map exports")
	}
}

func TestLoadSummary(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "summary.dat", `ROI 12C 13C
1 1000 11
2 2000 22
`)

	tbl, err := LoadSummary(path, "a1")
	if err != nil {
		t.Fatalf("LoadSummary: %v", err)
	}
	if tbl.Len() != 4 {
		t.Fatalf("table has %d rows, want 4", tbl.Len())
	}
	if tbl.Has(pixel.ColX) || tbl.Has(pixel.ColY) {
		t.Error("summary tables must not carry coordinate columns")
	}
	if err := tbl.Require(pixel.ColROI, pixel.ColVariable, pixel.ColValue); err != nil {
		t.Errorf("summary schema incomplete: %v", err)
	}
}

func TestLoadSummaryBadHeader(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "summary.dat", "id 12C\n1 10\n")

	if _, err := LoadSummary(path, "a1"); err == nil {
		t.Fatal("expected header error")
	}
}
