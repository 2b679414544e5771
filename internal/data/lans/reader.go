// Package lans loads NanoSIMS data exported by the LANS analysis tool: raw
// per-pixel ion-count map matrices and per-ROI summary tables. It is the
// producer of the long-format pixel schema consumed by the transform,
// border-extraction and rendering layers.
package lans

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/sims-maps/server/internal/pixel"
)

// ROIMaskFile is the matrix holding per-pixel ROI labels (0 = background).
const ROIMaskFile = "roi"

// Analysis is one loaded LANS analysis: its raster geometry, variable list
// and the long-format per-pixel table.
type Analysis struct {
	Name      string
	Width     int
	Height    int
	Variables []string
	ROIs      []int
	HasROIs   bool

	table *pixel.Table
}

// Table returns the analysis's per-pixel table: one row per (variable,
// pixel), with analysis, ROI, variable, x.px, y.px and value columns.
func (a *Analysis) Table() *pixel.Table { return a.table }

// LoadMaps loads an analysis from a directory of LANS map exports. Each
// `<variable>.txt` (optionally zstd-compressed as `<variable>.txt.zst`)
// holds a whitespace-delimited count matrix, rows top to bottom. A matrix
// named `roi.txt[.zst]`, when present, assigns per-pixel ROI labels; without
// it every pixel is background.
func LoadMaps(dir, name string) (*Analysis, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read maps directory: %w", err)
	}

	files := make(map[string]string) // variable -> path
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		variable, ok := variableName(e.Name())
		if !ok {
			continue
		}
		if prev, dup := files[variable]; dup {
			return nil, fmt.Errorf("variable %q exported twice: %s and %s", variable, prev, e.Name())
		}
		files[variable] = filepath.Join(dir, e.Name())
	}

	roiPath, hasROIs := files[ROIMaskFile]
	delete(files, ROIMaskFile)
	if len(files) == 0 {
		return nil, fmt.Errorf("no map exports found in %s", dir)
	}

	variables := make([]string, 0, len(files))
	for v := range files {
		variables = append(variables, v)
	}
	sort.Strings(variables)

	a := &Analysis{Name: name, Variables: variables, HasROIs: hasROIs}

	var roiMask [][]float64
	if hasROIs {
		roiMask, err = loadMatrix(roiPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load ROI mask: %w", err)
		}
		a.Height = len(roiMask)
		if a.Height > 0 {
			a.Width = len(roiMask[0])
		}
	}

	tbl := pixel.NewTable(pixel.ColAnalysis, pixel.ColROI, pixel.ColVariable,
		pixel.ColX, pixel.ColY, pixel.ColValue)

	roiSeen := make(map[int]bool)
	for _, variable := range variables {
		m, err := loadMatrix(files[variable])
		if err != nil {
			return nil, fmt.Errorf("failed to load map %q: %w", variable, err)
		}
		h := len(m)
		w := 0
		if h > 0 {
			w = len(m[0])
		}
		if a.Width == 0 && a.Height == 0 {
			a.Width, a.Height = w, h
		} else if w != a.Width || h != a.Height {
			return nil, fmt.Errorf("map %q is %dx%d, want %dx%d", variable, w, h, a.Width, a.Height)
		}

		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				roiID := 0
				if roiMask != nil {
					roiID = int(roiMask[y][x])
				}
				if roiID > 0 && !roiSeen[roiID] {
					roiSeen[roiID] = true
					a.ROIs = append(a.ROIs, roiID)
				}
				tbl.Append(pixel.Record{
					Analysis: name,
					ROI:      roiID,
					Variable: variable,
					X:        x,
					Y:        y,
					Value:    m[y][x],
				})
			}
		}
	}
	sort.Ints(a.ROIs)

	a.table = tbl
	return a, nil
}

// LoadSummary loads a LANS per-ROI summary table: a header row naming the
// variables after a leading ROI column, then one whitespace-delimited row
// per ROI. The result has no coordinate columns.
func LoadSummary(path, name string) (*pixel.Table, error) {
	rc, err := openMaybeCompressed(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var variables []string
	tbl := pixel.NewTable(pixel.ColAnalysis, pixel.ColROI, pixel.ColVariable, pixel.ColValue)

	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if variables == nil {
			if !strings.EqualFold(fields[0], "ROI") {
				return nil, fmt.Errorf("summary header must start with ROI, got %q", fields[0])
			}
			variables = fields[1:]
			if len(variables) == 0 {
				return nil, fmt.Errorf("summary header names no variables")
			}
			continue
		}

		if len(fields) != len(variables)+1 {
			return nil, fmt.Errorf("line %d: %d fields, want %d", line, len(fields), len(variables)+1)
		}
		roiID, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: bad ROI id %q: %w", line, fields[0], err)
		}
		for i, variable := range variables {
			v, err := strconv.ParseFloat(fields[i+1], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad value for %q: %w", line, variable, err)
			}
			tbl.Append(pixel.Record{Analysis: name, ROI: roiID, Variable: variable, Value: v})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read summary: %w", err)
	}
	if variables == nil {
		return nil, fmt.Errorf("summary file %s is empty", path)
	}
	return tbl, nil
}

// variableName maps an export file name to its variable, or reports that
// the file is not a map export.
func variableName(fileName string) (string, bool) {
	base := fileName
	if strings.HasSuffix(base, ".zst") {
		base = strings.TrimSuffix(base, ".zst")
	}
	if !strings.HasSuffix(base, ".txt") {
		return "", false
	}
	v := strings.TrimSuffix(base, ".txt")
	if v == "" {
		return "", false
	}
	return v, true
}

func openMaybeCompressed(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if !strings.HasSuffix(path, ".zst") {
		return f, nil
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to open zstd stream %s: %w", path, err)
	}
	return &zstdReadCloser{Decoder: zr, f: f}, nil
}

type zstdReadCloser struct {
	*zstd.Decoder
	f *os.File
}

func (z *zstdReadCloser) Close() error {
	z.Decoder.Close()
	return z.f.Close()
}

func loadMatrix(path string) ([][]float64, error) {
	rc, err := openMaybeCompressed(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var rows [][]float64
	width := -1
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if width == -1 {
			width = len(fields)
		} else if len(fields) != width {
			return nil, fmt.Errorf("line %d: %d columns, want %d", line, len(fields), width)
		}
		row := make([]float64, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad count %q: %w", line, f, err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read matrix: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("matrix %s is empty", path)
	}
	return rows, nil
}
