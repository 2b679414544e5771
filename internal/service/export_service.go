package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sims-maps/server/internal/exportstore"
)

// MapProvider resolves an analysis id to its map service.
type MapProvider interface {
	MapService(id string) *MapService
}

// ExportService renders facet-sheet export jobs to disk.
type ExportService struct {
	provider  MapProvider
	outputDir string
}

// NewExportService creates a new export service.
func NewExportService(provider MapProvider, outputDir string) *ExportService {
	return &ExportService{provider: provider, outputDir: outputDir}
}

// ExecuteExportJob runs one export job: per-variable maps plus a combined
// facet sheet, written under <output_dir>/<job_id>/. It is wired as the
// job manager's executor.
func (s *ExportService) ExecuteExportJob(ctx context.Context, store *exportstore.Store, jobID string) error {
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}

	svc := s.provider.MapService(job.Params.Analysis)
	if svc == nil {
		return fmt.Errorf("analysis not found: %s", job.Params.Analysis)
	}

	variables := job.Params.Variables
	if len(variables) == 0 {
		variables = svc.Analysis().Variables
	}
	cols := job.Params.Columns
	if cols <= 0 {
		cols = 3
	}

	dir := filepath.Join(s.outputDir, jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	total := len(variables) + 1 // per-variable maps plus the sheet
	store.UpdateJobProgress(jobID, "rendering", 0, total)

	scale := svc.Renderer().Scale()
	a := svc.Analysis()
	files := make([]exportstore.ExportFile, 0, total)

	for i, variable := range variables {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		data, err := svc.GetMapImage(variable, job.Params.Colormap, nil, nil, job.Params.WithBorders)
		if err != nil {
			return fmt.Errorf("failed to render %q: %w", variable, err)
		}
		path := filepath.Join(dir, safeFileName(variable)+".png")
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		files = append(files, exportstore.ExportFile{
			Name:   variable,
			Path:   path,
			Width:  a.Width * scale,
			Height: a.Height * scale,
		})
		store.UpdateJobProgress(jobID, "rendering", i+1, total)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	sheet, err := svc.GetFacetSheet(variables, job.Params.Colormap, job.Params.WithBorders, cols)
	if err != nil {
		return fmt.Errorf("failed to render facet sheet: %w", err)
	}
	sheetPath := filepath.Join(dir, "sheet.png")
	if err := os.WriteFile(sheetPath, sheet, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", sheetPath, err)
	}
	files = append(files, exportstore.ExportFile{Name: "sheet", Path: sheetPath})
	store.UpdateJobProgress(jobID, "done", total, total)

	if err := store.InsertFiles(jobID, files); err != nil {
		return fmt.Errorf("failed to record output files: %w", err)
	}
	return nil
}

// safeFileName strips path separators from variable names; LANS species
// labels can contain '/' in derived exports.
func safeFileName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch r {
		case '/', '\\', ':':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}
