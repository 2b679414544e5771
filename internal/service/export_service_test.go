package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sims-maps/server/internal/exportstore"
)

type stubProvider struct {
	services map[string]*MapService
}

func (p *stubProvider) MapService(id string) *MapService { return p.services[id] }

func newExportFixture(t *testing.T) (*ExportService, *exportstore.Store, string) {
	t.Helper()

	svc := newTestService(t, true)
	provider := &stubProvider{services: map[string]*MapService{"run1": svc}}

	dir := t.TempDir()
	store, err := exportstore.NewStore(filepath.Join(dir, "jobs.db"))
	if err != nil {
		t.Fatalf("exportstore.NewStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	outDir := filepath.Join(dir, "exports")
	return NewExportService(provider, outDir), store, outDir
}

func createJob(t *testing.T, store *exportstore.Store, id string, params exportstore.ExportParams) {
	t.Helper()
	err := store.CreateJob(&exportstore.ExportJob{
		ID:        id,
		Analysis:  params.Analysis,
		Status:    exportstore.JobStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
}

func TestExecuteExportJob(t *testing.T) {
	es, store, outDir := newExportFixture(t)
	createJob(t, store, "job1", exportstore.ExportParams{
		Analysis:    "run1",
		Colormap:    "viridis",
		WithBorders: true,
	})

	if err := es.ExecuteExportJob(context.Background(), store, "job1"); err != nil {
		t.Fatalf("ExecuteExportJob() error = %v", err)
	}

	// Empty variable list means every variable, plus the combined sheet.
	for _, name := range []string{"12C.png", "13C.png", "sheet.png"} {
		path := filepath.Join(outDir, "job1", name)
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected output %s: %v", path, err)
		}
	}

	files, err := store.GetFiles("job1")
	if err != nil {
		t.Fatalf("GetFiles() error = %v", err)
	}
	if len(files) != 3 {
		t.Errorf("got %d recorded files, want 3", len(files))
	}

	job, err := store.GetJob("job1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.Progress.Phase != "done" || job.Progress.Done != job.Progress.Total {
		t.Errorf("progress = %+v, want done phase with done == total", job.Progress)
	}
}

func TestExecuteExportJobSubsetVariables(t *testing.T) {
	es, store, outDir := newExportFixture(t)
	createJob(t, store, "job2", exportstore.ExportParams{
		Analysis:  "run1",
		Variables: []string{"13C"},
		Colormap:  "magma",
	})

	if err := es.ExecuteExportJob(context.Background(), store, "job2"); err != nil {
		t.Fatalf("ExecuteExportJob() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(outDir, "job2", "13C.png")); err != nil {
		t.Errorf("expected 13C.png: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outDir, "job2", "12C.png")); !os.IsNotExist(err) {
		t.Error("12C.png should not be rendered for a single-variable job")
	}
}

func TestExecuteExportJobUnknownAnalysis(t *testing.T) {
	es, store, _ := newExportFixture(t)
	createJob(t, store, "job3", exportstore.ExportParams{Analysis: "nope"})

	if err := es.ExecuteExportJob(context.Background(), store, "job3"); err == nil {
		t.Error("expected error for unknown analysis")
	}
}

func TestExecuteExportJobMissing(t *testing.T) {
	es, store, _ := newExportFixture(t)

	if err := es.ExecuteExportJob(context.Background(), store, "ghost"); err == nil {
		t.Error("expected error for missing job")
	}
}

func TestExecuteExportJobCancelled(t *testing.T) {
	es, store, _ := newExportFixture(t)
	createJob(t, store, "job4", exportstore.ExportParams{Analysis: "run1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := es.ExecuteExportJob(ctx, store, "job4"); err != context.Canceled {
		t.Errorf("ExecuteExportJob() error = %v, want context.Canceled", err)
	}
}

func TestSafeFileName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"12C", "12C"},
		{"13C/12C", "13C_12C"},
		{`a\b:c`, "a_b_c"},
	}
	for _, tt := range tests {
		if got := safeFileName(tt.in); got != tt.want {
			t.Errorf("safeFileName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
