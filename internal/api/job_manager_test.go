package api

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sims-maps/server/internal/exportstore"
)

func newTestJobManager(t *testing.T) *JobManager {
	t.Helper()
	jm, err := NewJobManager(JobManagerConfig{
		SQLitePath: filepath.Join(t.TempDir(), "jobs.db"),
	})
	if err != nil {
		t.Fatalf("NewJobManager() error = %v", err)
	}
	t.Cleanup(jm.Stop)
	return jm
}

func waitForStatus(t *testing.T, jm *JobManager, id string, want exportstore.JobStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if job := jm.Get(id); job != nil && job.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	job := jm.Get(id)
	t.Fatalf("job %s never reached %s (last: %+v)", id, want, job)
}

func TestJobManagerRunsSubmittedJob(t *testing.T) {
	jm := newTestJobManager(t)

	ran := make(chan string, 1)
	jm.Executor = func(ctx context.Context, store *exportstore.Store, jobID string) error {
		ran <- jobID
		return nil
	}
	jm.Start()

	job, err := jm.Submit(exportstore.ExportParams{Analysis: "run1"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	select {
	case got := <-ran:
		if got != job.ID {
			t.Errorf("executor ran job %s, want %s", got, job.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("executor never ran")
	}
	waitForStatus(t, jm, job.ID, exportstore.JobStatusCompleted)
}

func TestJobManagerRecordsFailure(t *testing.T) {
	jm := newTestJobManager(t)

	jm.Executor = func(ctx context.Context, store *exportstore.Store, jobID string) error {
		return context.DeadlineExceeded
	}
	jm.Start()

	job, err := jm.Submit(exportstore.ExportParams{Analysis: "run1"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitForStatus(t, jm, job.ID, exportstore.JobStatusFailed)
}

func TestJobManagerCancelQueued(t *testing.T) {
	jm := newTestJobManager(t)
	// No Start: the job stays queued.

	job, err := jm.Submit(exportstore.ExportParams{Analysis: "run1"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !jm.Cancel(job.ID) {
		t.Fatal("Cancel() = false for queued job")
	}
	got := jm.Get(job.ID)
	if got.Status != exportstore.JobStatusCancelled {
		t.Errorf("status = %s, want %s", got.Status, exportstore.JobStatusCancelled)
	}
}

func TestJobManagerCancelUnknown(t *testing.T) {
	jm := newTestJobManager(t)
	if jm.Cancel("ghost") {
		t.Error("Cancel() = true for unknown job")
	}
}

func TestGenerateJobID(t *testing.T) {
	a, b := generateJobID(), generateJobID()
	if len(a) != 16 {
		t.Errorf("job ID %q is not 16 hex chars", a)
	}
	if a == b {
		t.Error("consecutive job IDs collide")
	}
}
