package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// newTestStore creates an in-memory SQLite store for testing
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", nil)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewRunsMigrationsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backhaul.db")
	s, err := New(path, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	s.Close()

	s, err = New(path, nil)
	if err != nil {
		t.Fatalf("New() on migrated database failed: %v", err)
	}
	defer s.Close()

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM migrations").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 2 {
		t.Fatalf("migrations = %d, want 2", count)
	}
}

func TestSaveAndGetJob(t *testing.T) {
	s := newTestStore(t)
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	job := &Job{ID: "job-1", Type: "backup", BackupName: "nightly", Status: "running", StartTime: start}
	if err := s.SaveJob(job); err != nil {
		t.Fatalf("SaveJob() failed: %v", err)
	}

	got, err := s.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob() failed: %v", err)
	}
	if got.BackupName != "nightly" || got.Status != "running" || !got.EndTime.IsZero() {
		t.Fatalf("GetJob() = %+v", got)
	}

	job.Status = "completed"
	job.Corrupted = true
	job.EndTime = start.Add(time.Minute)
	if err := s.SaveJob(job); err != nil {
		t.Fatalf("SaveJob() update failed: %v", err)
	}
	got, err = s.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob() failed: %v", err)
	}
	if got.Status != "completed" || !got.Corrupted || !got.EndTime.Equal(job.EndTime) {
		t.Fatalf("GetJob() after update = %+v", got)
	}

	if _, err := s.GetJob("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListJobsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := s.SaveJob(&Job{ID: id, Type: "restore", BackupName: "x", Status: "running", StartTime: base.Add(time.Duration(i) * time.Hour)}); err != nil {
			t.Fatalf("SaveJob() failed: %v", err)
		}
	}
	jobs, err := s.ListJobs(2)
	if err != nil {
		t.Fatalf("ListJobs() failed: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "c" || jobs[1].ID != "b" {
		t.Fatalf("ListJobs() = %+v", jobs)
	}
}

func TestSaveFragmentUpserts(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if err := s.SaveJob(&Job{ID: "job-1", Type: "backup", BackupName: "nightly", Status: "running", StartTime: now}); err != nil {
		t.Fatalf("SaveJob() failed: %v", err)
	}

	rec := &FragmentRecord{JobID: "job-1", AgentID: "agent-1", FragmentID: "frag-2", Status: "RECEIVING", Attempts: 1, UpdatedAt: now}
	if err := s.SaveFragment(rec); err != nil {
		t.Fatalf("SaveFragment() failed: %v", err)
	}
	if err := s.SaveFragment(&FragmentRecord{JobID: "job-1", AgentID: "agent-1", FragmentID: "frag-1", Status: "PENDING", UpdatedAt: now}); err != nil {
		t.Fatalf("SaveFragment() failed: %v", err)
	}
	rec.Status = "SUCCEEDED"
	rec.BytesSent = 4096
	if err := s.SaveFragment(rec); err != nil {
		t.Fatalf("SaveFragment() update failed: %v", err)
	}

	recs, err := s.ListFragments("job-1")
	if err != nil {
		t.Fatalf("ListFragments() failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("ListFragments() = %d records, want 2", len(recs))
	}
	if recs[0].FragmentID != "frag-1" || recs[1].FragmentID != "frag-2" {
		t.Fatalf("ListFragments() order = %s, %s", recs[0].FragmentID, recs[1].FragmentID)
	}
	if recs[1].Status != "SUCCEEDED" || recs[1].Attempts != 1 || recs[1].BytesSent != 4096 {
		t.Fatalf("updated record = %+v", recs[1])
	}
}
