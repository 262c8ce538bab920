package store

import "time"

// Job records a backup or restore job.
type Job struct {
	ID         string
	Type       string // "backup", "restore"
	BackupName string
	Status     string // "running", "completed", "failed"
	Corrupted  bool
	StartTime  time.Time
	EndTime    time.Time
}

// FragmentRecord tracks one fragment of a job.
type FragmentRecord struct {
	JobID      string
	AgentID    string
	FragmentID string
	Status     string // "PENDING", "RECEIVING", "SUCCEEDED", "FAILED"
	Attempts   int
	BytesSent  int64
	UpdatedAt  time.Time
}
