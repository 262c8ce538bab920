package job

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrJobRunning indicates a job of the same type is already running.
	ErrJobRunning = errors.New("job already running")
	// ErrUnknownJob indicates the job id is not running.
	ErrUnknownJob = errors.New("unknown job")
)

// Executor holds the running jobs, at most one of each type.
type Executor struct {
	mu     sync.RWMutex
	jobs   map[Type]*Job
	logger *zap.Logger
}

// NewExecutor creates an empty executor.
func NewExecutor(logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{jobs: make(map[Type]*Job), logger: logger}
}

// Start registers j as running.
func (e *Executor) Start(j *Job) error {
	e.mu.Lock()
	if running, ok := e.jobs[j.typ]; ok {
		e.mu.Unlock()
		return fmt.Errorf("%s job %s for %s: %w", running.typ, running.id, running.BackupName(), ErrJobRunning)
	}
	e.jobs[j.typ] = j
	e.mu.Unlock()

	e.logger.Info("job started",
		zap.String("job_id", j.id),
		zap.String("job_type", string(j.typ)),
		zap.String("backup", j.BackupName()))
	j.persistJob()
	return nil
}

// Running returns the running job of the given type.
func (e *Executor) Running(typ Type) (*Job, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	j, ok := e.jobs[typ]
	return j, ok
}

// RunningJobs returns all running jobs.
func (e *Executor) RunningJobs() []*Job {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Job, 0, len(e.jobs))
	for _, typ := range []Type{Backup, Restore} {
		if j, ok := e.jobs[typ]; ok {
			out = append(out, j)
		}
	}
	return out
}

// Finish settles a running job and removes it. It returns the final
// status.
func (e *Executor) Finish(id string) (string, error) {
	e.mu.Lock()
	var found *Job
	for typ, j := range e.jobs {
		if j.id == id {
			found = j
			delete(e.jobs, typ)
			break
		}
	}
	e.mu.Unlock()

	if found == nil {
		return "", fmt.Errorf("finish %s: %w", id, ErrUnknownJob)
	}
	return found.finish(), nil
}
