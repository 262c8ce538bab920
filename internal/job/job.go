// Package job holds the orchestrator's running backup and restore jobs and
// the per-fragment bookkeeping data channels report to.
package job

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/sheerbytes/backhaul/internal/storage"
	"github.com/sheerbytes/backhaul/internal/store"
	"github.com/sheerbytes/backhaul/pkg/protocol"
)

// ErrUnauthorizedDataChannel indicates a data channel whose metadata names
// a backup other than the job's.
var ErrUnauthorizedDataChannel = errors.New("data channel does not belong to job")

// ErrFragmentSucceeded indicates a new attempt for a fragment that is
// already stored.
var ErrFragmentSucceeded = errors.New("fragment already succeeded")

// Type is the kind of job.
type Type string

const (
	Backup  Type = "backup"
	Restore Type = "restore"
)

// Status is the progress of one fragment.
type Status string

const (
	Pending   Status = "PENDING"
	Receiving Status = "RECEIVING"
	Succeeded Status = "SUCCEEDED"
	Failed    Status = "FAILED"
)

// Job status values as persisted.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Fragment is a snapshot of one fragment record.
type Fragment struct {
	AgentID    string
	FragmentID string
	Status     Status
	Attempts   int
	BytesSent  int64
	UpdatedAt  time.Time
}

// Recorder persists job state. *store.Store implements it.
type Recorder interface {
	SaveJob(job *store.Job) error
	SaveFragment(rec *store.FragmentRecord) error
}

// Config configures a Job.
type Config struct {
	BackupName string
	// Layout places fragments below the backup location.
	Layout  storage.Layout
	Storage storage.Provider
	// DataChannelTimeout bounds readiness waits on this job's streams.
	DataChannelTimeout time.Duration
	// Recorder may be nil.
	Recorder Recorder
	Clock    clock.Clock
	Logger   *zap.Logger
}

type fragmentKey struct {
	agentID    string
	fragmentID string
}

// Job is a running backup or restore. It is safe for concurrent use by
// many data channels.
type Job struct {
	id      string
	typ     Type
	cfg     Config
	clock   clock.Clock
	logger  *zap.Logger
	started time.Time

	mu         sync.Mutex
	fragments  map[fragmentKey]*Fragment
	agentBytes map[string]int64
	corrupted  bool
	status     string
	ended      time.Time
}

// NewBackupJob creates a job receiving fragments for cfg.BackupName.
func NewBackupJob(cfg Config) *Job {
	return newJob(Backup, cfg)
}

// NewRestoreJob creates a job serving fragments of cfg.BackupName.
func NewRestoreJob(cfg Config) *Job {
	return newJob(Restore, cfg)
}

func newJob(typ Type, cfg Config) *Job {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &Job{
		id:         id,
		typ:        typ,
		cfg:        cfg,
		clock:      clk,
		logger:     logger.With(zap.String("job_id", id), zap.String("job_type", string(typ))),
		started:    clk.Now(),
		fragments:  make(map[fragmentKey]*Fragment),
		agentBytes: make(map[string]int64),
		status:     StatusRunning,
	}
}

func (j *Job) ID() string                        { return j.id }
func (j *Job) Type() Type                        { return j.typ }
func (j *Job) BackupName() string                { return j.cfg.BackupName }
func (j *Job) Storage() storage.Provider         { return j.cfg.Storage }
func (j *Job) DataChannelTimeout() time.Duration { return j.cfg.DataChannelTimeout }

// FragmentFolder returns where meta's fragment is stored. Metadata for a
// different backup is refused with ErrUnauthorizedDataChannel.
func (j *Job) FragmentFolder(meta *protocol.Metadata) (storage.FragmentFolder, error) {
	if meta.BackupName != j.cfg.BackupName {
		return storage.FragmentFolder{}, fmt.Errorf("%w: backup %q, channel for %q from agent %s",
			ErrUnauthorizedDataChannel, j.cfg.BackupName, meta.BackupName, meta.AgentID)
	}
	return j.cfg.Layout.FragmentFolder(j.cfg.Storage, meta), nil
}

// ReceiveNewFragment marks a fragment as being transferred and counts the
// attempt. A fragment that already succeeded is refused with
// ErrFragmentSucceeded and left untouched.
func (j *Job) ReceiveNewFragment(agentID, fragmentID string) error {
	j.mu.Lock()
	rec := j.fragment(agentID, fragmentID)
	if rec.Status == Succeeded {
		j.mu.Unlock()
		j.logger.Warn("refusing stream for stored fragment",
			zap.String("agent_id", agentID),
			zap.String("fragment_id", fragmentID))
		return fmt.Errorf("%s/%s: %w", agentID, fragmentID, ErrFragmentSucceeded)
	}
	rec.Status = Receiving
	rec.Attempts++
	rec.UpdatedAt = j.clock.Now()
	snap := *rec
	j.mu.Unlock()

	j.logger.Info("receiving fragment",
		zap.String("agent_id", agentID),
		zap.String("fragment_id", fragmentID),
		zap.Int("attempt", snap.Attempts))
	j.persistFragment(snap)
	return nil
}

// FragmentSucceeded records a completed transfer. Only a fragment that is
// being received can succeed.
func (j *Job) FragmentSucceeded(agentID, fragmentID string) {
	j.transition(agentID, fragmentID, Succeeded)
}

// FragmentFailed records a failed transfer. It is ignored for a fragment
// that already succeeded.
func (j *Job) FragmentFailed(agentID, fragmentID string) {
	j.transition(agentID, fragmentID, Failed)
}

func (j *Job) transition(agentID, fragmentID string, to Status) {
	j.mu.Lock()
	rec := j.fragment(agentID, fragmentID)
	from := rec.Status
	allowed := from == Receiving || (to == Failed && from == Pending)
	if allowed {
		rec.Status = to
		rec.UpdatedAt = j.clock.Now()
	}
	snap := *rec
	j.mu.Unlock()

	if !allowed {
		j.logger.Debug("ignoring fragment transition",
			zap.String("agent_id", agentID),
			zap.String("fragment_id", fragmentID),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return
	}
	if to == Failed {
		j.logger.Warn("fragment failed", zap.String("agent_id", agentID), zap.String("fragment_id", fragmentID))
	} else {
		j.logger.Info("fragment succeeded", zap.String("agent_id", agentID), zap.String("fragment_id", fragmentID))
	}
	j.persistFragment(snap)
}

// MarkBackupAsCorrupted flags the backup after a stored checksum did not
// match its data during restore.
func (j *Job) MarkBackupAsCorrupted() {
	j.mu.Lock()
	already := j.corrupted
	j.corrupted = true
	j.mu.Unlock()
	if !already {
		j.logger.Error("backup marked as corrupted", zap.String("backup", j.cfg.BackupName))
		j.persistJob()
	}
}

// Corrupted reports whether MarkBackupAsCorrupted was called.
func (j *Job) Corrupted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.corrupted
}

// UpdateAgentChunkSize adds bytes sent to an agent.
func (j *Job) UpdateAgentChunkSize(agentID string, bytesSent int64) {
	j.mu.Lock()
	j.agentBytes[agentID] += bytesSent
	j.mu.Unlock()
}

// AgentBytes returns the bytes sent to an agent so far.
func (j *Job) AgentBytes(agentID string) int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.agentBytes[agentID]
}

// RecordBytes stores the content size of a fragment transfer.
func (j *Job) RecordBytes(agentID, fragmentID string, n int64) {
	j.mu.Lock()
	rec := j.fragment(agentID, fragmentID)
	rec.BytesSent = n
	snap := *rec
	j.mu.Unlock()
	j.persistFragment(snap)
}

// Fragment returns the record of one fragment.
func (j *Job) Fragment(agentID, fragmentID string) (Fragment, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.fragments[fragmentKey{agentID, fragmentID}]
	if !ok {
		return Fragment{}, false
	}
	return *rec, true
}

// Fragments returns all fragment records ordered by agent and fragment id.
func (j *Job) Fragments() []Fragment {
	j.mu.Lock()
	out := make([]Fragment, 0, len(j.fragments))
	for _, rec := range j.fragments {
		out = append(out, *rec)
	}
	j.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].AgentID != out[b].AgentID {
			return out[a].AgentID < out[b].AgentID
		}
		return out[a].FragmentID < out[b].FragmentID
	})
	return out
}

// HandleUnexpectedDataChannel logs a data channel that opened in a
// direction this job does not serve.
func (j *Job) HandleUnexpectedDataChannel(meta *protocol.Metadata) {
	fields := []zap.Field{zap.String("backup", j.cfg.BackupName)}
	if meta != nil {
		fields = append(fields, zap.String("agent_id", meta.AgentID), zap.String("fragment_id", meta.Fragment.FragmentID))
	}
	j.logger.Info("unexpected data channel for job", fields...)
}

// Status returns the job status.
func (j *Job) Status() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// finish settles the job status from its fragments. A job with a failed
// or unfinished fragment, or a corrupted backup, fails.
func (j *Job) finish() string {
	j.mu.Lock()
	status := StatusCompleted
	if j.corrupted {
		status = StatusFailed
	}
	for _, rec := range j.fragments {
		if rec.Status != Succeeded {
			status = StatusFailed
		}
	}
	j.status = status
	j.ended = j.clock.Now()
	j.mu.Unlock()

	j.logger.Info("job finished", zap.String("status", status))
	j.persistJob()
	return status
}

// fragment returns the record for a fragment, creating it. Callers hold mu.
func (j *Job) fragment(agentID, fragmentID string) *Fragment {
	key := fragmentKey{agentID, fragmentID}
	rec, ok := j.fragments[key]
	if !ok {
		rec = &Fragment{AgentID: agentID, FragmentID: fragmentID, Status: Pending}
		j.fragments[key] = rec
	}
	return rec
}

func (j *Job) record() *store.Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	return &store.Job{
		ID:         j.id,
		Type:       string(j.typ),
		BackupName: j.cfg.BackupName,
		Status:     j.status,
		Corrupted:  j.corrupted,
		StartTime:  j.started,
		EndTime:    j.ended,
	}
}

func (j *Job) persistJob() {
	if j.cfg.Recorder == nil {
		return
	}
	if err := j.cfg.Recorder.SaveJob(j.record()); err != nil {
		j.logger.Warn("persist job", zap.Error(err))
	}
}

func (j *Job) persistFragment(f Fragment) {
	if j.cfg.Recorder == nil {
		return
	}
	rec := &store.FragmentRecord{
		JobID:      j.id,
		AgentID:    f.AgentID,
		FragmentID: f.FragmentID,
		Status:     string(f.Status),
		Attempts:   f.Attempts,
		BytesSent:  f.BytesSent,
		UpdatedAt:  f.UpdatedAt,
	}
	if err := j.cfg.Recorder.SaveFragment(rec); err != nil {
		j.logger.Warn("persist fragment", zap.String("fragment_id", f.FragmentID), zap.Error(err))
	}
}
