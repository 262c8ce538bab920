// Package orchestrator serves the data channels agents open to back up
// fragments to, and restore fragments from, the running jobs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/sheerbytes/backhaul/internal/job"
	"github.com/sheerbytes/backhaul/internal/session"
	"github.com/sheerbytes/backhaul/internal/storage"
	"github.com/sheerbytes/backhaul/internal/transfer"
	"github.com/sheerbytes/backhaul/pkg/protocol"
)

// ErrNoRunningJob indicates a data channel opened while no job of its
// direction is running.
var ErrNoRunningJob = errors.New("no running job for data channel")

// RejectReason is sent to agents whose data channel is not expected.
const RejectReason = "aborted"

// DataChannel is a bidirectional data channel as the service uses it.
type DataChannel interface {
	transfer.Outbound
	transfer.Acknowledger
	transfer.Inbound
	transfer.Responder
}

// Config configures a DataService.
type Config struct {
	Jobs     *job.Executor
	Sessions *session.Store
	// RestoreChunkSize is the content frame size for restores.
	RestoreChunkSize int
	PollInterval     time.Duration
	AckTimeout       time.Duration
	Clock            clock.Clock
	Logger           *zap.Logger
}

// DataService handles backup and restore data channels.
type DataService struct {
	cfg    Config
	logger *zap.Logger
}

// NewDataService creates a DataService.
func NewDataService(cfg Config) *DataService {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewStore(24*time.Hour, cfg.Clock)
	}
	return &DataService{cfg: cfg, logger: logger}
}

// Backup receives one fragment from ch into the running backup job. The
// channel is acknowledged on success and rejected with the failure
// otherwise.
func (s *DataService) Backup(ctx context.Context, ch DataChannel, transport string) error {
	stream := s.cfg.Sessions.Open(session.Backup, transport)
	defer s.cfg.Sessions.Close(stream.ID)
	logger := s.logger.With(zap.String("stream_id", stream.ID), zap.String("direction", "backup"))

	j, ok := s.cfg.Jobs.Running(job.Backup)
	if !ok {
		var meta *protocol.Metadata
		if env, err := ch.Recv(ctx); err == nil && env.Type == protocol.TypeMetadata {
			meta = env.Metadata
		}
		return s.unexpected(logger, ch, meta, "backup")
	}

	bind := func(meta *protocol.Metadata) error {
		_, err := s.cfg.Sessions.Bind(stream.ID, meta.AgentID, meta.Fragment.FragmentID)
		return err
	}
	asm := transfer.NewAssembler(newFragmentDestination(j, bind), transfer.AssemblerConfig{
		Tracker: j,
		Logger:  logger,
	})

	if err := asm.Run(ctx, ch); err != nil {
		if !errors.Is(err, transfer.ErrAborted) {
			ch.Reject(err.Error())
		}
		return err
	}
	if meta := asm.Metadata(); meta != nil {
		j.RecordBytes(meta.AgentID, meta.Fragment.FragmentID, asm.Received())
	}
	if err := ch.Ack(); err != nil {
		logger.Debug("acknowledge backup stream", zap.Error(err))
	}
	return nil
}

// Restore serves one fragment of the running restore job. The agent's
// first envelope names the fragment it wants.
func (s *DataService) Restore(ctx context.Context, ch DataChannel, transport string) error {
	stream := s.cfg.Sessions.Open(session.Restore, transport)
	defer s.cfg.Sessions.Close(stream.ID)
	logger := s.logger.With(zap.String("stream_id", stream.ID), zap.String("direction", "restore"))

	env, err := ch.Recv(ctx)
	if errors.Is(err, io.EOF) {
		err = transfer.NewProtocolError("restore request", errors.New("stream ended before metadata"))
	}
	if err != nil {
		if !errors.Is(err, transfer.ErrAborted) {
			ch.Reject(err.Error())
		}
		return err
	}
	if env.Type != protocol.TypeMetadata {
		err := transfer.NewProtocolError("restore request", fmt.Errorf("expected metadata, got %s", env.Type))
		ch.Reject(err.Error())
		return err
	}
	meta := env.Metadata

	j, ok := s.cfg.Jobs.Running(job.Restore)
	if !ok {
		return s.unexpected(logger, ch, meta, "restore")
	}

	if err := s.restore(ctx, ch, stream, j, meta, logger); err != nil {
		logger.Warn("restore failed",
			zap.String("agent_id", meta.AgentID),
			zap.String("fragment_id", meta.Fragment.FragmentID),
			zap.Error(err))
		return err
	}
	return nil
}

func (s *DataService) restore(ctx context.Context, ch DataChannel, stream session.Stream, j *job.Job, meta *protocol.Metadata, logger *zap.Logger) error {
	reject := func(err error) error {
		ch.Reject(err.Error())
		return err
	}

	if err := protocol.ValidateMetadata(meta); err != nil {
		return reject(transfer.NewError(transfer.ErrRestoreLocationMissing, "restore request", err))
	}
	if _, err := s.cfg.Sessions.Bind(stream.ID, meta.AgentID, meta.Fragment.FragmentID); err != nil {
		return reject(err)
	}
	folder, err := j.FragmentFolder(meta)
	if err != nil {
		return reject(err)
	}
	store := j.Storage()
	primary, err := locateBackupFile(store, folder, meta.Fragment.FragmentID)
	if err != nil {
		return reject(err)
	}

	flow := transfer.NewFlowStream(ch, transfer.FlowConfig{
		ReadyTimeout: j.DataChannelTimeout(),
		PollInterval: s.cfg.PollInterval,
		AckTimeout:   s.cfg.AckTimeout,
		AwaitAck:     true,
		Clock:        s.cfg.Clock,
		Logger:       logger,
	})
	sender := transfer.NewSender(store, s.cfg.RestoreChunkSize, logger)
	verify := storedChecksumVerifier(store)

	fail := func(err error) error {
		if errors.Is(err, transfer.ErrChecksumValidation) {
			j.MarkBackupAsCorrupted()
		}
		flow.Fail(err)
		return err
	}

	sent, err := sender.SendFile(ctx, flow, protocol.BackupFileFrames, primary, verify)
	j.UpdateAgentChunkSize(meta.AgentID, sent)
	if err != nil {
		return fail(err)
	}

	custom, ok, err := storage.FirstFile(store, folder.CustomMetadata)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fail(transfer.NewError(transfer.ErrFailedToTransfer, "list custom metadata", err))
	}
	if ok {
		if _, err := sender.SendFile(ctx, flow, protocol.CustomMetadataFrames, custom, verify); err != nil {
			return fail(err)
		}
	}

	if err := flow.Complete(ctx); err != nil {
		return fail(err)
	}
	logger.Info("fragment restored",
		zap.String("agent_id", meta.AgentID),
		zap.String("fragment_id", meta.Fragment.FragmentID),
		zap.Int64("bytes", sent))
	return nil
}

// locateBackupFile returns the fragment's primary file: the first regular
// file of its data folder.
func locateBackupFile(store storage.Provider, folder storage.FragmentFolder, fragmentID string) (string, error) {
	for _, p := range []string{folder.FragmentFile, folder.Data} {
		ok, err := store.Exists(p)
		if err != nil {
			return "", transfer.NewError(transfer.ErrFailedToTransfer, "locate "+p, err)
		}
		if !ok {
			return "", transfer.NewError(transfer.ErrRestoreLocationMissing, "locate fragment "+fragmentID,
				fmt.Errorf("restore file does not exist at %s", p))
		}
	}
	primary, ok, err := storage.FirstFile(store, folder.Data)
	if err != nil {
		return "", transfer.NewError(transfer.ErrFailedToTransfer, "list "+folder.Data, err)
	}
	if !ok {
		return "", transfer.NewError(transfer.ErrRestoreLocationMissing, "locate fragment "+fragmentID,
			fmt.Errorf("backup file not found at %s", folder.Data))
	}
	return primary, nil
}

// storedChecksumVerifier compares a file's digest with its .md5 sidecar.
// A file without a sidecar passes.
func storedChecksumVerifier(store storage.Provider) transfer.VerifyFunc {
	return func(path, digest string) error {
		sidecar := storage.ChecksumPath(path)
		ok, err := store.IsFile(sidecar)
		if err != nil {
			return transfer.NewError(transfer.ErrFailedToTransfer, "check "+sidecar, err)
		}
		if !ok {
			return nil
		}
		stored, err := store.ReadFile(sidecar)
		if err != nil {
			return transfer.NewError(transfer.ErrFailedToTransfer, "read "+sidecar, err)
		}
		if !strings.EqualFold(strings.TrimSpace(string(stored)), digest) {
			return transfer.NewError(transfer.ErrChecksumValidation, "verify "+path,
				fmt.Errorf("stored %s, computed %s", strings.TrimSpace(string(stored)), digest))
		}
		return nil
	}
}

func (s *DataService) unexpected(logger *zap.Logger, ch DataChannel, meta *protocol.Metadata, direction string) error {
	for _, j := range s.cfg.Jobs.RunningJobs() {
		j.HandleUnexpectedDataChannel(meta)
	}
	logger.Warn("rejecting unexpected data channel")
	ch.Reject(RejectReason)
	return fmt.Errorf("%s data channel: %w", direction, ErrNoRunningJob)
}
