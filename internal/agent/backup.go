package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sheerbytes/backhaul/internal/channel"
	"github.com/sheerbytes/backhaul/internal/progress"
	"github.com/sheerbytes/backhaul/internal/session"
	"github.com/sheerbytes/backhaul/internal/storage"
	"github.com/sheerbytes/backhaul/internal/transfer"
	"github.com/sheerbytes/backhaul/pkg/protocol"
)

// DefaultFragmentVersion is sent for fragments without a version.
const DefaultFragmentVersion = "0.0.0"

// Fragment is a local file to back up.
type Fragment struct {
	ID                 string
	Version            string
	Path               string
	CustomMetadataPath string
	CustomInformation  map[string]string
}

// Result is the outcome of one fragment transfer.
type Result struct {
	FragmentID string
	Bytes      int64
	Err        error
}

// Config configures the agent services.
type Config struct {
	AgentID string
	// Options carries the chunk size and flow timeouts. ChunkSize is the
	// backup chunk size.
	Options transfer.Options
	// Parallel bounds concurrent fragment transfers.
	Parallel int
	Channel  channel.Config
	Clock    clock.Clock
	Logger   *zap.Logger
}

func (c *Config) normalize() {
	if c.Parallel < 1 {
		c.Parallel = 1
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Channel.Logger == nil {
		c.Channel.Logger = c.Logger
	}
}

// BackupService sends fragments over one data channel each.
type BackupService struct {
	dialer Dialer
	cfg    Config
	sender *transfer.Sender
	logger *zap.Logger
}

// NewBackupService creates a BackupService.
func NewBackupService(dialer Dialer, cfg Config) *BackupService {
	cfg.normalize()
	return &BackupService{
		dialer: dialer,
		cfg:    cfg,
		sender: transfer.NewSender(storage.NewLocal(), cfg.Options.ChunkSize, cfg.Logger),
		logger: cfg.Logger.With(zap.String("agent_id", cfg.AgentID)),
	}
}

// Backup sends fragments of backupName, up to Parallel at a time. Every
// fragment is attempted; the returned error joins the failures.
func (s *BackupService) Backup(ctx context.Context, backupName string, fragments []Fragment) ([]Result, error) {
	results := make([]Result, len(fragments))
	var g errgroup.Group
	g.SetLimit(s.cfg.Parallel)

	meter := progress.NewMeter(s.cfg.Clock)
	meter.Start(len(fragments), totalSize(fragments))
	start := s.cfg.Clock.Now()
	for i, f := range fragments {
		i, f := i, f
		g.Go(func() error {
			n, err := s.BackupFragment(ctx, backupName, f)
			results[i] = Result{FragmentID: f.ID, Bytes: n, Err: err}
			if err != nil {
				n = 0
			}
			stats := meter.FragmentDone(n)
			s.logger.Debug("backup progress",
				zap.Int("done", stats.FragmentsDone),
				zap.Int("fragments", stats.Fragments),
				zap.String("sent", humanize.IBytes(uint64(stats.BytesDone))),
				zap.String("rate", humanize.IBytes(uint64(stats.RateBps))+"/s"),
				zap.Duration("eta", stats.ETA))
			return nil
		})
	}
	g.Wait()

	var errs []error
	var total int64
	for _, r := range results {
		total += r.Bytes
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("fragment %s: %w", r.FragmentID, r.Err))
		}
	}
	s.logger.Info("backup finished",
		zap.String("backup", backupName),
		zap.Int("fragments", len(fragments)),
		zap.Int("failed", len(errs)),
		zap.String("size", humanize.IBytes(uint64(total))),
		zap.Duration("elapsed", s.cfg.Clock.Now().Sub(start)))
	return results, errors.Join(errs...)
}

func totalSize(fragments []Fragment) int64 {
	var total int64
	for _, f := range fragments {
		for _, path := range []string{f.Path, f.CustomMetadataPath} {
			if path == "" {
				continue
			}
			if info, err := os.Stat(path); err == nil {
				total += info.Size()
			}
		}
	}
	return total
}

// BackupFragment sends one fragment and waits for the orchestrator's
// acknowledgment.
func (s *BackupService) BackupFragment(ctx context.Context, backupName string, f Fragment) (int64, error) {
	info, err := os.Stat(f.Path)
	if err != nil {
		return 0, transfer.NewError(transfer.ErrFailedToTransfer, "stat "+f.Path, err)
	}
	version := f.Version
	if version == "" {
		version = DefaultFragmentVersion
	}
	req := transfer.FragmentRequest{
		Metadata: protocol.Metadata{
			AgentID:    s.cfg.AgentID,
			BackupName: backupName,
			Fragment: protocol.Fragment{
				FragmentID:        f.ID,
				Version:           version,
				SizeInBytes:       strconv.FormatInt(info.Size(), 10),
				CustomInformation: f.CustomInformation,
			},
		},
		PrimaryPath:        f.Path,
		CustomMetadataPath: f.CustomMetadataPath,
	}

	conn, err := s.dialer.Dial(ctx, session.Backup)
	if err != nil {
		return 0, transfer.NewError(transfer.ErrFailedToTransfer, "open data channel", err)
	}
	ch := channel.New(conn, s.cfg.Channel)
	defer ch.Close()

	flow := transfer.NewFlowStream(ch, transfer.FlowConfig{
		ReadyTimeout: s.cfg.Options.ReadyTimeout,
		PollInterval: s.cfg.Options.PollInterval,
		AckTimeout:   s.cfg.Options.AckTimeout,
		AwaitAck:     true,
		Clock:        s.cfg.Clock,
		Logger:       s.logger,
	})
	return s.sender.TransferFragment(ctx, flow, req)
}
