package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sheerbytes/backhaul/internal/channel"
	"github.com/sheerbytes/backhaul/internal/session"
	"github.com/sheerbytes/backhaul/internal/storage"
	"github.com/sheerbytes/backhaul/internal/transfer"
	"github.com/sheerbytes/backhaul/pkg/protocol"
)

// RestoreService downloads fragments from the orchestrator.
type RestoreService struct {
	dialer Dialer
	cfg    Config
	files  *storage.Local
	logger *zap.Logger
}

// NewRestoreService creates a RestoreService.
func NewRestoreService(dialer Dialer, cfg Config) *RestoreService {
	cfg.normalize()
	return &RestoreService{
		dialer: dialer,
		cfg:    cfg,
		files:  storage.NewLocal(),
		logger: cfg.Logger.With(zap.String("agent_id", cfg.AgentID)),
	}
}

// Restore downloads each fragment into its own folder under restoreDir,
// up to Parallel at a time.
func (s *RestoreService) Restore(ctx context.Context, backupName, restoreDir string, fragments []protocol.Fragment) ([]Result, error) {
	results := make([]Result, len(fragments))
	var g errgroup.Group
	g.SetLimit(s.cfg.Parallel)

	for i, f := range fragments {
		i, f := i, f
		g.Go(func() error {
			meta := protocol.Metadata{AgentID: s.cfg.AgentID, BackupName: backupName, Fragment: f}
			n, err := s.Download(ctx, meta, filepath.Join(restoreDir, f.FragmentID))
			results[i] = Result{FragmentID: f.FragmentID, Bytes: n, Err: err}
			return nil
		})
	}
	g.Wait()

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("fragment %s: %w", r.FragmentID, r.Err))
		}
	}
	return results, errors.Join(errs...)
}

// Download requests one fragment and writes its backup file and custom
// metadata file into restoreLocation. Files are only visible once their
// checksum was validated.
func (s *RestoreService) Download(ctx context.Context, meta protocol.Metadata, restoreLocation string) (int64, error) {
	fragmentID := meta.Fragment.FragmentID
	logger := s.logger.With(zap.String("fragment_id", fragmentID))

	conn, err := s.dialer.Dial(ctx, session.Restore)
	if err != nil {
		return 0, transfer.NewError(transfer.ErrFailedToDownload, "open data channel", err)
	}
	ch := channel.New(conn, s.cfg.Channel)
	defer ch.Close()

	request := transfer.NewFlowStream(ch, transfer.FlowConfig{
		ReadyTimeout: s.cfg.Options.ReadyTimeout,
		PollInterval: s.cfg.Options.PollInterval,
		Clock:        s.cfg.Clock,
		Logger:       logger,
	})
	if err := request.Send(ctx, protocol.MetadataEnvelope(meta)); err != nil {
		ch.Cancel(err)
		return 0, transfer.NewError(transfer.ErrFailedToDownload, "request fragment "+fragmentID, err)
	}

	dest := &dirDestination{dir: restoreLocation, files: s.files, logger: logger}
	asm := transfer.NewAssembler(dest, transfer.AssemblerConfig{
		IOKind: transfer.ErrFailedToDownload,
		Logger: logger,
	})
	if err := asm.Begin(&meta); err != nil {
		ch.Reject(err.Error())
		return 0, err
	}
	if err := asm.Run(ctx, ch); err != nil {
		if !errors.Is(err, transfer.ErrAborted) {
			ch.Reject(err.Error())
		}
		return asm.Received(), err
	}
	if err := ch.Ack(); err != nil {
		logger.Debug("ack not delivered", zap.Error(err))
	}

	logger.Info("fragment restored",
		zap.String("location", restoreLocation),
		zap.String("size", humanize.IBytes(uint64(asm.Received()))))
	return asm.Received(), nil
}

// dirDestination writes restored files side by side into one folder.
type dirDestination struct {
	dir    string
	files  *storage.Local
	logger *zap.Logger
}

func (d *dirDestination) Prepare(*protocol.Metadata) error {
	return d.files.MkdirAll(d.dir)
}

func (d *dirDestination) Create(_ protocol.DataMessageType, name string) (transfer.Sink, error) {
	sink, err := d.files.Create(d.files.Join(d.dir, name))
	if err != nil {
		return nil, err
	}
	return sink, nil
}

func (d *dirDestination) Accept(kind protocol.DataMessageType, name, checksum string) error {
	d.logger.Debug("file restored",
		zap.Stringer("kind", kind),
		zap.String("file", name),
		zap.String("checksum", checksum))
	return nil
}
