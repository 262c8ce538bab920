package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/sheerbytes/backhaul/internal/bufpool"
	"github.com/sheerbytes/backhaul/pkg/protocol"
)

// FragmentRequest describes one fragment to send.
type FragmentRequest struct {
	Metadata           protocol.Metadata
	PrimaryPath        string
	CustomMetadataPath string
}

// VerifyFunc inspects a file's computed digest before its checksum frame
// is sent. A non-nil error aborts the file.
type VerifyFunc func(path, digest string) error

// Sender reads files and streams them as filename, content and checksum
// frames.
type Sender struct {
	files  FileOpener
	pool   *bufpool.Pool
	logger *zap.Logger
}

// NewSender creates a sender that reads through files in chunkSize frames.
func NewSender(files FileOpener, chunkSize int, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := NormalizeOptions(Options{ChunkSize: chunkSize})
	return &Sender{
		files:  files,
		pool:   bufpool.For(opts.ChunkSize),
		logger: logger,
	}
}

// ChunkSize returns the content frame size.
func (s *Sender) ChunkSize() int {
	return s.pool.BufSize()
}

// TransferFragment sends a fragment's metadata, primary file and optional
// custom metadata file, then completes the stream. On failure the stream
// is cancelled and the returned error wraps ErrFailedToTransfer.
func (s *Sender) TransferFragment(ctx context.Context, stream *FlowStream, req FragmentRequest) (int64, error) {
	fragmentID := req.Metadata.Fragment.FragmentID
	start := time.Now()
	var sent int64

	fail := func(err error) (int64, error) {
		stream.Fail(err)
		s.logger.Warn("fragment transfer failed",
			zap.String("fragment_id", fragmentID),
			zap.Int64("bytes", sent),
			zap.Error(err))
		return sent, newError(ErrFailedToTransfer, "transfer fragment "+fragmentID, err)
	}

	if err := stream.Send(ctx, protocol.MetadataEnvelope(req.Metadata)); err != nil {
		return fail(fmt.Errorf("send metadata: %w", err))
	}

	n, err := s.SendFile(ctx, stream, protocol.BackupFileFrames, req.PrimaryPath, nil)
	sent += n
	if err != nil {
		return fail(err)
	}

	if req.CustomMetadataPath != "" {
		n, err := s.SendFile(ctx, stream, protocol.CustomMetadataFrames, req.CustomMetadataPath, nil)
		sent += n
		if err != nil {
			return fail(err)
		}
	}

	if err := stream.Complete(ctx); err != nil {
		return fail(err)
	}

	elapsed := time.Since(start)
	s.logger.Info("fragment sent",
		zap.String("fragment_id", fragmentID),
		zap.String("size", humanize.IBytes(uint64(sent))),
		zap.String("rate", rate(sent, elapsed)),
		zap.Duration("elapsed", elapsed))
	return sent, nil
}

// SendFile streams one file with the given frame builder and returns the
// number of content bytes sent. verify, if set, runs before the checksum
// frame. SendFile does not cancel the stream on error.
func (s *Sender) SendFile(ctx context.Context, stream *FlowStream, frames protocol.FrameBuilder, path string, verify VerifyFunc) (int64, error) {
	f, err := s.files.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	name := filepath.Base(path)
	if err := stream.Send(ctx, frames.Filename(name)); err != nil {
		return 0, fmt.Errorf("send filename %s: %w", name, err)
	}

	buf := s.pool.Get()
	defer s.pool.Put(buf)

	digest := NewDigest()
	var total int64
	for {
		n, rerr := io.ReadFull(f, buf)
		if n > 0 {
			digest.Add(buf[:n])
			if err := stream.Send(ctx, frames.Content(buf[:n])); err != nil {
				return total, fmt.Errorf("send content %s: %w", name, err)
			}
			total += int64(n)
		}
		if rerr == io.EOF || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		if rerr != nil {
			return total, fmt.Errorf("read %s: %w", path, rerr)
		}
	}

	sum := digest.Digest()
	if verify != nil {
		if err := verify(path, sum); err != nil {
			return total, err
		}
	}
	if err := stream.Send(ctx, frames.Checksum(sum)); err != nil {
		return total, fmt.Errorf("send checksum %s: %w", name, err)
	}
	s.logger.Debug("file sent",
		zap.String("file", name),
		zap.Stringer("kind", frames.Kind()),
		zap.Int64("bytes", total),
		zap.String("md5", sum))
	return total, nil
}

func rate(n int64, elapsed time.Duration) string {
	if elapsed <= 0 {
		return "n/a"
	}
	return humanize.IBytes(uint64(float64(n)/elapsed.Seconds())) + "/s"
}
