package transfer

import "time"

const (
	// DefaultBackupChunkSize is the content frame size for agent to
	// orchestrator transfers.
	DefaultBackupChunkSize = 512 * 1024
	// DefaultRestoreChunkSize is the content frame size for orchestrator to
	// agent transfers.
	DefaultRestoreChunkSize = 512 * 1024
	// MaxChunkSize keeps an encoded content frame under the transport's
	// frame limit.
	MaxChunkSize = 8 * 1024 * 1024

	DefaultReadyTimeout = 30 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
	DefaultAckTimeout   = 3 * time.Second
)

// Options are the data channel settings for one transfer direction.
type Options struct {
	ChunkSize    int
	ReadyTimeout time.Duration
	PollInterval time.Duration
	AckTimeout   time.Duration
}

// NormalizeOptions applies defaults and clamps options.
func NormalizeOptions(o Options) Options {
	out := o
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultBackupChunkSize
	}
	if out.ChunkSize > MaxChunkSize {
		out.ChunkSize = MaxChunkSize
	}
	if out.ReadyTimeout <= 0 {
		out.ReadyTimeout = DefaultReadyTimeout
	}
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultPollInterval
	}
	if out.PollInterval > out.ReadyTimeout {
		out.PollInterval = out.ReadyTimeout
	}
	if out.AckTimeout <= 0 {
		out.AckTimeout = DefaultAckTimeout
	}
	return out
}
