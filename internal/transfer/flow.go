package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/sheerbytes/backhaul/pkg/protocol"
)

// FlowConfig configures a FlowStream.
type FlowConfig struct {
	ReadyTimeout time.Duration
	PollInterval time.Duration
	AckTimeout   time.Duration
	// AwaitAck makes Complete wait up to AckTimeout for the peer's closing
	// acknowledgment. Set for the backup direction.
	AwaitAck bool
	Clock    clock.Clock
	Logger   *zap.Logger
}

// FlowStream sends envelopes only when the transport is ready, failing
// with ErrDataChannelTimeout when it stays busy for ReadyTimeout.
type FlowStream struct {
	out    Outbound
	cfg    FlowConfig
	clock  clock.Clock
	logger *zap.Logger
}

// NewFlowStream wraps out. Zero durations take the package defaults.
func NewFlowStream(out Outbound, cfg FlowConfig) *FlowStream {
	opts := NormalizeOptions(Options{
		ReadyTimeout: cfg.ReadyTimeout,
		PollInterval: cfg.PollInterval,
		AckTimeout:   cfg.AckTimeout,
	})
	cfg.ReadyTimeout = opts.ReadyTimeout
	cfg.PollInterval = opts.PollInterval
	cfg.AckTimeout = opts.AckTimeout

	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FlowStream{out: out, cfg: cfg, clock: clk, logger: logger}
}

// Send transmits env once the transport is ready.
func (s *FlowStream) Send(ctx context.Context, env *protocol.Envelope) error {
	if !s.out.IsReady() {
		if err := s.waitReady(ctx); err != nil {
			return err
		}
	}
	return s.out.Send(env)
}

// waitReady blocks until the transport reports ready, re-checking on every
// readiness notification and every poll interval.
func (s *FlowStream) waitReady(ctx context.Context) error {
	started := s.clock.Now()
	deadline := s.clock.NewTimer(s.cfg.ReadyTimeout)
	defer deadline.Stop()
	poll := s.clock.NewTimer(s.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-s.out.Ready():
		case <-poll.Chan():
			poll.Reset(s.cfg.PollInterval)
		case <-deadline.Chan():
			return newError(ErrDataChannelTimeout, "send",
				fmt.Errorf("transport not ready after %s", s.clock.Now().Sub(started)))
		case <-ctx.Done():
			return ctx.Err()
		}
		if s.out.IsReady() {
			return nil
		}
	}
}

// Complete half-closes the send side. With AwaitAck it then waits up to
// AckTimeout for the peer. A missing acknowledgment is not an error; an
// abort from the peer is returned.
func (s *FlowStream) Complete(ctx context.Context) error {
	if err := s.out.CloseSend(); err != nil {
		return fmt.Errorf("close send: %w", err)
	}
	if !s.cfg.AwaitAck {
		return nil
	}
	ack, ok := s.out.(Acknowledger)
	if !ok {
		return nil
	}

	timer := s.clock.NewTimer(s.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case <-ack.Acknowledged():
		return ack.PeerErr()
	case <-timer.Chan():
		s.logger.Debug("no closing acknowledgment from peer", zap.Duration("waited", s.cfg.AckTimeout))
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Fail cancels the transport with cause.
func (s *FlowStream) Fail(cause error) {
	s.out.Cancel(cause)
}
