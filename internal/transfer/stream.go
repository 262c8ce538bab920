package transfer

import (
	"context"
	"io"

	"github.com/sheerbytes/backhaul/pkg/protocol"
)

// Outbound is the send side of a data channel.
type Outbound interface {
	// IsReady reports whether the transport can accept another envelope
	// without queueing beyond its limit.
	IsReady() bool

	// Ready returns a channel that receives a value whenever the transport
	// may have become ready. Receivers must re-check IsReady.
	Ready() <-chan struct{}

	// Send transmits one envelope. Implementations must not retain env or
	// its content slice after Send returns.
	Send(env *protocol.Envelope) error

	// CloseSend half-closes the channel. The peer sees io.EOF after the
	// last envelope.
	CloseSend() error

	// Cancel aborts the channel, telling the peer cause. Safe to call more
	// than once.
	Cancel(cause error)
}

// Acknowledger is implemented by outbound channels that can observe the
// peer's closing acknowledgment.
type Acknowledger interface {
	// Acknowledged is closed once the peer acknowledged the half-close,
	// aborted, or the channel went away.
	Acknowledged() <-chan struct{}

	// PeerErr returns the peer's abort, or nil.
	PeerErr() error
}

// Inbound is the receive side of a data channel.
type Inbound interface {
	// Recv returns the next envelope in send order. It returns io.EOF once
	// the peer half-closed, and an *AbortError if the peer cancelled.
	Recv(ctx context.Context) (*protocol.Envelope, error)
}

// Responder answers the sender once the inbound stream was processed.
type Responder interface {
	// Ack acknowledges a clean end of stream.
	Ack() error
	// Reject aborts the channel with a reason.
	Reject(reason string) error
}

// FileOpener opens persisted files for reading.
type FileOpener interface {
	Open(path string) (io.ReadCloser, error)
}

// Sink receives one file's content. Nothing is visible at the destination
// until Commit; Abort discards what was written.
type Sink interface {
	io.Writer
	Commit() error
	Abort() error
}

// Destination is where an Assembler places received files.
type Destination interface {
	// Prepare is called once per fragment before any file frames.
	Prepare(meta *protocol.Metadata) error
	// Create opens a sink for a file of the given payload kind.
	Create(kind protocol.DataMessageType, name string) (Sink, error)
	// Accept is called after a file's sink was committed with the
	// validated checksum.
	Accept(kind protocol.DataMessageType, name, checksum string) error
}

// Admitter is implemented by destinations that decide whether a fragment
// may be received on this stream at all. Admit runs before the tracker
// hears of the fragment, so a refused stream leaves no record behind.
type Admitter interface {
	Admit(meta *protocol.Metadata) error
}

// FragmentTracker is the job-level bookkeeping an Assembler reports to.
// Implementations must be safe for concurrent use by many streams.
type FragmentTracker interface {
	// ReceiveNewFragment starts an attempt. An error refuses the attempt
	// and nothing else is reported for it.
	ReceiveNewFragment(agentID, fragmentID string) error
	FragmentSucceeded(agentID, fragmentID string)
	FragmentFailed(agentID, fragmentID string)
}
