package transfer

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/sheerbytes/backhaul/pkg/protocol"
)

// MockPipe is an in-memory data channel for tests. Its send side
// implements Outbound and Acknowledger; its receive side implements
// Inbound and Responder.
type MockPipe struct {
	mu       sync.Mutex
	queue    []*protocol.Envelope
	sent     []*protocol.Envelope
	limit    int
	blocked  bool
	closed   bool
	cause    error
	peerErr  error
	acked    bool
	readyCh  chan struct{}
	dataCh   chan struct{}
	ackCh    chan struct{}
	ackClose sync.Once
}

// NewMockPipe creates a pipe that reports not ready while limit envelopes
// are queued. A limit of 0 never applies backpressure.
func NewMockPipe(limit int) *MockPipe {
	return &MockPipe{
		limit:   limit,
		readyCh: make(chan struct{}, 1),
		dataCh:  make(chan struct{}, 1),
		ackCh:   make(chan struct{}),
	}
}

// SetBlocked forces IsReady to report false until unblocked.
func (p *MockPipe) SetBlocked(blocked bool) {
	p.mu.Lock()
	p.blocked = blocked
	p.mu.Unlock()
	if !blocked {
		notify(p.readyCh)
	}
}

// Sent returns copies of every envelope transmitted so far.
func (p *MockPipe) Sent() []*protocol.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*protocol.Envelope(nil), p.sent...)
}

// Cause returns the error the sender cancelled with, if any.
func (p *MockPipe) Cause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cause
}

// SendClosed reports whether the sender half-closed.
func (p *MockPipe) SendClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *MockPipe) IsReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readyLocked()
}

func (p *MockPipe) readyLocked() bool {
	if p.blocked {
		return false
	}
	return p.limit == 0 || len(p.queue) < p.limit
}

func (p *MockPipe) Ready() <-chan struct{} {
	return p.readyCh
}

func (p *MockPipe) Send(env *protocol.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cause != nil {
		return io.ErrClosedPipe
	}
	if p.closed {
		return errors.New("send after close")
	}
	c := copyEnvelope(env)
	p.queue = append(p.queue, c)
	p.sent = append(p.sent, c)
	notify(p.dataCh)
	return nil
}

func (p *MockPipe) CloseSend() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	notify(p.dataCh)
	return nil
}

func (p *MockPipe) Cancel(cause error) {
	p.mu.Lock()
	if p.cause == nil {
		if cause == nil {
			cause = ErrAborted
		}
		p.cause = cause
	}
	p.mu.Unlock()
	notify(p.dataCh)
	p.ackClose.Do(func() { close(p.ackCh) })
}

func (p *MockPipe) Acknowledged() <-chan struct{} {
	return p.ackCh
}

func (p *MockPipe) PeerErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerErr
}

// Acked reports whether the receive side acknowledged.
func (p *MockPipe) Acked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acked
}

func (p *MockPipe) Recv(ctx context.Context) (*protocol.Envelope, error) {
	for {
		p.mu.Lock()
		if p.cause != nil {
			cause := p.cause
			p.mu.Unlock()
			return nil, &AbortError{Reason: cause.Error()}
		}
		if len(p.queue) > 0 {
			env := p.queue[0]
			p.queue = p.queue[1:]
			ready := p.readyLocked()
			p.mu.Unlock()
			if ready {
				notify(p.readyCh)
			}
			return env, nil
		}
		if p.closed {
			p.mu.Unlock()
			return nil, io.EOF
		}
		p.mu.Unlock()

		select {
		case <-p.dataCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *MockPipe) Ack() error {
	p.mu.Lock()
	p.acked = true
	p.mu.Unlock()
	p.ackClose.Do(func() { close(p.ackCh) })
	return nil
}

func (p *MockPipe) Reject(reason string) error {
	p.mu.Lock()
	if p.peerErr == nil {
		p.peerErr = &AbortError{Reason: reason}
	}
	p.mu.Unlock()
	p.ackClose.Do(func() { close(p.ackCh) })
	return nil
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func copyEnvelope(env *protocol.Envelope) *protocol.Envelope {
	c := &protocol.Envelope{Type: env.Type}
	if env.Metadata != nil {
		m := *env.Metadata
		c.Metadata = &m
	}
	if env.Chunk != nil {
		ch := *env.Chunk
		if env.Chunk.Content != nil {
			ch.Content = append([]byte{}, env.Chunk.Content...)
		}
		c.Chunk = &ch
	}
	return c
}

var (
	_ Outbound     = (*MockPipe)(nil)
	_ Acknowledger = (*MockPipe)(nil)
	_ Inbound      = (*MockPipe)(nil)
	_ Responder    = (*MockPipe)(nil)
)
