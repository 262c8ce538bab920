// Package channel turns a message-oriented connection into a data channel:
// a bounded send queue whose fill level is the readiness signal, a read
// loop that separates envelopes from END/ACK/ABORT control messages, and
// once-only close handling.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/sheerbytes/backhaul/internal/transfer"
	"github.com/sheerbytes/backhaul/pkg/protocol"
)

const (
	DefaultQueueSize = 16
	DefaultInboxSize = 16
)

// ErrClosed is returned when sending on a closed or cancelled channel.
var ErrClosed = errors.New("channel closed")

// MessageConn carries whole encoded messages. WriteMessage is never called
// concurrently; ReadMessage is called from a single goroutine.
type MessageConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(p []byte) error
	Close() error
}

// Config configures a Channel.
type Config struct {
	// QueueSize is the number of encoded envelopes that may wait for the
	// writer before the channel reports not ready.
	QueueSize int
	// InboxSize is the number of decoded envelopes buffered for Recv.
	InboxSize int
	Logger    *zap.Logger
}

type inboundItem struct {
	env *protocol.Envelope
	err error
}

// Channel is a data channel over a MessageConn.
type Channel struct {
	conn   MessageConn
	logger *zap.Logger

	sendq   chan []byte
	inbox   chan inboundItem
	readyCh chan struct{}
	idleCh  chan struct{}
	ackCh   chan struct{}
	done    chan struct{}

	writeMu sync.Mutex

	mu         sync.Mutex
	sendClosed bool
	pending    int
	cancelled  bool
	peerErr    error
	writeErr   error
	recvErr    error

	ackOnce   sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New starts the channel's writer and reader goroutines.
func New(conn MessageConn, cfg Config) *Channel {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultInboxSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Channel{
		conn:    conn,
		logger:  logger,
		sendq:   make(chan []byte, cfg.QueueSize),
		inbox:   make(chan inboundItem, cfg.InboxSize),
		readyCh: make(chan struct{}, 1),
		idleCh:  make(chan struct{}, 1),
		ackCh:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.wg.Add(2)
	go c.writeLoop()
	go c.readLoop()
	return c
}

// IsReady reports whether the send queue has room.
func (c *Channel) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendClosed || c.cancelled || c.writeErr != nil {
		// Send fails fast instead of waiting out the timeout.
		return true
	}
	return len(c.sendq) < cap(c.sendq)
}

func (c *Channel) Ready() <-chan struct{} {
	return c.readyCh
}

// Send encodes env and queues it for the writer. Once the peer aborted,
// Send returns its *transfer.AbortError.
func (c *Channel) Send(env *protocol.Envelope) error {
	b, err := protocol.EncodeMessage(protocol.Message{Type: protocol.MsgEnvelope, Envelope: env})
	if err != nil {
		return err
	}
	return c.enqueue(b)
}

// CloseSend queues END behind any pending envelopes.
func (c *Channel) CloseSend() error {
	b, _ := protocol.EncodeMessage(protocol.Message{Type: protocol.MsgEnd})
	if err := c.enqueue(b); err != nil {
		return err
	}
	c.mu.Lock()
	c.sendClosed = true
	c.mu.Unlock()
	return nil
}

func (c *Channel) enqueue(b []byte) error {
	c.mu.Lock()
	switch {
	case c.peerErr != nil:
		err := c.peerErr
		c.mu.Unlock()
		return err
	case c.cancelled:
		c.mu.Unlock()
		return ErrClosed
	case c.writeErr != nil:
		err := c.writeErr
		c.mu.Unlock()
		return err
	case c.sendClosed:
		c.mu.Unlock()
		return fmt.Errorf("send after close: %w", ErrClosed)
	}
	c.pending++
	c.mu.Unlock()

	select {
	case c.sendq <- b:
		return nil
	case <-c.done:
		c.mu.Lock()
		c.pending--
		c.mu.Unlock()
		return ErrClosed
	}
}

// Cancel drops queued envelopes, sends ABORT with the cause and closes the
// connection.
func (c *Channel) Cancel(cause error) {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	c.mu.Unlock()

	reason := "cancelled"
	if cause != nil {
		reason = cause.Error()
	}
	c.writeControl(protocol.Message{Type: protocol.MsgAbort, Reason: reason})
	c.Close()
}

func (c *Channel) Acknowledged() <-chan struct{} {
	return c.ackCh
}

func (c *Channel) PeerErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerErr
}

// Recv returns the next inbound envelope, io.EOF after the peer's END, or
// a *transfer.AbortError if the peer aborted. Errors are sticky.
func (c *Channel) Recv(ctx context.Context) (*protocol.Envelope, error) {
	c.mu.Lock()
	if c.recvErr != nil {
		err := c.recvErr
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	select {
	case item := <-c.inbox:
		if item.err != nil {
			c.mu.Lock()
			c.recvErr = item.err
			c.mu.Unlock()
			return nil, item.err
		}
		return item.env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ack tells the peer its stream was processed.
func (c *Channel) Ack() error {
	return c.writeControl(protocol.Message{Type: protocol.MsgAck})
}

// Reject sends ABORT with reason and closes the connection.
func (c *Channel) Reject(reason string) error {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
	err := c.writeControl(protocol.Message{Type: protocol.MsgAbort, Reason: reason})
	c.Close()
	return err
}

// Drain waits until every queued message has been written.
func (c *Channel) Drain(ctx context.Context) error {
	for {
		c.mu.Lock()
		pending, err := c.pending, c.writeErr
		c.mu.Unlock()
		if err != nil {
			return err
		}
		if pending == 0 {
			return nil
		}
		select {
		case <-c.idleCh:
		case <-c.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Done is closed once the channel is closed.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection and waits for the channel's goroutines.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
		c.signalAck()
	})
	c.wg.Wait()
	return err
}

func (c *Channel) writeControl(m protocol.Message) error {
	b, err := protocol.EncodeMessage(m)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(b)
}

func (c *Channel) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case b := <-c.sendq:
			c.mu.Lock()
			skip := c.cancelled
			c.mu.Unlock()
			if !skip {
				c.writeMu.Lock()
				err := c.conn.WriteMessage(b)
				c.writeMu.Unlock()
				if err != nil {
					c.logger.Debug("data channel write error", zap.Error(err))
					c.mu.Lock()
					c.writeErr = fmt.Errorf("write: %w", err)
					c.mu.Unlock()
				}
			}
			c.mu.Lock()
			c.pending--
			c.mu.Unlock()
			notify(c.readyCh)
			notify(c.idleCh)
		case <-c.done:
			return
		}
	}
}

func (c *Channel) readLoop() {
	defer c.wg.Done()
	for {
		b, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug("data channel read error", zap.Error(err))
			}
			c.deliver(inboundItem{err: fmt.Errorf("read: %w", io.ErrUnexpectedEOF)})
			c.signalAck()
			return
		}
		msg, err := protocol.DecodeMessage(b)
		if err != nil {
			c.deliver(inboundItem{err: transfer.NewProtocolError("decode message", err)})
			continue
		}
		switch msg.Type {
		case protocol.MsgEnvelope:
			c.deliver(inboundItem{env: msg.Envelope})
		case protocol.MsgEnd:
			c.deliver(inboundItem{err: io.EOF})
		case protocol.MsgAck:
			c.signalAck()
		case protocol.MsgAbort:
			abortErr := &transfer.AbortError{Reason: msg.Reason}
			c.mu.Lock()
			if c.peerErr == nil {
				c.peerErr = abortErr
			}
			c.mu.Unlock()
			c.deliver(inboundItem{err: abortErr})
			c.signalAck()
		}
	}
}

func (c *Channel) deliver(item inboundItem) {
	select {
	case c.inbox <- item:
	case <-c.done:
	}
}

func (c *Channel) signalAck() {
	c.ackOnce.Do(func() { close(c.ackCh) })
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

var (
	_ transfer.Outbound     = (*Channel)(nil)
	_ transfer.Acknowledger = (*Channel)(nil)
	_ transfer.Inbound      = (*Channel)(nil)
	_ transfer.Responder    = (*Channel)(nil)
)
