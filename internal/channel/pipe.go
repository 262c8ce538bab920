package channel

import (
	"io"
	"sync"
)

// Pipe returns two channels connected in memory, for tests and
// in-process agents.
func Pipe(cfg Config) (*Channel, *Channel) {
	a, b := newMemConnPair()
	return New(a, cfg), New(b, cfg)
}

// memConn is one end of an in-memory message connection.
type memConn struct {
	in         chan []byte
	out        chan []byte
	closed     chan struct{}
	peerClosed chan struct{}
	once       sync.Once
	gate       chan struct{}
}

func newMemConnPair() (*memConn, *memConn) {
	ab := make(chan []byte, 1024)
	ba := make(chan []byte, 1024)
	a := &memConn{in: ba, out: ab, closed: make(chan struct{})}
	b := &memConn{in: ab, out: ba, closed: make(chan struct{})}
	a.peerClosed = b.closed
	b.peerClosed = a.closed
	return a, b
}

func (c *memConn) ReadMessage() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, io.ErrClosedPipe
	case <-c.peerClosed:
		select {
		case b := <-c.in:
			return b, nil
		default:
			return nil, io.EOF
		}
	}
}

func (c *memConn) WriteMessage(p []byte) error {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-c.closed:
			return io.ErrClosedPipe
		}
	}
	select {
	case c.out <- append([]byte{}, p...):
		return nil
	case <-c.closed:
		return io.ErrClosedPipe
	case <-c.peerClosed:
		return io.ErrClosedPipe
	}
}

func (c *memConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}
