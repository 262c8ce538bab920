// Package quicstream carries data channels over QUIC, one bidirectional
// stream per fragment. The first byte of each stream names the channel
// kind; after it, messages are length-prefixed frames.
package quicstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/sheerbytes/backhaul/pkg/protocol"
)

// Kind selects the direction of a data channel.
type Kind byte

const (
	KindBackup  Kind = 'B'
	KindRestore Kind = 'R'
)

func (k Kind) String() string {
	switch k {
	case KindBackup:
		return "backup"
	case KindRestore:
		return "restore"
	default:
		return fmt.Sprintf("kind(0x%02x)", byte(k))
	}
}

const prefaceTimeout = 10 * time.Second

// Stream is a QUIC stream that implements channel.MessageConn.
type Stream struct {
	mu     sync.Mutex
	stream *quic.Stream
	reader *protocol.FrameReader
	closed bool
}

func newStream(s *quic.Stream) *Stream {
	return &Stream{stream: s, reader: protocol.NewFrameReader(s)}
}

func (s *Stream) ReadMessage() ([]byte, error) {
	return s.reader.ReadFrame()
}

func (s *Stream) WriteMessage(p []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return io.ErrClosedPipe
	}
	s.mu.Unlock()
	return protocol.WriteFrame(s.stream, p)
}

// Close finishes the send side and stops reading.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stream.CancelRead(0)
	if err := s.stream.Close(); err != nil {
		return fmt.Errorf("failed to close QUIC stream: %w", err)
	}
	return nil
}

// Handler serves one accepted stream. It owns the stream.
type Handler func(ctx context.Context, kind Kind, s *Stream)

// Server accepts QUIC connections and dispatches their streams.
type Server struct {
	ln      *quic.Listener
	handler Handler
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// Listen binds addr. A nil tlsConf uses a self-signed certificate.
func Listen(addr string, tlsConf *tls.Config, handler Handler, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tlsConf == nil {
		var err error
		tlsConf, err = ServerTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("generate certificate: %w", err)
		}
	}
	ln, err := quic.ListenAddr(addr, tlsConf, DefaultQUICConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	logger.Info("QUIC listener created", zap.Stringer("local_addr", ln.Addr()))
	return &Server{ln: ln, handler: handler, logger: logger}, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until ctx is done or the listener is closed,
// then waits for in-flight handlers.
func (s *Server) Serve(ctx context.Context) error {
	defer s.wg.Wait()
	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// Close stops accepting connections.
func (s *Server) Close() error {
	return s.ln.Close()
}

func (s *Server) serveConn(ctx context.Context, conn *quic.Conn) {
	logger := s.logger.With(zap.Stringer("remote_addr", conn.RemoteAddr()))
	for {
		qs, err := conn.AcceptStream(ctx)
		if err != nil {
			logger.Debug("QUIC connection closed", zap.Error(err))
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			kind, err := readPreface(qs)
			if err != nil {
				logger.Warn("invalid stream preface", zap.Error(err))
				qs.CancelRead(0)
				qs.CancelWrite(0)
				return
			}
			s.handler(ctx, kind, newStream(qs))
		}()
	}
}

func readPreface(qs *quic.Stream) (Kind, error) {
	qs.SetReadDeadline(time.Now().Add(prefaceTimeout))
	defer qs.SetReadDeadline(time.Time{})
	var b [1]byte
	if _, err := io.ReadFull(qs, b[:]); err != nil {
		return 0, err
	}
	kind := Kind(b[0])
	if kind != KindBackup && kind != KindRestore {
		return 0, fmt.Errorf("unknown channel %s", kind)
	}
	return kind, nil
}

// Client is an agent's QUIC connection to the orchestrator.
type Client struct {
	conn *quic.Conn
}

// Dial connects to addr. A nil tlsConf accepts self-signed certificates.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config) (*Client, error) {
	if tlsConf == nil {
		tlsConf = ClientTLSConfig()
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, DefaultQUICConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Open starts a data channel of the given kind.
func (c *Client) Open(ctx context.Context, kind Kind) (*Stream, error) {
	qs, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if _, err := qs.Write([]byte{byte(kind)}); err != nil {
		qs.CancelWrite(0)
		return nil, fmt.Errorf("write preface: %w", err)
	}
	return newStream(qs), nil
}

// Close closes the connection and all its streams.
func (c *Client) Close() error {
	return c.conn.CloseWithError(0, "")
}
