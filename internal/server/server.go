// Package server exposes the orchestrator's data channels over websocket
// and QUIC.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sheerbytes/backhaul/internal/channel"
	"github.com/sheerbytes/backhaul/internal/orchestrator"
	"github.com/sheerbytes/backhaul/internal/quicstream"
	"github.com/sheerbytes/backhaul/internal/session"
	"github.com/sheerbytes/backhaul/internal/wsstream"
)

const (
	BackupPath  = "/v1/data/backup"
	RestorePath = "/v1/data/restore"
	// AgentHeader optionally names the agent on websocket upgrades.
	AgentHeader = "X-Backhaul-Agent"

	transportWS   = "websocket"
	transportQUIC = "quic"

	drainTimeout    = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Config configures a Server.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string
	// QUICAddr enables the QUIC listener when set.
	QUICAddr string
	// MaxStreams caps concurrently open data channels. 0 means no cap.
	MaxStreams int
	// SweepInterval is how often expired stream records are dropped.
	SweepInterval time.Duration
	Channel       channel.Config
	Logger        *zap.Logger
}

// Server routes data channels to a DataService.
type Server struct {
	cfg      Config
	svc      *orchestrator.DataService
	sessions *session.Store
	logger   *zap.Logger
}

// New creates a server. sessions must be the store svc registers streams
// in.
func New(cfg Config, svc *orchestrator.DataService, sessions *session.Store) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.Channel.Logger == nil {
		cfg.Channel.Logger = logger
	}
	return &Server{cfg: cfg, svc: svc, sessions: sessions, logger: logger}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	mux.HandleFunc("/v1/streams", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.sessions.Active()); err != nil {
			s.logger.Error("failed to encode response", zap.Error(err))
		}
	})
	mux.HandleFunc(BackupPath, func(w http.ResponseWriter, r *http.Request) {
		s.handleWebSocket(w, r, session.Backup)
	})
	mux.HandleFunc(RestorePath, func(w http.ResponseWriter, r *http.Request) {
		s.handleWebSocket(w, r, session.Restore)
	})
	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves HTTP on ln, and QUIC if configured, until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	g.Go(func() error {
		s.logger.Info("listening", zap.Stringer("addr", ln.Addr()))
		if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if s.cfg.QUICAddr != "" {
		qs, err := quicstream.Listen(s.cfg.QUICAddr, nil, s.handleQUIC, s.logger)
		if err != nil {
			ln.Close()
			return err
		}
		g.Go(func() error { return qs.Serve(ctx) })
		g.Go(func() error {
			<-ctx.Done()
			return qs.Close()
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				if n := s.sessions.CleanupExpired(now); n > 0 {
					s.logger.Info("dropped expired streams", zap.Int("count", n))
				}
			}
		}
	})

	return g.Wait()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, dir session.Direction) {
	if s.cfg.MaxStreams > 0 && len(s.sessions.Active()) >= s.cfg.MaxStreams {
		http.Error(w, "stream limit reached", http.StatusServiceUnavailable)
		return
	}
	conn, err := wsstream.Accept(w, r)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.logger.Debug("data channel opened",
		zap.String("direction", string(dir)),
		zap.String("agent", r.Header.Get(AgentHeader)),
		zap.String("remote", r.RemoteAddr))
	s.serveChannel(r.Context(), conn, dir, transportWS)
}

func (s *Server) handleQUIC(ctx context.Context, kind quicstream.Kind, stream *quicstream.Stream) {
	dir := session.Backup
	if kind == quicstream.KindRestore {
		dir = session.Restore
	}
	s.serveChannel(ctx, stream, dir, transportQUIC)
}

// serveChannel runs one data channel to completion and closes it.
func (s *Server) serveChannel(ctx context.Context, conn channel.MessageConn, dir session.Direction, transport string) {
	ch := channel.New(conn, s.cfg.Channel)
	defer ch.Close()

	var err error
	if dir == session.Restore {
		err = s.svc.Restore(ctx, ch, transport)
	} else {
		err = s.svc.Backup(ctx, ch, transport)
	}
	if err != nil {
		s.logger.Warn("data channel failed",
			zap.String("direction", string(dir)),
			zap.String("transport", transport),
			zap.Error(err))
		return
	}

	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	if err := ch.Drain(drainCtx); err != nil {
		s.logger.Debug("drain data channel", zap.Error(err))
	}
}
