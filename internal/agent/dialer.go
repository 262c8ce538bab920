// Package agent is the agent side of the data channels: it sends
// fragments to the orchestrator and downloads them back.
package agent

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/sheerbytes/backhaul/internal/channel"
	"github.com/sheerbytes/backhaul/internal/quicstream"
	"github.com/sheerbytes/backhaul/internal/session"
	"github.com/sheerbytes/backhaul/internal/wsstream"
)

// AgentHeader carries the agent id on websocket upgrades.
const AgentHeader = "X-Backhaul-Agent"

// Dialer opens data channel connections to the orchestrator.
type Dialer interface {
	Dial(ctx context.Context, dir session.Direction) (channel.MessageConn, error)
	Close() error
}

// WebSocketDialer opens one websocket per data channel.
type WebSocketDialer struct {
	ServerURL string
	AgentID   string
}

func (d *WebSocketDialer) Dial(ctx context.Context, dir session.Direction) (channel.MessageConn, error) {
	wsURL, err := buildWebSocketURL(d.ServerURL, dir)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if d.AgentID != "" {
		header.Set(AgentHeader, d.AgentID)
	}
	conn, err := wsstream.Dial(ctx, wsURL, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (d *WebSocketDialer) Close() error {
	return nil
}

func buildWebSocketURL(serverURL string, dir session.Direction) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url %q has no host", serverURL)
	}

	scheme := "ws"
	switch u.Scheme {
	case "https", "wss":
		scheme = "wss"
	case "http", "ws":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	wsURL := url.URL{
		Scheme: scheme,
		Host:   u.Host,
		Path:   strings.TrimSuffix(u.Path, "/") + "/v1/data/" + string(dir),
	}
	return wsURL.String(), nil
}

// QUICDialer multiplexes data channels as streams of one QUIC connection.
type QUICDialer struct {
	addr    string
	tlsConf *tls.Config

	mu     sync.Mutex
	client *quicstream.Client
}

// NewQUICDialer creates a dialer for addr. A nil tlsConf accepts the
// orchestrator's self-signed certificate.
func NewQUICDialer(addr string, tlsConf *tls.Config) *QUICDialer {
	return &QUICDialer{addr: addr, tlsConf: tlsConf}
}

func (d *QUICDialer) Dial(ctx context.Context, dir session.Direction) (channel.MessageConn, error) {
	d.mu.Lock()
	if d.client == nil {
		client, err := quicstream.Dial(ctx, d.addr, d.tlsConf)
		if err != nil {
			d.mu.Unlock()
			return nil, err
		}
		d.client = client
	}
	client := d.client
	d.mu.Unlock()

	kind := quicstream.KindBackup
	if dir == session.Restore {
		kind = quicstream.KindRestore
	}
	stream, err := client.Open(ctx, kind)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (d *QUICDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		return nil
	}
	err := d.client.Close()
	d.client = nil
	return err
}
