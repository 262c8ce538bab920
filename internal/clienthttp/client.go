// Package clienthttp queries the orchestrator's HTTP status endpoints.
package clienthttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sheerbytes/backhaul/internal/session"
)

const requestTimeout = 5 * time.Second

// Health calls GET /health and fails unless the orchestrator reports ok.
func Health(ctx context.Context, serverURL string) error {
	var body struct {
		OK bool `json:"ok"`
	}
	if err := getJSON(ctx, serverURL, "/health", &body); err != nil {
		return err
	}
	if !body.OK {
		return fmt.Errorf("orchestrator reported not ok")
	}
	return nil
}

// ListStreams calls GET /v1/streams and returns the open data channels.
func ListStreams(ctx context.Context, serverURL string) ([]session.Stream, error) {
	var streams []session.Stream
	if err := getJSON(ctx, serverURL, "/v1/streams", &streams); err != nil {
		return nil, err
	}
	return streams, nil
}

func getJSON(ctx context.Context, serverURL, path string, out any) error {
	url := strings.TrimSuffix(serverURL, "/") + path
	if !strings.HasPrefix(url, "http") {
		url = "http://" + url
	}

	client := &http.Client{Timeout: requestTimeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
