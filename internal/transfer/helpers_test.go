package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sheerbytes/backhaul/pkg/protocol"
)

type osFiles struct{}

func (osFiles) Open(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

type recordingTracker struct {
	mu     sync.Mutex
	events []string
	refuse error
}

func (r *recordingTracker) record(kind, agentID, fragmentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("%s:%s/%s", kind, agentID, fragmentID))
}

func (r *recordingTracker) ReceiveNewFragment(agentID, fragmentID string) error {
	if r.refuse != nil {
		r.record("refused", agentID, fragmentID)
		return r.refuse
	}
	r.record("receiving", agentID, fragmentID)
	return nil
}

func (r *recordingTracker) FragmentSucceeded(agentID, fragmentID string) {
	r.record("succeeded", agentID, fragmentID)
}

func (r *recordingTracker) FragmentFailed(agentID, fragmentID string) {
	r.record("failed", agentID, fragmentID)
}

func (r *recordingTracker) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func expectEvents(t *testing.T, r *recordingTracker, want ...string) {
	t.Helper()
	got := r.Events()
	if len(got) != len(want) {
		t.Fatalf("tracker events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tracker events = %v, want %v", got, want)
		}
	}
}

// memDest keeps committed files in memory.
type memDest struct {
	mu        sync.Mutex
	prepared  int
	files     map[string][]byte
	accepted  []string
	aborted   int
	failWrite error
}

func newMemDest() *memDest {
	return &memDest{files: make(map[string][]byte)}
}

func (d *memDest) Prepare(meta *protocol.Metadata) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prepared++
	return nil
}

func (d *memDest) Create(kind protocol.DataMessageType, name string) (Sink, error) {
	return &memSink{dest: d, key: kind.String() + "/" + name}, nil
}

func (d *memDest) Accept(kind protocol.DataMessageType, name, checksum string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accepted = append(d.accepted, kind.String()+"/"+name+"="+checksum)
	return nil
}

func (d *memDest) file(kind protocol.DataMessageType, name string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.files[kind.String()+"/"+name]
	return b, ok
}

type memSink struct {
	dest *memDest
	key  string
	buf  bytes.Buffer
}

func (s *memSink) Write(p []byte) (int, error) {
	if s.dest.failWrite != nil {
		return 0, s.dest.failWrite
	}
	return s.buf.Write(p)
}

func (s *memSink) Commit() error {
	s.dest.mu.Lock()
	defer s.dest.mu.Unlock()
	s.dest.files[s.key] = append([]byte{}, s.buf.Bytes()...)
	return nil
}

func (s *memSink) Abort() error {
	s.dest.mu.Lock()
	defer s.dest.mu.Unlock()
	s.dest.aborted++
	return nil
}

var errBoom = errors.New("boom")

func testMetadata(fragmentID string) protocol.Metadata {
	return protocol.Metadata{
		AgentID:    "agent-1",
		BackupName: "nightly",
		Fragment: protocol.Fragment{
			FragmentID:  fragmentID,
			Version:     "0.0.1",
			SizeInBytes: "5",
		},
	}
}

func writeTempFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	return path
}
