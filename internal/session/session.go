// Package session tracks the data streams that are open on the
// orchestrator.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
)

var (
	// ErrStreamActive indicates another stream already carries the same
	// fragment in the same direction.
	ErrStreamActive = errors.New("stream already active for fragment")
	// ErrUnknownStream indicates the stream id is not registered.
	ErrUnknownStream = errors.New("unknown stream")
)

// Direction is the data flow of a stream.
type Direction string

const (
	Backup  Direction = "backup"
	Restore Direction = "restore"
)

// Stream represents one open data channel.
type Stream struct {
	ID         string    `json:"stream_id"`
	Direction  Direction `json:"direction"`
	Transport  string    `json:"transport"`
	AgentID    string    `json:"agent_id,omitempty"`
	FragmentID string    `json:"fragment_id,omitempty"`
	OpenedAt   time.Time `json:"opened_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Bound reports whether the stream is attached to a fragment.
func (s Stream) Bound() bool {
	return s.FragmentID != ""
}

type fragmentKey struct {
	dir        Direction
	agentID    string
	fragmentID string
}

// Store is a thread-safe in-memory registry of open streams.
type Store struct {
	mu      sync.RWMutex
	streams map[string]Stream      // keyed by stream ID
	byKey   map[fragmentKey]string // fragment -> stream ID
	ttl     time.Duration
	clock   clock.Clock
}

// NewStore creates a registry. Streams older than ttl are dropped by
// CleanupExpired. A nil clock means the wall clock.
func NewStore(ttl time.Duration, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Store{
		streams: make(map[string]Stream),
		byKey:   make(map[fragmentKey]string),
		ttl:     ttl,
		clock:   clk,
	}
}

// Open registers a new stream that is not yet bound to a fragment.
func (s *Store) Open(dir Direction, transport string) Stream {
	now := s.clock.Now()
	stream := Stream{
		ID:        uuid.NewString(),
		Direction: dir,
		Transport: transport,
		OpenedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[stream.ID] = stream
	return stream
}

// Bind attaches a stream to a fragment. It fails with ErrStreamActive if
// another stream already carries that fragment in the same direction.
func (s *Store) Bind(id, agentID, fragmentID string) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streams[id]
	if !ok {
		return Stream{}, fmt.Errorf("bind %s: %w", id, ErrUnknownStream)
	}
	if stream.Bound() {
		return Stream{}, fmt.Errorf("bind %s: already bound to %s/%s", id, stream.AgentID, stream.FragmentID)
	}
	key := fragmentKey{dir: stream.Direction, agentID: agentID, fragmentID: fragmentID}
	if other, exists := s.byKey[key]; exists {
		return Stream{}, fmt.Errorf("%s %s/%s on stream %s: %w", stream.Direction, agentID, fragmentID, other, ErrStreamActive)
	}

	stream.AgentID = agentID
	stream.FragmentID = fragmentID
	s.streams[id] = stream
	s.byKey[key] = id
	return stream, nil
}

// Get returns the stream with the given id.
func (s *Store) Get(id string) (Stream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream, ok := s.streams[id]
	return stream, ok
}

// Close removes a stream. Unknown ids are ignored.
func (s *Store) Close(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(id)
}

// Active returns the open streams, oldest first.
func (s *Store) Active() []Stream {
	s.mu.RLock()
	out := make([]Stream, 0, len(s.streams))
	for _, stream := range s.streams {
		out = append(out, stream)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// CleanupExpired removes all expired streams from the store.
// Returns the number of streams removed.
func (s *Store) CleanupExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var toRemove []string
	for id, stream := range s.streams {
		if now.After(stream.ExpiresAt) {
			toRemove = append(toRemove, id)
		}
	}
	for _, id := range toRemove {
		s.remove(id)
	}
	return len(toRemove)
}

func (s *Store) remove(id string) {
	stream, ok := s.streams[id]
	if !ok {
		return
	}
	delete(s.streams, id)
	if stream.Bound() {
		key := fragmentKey{dir: stream.Direction, agentID: stream.AgentID, fragmentID: stream.FragmentID}
		if s.byKey[key] == id {
			delete(s.byKey, key)
		}
	}
}
