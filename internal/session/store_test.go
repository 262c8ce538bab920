package session

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
)

func TestStore_Open(t *testing.T) {
	clk := testclock.NewClock(time.Unix(1000, 0))
	store := NewStore(time.Hour, clk)

	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		stream := store.Open(Backup, "ws")
		if ids[stream.ID] {
			t.Errorf("Duplicate stream ID: %s", stream.ID)
		}
		ids[stream.ID] = true

		if _, err := uuid.Parse(stream.ID); err != nil {
			t.Errorf("Stream ID %q is not a uuid: %v", stream.ID, err)
		}
		if stream.Bound() {
			t.Errorf("new stream should not be bound")
		}
		if !stream.ExpiresAt.Equal(clk.Now().Add(time.Hour)) {
			t.Errorf("ExpiresAt = %v", stream.ExpiresAt)
		}
	}
	if got := len(store.Active()); got != 100 {
		t.Errorf("Active() = %d, want 100", got)
	}
}

func TestStore_BindRejectsSecondStream(t *testing.T) {
	store := NewStore(time.Hour, nil)

	first := store.Open(Backup, "ws")
	if _, err := store.Bind(first.ID, "agent-1", "frag-1"); err != nil {
		t.Fatalf("Bind error: %v", err)
	}

	second := store.Open(Backup, "quic")
	_, err := store.Bind(second.ID, "agent-1", "frag-1")
	if !errors.Is(err, ErrStreamActive) {
		t.Fatalf("expected ErrStreamActive, got %v", err)
	}

	// Same fragment in the other direction is independent.
	restore := store.Open(Restore, "ws")
	if _, err := store.Bind(restore.ID, "agent-1", "frag-1"); err != nil {
		t.Fatalf("Bind restore error: %v", err)
	}

	// Once the first stream closes the fragment can be bound again.
	store.Close(first.ID)
	if _, err := store.Bind(second.ID, "agent-1", "frag-1"); err != nil {
		t.Fatalf("Bind after Close error: %v", err)
	}
}

func TestStore_BindUnknownOrBound(t *testing.T) {
	store := NewStore(time.Hour, nil)
	if _, err := store.Bind("missing", "a", "f"); !errors.Is(err, ErrUnknownStream) {
		t.Fatalf("expected ErrUnknownStream, got %v", err)
	}

	stream := store.Open(Backup, "ws")
	bound, err := store.Bind(stream.ID, "a", "f")
	if err != nil {
		t.Fatalf("Bind error: %v", err)
	}
	if bound.AgentID != "a" || bound.FragmentID != "f" {
		t.Fatalf("bound = %+v", bound)
	}
	if _, err := store.Bind(stream.ID, "a", "g"); err == nil {
		t.Fatalf("expected error rebinding a bound stream")
	}
	got, ok := store.Get(stream.ID)
	if !ok || got.FragmentID != "f" {
		t.Fatalf("Get = %+v %v", got, ok)
	}
}

func TestStore_CleanupExpired(t *testing.T) {
	clk := testclock.NewClock(time.Unix(1000, 0))
	store := NewStore(time.Minute, clk)

	old := store.Open(Backup, "ws")
	store.Bind(old.ID, "agent-1", "frag-1")
	clk.Advance(45 * time.Second)
	fresh := store.Open(Restore, "ws")

	removed := store.CleanupExpired(clk.Now().Add(30 * time.Second))
	if removed != 1 {
		t.Fatalf("CleanupExpired() = %d, want 1", removed)
	}
	if _, ok := store.Get(old.ID); ok {
		t.Fatalf("expired stream still present")
	}
	if _, ok := store.Get(fresh.ID); !ok {
		t.Fatalf("fresh stream removed")
	}

	next := store.Open(Backup, "ws")
	if _, err := store.Bind(next.ID, "agent-1", "frag-1"); err != nil {
		t.Fatalf("fragment key not released by cleanup: %v", err)
	}
}

func TestStore_ActiveOrder(t *testing.T) {
	clk := testclock.NewClock(time.Unix(1000, 0))
	store := NewStore(time.Hour, clk)

	a := store.Open(Backup, "ws")
	clk.Advance(time.Second)
	b := store.Open(Restore, "quic")

	active := store.Active()
	if len(active) != 2 || active[0].ID != a.ID || active[1].ID != b.ID {
		t.Fatalf("Active() = %+v", active)
	}
	store.Close(a.ID)
	store.Close(a.ID)
	if got := len(store.Active()); got != 1 {
		t.Fatalf("Active() after Close = %d, want 1", got)
	}
}
