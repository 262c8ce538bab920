// Package progress measures throughput across the fragments of one
// backup or restore run.
package progress

import (
	"sync"
	"time"

	"github.com/juju/clock"
)

// Stats represents a point-in-time snapshot of progress.
type Stats struct {
	BytesDone     int64
	Total         int64
	FragmentsDone int
	Fragments     int
	RateBps       float64
	ETA           time.Duration
	Percent       float64
	StartedAt     time.Time
}

// Meter tracks byte progress and computes a smoothed rate.
type Meter struct {
	mu            sync.Mutex
	clock         clock.Clock
	alpha         float64
	total         int64
	done          int64
	fragments     int
	fragmentsDone int
	startedAt     time.Time
	lastAt        time.Time
	lastDone      int64
	rateBps       float64
}

// NewMeter returns a meter reading time from clk. A nil clk uses the wall
// clock.
func NewMeter(clk clock.Clock) *Meter {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Meter{clock: clk, alpha: 0.2}
}

// Start resets the meter for fragments totalling totalBytes.
func (m *Meter) Start(fragments int, totalBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fragments = fragments
	m.fragmentsDone = 0
	m.total = totalBytes
	m.done = 0
	m.startedAt = m.clock.Now()
	m.lastAt = m.startedAt
	m.lastDone = 0
	m.rateBps = 0
}

// Add increments the completed byte count.
func (m *Meter) Add(n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addLocked(n)
}

// FragmentDone records a finished fragment and its content bytes.
func (m *Meter) FragmentDone(n int64) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fragmentsDone++
	if n > 0 {
		m.addLocked(n)
	}
	return m.snapshotLocked()
}

func (m *Meter) addLocked(n int64) {
	now := m.clock.Now()
	m.done += n
	deltaBytes := m.done - m.lastDone
	deltaTime := now.Sub(m.lastAt).Seconds()
	if deltaTime > 0 {
		inst := float64(deltaBytes) / deltaTime
		if m.rateBps == 0 {
			m.rateBps = inst
		} else {
			m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
		}
		m.lastAt = now
		m.lastDone = m.done
	}
}

// Snapshot returns a current snapshot of progress stats.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Meter) snapshotLocked() Stats {
	stats := Stats{
		BytesDone:     m.done,
		Total:         m.total,
		FragmentsDone: m.fragmentsDone,
		Fragments:     m.fragments,
		RateBps:       m.rateBps,
		StartedAt:     m.startedAt,
	}
	if m.total > 0 {
		stats.Percent = float64(m.done) / float64(m.total) * 100
	}
	if m.rateBps > 0 && m.total > m.done {
		remaining := float64(m.total - m.done)
		stats.ETA = time.Duration(remaining / m.rateBps * float64(time.Second))
	}
	return stats
}
