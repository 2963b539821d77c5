// Package status mirrors the robot consumer's recording state on the
// device side. The mirror is display-only: the active flag and counter are
// authoritative on the consumer, and the local start timestamp exists
// purely to render elapsed time.
package status

import (
	"sync"
	"time"

	"github.com/banshee-data/teleop.bridge/internal/monitoring"
)

// RecordingStatus is the locally cached mirror of the consumer's recording
// state. StartedAt is zero while inactive.
type RecordingStatus struct {
	Active    bool
	Count     uint64
	StartedAt time.Time
}

// View is the read-only shape handed to display collaborators.
type View struct {
	Active         bool    `json:"active"`
	Count          uint64  `json:"count"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// Synchronizer reconciles inbound recording_status messages into the local
// mirror. It is purely reactive; it never writes back to the consumer.
type Synchronizer struct {
	now func() time.Time

	mu      sync.Mutex
	current RecordingStatus

	// OnChange is invoked after every applied transition of the active
	// flag or counter. Repeated identical messages do not fire it.
	OnChange func(active bool, count uint64)
}

// NewSynchronizer creates a synchronizer using the real clock.
func NewSynchronizer() *Synchronizer {
	return &Synchronizer{now: time.Now}
}

// NewSynchronizerAt creates a synchronizer with an injected clock, for
// tests that assert on the elapsed-time anchor.
func NewSynchronizerAt(now func() time.Time) *Synchronizer {
	return &Synchronizer{now: now}
}

// Apply folds one recording_status message into the mirror. StartedAt is
// reset exactly on a false→true edge of active and cleared on any
// transition to false; a repeated active:true message leaves it alone.
// hasCount is false when the consumer omitted the counter, in which case
// the mirrored count is preserved.
func (s *Synchronizer) Apply(active bool, count uint64, hasCount bool) {
	s.mu.Lock()
	prev := s.current
	s.current.Active = active
	if hasCount {
		s.current.Count = count
	}
	if active && !prev.Active {
		s.current.StartedAt = s.now()
	} else if !active {
		s.current.StartedAt = time.Time{}
	}
	changed := s.current.Active != prev.Active || s.current.Count != prev.Count
	cur := s.current
	s.mu.Unlock()

	if changed {
		monitoring.Logf("status: recording active=%v count=%d", cur.Active, cur.Count)
		if s.OnChange != nil {
			s.OnChange(cur.Active, cur.Count)
		}
	}
}

// Clear resets the mirror. Called at session teardown so stale recording
// UI never outlives the session that displayed it. The consumer re-sends
// its status on the next connect.
func (s *Synchronizer) Clear() {
	s.mu.Lock()
	s.current = RecordingStatus{}
	s.mu.Unlock()
}

// Current returns a copy of the mirror.
func (s *Synchronizer) Current() RecordingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Elapsed returns the advisory recording duration. Zero while inactive.
// The authoritative clock lives on the consumer side; network latency can
// skew this value and that is acceptable for display.
func (s *Synchronizer) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current.Active || s.current.StartedAt.IsZero() {
		return 0
	}
	return s.now().Sub(s.current.StartedAt)
}

// View returns the display shape for the host UI sink.
func (s *Synchronizer) View() View {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()

	v := View{Active: cur.Active, Count: cur.Count}
	if cur.Active && !cur.StartedAt.IsZero() {
		v.ElapsedSeconds = s.now().Sub(cur.StartedAt).Seconds()
	}
	return v
}
