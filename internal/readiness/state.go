package readiness

import (
	"sync"
	"time"
)

// State is the readiness flag of one server process lifetime. It moves from
// not-ready to ready once and only Reset moves it back.
type State struct {
	mu    sync.RWMutex
	ready bool
	since time.Time
}

// MarkReady latches the state. It returns true only for the call that
// performed the transition, so callers can hang one-time work off it.
func (s *State) MarkReady(at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return false
	}
	s.ready = true
	s.since = at
	return true
}

// Reset clears the latch after the server process exited.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = false
	s.since = time.Time{}
}

// Ready reports whether the server is ready.
func (s *State) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// Snapshot returns the flag and the time it became true.
func (s *State) Snapshot() (bool, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready, s.since
}
