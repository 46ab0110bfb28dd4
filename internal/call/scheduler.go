package call

import (
	"sync"
	"time"
)

// MissedCallScheduler keeps one pending timer per call ID and fires the
// supplied action when the timer elapses. It is an in-process cache, not a
// source of truth: a restart loses every pending timer, which is why the
// durable sweep exists.
type MissedCallScheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewMissedCallScheduler creates an empty scheduler.
func NewMissedCallScheduler() *MissedCallScheduler {
	return &MissedCallScheduler{timers: make(map[string]*time.Timer)}
}

// Arm installs a timer that runs fire after delay. Any existing timer for
// the same call ID is cancelled first: last writer wins and at most one
// timer exists per call ID at any time.
func (s *MissedCallScheduler) Arm(callID string, delay time.Duration, fire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.timers[callID]; ok {
		prev.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		// A re-arm may have replaced us between firing and acquiring the
		// lock; only remove the entry if it is still ours.
		if s.timers[callID] == timer {
			delete(s.timers, callID)
		}
		s.mu.Unlock()
		fire()
	})
	s.timers[callID] = timer
}

// Disarm cancels the pending timer for callID. Cancelling an absent or
// already-fired timer is a no-op.
func (s *MissedCallScheduler) Disarm(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[callID]; ok {
		timer.Stop()
		delete(s.timers, callID)
	}
}

// Pending returns the number of timers currently armed.
func (s *MissedCallScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels all pending timers. Used at shutdown.
func (s *MissedCallScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}
