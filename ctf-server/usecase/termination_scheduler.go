package usecase

import (
	"sync"
	"time"
)

type instanceKey struct {
	teamID      int64
	challengeID int64
}

// terminationScheduler keeps at most one pending timer per instance. It is a
// backstop for workloads whose runtime has no hard deadline of its own; the
// ledger and limiter expire through their TTLs regardless.
type terminationScheduler struct {
	mu      sync.Mutex
	timers  map[instanceKey]*time.Timer
	fire    func(teamID, challengeID int64)
	stopped bool
}

func newTerminationScheduler(fire func(teamID, challengeID int64)) *terminationScheduler {
	return &terminationScheduler{
		timers: make(map[instanceKey]*time.Timer),
		fire:   fire,
	}
}

// Schedule replaces any pending timer for the instance.
func (s *terminationScheduler) Schedule(teamID, challengeID int64, after time.Duration) {
	key := instanceKey{teamID: teamID, challengeID: challengeID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if t, ok := s.timers[key]; ok {
		t.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(after, func() {
		s.mu.Lock()
		if s.timers[key] != t {
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()

		s.fire(teamID, challengeID)
	})
	s.timers[key] = t
}

func (s *terminationScheduler) Cancel(teamID, challengeID int64) {
	key := instanceKey{teamID: teamID, challengeID: challengeID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
}

func (s *terminationScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending timer. Later Schedule calls are ignored.
func (s *terminationScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}
