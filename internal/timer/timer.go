// Package timer implements the named, cancellable per-room timeout
// facility described in §4.6: countdown, deadline, auto-start and battle
// ready-hold timers all key off (room, kind) so that cancellation on room
// deletion or rearm-on-update is trivial, per the design note in §9. The
// heartbeat and sweep intervals run on tickers in cmd/server, not here, and
// nothing arms KindBattleCleanup.
package timer

import (
	"sync"
	"time"

	"github.com/arenabroker/server/internal/registry"
)

// Kind names a timer's purpose within a room.
type Kind string

const (
	KindCountdown    Kind = "countdown"
	KindDeadline     Kind = "deadline"
	KindAutoStart    Kind = "auto_start"
	KindBattleReady  Kind = "battle_ready"
	KindBattleCleanup Kind = "battle_cleanup"
)

// Key identifies a single timer slot.
type Key struct {
	Room registry.RoomID
	Kind Kind
}

// Service is a minimal named-timer facility. Timer callbacks are expected
// to go back through the owning session manager's own locking (the
// single-writer boundary from §5), never mutate session fields directly
// from inside the timer goroutine.
type Service struct {
	mu     sync.Mutex
	timers map[Key]*time.Timer
}

// New creates an empty timer service.
func New() *Service {
	return &Service{timers: make(map[Key]*time.Timer)}
}

// Arm cancels any existing timer for key and schedules a new one-shot
// callback after delay.
func (s *Service) Arm(key Key, delay time.Duration, callback func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.timers[key]; ok {
		existing.Stop()
	}

	var self *time.Timer
	self = time.AfterFunc(delay, func() {
		s.mu.Lock()
		// Only fire if we're still the current timer for this key: a
		// rearm may have replaced us between AfterFunc firing and
		// acquiring the lock.
		current, ok := s.timers[key]
		isCurrent := ok && current == self
		if isCurrent {
			delete(s.timers, key)
		}
		s.mu.Unlock()
		if isCurrent {
			callback()
		}
	})
	s.timers[key] = self
}

// Cancel removes the timer for key without firing it.
func (s *Service) Cancel(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.timers[key]; ok {
		existing.Stop()
		delete(s.timers, key)
	}
}

// CancelRoom cancels every timer bearing room's key, e.g. on room
// deletion.
func (s *Service) CancelRoom(room registry.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, t := range s.timers {
		if key.Room == room {
			t.Stop()
			delete(s.timers, key)
		}
	}
}

// Armed reports whether a timer is currently scheduled for key.
func (s *Service) Armed(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}
