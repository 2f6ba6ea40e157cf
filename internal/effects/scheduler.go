// Package effects runs delayed UI side effects that must not outlive their owner.
package effects

import (
	"sync"
	"time"
)

// Cancel stops a pending effect. It is safe to call more than once.
type Cancel func()

// Scheduler owns a set of pending timers. After Flush, nothing it scheduled runs.
type Scheduler struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*time.Timer
	closed  bool
}

func NewScheduler() *Scheduler {
	return &Scheduler{pending: make(map[uint64]*time.Timer)}
}

// After runs fn once d has elapsed unless cancelled or flushed first.
func (s *Scheduler) After(d time.Duration, fn func()) Cancel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return func() {}
	}
	s.nextID++
	id := s.nextID
	s.pending[id] = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, live := s.pending[id]
		delete(s.pending, id)
		closed := s.closed
		s.mu.Unlock()
		if !live || closed {
			return
		}
		fn()
	})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if t, ok := s.pending[id]; ok {
			t.Stop()
			delete(s.pending, id)
		}
	}
}

// Pending returns the number of effects that have not fired yet.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flush cancels every pending effect and rejects new ones.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.pending {
		t.Stop()
		delete(s.pending, id)
	}
}
