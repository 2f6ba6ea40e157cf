package effects

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerRunsAfterDelay(t *testing.T) {
	s := NewScheduler()
	done := make(chan struct{})
	s.After(5*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("effect did not fire")
	}
	if s.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", s.Pending())
	}
}

func TestSchedulerCancel(t *testing.T) {
	s := NewScheduler()
	var fired atomic.Bool
	cancel := s.After(10*time.Millisecond, func() { fired.Store(true) })
	cancel()
	cancel()

	time.Sleep(30 * time.Millisecond)
	if fired.Load() {
		t.Fatalf("cancelled effect fired")
	}
}

func TestSchedulerFlushPreventsLateEffects(t *testing.T) {
	s := NewScheduler()
	var fired atomic.Int32
	s.After(10*time.Millisecond, func() { fired.Add(1) })
	s.After(20*time.Millisecond, func() { fired.Add(1) })
	s.Flush()
	s.After(time.Millisecond, func() { fired.Add(1) })

	time.Sleep(40 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("fired = %d after Flush, want 0", fired.Load())
	}
}
