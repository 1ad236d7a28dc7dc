package scheduler

import (
	"context"
	"sync"
	"time"
)

// Tracker keeps at most one live schedule per key. Scheduling a key that
// already has a live schedule cancels the previous one.
type Tracker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{slots: make(map[string]*slot)}
}

type slot struct {
	mu        sync.Mutex
	handle    Handle
	cancelled bool
}

func (s *slot) setHandle(h Handle) {
	s.mu.Lock()
	s.handle = h
	cancelled := s.cancelled
	s.mu.Unlock()
	if cancelled {
		h.Cancel()
	}
}

func (s *slot) cancel() bool {
	s.mu.Lock()
	s.cancelled = true
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return true
	}
	return h.Cancel()
}

func (s *slot) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Schedule schedules run under key on sched, superseding any live
// schedule for the same key.
func (t *Tracker) Schedule(sched Scheduler, key string, runAt time.Time, run func(ctx context.Context) error) error {
	sl := &slot{}

	t.mu.Lock()
	prev := t.slots[key]
	t.slots[key] = sl
	t.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}

	h, err := sched.Schedule(runAt, Task{
		Key: key,
		Run: func(ctx context.Context) error {
			t.forget(key, sl)
			if sl.isCancelled() {
				return nil
			}
			return run(ctx)
		},
	})
	if err != nil {
		t.forget(key, sl)
		return err
	}

	sl.setHandle(h)
	return nil
}

// Cancel cancels the live schedule of key, if any.
func (t *Tracker) Cancel(key string) bool {
	t.mu.Lock()
	sl, ok := t.slots[key]
	delete(t.slots, key)
	t.mu.Unlock()

	if !ok {
		return false
	}
	return sl.cancel()
}

// CancelAll cancels every live schedule and returns how many were tracked.
func (t *Tracker) CancelAll() int {
	t.mu.Lock()
	slots := t.slots
	t.slots = make(map[string]*slot)
	t.mu.Unlock()

	for _, sl := range slots {
		sl.cancel()
	}
	return len(slots)
}

// Len returns the number of live schedules.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

func (t *Tracker) forget(key string, sl *slot) {
	t.mu.Lock()
	if t.slots[key] == sl {
		delete(t.slots, key)
	}
	t.mu.Unlock()
}
