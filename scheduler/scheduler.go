// Package scheduler arms release timers and hands fired releases to the
// worker pool. Scheduling never blocks the caller and never runs a task on
// the caller's goroutine.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/xraph/delay"
	"github.com/xraph/delay/worker"
)

// Task is the unit of work executed when a schedule fires.
type Task = worker.Task

// Handle refers to a scheduled task.
type Handle interface {
	// Cancel prevents the task from running if it has not started yet and
	// reports whether it did. Best-effort.
	Cancel() bool
}

// Scheduler runs tasks at or after a given instant.
type Scheduler interface {
	// Schedule arranges for task to run no earlier than runAt. It returns
	// an error wrapping delay.ErrSchedulingUnavailable when the scheduler
	// cannot accept work.
	Schedule(runAt time.Time, task Task) (Handle, error)
}

// Option configures a TimerScheduler.
type Option func(*TimerScheduler)

// WithClock sets the clock used to arm timers.
func WithClock(c clock.Clock) Option {
	return func(s *TimerScheduler) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *TimerScheduler) { s.logger = l }
}

// ErrStopped is returned by Schedule after Stop.
var ErrStopped = fmt.Errorf("%w: scheduler stopped", delay.ErrSchedulingUnavailable)

// TimerScheduler arms one clock timer per task. When a timer fires the task
// is submitted to a worker.Pool.
type TimerScheduler struct {
	pool   *worker.Pool
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	stopped bool
	armed   map[*timerHandle]struct{}
}

// Compile-time interface check.
var _ Scheduler = (*TimerScheduler)(nil)

// NewTimerScheduler creates a scheduler feeding pool.
func NewTimerScheduler(pool *worker.Pool, opts ...Option) *TimerScheduler {
	s := &TimerScheduler{
		pool:   pool,
		clock:  clock.New(),
		logger: slog.Default(),
		armed:  make(map[*timerHandle]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const (
	stateArmed int32 = iota
	stateStarted
	stateCancelled
)

type timerHandle struct {
	state atomic.Int32
	timer *clock.Timer
	sched *TimerScheduler
}

// Cancel implements Handle.
func (h *timerHandle) Cancel() bool {
	if !h.disarm() {
		return false
	}
	if h.sched != nil {
		h.sched.mu.Lock()
		delete(h.sched.armed, h)
		h.sched.mu.Unlock()
	}
	return true
}

func (h *timerHandle) disarm() bool {
	if !h.state.CompareAndSwap(stateArmed, stateCancelled) {
		return false
	}
	if h.timer != nil {
		h.timer.Stop()
	}
	return true
}

// Schedule implements Scheduler. A task already due is submitted to the
// pool right away, so a full backlog is reported to the caller.
func (s *TimerScheduler) Schedule(runAt time.Time, task Task) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, ErrStopped
	}
	if !s.pool.Running() {
		return nil, worker.ErrPoolStopped
	}

	h := &timerHandle{}
	wrapped := Task{
		Key: task.Key,
		Run: func(ctx context.Context) error {
			if !h.state.CompareAndSwap(stateArmed, stateStarted) {
				return nil
			}
			return task.Run(ctx)
		},
	}

	wait := runAt.Sub(s.clock.Now())
	if wait <= 0 {
		if err := s.pool.Submit(wrapped); err != nil {
			return nil, err
		}
		return h, nil
	}

	h.sched = s
	s.armed[h] = struct{}{}
	h.timer = s.clock.AfterFunc(wait, func() {
		s.fire(h, wrapped)
	})
	return h, nil
}

func (s *TimerScheduler) fire(h *timerHandle, task Task) {
	s.mu.Lock()
	delete(s.armed, h)
	stopped := s.stopped
	s.mu.Unlock()

	if stopped || h.state.Load() != stateArmed {
		return
	}

	if err := s.pool.Submit(task); err != nil {
		// The entry stays in the store; recovery picks it up.
		s.logger.Error("release dropped, left for recovery",
			slog.String("task", task.Key),
			slog.String("error", err.Error()),
		)
	}
}

// Armed returns the number of timers not yet fired or cancelled.
func (s *TimerScheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.armed)
}

// Stop disarms every pending timer and rejects new work. Persisted entries
// are untouched, so disarmed releases resume on the next recovery.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true

	for h := range s.armed {
		h.disarm()
	}
	s.logger.Debug("scheduler stopped", slog.Int("disarmed", len(s.armed)))
	clear(s.armed)
}
