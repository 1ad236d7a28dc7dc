package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	cronlib "github.com/robfig/cron/v3"
)

// cronParser supports standard 5-field cron and descriptors like "@every 5m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a sweep cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepClock sets the clock driving the sweep loop.
func WithSweepClock(c clock.Clock) SweeperOption {
	return func(s *Sweeper) { s.clock = c }
}

// WithSweepLogger sets the logger.
func WithSweepLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = l }
}

// Sweeper runs Recover for one group on a cron schedule, catching entries
// whose release was dropped by a full backlog or a lost timer.
type Sweeper struct {
	manager  *Manager
	groupID  string
	schedule cronlib.Schedule
	clock    clock.Clock
	logger   *slog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper for groupID. expr is a cron expression.
func NewSweeper(manager *Manager, groupID, expr string, opts ...SweeperOption) (*Sweeper, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, fmt.Errorf("recovery: parse sweep schedule %q: %w", expr, err)
	}
	s := &Sweeper{
		manager:  manager,
		groupID:  groupID,
		schedule: sched,
		clock:    clock.New(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start launches the sweep loop. It returns immediately.
func (s *Sweeper) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopCh != nil {
		return nil
	}
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.loop(s.stopCh)

	s.logger.Info("recovery sweeper started", slog.String("group", s.groupID))
	return nil
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop(_ context.Context) error {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return nil
	}
	close(s.stopCh)
	s.stopCh = nil
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("recovery sweeper stopped", slog.String("group", s.groupID))
	return nil
}

func (s *Sweeper) loop(stopCh <-chan struct{}) {
	defer s.wg.Done()

	for {
		now := s.clock.Now()
		timer := s.clock.Timer(s.schedule.Next(now).Sub(now))

		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	ctx := context.Background()
	report, err := s.manager.Recover(ctx, s.groupID)
	if err != nil {
		s.logger.Warn("recovery sweep error",
			slog.String("group", s.groupID),
			slog.Int("failed", report.Failed),
			slog.String("error", err.Error()),
		)
	}
}
