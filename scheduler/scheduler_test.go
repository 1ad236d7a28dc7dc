package scheduler_test

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/xraph/delay"
	"github.com/xraph/delay/scheduler"
	"github.com/xraph/delay/worker"
)

func setup(t *testing.T, opts ...worker.PoolOption) (*scheduler.TimerScheduler, *clock.Mock, *worker.Pool) {
	t.Helper()

	pool := worker.NewPool(slog.Default(), opts...)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start pool: %v", err)
	}
	t.Cleanup(func() { _ = pool.Stop(context.Background()) })

	clk := clock.NewMock()
	s := scheduler.NewTimerScheduler(pool, scheduler.WithClock(clk))
	t.Cleanup(s.Stop)
	return s, clk, pool
}

func counting(n *atomic.Int32) scheduler.Task {
	return scheduler.Task{Key: "k", Run: func(context.Context) error {
		n.Add(1)
		return nil
	}}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for condition")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestSchedule_FiresAtInstant(t *testing.T) {
	s, clk, _ := setup(t)

	var ran atomic.Int32
	if _, err := s.Schedule(clk.Now().Add(time.Second), counting(&ran)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	clk.Add(500 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if ran.Load() != 0 {
		t.Fatal("task ran before its instant")
	}

	clk.Add(500 * time.Millisecond)
	waitFor(t, func() bool { return ran.Load() == 1 })
	waitFor(t, func() bool { return s.Armed() == 0 })
}

func TestSchedule_DueRunsImmediately(t *testing.T) {
	s, clk, _ := setup(t)

	var ran atomic.Int32
	if _, err := s.Schedule(clk.Now().Add(-time.Minute), counting(&ran)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitFor(t, func() bool { return ran.Load() == 1 })
}

func TestHandle_Cancel(t *testing.T) {
	s, clk, _ := setup(t)

	var ran atomic.Int32
	h, err := s.Schedule(clk.Now().Add(time.Second), counting(&ran))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if !h.Cancel() {
		t.Fatal("first Cancel should succeed")
	}
	if h.Cancel() {
		t.Fatal("second Cancel should report false")
	}

	clk.Add(2 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if ran.Load() != 0 {
		t.Fatal("cancelled task ran")
	}
}

func TestHandle_CancelAfterRun(t *testing.T) {
	s, clk, _ := setup(t)

	var ran atomic.Int32
	h, err := s.Schedule(clk.Now().Add(time.Second), counting(&ran))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	clk.Add(time.Second)
	waitFor(t, func() bool { return ran.Load() == 1 })

	if h.Cancel() {
		t.Fatal("Cancel after run should report false")
	}
}

func TestSchedule_Unavailable(t *testing.T) {
	t.Run("after stop", func(t *testing.T) {
		s, clk, _ := setup(t)
		s.Stop()
		var ran atomic.Int32
		_, err := s.Schedule(clk.Now().Add(time.Second), counting(&ran))
		if !errors.Is(err, delay.ErrSchedulingUnavailable) {
			t.Fatalf("err = %v, want ErrSchedulingUnavailable", err)
		}
	})

	t.Run("pool stopped", func(t *testing.T) {
		s, clk, pool := setup(t)
		_ = pool.Stop(context.Background())
		var ran atomic.Int32
		_, err := s.Schedule(clk.Now().Add(time.Second), counting(&ran))
		if !errors.Is(err, delay.ErrSchedulingUnavailable) {
			t.Fatalf("err = %v, want ErrSchedulingUnavailable", err)
		}
	})

	t.Run("backlog full", func(t *testing.T) {
		s, clk, _ := setup(t, worker.WithPoolConcurrency(1), worker.WithBacklog(1))

		release := make(chan struct{})
		started := make(chan struct{})
		t.Cleanup(func() { close(release) })
		_, err := s.Schedule(clk.Now(), scheduler.Task{Key: "block", Run: func(context.Context) error {
			close(started)
			<-release
			return nil
		}})
		if err != nil {
			t.Fatalf("Schedule blocker: %v", err)
		}
		<-started

		var ran atomic.Int32
		if _, err := s.Schedule(clk.Now(), counting(&ran)); err != nil {
			t.Fatalf("Schedule into backlog: %v", err)
		}
		_, err = s.Schedule(clk.Now(), counting(&ran))
		if !errors.Is(err, delay.ErrSchedulingUnavailable) {
			t.Fatalf("err = %v, want ErrSchedulingUnavailable", err)
		}
	})
}

func TestStop_DisarmsTimers(t *testing.T) {
	s, clk, _ := setup(t)

	var ran atomic.Int32
	for range 5 {
		if _, err := s.Schedule(clk.Now().Add(time.Second), counting(&ran)); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}
	if got := s.Armed(); got != 5 {
		t.Fatalf("Armed = %d, want 5", got)
	}

	s.Stop()
	if got := s.Armed(); got != 0 {
		t.Fatalf("Armed after stop = %d, want 0", got)
	}

	clk.Add(2 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if ran.Load() != 0 {
		t.Fatalf("%d tasks ran after stop", ran.Load())
	}
}
