package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/delay/scheduler"
)

func TestTracker_Supersedes(t *testing.T) {
	s, clk, _ := setup(t)
	tr := scheduler.NewTracker()

	var first, second atomic.Int32
	run := func(n *atomic.Int32) func(context.Context) error {
		return func(context.Context) error { n.Add(1); return nil }
	}

	if err := tr.Schedule(s, "msg", clk.Now().Add(time.Second), run(&first)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := tr.Schedule(s, "msg", clk.Now().Add(2*time.Second), run(&second)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if got := tr.Len(); got != 1 {
		t.Fatalf("Len = %d, want 1", got)
	}

	clk.Add(3 * time.Second)
	waitFor(t, func() bool { return second.Load() == 1 })
	time.Sleep(20 * time.Millisecond)

	if first.Load() != 0 {
		t.Fatal("superseded schedule ran")
	}
	waitFor(t, func() bool { return tr.Len() == 0 })
}

func TestTracker_CancelAndCancelAll(t *testing.T) {
	s, clk, _ := setup(t)
	tr := scheduler.NewTracker()

	var ran atomic.Int32
	run := func(context.Context) error { ran.Add(1); return nil }

	for _, key := range []string{"a", "b", "c"} {
		if err := tr.Schedule(s, key, clk.Now().Add(time.Second), run); err != nil {
			t.Fatalf("Schedule(%s): %v", key, err)
		}
	}

	if !tr.Cancel("a") {
		t.Fatal("Cancel(a) = false, want true")
	}
	if tr.Cancel("missing") {
		t.Fatal("Cancel(missing) = true, want false")
	}
	if got := tr.CancelAll(); got != 2 {
		t.Fatalf("CancelAll = %d, want 2", got)
	}

	clk.Add(2 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if ran.Load() != 0 {
		t.Fatalf("%d cancelled schedules ran", ran.Load())
	}
}

func TestTracker_ScheduleError(t *testing.T) {
	s, clk, _ := setup(t)
	tr := scheduler.NewTracker()
	s.Stop()

	err := tr.Schedule(s, "msg", clk.Now().Add(time.Second), func(context.Context) error { return nil })
	if !errors.Is(err, scheduler.ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
	if tr.Len() != 0 {
		t.Fatal("failed schedule left a tracked slot")
	}
}
