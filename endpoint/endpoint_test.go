package endpoint_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/xraph/delay"
	"github.com/xraph/delay/endpoint"
	"github.com/xraph/delay/expression"
	"github.com/xraph/delay/message"
	"github.com/xraph/delay/middleware"
	"github.com/xraph/delay/pending"
	"github.com/xraph/delay/scheduler"
	"github.com/xraph/delay/store/memory"
	"github.com/xraph/delay/store/sqlite"
)

const group = "orders"

var base = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// sink records forwarded messages and the instant they arrived.
type sink struct {
	clk  clock.Clock
	mu   sync.Mutex
	at   []time.Time
	byID map[string]int
	fail bool
}

func newSink(clk clock.Clock) *sink { return &sink{clk: clk, byID: make(map[string]int)} }

func (s *sink) Send(_ context.Context, m *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("downstream unavailable")
	}
	s.at = append(s.at, s.clk.Now())
	s.byID[m.ID().String()]++
	return nil
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.at)
}

func (s *sink) first() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.at[0]
}

func (s *sink) maxPerMessage() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.byID {
		n = max(n, c)
	}
	return n
}

func (s *sink) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func newClock() *clock.Mock {
	clk := clock.NewMock()
	clk.Set(base)
	return clk
}

func config(defaultDelay time.Duration) delay.Config {
	cfg := delay.DefaultConfig()
	cfg.GroupID = group
	cfg.DefaultDelay = defaultDelay
	return cfg
}

func start(t *testing.T, opts ...endpoint.Option) *endpoint.Endpoint {
	t.Helper()
	ep, err := endpoint.New(opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ep.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = ep.Stop(context.Background()) })
	return ep
}

func pendingCount(t *testing.T, ep *endpoint.Endpoint) int64 {
	t.Helper()
	n, err := ep.PendingCount(context.Background())
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	return n
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

func failing(context.Context, *message.Message) (expression.Result, error) {
	return expression.None(), errors.New("expression failed")
}

func openSQLite(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "delay.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

// Default delay of 3s, no evaluator: the store goes 0 → 1 → 0 and the
// message is forwarded no earlier than arrival + 3s.
func TestHandle_DefaultDelay(t *testing.T) {
	stores := []struct {
		name string
		new  func(t *testing.T) pending.Store
	}{
		{"memory", func(*testing.T) pending.Store { return memory.New() }},
		{"sqlite", func(t *testing.T) pending.Store { return openSQLite(t) }},
	}

	for _, st := range stores {
		t.Run(st.name, func(t *testing.T) {
			clk := newClock()
			out := newSink(clk)
			ep := start(t,
				endpoint.WithConfig(config(3*time.Second)),
				endpoint.WithStore(st.new(t)),
				endpoint.WithOutput(out),
				endpoint.WithClock(clk),
			)

			if n := pendingCount(t, ep); n != 0 {
				t.Fatalf("initial count = %d, want 0", n)
			}
			if err := ep.Handle(context.Background(), message.New([]byte("a"))); err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if n := pendingCount(t, ep); n != 1 {
				t.Fatalf("count after Handle = %d, want 1", n)
			}

			clk.Add(2999 * time.Millisecond)
			time.Sleep(20 * time.Millisecond)
			if out.count() != 0 {
				t.Fatal("forwarded before the delay elapsed")
			}

			clk.Add(time.Millisecond)
			waitFor(t, func() bool { return out.count() == 1 })
			waitFor(t, func() bool { return pendingCount(t, ep) == 0 })

			if got := out.first(); got.Before(base.Add(3 * time.Second)) {
				t.Fatalf("forwarded at %v, before arrival + 3s", got)
			}
		})
	}
}

// An evaluator yielding header value "0" takes the immediate path.
func TestHandle_ZeroDelayIsImmediate(t *testing.T) {
	clk := newClock()
	out := newSink(clk)
	ep := start(t,
		endpoint.WithConfig(config(5*time.Second)),
		endpoint.WithStore(memory.New()),
		endpoint.WithOutput(out),
		endpoint.WithEvaluator(expression.Header("x-delay")),
		endpoint.WithClock(clk),
	)

	m := message.New([]byte("a"), message.WithHeader("x-delay", "0"))
	if err := ep.Handle(context.Background(), m); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	// Forwarded on the caller's goroutine before Handle returned.
	if out.count() != 1 {
		t.Fatalf("expected synchronous forward, got %d", out.count())
	}
	if n := pendingCount(t, ep); n != 0 {
		t.Fatalf("store touched: count = %d", n)
	}
}

// An absolute instant in the past takes the immediate path.
func TestHandle_PastTimestampIsImmediate(t *testing.T) {
	clk := newClock()
	out := newSink(clk)
	past := expression.Func(func(context.Context, *message.Message) (expression.Result, error) {
		return expression.Timestamp(clk.Now().Add(-10 * time.Second)), nil
	})
	ep := start(t,
		endpoint.WithConfig(config(5*time.Second)),
		endpoint.WithStore(memory.New()),
		endpoint.WithOutput(out),
		endpoint.WithEvaluator(past),
		endpoint.WithClock(clk),
	)

	if err := ep.Handle(context.Background(), message.New(nil)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.count() != 1 {
		t.Fatalf("expected immediate forward, got %d", out.count())
	}
	if n := pendingCount(t, ep); n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}
}

// A failing evaluator with failures ignored falls back to the default.
func TestHandle_IgnoredEvaluationFailure(t *testing.T) {
	clk := newClock()
	out := newSink(clk)
	ep := start(t,
		endpoint.WithConfig(config(time.Second)),
		endpoint.WithStore(memory.New()),
		endpoint.WithOutput(out),
		endpoint.WithEvaluator(expression.Func(failing)),
		endpoint.WithClock(clk),
	)

	if err := ep.Handle(context.Background(), message.New(nil)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if n := pendingCount(t, ep); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}

	clk.Add(time.Second)
	waitFor(t, func() bool { return out.count() == 1 })
	if got := out.first(); got.Before(base.Add(time.Second)) {
		t.Fatalf("forwarded at %v, before arrival + 1s", got)
	}
}

// A failing evaluator with failures not ignored is reported to the caller
// before anything is persisted.
func TestHandle_EvaluationFailurePropagates(t *testing.T) {
	clk := newClock()
	out := newSink(clk)
	cfg := config(time.Second)
	cfg.IgnoreExpressionFailures = false
	ep := start(t,
		endpoint.WithConfig(cfg),
		endpoint.WithStore(memory.New()),
		endpoint.WithOutput(out),
		endpoint.WithEvaluator(expression.Func(failing)),
		endpoint.WithClock(clk),
	)

	err := ep.Handle(context.Background(), message.New(nil))
	if !errors.Is(err, delay.ErrEvaluation) {
		t.Fatalf("expected ErrEvaluation, got %v", err)
	}
	if n := pendingCount(t, ep); n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}
	if out.count() != 0 {
		t.Fatalf("forwarded %d messages", out.count())
	}
}

// Entries persisted before a crash with release instants in the past are
// forwarded exactly once on startup, and repeated reschedules add nothing.
func TestRecovery_ExactlyOnceAfterRestart(t *testing.T) {
	clk := newClock()
	s := memory.New()

	for _, requested := range []time.Time{base.Add(-time.Hour), base.Add(-24 * time.Hour)} {
		m := message.New([]byte("parked"), message.WithTimestamp(requested))
		e := pending.NewEntry(group, m, pending.Offset(60_000, requested))
		if err := s.AddEntry(context.Background(), e); err != nil {
			t.Fatalf("AddEntry: %v", err)
		}
	}

	out := newSink(clk)
	ep := start(t,
		endpoint.WithConfig(config(time.Second)),
		endpoint.WithStore(s),
		endpoint.WithOutput(out),
		endpoint.WithClock(clk),
	)

	if out.count() != 2 {
		t.Fatalf("expected 2 forwards after startup recovery, got %d", out.count())
	}
	for range 2 {
		if err := ep.ReschedulePersistedMessages(context.Background()); err != nil {
			t.Fatalf("ReschedulePersistedMessages: %v", err)
		}
	}
	if out.count() != 2 || out.maxPerMessage() != 1 {
		t.Fatalf("duplicate forwards: total %d, max per message %d", out.count(), out.maxPerMessage())
	}
	if n := pendingCount(t, ep); n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}
}

// Rescheduling live entries twice does not double their forwards.
func TestReschedule_Idempotent(t *testing.T) {
	clk := newClock()
	out := newSink(clk)
	ep := start(t,
		endpoint.WithConfig(config(10*time.Second)),
		endpoint.WithStore(memory.New()),
		endpoint.WithOutput(out),
		endpoint.WithClock(clk),
	)

	for range 5 {
		if err := ep.Handle(context.Background(), message.New(nil)); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	for range 2 {
		if err := ep.ReschedulePersistedMessages(context.Background()); err != nil {
			t.Fatalf("ReschedulePersistedMessages: %v", err)
		}
	}

	clk.Add(10 * time.Second)
	waitFor(t, func() bool { return out.count() == 5 })
	time.Sleep(20 * time.Millisecond)
	if out.count() != 5 || out.maxPerMessage() != 1 {
		t.Fatalf("duplicate forwards: total %d, max per message %d", out.count(), out.maxPerMessage())
	}
}

// The pending count always matches the store.
func TestPendingCount_MatchesStore(t *testing.T) {
	clk := newClock()
	s := memory.New()
	ep := start(t,
		endpoint.WithConfig(config(time.Minute)),
		endpoint.WithStore(s),
		endpoint.WithOutput(newSink(clk)),
		endpoint.WithClock(clk),
	)

	for i := 1; i <= 4; i++ {
		if err := ep.Handle(context.Background(), message.New(nil)); err != nil {
			t.Fatalf("Handle: %v", err)
		}
		want, _ := s.CountEntries(context.Background(), group)
		if got := pendingCount(t, ep); got != want || got != int64(i) {
			t.Fatalf("PendingCount = %d, store = %d, want %d", got, want, i)
		}
	}

	clk.Add(time.Minute)
	waitFor(t, func() bool { return pendingCount(t, ep) == 0 })
}

func TestStop_KeepsEntriesForNextStart(t *testing.T) {
	s := memory.New()
	clk := newClock()
	out := newSink(clk)

	first, err := endpoint.New(
		endpoint.WithConfig(config(time.Minute)),
		endpoint.WithStore(s),
		endpoint.WithOutput(out),
		endpoint.WithClock(clk),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := first.Handle(context.Background(), message.New(nil)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := first.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if err := first.Handle(context.Background(), message.New(nil)); !errors.Is(err, delay.ErrEndpointStopped) {
		t.Fatalf("Handle after Stop: expected ErrEndpointStopped, got %v", err)
	}
	if err := first.Start(context.Background()); !errors.Is(err, delay.ErrEndpointStopped) {
		t.Fatalf("Start after Stop: expected ErrEndpointStopped, got %v", err)
	}

	// Timers were disarmed; the entry waits in the store.
	clk.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	if out.count() != 0 {
		t.Fatalf("forwarded after Stop: %d", out.count())
	}
	if n, _ := s.CountEntries(context.Background(), group); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}

	// Release time has passed, so the next process forwards on startup.
	start(t,
		endpoint.WithConfig(config(time.Minute)),
		endpoint.WithStore(s),
		endpoint.WithOutput(out),
		endpoint.WithClock(clk),
	)
	if out.count() != 1 {
		t.Fatalf("expected 1 forward after restart, got %d", out.count())
	}
}

func TestHandle_BeforeStart(t *testing.T) {
	clk := newClock()
	out := newSink(clk)
	s := memory.New()
	ep, err := endpoint.New(
		endpoint.WithConfig(config(time.Second)),
		endpoint.WithStore(s),
		endpoint.WithOutput(out),
		endpoint.WithClock(clk),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = ep.Handle(context.Background(), message.New(nil))
	if !errors.Is(err, delay.ErrSchedulingUnavailable) {
		t.Fatalf("expected ErrSchedulingUnavailable, got %v", err)
	}
	if n, _ := s.CountEntries(context.Background(), group); n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}

	// The immediate path needs no started scheduler.
	ep.SetDefaultDelay(0)
	if err := ep.Handle(context.Background(), message.New(nil)); err != nil {
		t.Fatalf("immediate Handle: %v", err)
	}
	if out.count() != 1 {
		t.Fatalf("expected 1 forward, got %d", out.count())
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		opts    []endpoint.Option
		wantErr error
	}{
		{"no output", []endpoint.Option{endpoint.WithStore(memory.New())}, delay.ErrNoOutput},
		{"store without group", []endpoint.Option{
			endpoint.WithStore(memory.New()),
			endpoint.WithOutput(newSink(clock.New())),
		}, delay.ErrMissingGroup},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := endpoint.New(tt.opts...); !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	t.Run("bad sweep schedule", func(t *testing.T) {
		cfg := config(time.Second)
		cfg.SweepSchedule = "every so often"
		_, err := endpoint.New(
			endpoint.WithConfig(cfg),
			endpoint.WithStore(memory.New()),
			endpoint.WithOutput(newSink(clock.New())),
		)
		if err == nil {
			t.Fatal("expected schedule parse error")
		}
	})
}

func TestHandle_WithoutStore(t *testing.T) {
	clk := newClock()
	out := newSink(clk)
	cfg := delay.DefaultConfig()
	cfg.DefaultDelay = time.Second
	ep := start(t, endpoint.WithConfig(cfg), endpoint.WithOutput(out), endpoint.WithClock(clk))

	if !strings.HasPrefix(ep.GroupID(), "grp_") {
		t.Fatalf("GroupID = %q, want a generated group", ep.GroupID())
	}
	if err := ep.Handle(context.Background(), message.New(nil)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if n := pendingCount(t, ep); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}

	clk.Add(time.Second)
	waitFor(t, func() bool { return out.count() == 1 })
	waitFor(t, func() bool { return pendingCount(t, ep) == 0 })
}

// rejectingScheduler refuses all work.
type rejectingScheduler struct{ calls atomic.Int32 }

func (s *rejectingScheduler) Schedule(time.Time, scheduler.Task) (scheduler.Handle, error) {
	s.calls.Add(1)
	return nil, fmt.Errorf("%w: backlog full", delay.ErrSchedulingUnavailable)
}

// A message whose release cannot be scheduled is rejected and never
// delivered, not even by a later recovery pass.
func TestHandle_ScheduleFailureWithdrawsEntry(t *testing.T) {
	clk := newClock()
	out := newSink(clk)
	s := memory.New()
	sched := &rejectingScheduler{}
	ep := start(t,
		endpoint.WithConfig(config(time.Second)),
		endpoint.WithStore(s),
		endpoint.WithOutput(out),
		endpoint.WithScheduler(sched),
		endpoint.WithClock(clk),
	)

	err := ep.Handle(context.Background(), message.New(nil))
	if !errors.Is(err, delay.ErrSchedulingUnavailable) {
		t.Fatalf("expected ErrSchedulingUnavailable, got %v", err)
	}
	if sched.calls.Load() != 1 {
		t.Fatalf("Schedule calls = %d, want 1", sched.calls.Load())
	}
	if n := pendingCount(t, ep); n != 0 {
		t.Fatalf("pending = %d, want 0 after rejected enqueue", n)
	}

	clk.Add(time.Minute)
	if err := ep.ReschedulePersistedMessages(context.Background()); err != nil {
		t.Fatalf("ReschedulePersistedMessages: %v", err)
	}
	if out.count() != 0 {
		t.Fatalf("rejected message was forwarded %d times", out.count())
	}
}

// brokenStore fails every insert.
type brokenStore struct{ *memory.Store }

func (brokenStore) AddEntry(context.Context, *pending.Entry) error {
	return errors.New("disk full")
}

func TestHandle_PersistenceFailure(t *testing.T) {
	clk := newClock()
	sched := &rejectingScheduler{}
	ep := start(t,
		endpoint.WithConfig(config(time.Second)),
		endpoint.WithStore(brokenStore{memory.New()}),
		endpoint.WithOutput(newSink(clk)),
		endpoint.WithScheduler(sched),
		endpoint.WithClock(clk),
	)

	err := ep.Handle(context.Background(), message.New(nil))
	if !errors.Is(err, delay.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if sched.calls.Load() != 0 {
		t.Fatalf("Schedule calls = %d, want none after failed insert", sched.calls.Load())
	}
}

func TestHandle_ArrivalFromClock(t *testing.T) {
	clk := newClock()
	s := memory.New()
	ep := start(t,
		endpoint.WithConfig(config(time.Minute)),
		endpoint.WithStore(s),
		endpoint.WithOutput(newSink(clk)),
		endpoint.WithClock(clk),
	)

	if err := ep.Handle(context.Background(), message.New(nil)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	entries, err := s.ListEntries(context.Background(), group)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ListEntries = %d, %v", len(entries), err)
	}
	if !entries[0].CreatedAt.Equal(base) {
		t.Fatalf("CreatedAt = %s, want %s", entries[0].CreatedAt, base)
	}
}

// failingHook rejects every deferred message.
type failingHook struct{}

func (failingHook) Name() string { return "failing-hook" }

func (failingHook) OnMessageDeferred(context.Context, *pending.Entry) error {
	return errors.New("hook down")
}

// logBuffer is a bytes.Buffer safe for concurrent log writes.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWithLogger_CoversHookErrors(t *testing.T) {
	var buf logBuffer
	clk := newClock()
	ep := start(t,
		endpoint.WithExtension(failingHook{}),
		endpoint.WithLogger(slog.New(slog.NewTextHandler(&buf, nil))),
		endpoint.WithConfig(config(time.Second)),
		endpoint.WithStore(memory.New()),
		endpoint.WithOutput(newSink(clk)),
		endpoint.WithClock(clk),
	)
	if err := ep.Handle(context.Background(), message.New(nil)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if !strings.Contains(buf.String(), "extension=failing-hook") {
		t.Fatalf("hook error not written to configured logger:\n%s", buf.String())
	}
}

func TestSetDefaultDelay(t *testing.T) {
	clk := newClock()
	out := newSink(clk)
	ep := start(t,
		endpoint.WithConfig(config(time.Hour)),
		endpoint.WithStore(memory.New()),
		endpoint.WithOutput(out),
		endpoint.WithClock(clk),
	)

	ep.SetDefaultDelay(2 * time.Second)
	if got := ep.DefaultDelay(); got != 2*time.Second {
		t.Fatalf("DefaultDelay = %v, want 2s", got)
	}
	if err := ep.Handle(context.Background(), message.New(nil)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	clk.Add(2 * time.Second)
	waitFor(t, func() bool { return out.count() == 1 })
}

// A failing release wrapper restores the entry and the retry delivers it.
func TestReleaseWrapper_RestoresAndRetries(t *testing.T) {
	clk := newClock()
	out := newSink(clk)
	out.setFail(true)

	var wrapped sync.WaitGroup
	wrapped.Add(1)
	var once sync.Once
	wrapper := func(ctx context.Context, _ *message.Message, next middleware.Handler) error {
		defer once.Do(wrapped.Done)
		return next(ctx)
	}

	ep := start(t,
		endpoint.WithConfig(config(time.Second)),
		endpoint.WithStore(memory.New()),
		endpoint.WithOutput(out),
		endpoint.WithReleaseWrapper(wrapper),
		endpoint.WithClock(clk),
	)

	if err := ep.Handle(context.Background(), message.New(nil)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	clk.Add(time.Second)
	wrapped.Wait()

	// The failed release put the entry back.
	waitFor(t, func() bool { return pendingCount(t, ep) == 1 })

	out.setFail(false)
	waitFor(t, func() bool {
		clk.Add(time.Second)
		return out.count() == 1
	})
	waitFor(t, func() bool { return pendingCount(t, ep) == 0 })
}
