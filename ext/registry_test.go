package ext_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/delay/ext"
	"github.com/xraph/delay/message"
	"github.com/xraph/delay/pending"
)

// ──────────────────────────────────────────────────
// Test extensions
// ──────────────────────────────────────────────────

// allHooksExt implements every lifecycle hook for testing.
type allHooksExt struct {
	calls []string
}

func (e *allHooksExt) Name() string { return "all-hooks" }

func (e *allHooksExt) OnMessageDeferred(_ context.Context, _ *pending.Entry) error {
	e.calls = append(e.calls, "OnMessageDeferred")
	return nil
}

func (e *allHooksExt) OnMessageForwarded(_ context.Context, _ *message.Message) error {
	e.calls = append(e.calls, "OnMessageForwarded")
	return nil
}

func (e *allHooksExt) OnMessageReleased(_ context.Context, _ *message.Message, _ time.Duration) error {
	e.calls = append(e.calls, "OnMessageReleased")
	return nil
}

func (e *allHooksExt) OnMessageReleaseFailed(_ context.Context, _ *message.Message, _ error, _ bool) error {
	e.calls = append(e.calls, "OnMessageReleaseFailed")
	return nil
}

func (e *allHooksExt) OnReleaseRetrying(_ context.Context, _ *message.Message, _ int, _ time.Time) error {
	e.calls = append(e.calls, "OnReleaseRetrying")
	return nil
}

func (e *allHooksExt) OnReleaseAbandoned(_ context.Context, _ *message.Message, _ int, _ error) error {
	e.calls = append(e.calls, "OnReleaseAbandoned")
	return nil
}

func (e *allHooksExt) OnMessageRestored(_ context.Context, _ *pending.Entry, _ bool) error {
	e.calls = append(e.calls, "OnMessageRestored")
	return nil
}

func (e *allHooksExt) OnRecoveryCompleted(_ context.Context, _ string, _, _ int) error {
	e.calls = append(e.calls, "OnRecoveryCompleted")
	return nil
}

func (e *allHooksExt) OnShutdown(_ context.Context) error {
	e.calls = append(e.calls, "OnShutdown")
	return nil
}

// releaseOnlyExt only implements release-related hooks.
type releaseOnlyExt struct {
	calls []string
}

func (e *releaseOnlyExt) Name() string { return "release-only" }

func (e *releaseOnlyExt) OnMessageDeferred(_ context.Context, _ *pending.Entry) error {
	e.calls = append(e.calls, "OnMessageDeferred")
	return nil
}

func (e *releaseOnlyExt) OnMessageReleased(_ context.Context, _ *message.Message, _ time.Duration) error {
	e.calls = append(e.calls, "OnMessageReleased")
	return nil
}

// failingExt returns errors from hooks.
type failingExt struct{}

func (e *failingExt) Name() string { return "failing" }

func (e *failingExt) OnMessageDeferred(_ context.Context, _ *pending.Entry) error {
	return errors.New("boom")
}

func (e *failingExt) OnShutdown(_ context.Context) error {
	return errors.New("shutdown boom")
}

func newEntry() *pending.Entry {
	m := message.New([]byte("payload"))
	return pending.NewEntry("group-a", m, pending.Offset(1000, time.Now()))
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestRegistry_RegisterDiscoversInterfaces(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(all)

	if got := len(r.Extensions()); got != 1 {
		t.Fatalf("expected 1 extension, got %d", got)
	}
	if got := r.Extensions()[0].Name(); got != "all-hooks" {
		t.Fatalf("expected name 'all-hooks', got %q", got)
	}
}

func TestRegistry_EmitFiresOnlyImplementors(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	ro := &releaseOnlyExt{}
	r.Register(all)
	r.Register(ro)

	ctx := context.Background()
	e := newEntry()

	r.EmitMessageDeferred(ctx, e)
	if len(all.calls) != 1 || all.calls[0] != "OnMessageDeferred" {
		t.Fatalf("all: expected [OnMessageDeferred], got %v", all.calls)
	}
	if len(ro.calls) != 1 || ro.calls[0] != "OnMessageDeferred" {
		t.Fatalf("ro: expected [OnMessageDeferred], got %v", ro.calls)
	}

	r.EmitMessageForwarded(ctx, e.Message)
	if len(all.calls) != 2 || all.calls[1] != "OnMessageForwarded" {
		t.Fatalf("all: expected OnMessageForwarded as 2nd, got %v", all.calls)
	}
	if len(ro.calls) != 1 {
		t.Fatalf("ro: should still have 1 call, got %v", ro.calls)
	}
}

func TestRegistry_AllMessageHooksFire(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	e := newEntry()

	r.EmitMessageDeferred(ctx, e)
	r.EmitMessageForwarded(ctx, e.Message)
	r.EmitMessageReleased(ctx, e.Message, time.Millisecond)
	r.EmitMessageReleaseFailed(ctx, e.Message, errors.New("fail"), true)
	r.EmitReleaseRetrying(ctx, e.Message, 1, time.Now())
	r.EmitReleaseAbandoned(ctx, e.Message, 5, errors.New("gone"))

	expected := []string{
		"OnMessageDeferred", "OnMessageForwarded", "OnMessageReleased",
		"OnMessageReleaseFailed", "OnReleaseRetrying", "OnReleaseAbandoned",
	}
	if len(all.calls) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(all.calls), all.calls)
	}
	for i, want := range expected {
		if all.calls[i] != want {
			t.Errorf("call[%d] = %q, want %q", i, all.calls[i], want)
		}
	}
}

func TestRegistry_RecoveryAndShutdownHooksFire(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	r.EmitMessageRestored(ctx, newEntry(), false)
	r.EmitRecoveryCompleted(ctx, "group-a", 1, 2)
	r.EmitShutdown(ctx)

	expected := []string{"OnMessageRestored", "OnRecoveryCompleted", "OnShutdown"}
	if len(all.calls) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(all.calls), all.calls)
	}
	for i, want := range expected {
		if all.calls[i] != want {
			t.Errorf("call[%d] = %q, want %q", i, all.calls[i], want)
		}
	}
}

func TestRegistry_HookErrorsLoggedNotPropagated(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	failing := &failingExt{}
	all := &allHooksExt{}

	// Register failing first, then all-hooks. Both should be called.
	r.Register(failing)
	r.Register(all)

	ctx := context.Background()
	r.EmitMessageDeferred(ctx, newEntry())
	r.EmitShutdown(ctx)

	if len(all.calls) != 2 || all.calls[0] != "OnMessageDeferred" {
		t.Fatalf("all: expected hooks to fire despite failing ext, got %v", all.calls)
	}
}

func TestRegistry_EmptyRegistryNoOp(_ *testing.T) {
	r := ext.NewRegistry(slog.Default())
	ctx := context.Background()
	e := newEntry()

	r.EmitMessageDeferred(ctx, e)
	r.EmitMessageForwarded(ctx, e.Message)
	r.EmitMessageReleased(ctx, e.Message, 0)
	r.EmitMessageReleaseFailed(ctx, e.Message, errors.New("x"), false)
	r.EmitReleaseRetrying(ctx, e.Message, 1, time.Now())
	r.EmitReleaseAbandoned(ctx, e.Message, 1, errors.New("x"))
	r.EmitMessageRestored(ctx, e, true)
	r.EmitRecoveryCompleted(ctx, "g", 0, 0)
	r.EmitShutdown(ctx)
}

func TestRegistry_MultipleExtensionsOrderPreserved(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	var order []string
	r.Register(&orderExt{name: "first", order: &order})
	r.Register(&orderExt{name: "second", order: &order})

	r.EmitShutdown(context.Background())

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("expected [first second], got %v", order)
	}
}

type orderExt struct {
	name  string
	order *[]string
}

func (e *orderExt) Name() string { return e.name }

func (e *orderExt) OnShutdown(_ context.Context) error {
	*e.order = append(*e.order, e.name)
	return nil
}
