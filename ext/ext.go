package ext

import (
	"context"
	"time"

	"github.com/xraph/delay/message"
	"github.com/xraph/delay/pending"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Message lifecycle hooks
// ──────────────────────────────────────────────────

// MessageDeferred is called after a message is persisted and scheduled.
type MessageDeferred interface {
	OnMessageDeferred(ctx context.Context, e *pending.Entry) error
}

// MessageForwarded is called after a message is forwarded on the
// immediate path.
type MessageForwarded interface {
	OnMessageForwarded(ctx context.Context, m *message.Message) error
}

// MessageReleased is called after a scheduled release forwards a message.
// held is the time between message arrival and the forward.
type MessageReleased interface {
	OnMessageReleased(ctx context.Context, m *message.Message, held time.Duration) error
}

// MessageReleaseFailed is called when a scheduled release fails. restored
// reports whether the pending entry is still in the store.
type MessageReleaseFailed interface {
	OnMessageReleaseFailed(ctx context.Context, m *message.Message, err error, restored bool) error
}

// ReleaseRetrying is called when a restored entry is scheduled again.
type ReleaseRetrying interface {
	OnReleaseRetrying(ctx context.Context, m *message.Message, attempt int, nextRunAt time.Time) error
}

// ReleaseAbandoned is called when a restored entry exhausts its automatic
// attempts. The entry stays in the store.
type ReleaseAbandoned interface {
	OnReleaseAbandoned(ctx context.Context, m *message.Message, attempts int, err error) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// MessageRestored is called for each persisted entry found by recovery.
// due reports whether it was released right away.
type MessageRestored interface {
	OnMessageRestored(ctx context.Context, e *pending.Entry, due bool) error
}

// RecoveryCompleted is called when a recovery pass over a group finishes.
type RecoveryCompleted interface {
	OnRecoveryCompleted(ctx context.Context, groupID string, released, rescheduled int) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
