package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/delay/message"
	"github.com/xraph/delay/pending"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type messageDeferredEntry struct {
	name string
	hook MessageDeferred
}

type messageForwardedEntry struct {
	name string
	hook MessageForwarded
}

type messageReleasedEntry struct {
	name string
	hook MessageReleased
}

type messageReleaseFailedEntry struct {
	name string
	hook MessageReleaseFailed
}

type releaseRetryingEntry struct {
	name string
	hook ReleaseRetrying
}

type releaseAbandonedEntry struct {
	name string
	hook ReleaseAbandoned
}

type messageRestoredEntry struct {
	name string
	hook MessageRestored
}

type recoveryCompletedEntry struct {
	name string
	hook RecoveryCompleted
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
//
// Register all extensions before the endpoint starts; Register is not
// safe for concurrent use with the emitters.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	messageDeferred      []messageDeferredEntry
	messageForwarded     []messageForwardedEntry
	messageReleased      []messageReleasedEntry
	messageReleaseFailed []messageReleaseFailedEntry
	releaseRetrying      []releaseRetryingEntry
	releaseAbandoned     []releaseAbandonedEntry
	messageRestored      []messageRestoredEntry
	recoveryCompleted    []recoveryCompletedEntry
	shutdown             []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(MessageDeferred); ok {
		r.messageDeferred = append(r.messageDeferred, messageDeferredEntry{name, h})
	}
	if h, ok := e.(MessageForwarded); ok {
		r.messageForwarded = append(r.messageForwarded, messageForwardedEntry{name, h})
	}
	if h, ok := e.(MessageReleased); ok {
		r.messageReleased = append(r.messageReleased, messageReleasedEntry{name, h})
	}
	if h, ok := e.(MessageReleaseFailed); ok {
		r.messageReleaseFailed = append(r.messageReleaseFailed, messageReleaseFailedEntry{name, h})
	}
	if h, ok := e.(ReleaseRetrying); ok {
		r.releaseRetrying = append(r.releaseRetrying, releaseRetryingEntry{name, h})
	}
	if h, ok := e.(ReleaseAbandoned); ok {
		r.releaseAbandoned = append(r.releaseAbandoned, releaseAbandonedEntry{name, h})
	}
	if h, ok := e.(MessageRestored); ok {
		r.messageRestored = append(r.messageRestored, messageRestoredEntry{name, h})
	}
	if h, ok := e.(RecoveryCompleted); ok {
		r.recoveryCompleted = append(r.recoveryCompleted, recoveryCompletedEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Message event emitters
// ──────────────────────────────────────────────────

// EmitMessageDeferred notifies all extensions that implement MessageDeferred.
func (r *Registry) EmitMessageDeferred(ctx context.Context, e *pending.Entry) {
	for _, x := range r.messageDeferred {
		if err := x.hook.OnMessageDeferred(ctx, e); err != nil {
			r.logHookError("OnMessageDeferred", x.name, err)
		}
	}
}

// EmitMessageForwarded notifies all extensions that implement MessageForwarded.
func (r *Registry) EmitMessageForwarded(ctx context.Context, m *message.Message) {
	for _, x := range r.messageForwarded {
		if err := x.hook.OnMessageForwarded(ctx, m); err != nil {
			r.logHookError("OnMessageForwarded", x.name, err)
		}
	}
}

// EmitMessageReleased notifies all extensions that implement MessageReleased.
func (r *Registry) EmitMessageReleased(ctx context.Context, m *message.Message, held time.Duration) {
	for _, x := range r.messageReleased {
		if err := x.hook.OnMessageReleased(ctx, m, held); err != nil {
			r.logHookError("OnMessageReleased", x.name, err)
		}
	}
}

// EmitMessageReleaseFailed notifies all extensions that implement MessageReleaseFailed.
func (r *Registry) EmitMessageReleaseFailed(ctx context.Context, m *message.Message, releaseErr error, restored bool) {
	for _, x := range r.messageReleaseFailed {
		if err := x.hook.OnMessageReleaseFailed(ctx, m, releaseErr, restored); err != nil {
			r.logHookError("OnMessageReleaseFailed", x.name, err)
		}
	}
}

// EmitReleaseRetrying notifies all extensions that implement ReleaseRetrying.
func (r *Registry) EmitReleaseRetrying(ctx context.Context, m *message.Message, attempt int, nextRunAt time.Time) {
	for _, x := range r.releaseRetrying {
		if err := x.hook.OnReleaseRetrying(ctx, m, attempt, nextRunAt); err != nil {
			r.logHookError("OnReleaseRetrying", x.name, err)
		}
	}
}

// EmitReleaseAbandoned notifies all extensions that implement ReleaseAbandoned.
func (r *Registry) EmitReleaseAbandoned(ctx context.Context, m *message.Message, attempts int, releaseErr error) {
	for _, x := range r.releaseAbandoned {
		if err := x.hook.OnReleaseAbandoned(ctx, m, attempts, releaseErr); err != nil {
			r.logHookError("OnReleaseAbandoned", x.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitMessageRestored notifies all extensions that implement MessageRestored.
func (r *Registry) EmitMessageRestored(ctx context.Context, e *pending.Entry, due bool) {
	for _, x := range r.messageRestored {
		if err := x.hook.OnMessageRestored(ctx, e, due); err != nil {
			r.logHookError("OnMessageRestored", x.name, err)
		}
	}
}

// EmitRecoveryCompleted notifies all extensions that implement RecoveryCompleted.
func (r *Registry) EmitRecoveryCompleted(ctx context.Context, groupID string, released, rescheduled int) {
	for _, x := range r.recoveryCompleted {
		if err := x.hook.OnRecoveryCompleted(ctx, groupID, released, rescheduled); err != nil {
			r.logHookError("OnRecoveryCompleted", x.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, x := range r.shutdown {
		if err := x.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", x.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Hook errors are never propagated.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
