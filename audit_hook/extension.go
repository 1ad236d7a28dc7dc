package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/delay/ext"
	"github.com/xraph/delay/message"
	"github.com/xraph/delay/pending"
)

// Compile-time interface checks.
var (
	_ ext.Extension            = (*Extension)(nil)
	_ ext.MessageDeferred      = (*Extension)(nil)
	_ ext.MessageForwarded     = (*Extension)(nil)
	_ ext.MessageReleased      = (*Extension)(nil)
	_ ext.MessageReleaseFailed = (*Extension)(nil)
	_ ext.ReleaseRetrying      = (*Extension)(nil)
	_ ext.ReleaseAbandoned     = (*Extension)(nil)
	_ ext.MessageRestored      = (*Extension)(nil)
	_ ext.RecoveryCompleted    = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a backend-neutral audit record.
type AuditEvent struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record calls f(ctx, event).
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// SlogRecorder writes audit events to logger at a level matching their
// severity.
func SlogRecorder(logger *slog.Logger) Recorder {
	return RecorderFunc(func(ctx context.Context, evt *AuditEvent) error {
		level := slog.LevelInfo
		switch evt.Severity {
		case SeverityWarning:
			level = slog.LevelWarn
		case SeverityCritical:
			level = slog.LevelError
		}
		attrs := make([]any, 0, len(evt.Metadata))
		for k, v := range evt.Metadata {
			attrs = append(attrs, slog.Any(k, v))
		}
		logger.Log(ctx, level, "audit",
			slog.String("action", evt.Action),
			slog.String("resource", evt.Resource),
			slog.String("resource_id", evt.ResourceID),
			slog.String("outcome", evt.Outcome),
			slog.Group("metadata", attrs...),
		)
		return nil
	})
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges delay lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// ── Message lifecycle hooks ─────────────────────────

// OnMessageDeferred implements ext.MessageDeferred.
func (e *Extension) OnMessageDeferred(ctx context.Context, entry *pending.Entry) error {
	return e.record(ctx, ActionMessageDeferred, SeverityInfo, OutcomeSuccess,
		ResourceMessage, entry.MessageID.String(), CategoryMessage, nil,
		"group", entry.GroupID,
		"release_at", entry.ReleaseAt.Format(time.RFC3339Nano),
	)
}

// OnMessageForwarded implements ext.MessageForwarded.
func (e *Extension) OnMessageForwarded(ctx context.Context, m *message.Message) error {
	return e.record(ctx, ActionMessageForwarded, SeverityInfo, OutcomeSuccess,
		ResourceMessage, m.ID().String(), CategoryMessage, nil,
	)
}

// OnMessageReleased implements ext.MessageReleased.
func (e *Extension) OnMessageReleased(ctx context.Context, m *message.Message, held time.Duration) error {
	return e.record(ctx, ActionMessageReleased, SeverityInfo, OutcomeSuccess,
		ResourceMessage, m.ID().String(), CategoryMessage, nil,
		"held_ms", held.Milliseconds(),
	)
}

// OnMessageReleaseFailed implements ext.MessageReleaseFailed. A failure
// that did not restore the entry lost the message and is critical.
func (e *Extension) OnMessageReleaseFailed(ctx context.Context, m *message.Message, err error, restored bool) error {
	severity := SeverityWarning
	if !restored {
		severity = SeverityCritical
	}
	return e.record(ctx, ActionReleaseFailed, severity, OutcomeFailure,
		ResourceMessage, m.ID().String(), CategoryMessage, err,
		"restored", restored,
	)
}

// OnReleaseRetrying implements ext.ReleaseRetrying.
func (e *Extension) OnReleaseRetrying(ctx context.Context, m *message.Message, attempt int, nextRunAt time.Time) error {
	return e.record(ctx, ActionReleaseRetrying, SeverityWarning, OutcomeFailure,
		ResourceMessage, m.ID().String(), CategoryMessage, nil,
		"attempt", attempt,
		"next_run_at", nextRunAt.Format(time.RFC3339),
	)
}

// OnReleaseAbandoned implements ext.ReleaseAbandoned.
func (e *Extension) OnReleaseAbandoned(ctx context.Context, m *message.Message, attempts int, err error) error {
	return e.record(ctx, ActionReleaseAbandoned, SeverityCritical, OutcomeFailure,
		ResourceMessage, m.ID().String(), CategoryMessage, err,
		"attempts", attempts,
	)
}

// ── Recovery hooks ──────────────────────────────────

// OnMessageRestored implements ext.MessageRestored.
func (e *Extension) OnMessageRestored(ctx context.Context, entry *pending.Entry, due bool) error {
	return e.record(ctx, ActionMessageRestored, SeverityInfo, OutcomeSuccess,
		ResourceMessage, entry.MessageID.String(), CategoryRecovery, nil,
		"group", entry.GroupID,
		"due", due,
	)
}

// OnRecoveryCompleted implements ext.RecoveryCompleted.
func (e *Extension) OnRecoveryCompleted(ctx context.Context, groupID string, released, rescheduled int) error {
	return e.record(ctx, ActionRecoveryCompleted, SeverityInfo, OutcomeSuccess,
		ResourceGroup, groupID, CategoryRecovery, nil,
		"released", released,
		"rescheduled", rescheduled,
	)
}

// ── Internal helpers ────────────────────────────────

// record builds and sends an audit event if the action is enabled.
// The kvPairs argument is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			slog.String("action", action),
			slog.String("resource_id", resourceID),
			slog.String("error", recErr.Error()),
		)
	}
	return nil
}
