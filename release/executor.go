// Package release provides the Executor: the action that runs when a
// delayed message is due. It removes the pending entry and forwards the
// message downstream through the middleware chain, restoring the entry
// when a configured release wrapper reports a failure.
package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/xraph/delay"
	"github.com/xraph/delay/backoff"
	"github.com/xraph/delay/ext"
	"github.com/xraph/delay/id"
	"github.com/xraph/delay/message"
	"github.com/xraph/delay/middleware"
	"github.com/xraph/delay/pending"
	"github.com/xraph/delay/scheduler"
)

// ErrNoScheduler is returned by Schedule when the executor has no
// scheduler to arm.
var ErrNoScheduler = fmt.Errorf("%w: no scheduler configured", delay.ErrSchedulingUnavailable)

// Executor forwards due messages. It is safe for concurrent use.
type Executor struct {
	store       pending.Store
	output      message.Sender
	ambient     []middleware.Middleware
	wrapper     []middleware.Middleware
	sched       scheduler.Scheduler
	tracker     *scheduler.Tracker
	backoff     backoff.Strategy
	maxAttempts int
	limiter     *rate.Limiter
	extensions  *ext.Registry
	clock       clock.Clock
	logger      *slog.Logger

	attemptsMu sync.Mutex
	attempts   map[string]int
}

// Option configures an Executor.
type Option func(*Executor)

// WithStore sets the pending store releases remove from.
func WithStore(s pending.Store) Option {
	return func(e *Executor) { e.store = s }
}

// WithOutput sets the downstream channel.
func WithOutput(s message.Sender) Option {
	return func(e *Executor) { e.output = s }
}

// WithMiddleware appends ambient middleware applied to every forward.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(e *Executor) { e.ambient = append(e.ambient, mws...) }
}

// WithReleaseWrapper appends interceptors around the forward step. With a
// wrapper configured, removal and forwarding share one boundary: a failure
// returned through the wrapper restores the entry.
func WithReleaseWrapper(mws ...middleware.Middleware) Option {
	return func(e *Executor) { e.wrapper = append(e.wrapper, mws...) }
}

// WithScheduler sets the scheduler and tracker used for retries and for
// Schedule. A nil tracker gets a fresh one.
func WithScheduler(s scheduler.Scheduler, t *scheduler.Tracker) Option {
	return func(e *Executor) {
		e.sched = s
		if t != nil {
			e.tracker = t
		}
	}
}

// WithBackoff sets the retry delay strategy for restored entries.
func WithBackoff(b backoff.Strategy) Option {
	return func(e *Executor) { e.backoff = b }
}

// WithMaxAttempts bounds automatic retries of a restored entry. Zero
// leaves restored entries for recovery.
func WithMaxAttempts(n int) Option {
	return func(e *Executor) { e.maxAttempts = n }
}

// WithRateLimit throttles releases to r per second with the given burst.
// A non-positive rate disables throttling.
func WithRateLimit(r float64, burst int) Option {
	return func(e *Executor) {
		if r <= 0 {
			e.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// WithExtensions sets the lifecycle hook registry.
func WithExtensions(r *ext.Registry) Option {
	return func(e *Executor) { e.extensions = r }
}

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an Executor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		tracker:  scheduler.NewTracker(),
		backoff:  backoff.NewConstant(time.Second),
		clock:    clock.New(),
		logger:   slog.Default(),
		attempts: make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.extensions == nil {
		e.extensions = ext.NewRegistry(e.logger)
	}
	return e
}

// Tracker returns the tracker holding live release schedules.
func (e *Executor) Tracker() *scheduler.Tracker { return e.tracker }

// Schedule arms the release of entry at runAt, superseding any live
// schedule for the same message.
func (e *Executor) Schedule(entry *pending.Entry, runAt time.Time) error {
	if e.sched == nil {
		return ErrNoScheduler
	}
	groupID, msgID, m := entry.GroupID, entry.MessageID, entry.Message
	return e.tracker.Schedule(e.sched, msgID.String(), runAt, func(ctx context.Context) error {
		return e.Release(ctx, groupID, msgID, m)
	})
}

// Cancel drops the live schedule of msgID, if any. Best-effort.
func (e *Executor) Cancel(msgID id.MessageID) bool {
	return e.tracker.Cancel(msgID.String())
}

// ReleaseNow forwards m on the caller's goroutine without touching the
// store. Errors are returned to the caller.
func (e *Executor) ReleaseNow(ctx context.Context, m *message.Message) error {
	if err := e.forward(ctx, m, true); err != nil {
		return err
	}
	e.extensions.EmitMessageForwarded(ctx, m)
	return nil
}

// Release removes the pending entry of msgID and forwards m. If the entry
// is already gone the call is a no-op. Failures are logged and reported to
// extensions; the returned error is for callers that want it.
func (e *Executor) Release(ctx context.Context, groupID string, msgID id.MessageID, m *message.Message) error {
	if e.store == nil {
		return delay.ErrNoStore
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			// Nothing removed yet; the entry waits for recovery.
			e.logger.Warn("release throttled, left for recovery",
				slog.String("message_id", msgID.String()),
				slog.String("error", err.Error()),
			)
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		e.logger.Debug("release cancelled, left for recovery",
			slog.String("message_id", msgID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	var (
		removed  bool
		restored bool
		err      error
	)

	switch {
	case len(e.wrapper) == 0:
		removed, restored, err = e.releaseUnwrapped(ctx, groupID, msgID, m)
	case e.transactor() != nil:
		removed, err = e.releaseInTx(ctx, groupID, msgID, m)
		restored = err != nil
	default:
		removed, restored, err = e.releaseCompensated(ctx, groupID, msgID, m)
	}

	if err == nil {
		e.forgetAttempts(msgID)
		if removed {
			held := e.clock.Since(m.Timestamp())
			e.logger.Debug("message released",
				slog.String("group", groupID),
				slog.String("message_id", msgID.String()),
				slog.Duration("held", held),
			)
			e.extensions.EmitMessageReleased(ctx, m, held)
		}
		return nil
	}

	return e.handleFailure(ctx, groupID, msgID, m, err, restored)
}

// releaseUnwrapped removes unconditionally, then forwards. A forward
// failure loses the message. Once the entry is removed the forward no
// longer follows the caller's cancellation; the forward timeout still
// bounds it.
func (e *Executor) releaseUnwrapped(ctx context.Context, groupID string, msgID id.MessageID, m *message.Message) (removed, restored bool, err error) {
	removed, err = e.store.RemoveEntry(ctx, groupID, msgID)
	if err != nil {
		return false, true, fmt.Errorf("%w: remove: %w", delay.ErrPersistence, err)
	}
	if !removed {
		return false, false, nil
	}
	return true, false, e.forward(context.WithoutCancel(ctx), m, false)
}

// releaseInTx runs removal and forwarding in one store transaction so a
// failed forward rolls the removal back. Cancelling ctx aborts the forward
// but never a commit that follows a successful one.
func (e *Executor) releaseInTx(ctx context.Context, groupID string, msgID id.MessageID, m *message.Message) (bool, error) {
	var removed bool
	err := e.transactor().WithinTx(context.WithoutCancel(ctx), func(txCtx context.Context, tx pending.Store) error {
		ok, err := tx.RemoveEntry(txCtx, groupID, msgID)
		if err != nil {
			return fmt.Errorf("%w: remove: %w", delay.ErrPersistence, err)
		}
		if !ok {
			return nil
		}
		removed = true
		return e.forward(ctx, m, true)
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// releaseCompensated removes, forwards, and re-adds the entry when the
// wrapped forward fails.
func (e *Executor) releaseCompensated(ctx context.Context, groupID string, msgID id.MessageID, m *message.Message) (removed, restored bool, err error) {
	removed, err = e.store.RemoveEntry(ctx, groupID, msgID)
	if err != nil {
		return false, true, fmt.Errorf("%w: remove: %w", delay.ErrPersistence, err)
	}
	if !removed {
		return false, false, nil
	}

	fwdErr := e.forward(ctx, m, true)
	if fwdErr == nil {
		return true, false, nil
	}

	// The entry was due; restore it as due now.
	now := e.clock.Now()
	entry := pending.NewEntryAt(groupID, m, pending.Absolute(now), now)
	addErr := e.store.AddEntry(context.WithoutCancel(ctx), entry)
	switch {
	case addErr == nil, errors.Is(addErr, delay.ErrEntryAlreadyExists):
		return true, true, fwdErr
	default:
		e.logger.Error("pending entry could not be restored, message lost",
			slog.String("group", groupID),
			slog.String("message_id", msgID.String()),
			slog.String("error", addErr.Error()),
		)
		return true, false, errors.Join(fwdErr, fmt.Errorf("%w: restore: %w", delay.ErrPersistence, addErr))
	}
}

// forward sends m through the ambient middleware and, when wrapped is set,
// the release wrapper.
func (e *Executor) forward(ctx context.Context, m *message.Message, wrapped bool) error {
	if e.output == nil {
		return delay.ErrNoOutput
	}

	mws := e.ambient
	if wrapped && len(e.wrapper) > 0 {
		mws = append(append([]middleware.Middleware(nil), e.ambient...), e.wrapper...)
	}

	terminal := func(ctx context.Context) error {
		return e.output.Send(ctx, m)
	}
	if err := middleware.Chain(mws...)(ctx, m, terminal); err != nil {
		return fmt.Errorf("%w: %w", delay.ErrDownstreamDispatch, err)
	}
	return nil
}

// handleFailure reports a failed release and, when the entry survived,
// schedules another attempt.
func (e *Executor) handleFailure(ctx context.Context, groupID string, msgID id.MessageID, m *message.Message, relErr error, restored bool) error {
	e.logger.Error("release failed",
		slog.String("group", groupID),
		slog.String("message_id", msgID.String()),
		slog.Bool("restored", restored),
		slog.String("error", relErr.Error()),
	)
	e.extensions.EmitMessageReleaseFailed(ctx, m, relErr, restored)

	if !restored || e.maxAttempts <= 0 || e.sched == nil {
		return relErr
	}

	attempt := e.nextAttempt(msgID)
	if attempt > e.maxAttempts {
		e.forgetAttempts(msgID)
		e.logger.Warn("release attempts exhausted, entry kept for reschedule",
			slog.String("group", groupID),
			slog.String("message_id", msgID.String()),
			slog.Int("attempts", e.maxAttempts),
		)
		e.extensions.EmitReleaseAbandoned(ctx, m, e.maxAttempts, relErr)
		return relErr
	}

	wait := e.backoff.Delay(attempt)
	nextRunAt := e.clock.Now().Add(wait)
	entry := &pending.Entry{GroupID: groupID, MessageID: msgID, Message: m}
	if err := e.Schedule(entry, nextRunAt); err != nil {
		e.logger.Error("release retry not scheduled, left for recovery",
			slog.String("message_id", msgID.String()),
			slog.String("error", err.Error()),
		)
		return relErr
	}

	e.extensions.EmitReleaseRetrying(ctx, m, attempt, nextRunAt)
	e.logger.Info("release scheduled for retry",
		slog.String("message_id", msgID.String()),
		slog.Int("attempt", attempt),
		slog.Int("max_attempts", e.maxAttempts),
		slog.Duration("delay", wait),
	)
	return relErr
}

func (e *Executor) transactor() pending.Transactor {
	tx, _ := e.store.(pending.Transactor)
	return tx
}

func (e *Executor) nextAttempt(msgID id.MessageID) int {
	e.attemptsMu.Lock()
	defer e.attemptsMu.Unlock()
	e.attempts[msgID.String()]++
	return e.attempts[msgID.String()]
}

func (e *Executor) forgetAttempts(msgID id.MessageID) {
	e.attemptsMu.Lock()
	delete(e.attempts, msgID.String())
	e.attemptsMu.Unlock()
}
