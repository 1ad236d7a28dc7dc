// Package endpoint wires the delay subsystems together: the resolver, the
// pending store, the scheduler and its worker pool, the release executor,
// recovery and the control service. [Endpoint.Handle] is the inbound side
// of a delay endpoint; the configured message.Sender is the outbound side.
//
// This package sits above every subsystem package so that none of them
// needs to import another's wiring.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"github.com/xraph/delay"
	"github.com/xraph/delay/backoff"
	"github.com/xraph/delay/control"
	"github.com/xraph/delay/expression"
	"github.com/xraph/delay/ext"
	"github.com/xraph/delay/id"
	"github.com/xraph/delay/message"
	mw "github.com/xraph/delay/middleware"
	"github.com/xraph/delay/observability"
	"github.com/xraph/delay/pending"
	"github.com/xraph/delay/recovery"
	"github.com/xraph/delay/release"
	"github.com/xraph/delay/resolver"
	"github.com/xraph/delay/scheduler"
	"github.com/xraph/delay/store/memory"
	"github.com/xraph/delay/worker"
)

// ErrNotStarted is returned by Handle for a deferred message before Start.
var ErrNotStarted = fmt.Errorf("%w: endpoint not started", delay.ErrSchedulingUnavailable)

type state int

const (
	stateNew state = iota
	stateStarted
	stateStopped
)

// Endpoint postpones delivery of each handled message by a computed delay.
type Endpoint struct {
	config     delay.Config
	store      pending.Store
	output     message.Sender
	evaluator  expression.Evaluator
	sched      scheduler.Scheduler
	bo         backoff.Strategy
	wrapper    []mw.Middleware
	mws        []mw.Middleware
	exts       []ext.Extension
	extensions *ext.Registry
	clock      clock.Clock
	logger     *slog.Logger

	// Owned when no scheduler is supplied.
	pool       *worker.Pool
	timerSched *scheduler.TimerScheduler

	resolver *resolver.Resolver
	executor *release.Executor
	recovery *recovery.Manager
	control  *control.Service
	sweeper  *recovery.Sweeper

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	mu    sync.RWMutex
	state state
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithConfig sets the endpoint configuration.
func WithConfig(cfg delay.Config) Option {
	return func(e *Endpoint) { e.config = cfg }
}

// WithStore sets the pending store and requires Config.GroupID. Without
// it the endpoint uses an in-memory store that does not survive restarts.
func WithStore(s pending.Store) Option {
	return func(e *Endpoint) { e.store = s }
}

// WithOutput sets the downstream channel.
func WithOutput(s message.Sender) Option {
	return func(e *Endpoint) { e.output = s }
}

// WithEvaluator sets the per-message delay policy.
func WithEvaluator(ev expression.Evaluator) Option {
	return func(e *Endpoint) { e.evaluator = ev }
}

// WithScheduler supplies a scheduler. The caller owns its lifecycle. When
// not set the endpoint runs its own timer scheduler and worker pool.
func WithScheduler(s scheduler.Scheduler) Option {
	return func(e *Endpoint) { e.sched = s }
}

// WithBackoff sets the retry delay strategy for restored releases.
// Defaults to a constant Config.RetryDelay.
func WithBackoff(b backoff.Strategy) Option {
	return func(e *Endpoint) { e.bo = b }
}

// WithReleaseWrapper appends interceptors around the release forward. A
// failure returned through them restores the pending entry.
func WithReleaseWrapper(mws ...mw.Middleware) Option {
	return func(e *Endpoint) { e.wrapper = append(e.wrapper, mws...) }
}

// WithMiddleware adds middleware to the forward chain.
func WithMiddleware(m ...mw.Middleware) Option {
	return func(e *Endpoint) { e.mws = append(e.mws, m...) }
}

// WithExtension registers an extension with the endpoint.
func WithExtension(x ext.Extension) Option {
	return func(e *Endpoint) { e.exts = append(e.exts, x) }
}

// WithClock sets the clock used for resolution, timers and sweeps.
func WithClock(c clock.Clock) Option {
	return func(e *Endpoint) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Endpoint) { e.logger = l }
}

// WithTracerProvider sets a custom OTel TracerProvider for the tracing
// middleware. If not set, the global provider is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Endpoint) { e.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for the metrics
// middleware and the observability extension. If not set, the global
// provider is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Endpoint) { e.meterProvider = mp }
}

// New creates an Endpoint.
func New(opts ...Option) (*Endpoint, error) {
	e := &Endpoint{
		config: delay.DefaultConfig(),
		clock:  clock.New(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.output == nil {
		return nil, delay.ErrNoOutput
	}
	switch {
	case e.store == nil:
		e.store = memory.New()
		if e.config.GroupID == "" {
			e.config.GroupID = id.NewGroupID()
		}
	case e.config.GroupID == "":
		return nil, delay.ErrMissingGroup
	}
	if len(e.wrapper) > 0 && e.config.ForwardTimeout <= 0 {
		e.config.ForwardTimeout = delay.DefaultWrappedForwardTimeout
	}

	logger := e.logger
	cfg := e.config

	e.extensions = ext.NewRegistry(logger)
	for _, x := range e.exts {
		e.extensions.Register(x)
	}

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if e.meterProvider != nil {
		obsExt = observability.NewMetricsExtensionWithMeter(e.meterProvider.Meter("github.com/xraph/delay/observability"))
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	e.extensions.Register(obsExt)

	var tracingMw, metricsMw mw.Middleware
	if e.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(e.tracerProvider.Tracer("github.com/xraph/delay"))
	} else {
		tracingMw = mw.Tracing()
	}
	if e.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(e.meterProvider.Meter("github.com/xraph/delay"))
	} else {
		metricsMw = mw.Metrics()
	}

	// Default stack: recover → tracing → metrics → logging → timeout.
	allMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(cfg.ForwardTimeout),
	}
	allMws = append(allMws, e.mws...)

	if e.sched == nil {
		e.pool = worker.NewPool(logger,
			worker.WithPoolConcurrency(cfg.Concurrency),
			worker.WithBacklog(cfg.Backlog),
		)
		e.timerSched = scheduler.NewTimerScheduler(e.pool,
			scheduler.WithClock(e.clock),
			scheduler.WithLogger(logger),
		)
		e.sched = e.timerSched
	}

	if e.bo == nil {
		e.bo = backoff.NewConstant(cfg.RetryDelay)
	}

	resolverOpts := []resolver.Option{resolver.WithClock(e.clock), resolver.WithLogger(logger)}
	if e.evaluator != nil {
		resolverOpts = append(resolverOpts, resolver.WithEvaluator(e.evaluator))
	}
	e.resolver = resolver.New(cfg, resolverOpts...)

	e.executor = release.NewExecutor(
		release.WithStore(e.store),
		release.WithOutput(e.output),
		release.WithMiddleware(allMws...),
		release.WithReleaseWrapper(e.wrapper...),
		release.WithScheduler(e.sched, nil),
		release.WithBackoff(e.bo),
		release.WithMaxAttempts(cfg.MaxAttempts),
		release.WithRateLimit(cfg.ReleaseRate, cfg.ReleaseBurst),
		release.WithExtensions(e.extensions),
		release.WithClock(e.clock),
		release.WithLogger(logger),
	)

	e.recovery = recovery.NewManager(e.store, e.executor, e.resolver,
		recovery.WithExtensions(e.extensions),
		recovery.WithLogger(logger),
	)
	e.control = control.NewService(cfg.GroupID, e.store, e.recovery, logger)

	if cfg.SweepSchedule != "" {
		sw, err := recovery.NewSweeper(e.recovery, cfg.GroupID, cfg.SweepSchedule,
			recovery.WithSweepClock(e.clock),
			recovery.WithSweepLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		e.sweeper = sw
	}

	return e, nil
}

// Handle resolves the delay of m and either forwards it on the caller's
// goroutine or persists and schedules it. Resolution and persistence
// errors are returned; release errors are reported to extensions.
func (e *Endpoint) Handle(ctx context.Context, m *message.Message) error {
	e.mu.RLock()
	st := e.state
	e.mu.RUnlock()
	if st == stateStopped {
		return delay.ErrEndpointStopped
	}

	decision, err := e.resolver.Resolve(ctx, m)
	if err != nil {
		return err
	}

	if decision.IsImmediate() {
		return e.executor.ReleaseNow(ctx, m)
	}

	if st != stateStarted {
		return ErrNotStarted
	}

	entry := pending.NewEntryAt(e.config.GroupID, m, decision.Criterion(), e.clock.Now())
	if err := e.store.AddEntry(ctx, entry); err != nil {
		return fmt.Errorf("%w: add: %w", delay.ErrPersistence, err)
	}

	if err := e.executor.Schedule(entry, entry.ReleaseAt); err != nil {
		return e.unpark(ctx, entry, err)
	}
	e.extensions.EmitMessageDeferred(ctx, entry)

	e.logger.Debug("message deferred",
		slog.String("message_id", m.ID().String()),
		slog.Time("release_at", entry.ReleaseAt),
	)
	return nil
}

// unpark withdraws an entry whose release could not be scheduled, so a
// rejected message is not delivered later by recovery.
func (e *Endpoint) unpark(ctx context.Context, entry *pending.Entry, schedErr error) error {
	removed, err := e.store.RemoveEntry(context.WithoutCancel(ctx), entry.GroupID, entry.MessageID)
	switch {
	case err != nil:
		e.logger.Error("unscheduled message left in store for recovery",
			slog.String("message_id", entry.MessageID.String()),
			slog.String("error", err.Error()),
		)
		return errors.Join(schedErr, fmt.Errorf("%w: remove: %w", delay.ErrPersistence, err))
	case !removed:
		// A concurrent recovery pass already released it.
		e.logger.Debug("unscheduled message released by recovery",
			slog.String("message_id", entry.MessageID.String()),
		)
		return nil
	}
	e.logger.Warn("deferred message rejected, scheduler unavailable",
		slog.String("message_id", entry.MessageID.String()),
		slog.String("error", schedErr.Error()),
	)
	return schedErr
}

// Send implements message.Sender so an endpoint can feed another.
func (e *Endpoint) Send(ctx context.Context, m *message.Message) error {
	return e.Handle(ctx, m)
}

// Start starts the worker pool, recovers persisted entries and starts the
// sweeper. Recovery failures are logged, not returned.
func (e *Endpoint) Start(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case stateStarted:
		e.mu.Unlock()
		return nil
	case stateStopped:
		e.mu.Unlock()
		return delay.ErrEndpointStopped
	}
	if e.pool != nil {
		if err := e.pool.Start(ctx); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("start worker pool: %w", err)
		}
	}
	e.state = stateStarted
	e.mu.Unlock()

	if _, err := e.recovery.Recover(ctx, e.config.GroupID); err != nil {
		e.logger.Warn("startup recovery incomplete",
			slog.String("group", e.config.GroupID),
			slog.String("error", err.Error()),
		)
	}

	if e.sweeper != nil {
		if err := e.sweeper.Start(ctx); err != nil {
			return fmt.Errorf("start sweeper: %w", err)
		}
	}

	e.logger.Info("delay endpoint started",
		slog.String("group", e.config.GroupID),
		slog.Duration("default_delay", e.resolver.DefaultDelay()),
	)
	return nil
}

// Stop disarms pending timers and waits for in-flight releases. Persisted
// entries stay in the store for the next Start. When ctx has no deadline,
// Config.ShutdownTimeout bounds the wait.
func (e *Endpoint) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.state == stateStopped {
		e.mu.Unlock()
		return nil
	}
	e.state = stateStopped
	e.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok && e.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.ShutdownTimeout)
		defer cancel()
	}

	var errs error
	if e.sweeper != nil {
		errs = multierr.Append(errs, e.sweeper.Stop(ctx))
	}
	if e.timerSched != nil {
		e.timerSched.Stop()
	}
	e.executor.Tracker().CancelAll()
	if e.pool != nil {
		errs = multierr.Append(errs, e.pool.Stop(ctx))
	}

	e.extensions.EmitShutdown(ctx)
	e.logger.Info("delay endpoint stopped", slog.String("group", e.config.GroupID))
	return errs
}

// SetDefaultDelay changes the default delay for subsequent messages.
func (e *Endpoint) SetDefaultDelay(d time.Duration) { e.resolver.SetDefaultDelay(d) }

// DefaultDelay returns the current default delay.
func (e *Endpoint) DefaultDelay() time.Duration { return e.resolver.DefaultDelay() }

// PendingCount returns the number of entries awaiting release.
func (e *Endpoint) PendingCount(ctx context.Context) (int64, error) {
	return e.control.PendingCount(ctx, e.config.GroupID)
}

// ReschedulePersistedMessages re-runs recovery for the endpoint's group.
func (e *Endpoint) ReschedulePersistedMessages(ctx context.Context) error {
	e.mu.RLock()
	st := e.state
	e.mu.RUnlock()
	if st == stateStopped {
		return delay.ErrEndpointStopped
	}
	return e.control.ReschedulePersistedMessages(ctx, e.config.GroupID)
}

// Control returns the control service.
func (e *Endpoint) Control() *control.Service { return e.control }

// Extensions returns the extension registry.
func (e *Endpoint) Extensions() *ext.Registry { return e.extensions }

// GroupID returns the endpoint's group.
func (e *Endpoint) GroupID() string { return e.config.GroupID }

// IsStopped reports whether err means the endpoint no longer accepts
// messages.
func IsStopped(err error) bool { return errors.Is(err, delay.ErrEndpointStopped) }
