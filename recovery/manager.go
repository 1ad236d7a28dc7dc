package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/xraph/delay"
	"github.com/xraph/delay/ext"
	"github.com/xraph/delay/pending"
	"github.com/xraph/delay/release"
	"github.com/xraph/delay/resolver"
)

// Report summarises one recovery pass.
type Report struct {
	GroupID     string `json:"group_id"`
	Found       int    `json:"found"`
	Released    int    `json:"released"`
	Rescheduled int    `json:"rescheduled"`
	Failed      int    `json:"failed"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithExtensions sets the lifecycle hook registry.
func WithExtensions(r *ext.Registry) Option {
	return func(m *Manager) { m.extensions = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager re-enters the deferred path for persisted entries.
type Manager struct {
	store      pending.Store
	executor   *release.Executor
	resolver   *resolver.Resolver
	extensions *ext.Registry
	logger     *slog.Logger
}

// NewManager creates a recovery manager.
func NewManager(store pending.Store, executor *release.Executor, res *resolver.Resolver, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		executor: executor,
		resolver: res,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.extensions == nil {
		m.extensions = ext.NewRegistry(m.logger)
	}
	return m
}

// Recover releases every due entry of groupID and schedules the others.
// A listing failure aborts the pass; per-entry failures are counted in the
// report and returned combined.
func (m *Manager) Recover(ctx context.Context, groupID string) (Report, error) {
	report := Report{GroupID: groupID}

	if m.store == nil {
		return report, delay.ErrNoStore
	}
	if groupID == "" {
		return report, delay.ErrMissingGroup
	}

	entries, err := m.store.ListEntries(ctx, groupID)
	if err != nil {
		return report, fmt.Errorf("%w: list: %w", delay.ErrPersistence, err)
	}
	report.Found = len(entries)

	var errs error
	now := m.resolver.Now()
	for _, e := range entries {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}

		at, due := m.resolver.Recompute(e, now)
		m.extensions.EmitMessageRestored(ctx, e, due)

		if due {
			// A live timer for this entry would only find it removed.
			m.executor.Cancel(e.MessageID)
			if relErr := m.executor.Release(ctx, groupID, e.MessageID, e.Message); relErr != nil {
				report.Failed++
				errs = multierr.Append(errs, fmt.Errorf("release %s: %w", e.MessageID, relErr))
				continue
			}
			report.Released++
			continue
		}

		if schedErr := m.executor.Schedule(e, at); schedErr != nil {
			report.Failed++
			errs = multierr.Append(errs, fmt.Errorf("schedule %s: %w", e.MessageID, schedErr))
			continue
		}
		report.Rescheduled++
	}

	m.logger.Info("recovery completed",
		slog.String("group", groupID),
		slog.Int("found", report.Found),
		slog.Int("released", report.Released),
		slog.Int("rescheduled", report.Rescheduled),
		slog.Int("failed", report.Failed),
	)
	m.extensions.EmitRecoveryCompleted(ctx, groupID, report.Released, report.Rescheduled)

	return report, errs
}
