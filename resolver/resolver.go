// Package resolver computes when a message should be released.
//
// A [Resolver] consults an optional [expression.Evaluator], interprets its
// result and falls back to a configurable default delay. The outcome is a
// [Decision]: release immediately, or release at an instant derived from a
// [pending.Criterion] that is persisted alongside the entry so recovery can
// reconstruct it.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/xraph/delay"
	"github.com/xraph/delay/expression"
	"github.com/xraph/delay/message"
	"github.com/xraph/delay/pending"
)

// Decision is the outcome of resolving a message.
type Decision struct {
	immediate bool
	releaseAt time.Time
	criterion pending.Criterion
}

// Immediate returns a decision to forward the message right away.
func Immediate() Decision { return Decision{immediate: true} }

// At returns a decision to release the message at releaseAt.
func At(releaseAt time.Time, c pending.Criterion) Decision {
	return Decision{releaseAt: releaseAt, criterion: c}
}

// IsImmediate reports whether the message bypasses the store.
func (d Decision) IsImmediate() bool { return d.immediate }

// ReleaseAt returns the release instant of a deferred decision.
func (d Decision) ReleaseAt() time.Time { return d.releaseAt }

// Criterion returns the criterion to persist for a deferred decision.
func (d Decision) Criterion() pending.Criterion { return d.criterion }

// String implements fmt.Stringer.
func (d Decision) String() string {
	if d.immediate {
		return "immediate"
	}
	return "at(" + d.releaseAt.Format(time.RFC3339Nano) + ")"
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithEvaluator sets the delay policy evaluator.
func WithEvaluator(e expression.Evaluator) Option {
	return func(r *Resolver) { r.evaluator = e }
}

// WithClock sets the clock used to read "now".
func WithClock(c clock.Clock) Option {
	return func(r *Resolver) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// Resolver turns messages into release decisions. It is safe for
// concurrent use; the default delay may be changed at runtime.
type Resolver struct {
	evaluator      expression.Evaluator
	ignoreFailures bool
	defaultMillis  atomic.Int64
	clock          clock.Clock
	logger         *slog.Logger
}

// New creates a resolver from the endpoint configuration.
func New(cfg delay.Config, opts ...Option) *Resolver {
	r := &Resolver{
		ignoreFailures: cfg.IgnoreExpressionFailures,
		clock:          clock.New(),
		logger:         slog.Default(),
	}
	r.defaultMillis.Store(cfg.DefaultDelay.Milliseconds())
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetDefaultDelay replaces the default delay. Sub-millisecond precision is
// truncated.
func (r *Resolver) SetDefaultDelay(d time.Duration) {
	r.defaultMillis.Store(d.Milliseconds())
}

// DefaultDelay returns the current default delay.
func (r *Resolver) DefaultDelay() time.Duration {
	return time.Duration(r.defaultMillis.Load()) * time.Millisecond
}

// Resolve computes the release decision for m. It returns an error
// wrapping delay.ErrEvaluation only when the evaluator fails and failures
// are not ignored.
func (r *Resolver) Resolve(ctx context.Context, m *message.Message) (Decision, error) {
	now := r.clock.Now().UTC()

	if r.evaluator == nil {
		return r.fromDefault(now), nil
	}

	res, err := r.evaluator.Evaluate(ctx, m)
	if err != nil {
		if !r.ignoreFailures {
			return Decision{}, fmt.Errorf("%w: %w", delay.ErrEvaluation, err)
		}
		r.logger.Warn("delay expression failed, using default delay",
			slog.String("message_id", m.ID().String()),
			slog.String("error", err.Error()),
		)
		return r.fromDefault(now), nil
	}

	switch res.Kind() {
	case expression.KindMillis:
		return fromOffset(res.Millis(), now), nil
	case expression.KindTimestamp:
		return fromInstant(res.Time(), now), nil
	case expression.KindValue:
		return r.fromValue(m, res.Value(), now), nil
	default:
		return r.fromDefault(now), nil
	}
}

// Recompute re-derives the release instant of a persisted entry and
// reports whether it is due at now.
func (r *Resolver) Recompute(e *pending.Entry, now time.Time) (time.Time, bool) {
	releaseAt := e.ReleaseAt
	switch e.Criterion.Kind {
	case pending.CriterionOffset, pending.CriterionAbsolute:
		releaseAt = e.Criterion.ReleaseAt()
	}
	return releaseAt, !releaseAt.After(now)
}

// Now returns the resolver's current time.
func (r *Resolver) Now() time.Time { return r.clock.Now().UTC() }

func (r *Resolver) fromDefault(now time.Time) Decision {
	return fromOffset(r.defaultMillis.Load(), now)
}

func (r *Resolver) fromValue(m *message.Message, v any, now time.Time) Decision {
	if t, ok := v.(time.Time); ok {
		return fromInstant(t, now)
	}
	if ms, ok := toMillis(v); ok {
		return fromOffset(ms, now)
	}
	r.logger.Debug("delay expression result not usable, using default delay",
		slog.String("message_id", m.ID().String()),
		slog.String("type", fmt.Sprintf("%T", v)),
	)
	return r.fromDefault(now)
}

func fromOffset(ms int64, now time.Time) Decision {
	if ms <= 0 {
		return Immediate()
	}
	c := pending.Offset(ms, now)
	return At(c.ReleaseAt(), c)
}

func fromInstant(at time.Time, now time.Time) Decision {
	if !at.After(now) {
		return Immediate()
	}
	c := pending.Absolute(at)
	return At(c.ReleaseAt(), c)
}

func toMillis(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return clampUint(uint64(n)), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return clampUint(n), true
	case float32:
		return floatMillis(float64(n))
	case float64:
		return floatMillis(n)
	case time.Duration:
		return n.Milliseconds(), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil {
			return floatMillis(f)
		}
		return 0, false
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func clampUint(n uint64) int64 {
	if n > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(n)
}

func floatMillis(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if f >= math.MaxInt64 {
		return math.MaxInt64, true
	}
	return int64(f), true
}
