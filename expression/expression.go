// Package expression defines the contract of a per-message delay policy.
// An [Evaluator] inspects a message and returns a discriminated [Result]:
// nothing, a millisecond offset, an absolute instant, or an arbitrary value
// left for the resolver to interpret. Evaluation must not have side
// effects; a returned error signals a failed evaluation.
package expression

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/delay/message"
)

// Kind discriminates a Result.
type Kind int

const (
	// KindNone means the evaluator produced no result.
	KindNone Kind = iota
	// KindMillis is a delay offset in milliseconds from now.
	KindMillis
	// KindTimestamp is an absolute release instant.
	KindTimestamp
	// KindValue is an untyped value the resolver interprets.
	KindValue
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindMillis:
		return "millis"
	case KindTimestamp:
		return "timestamp"
	case KindValue:
		return "value"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is the outcome of evaluating a delay policy against a message.
type Result struct {
	kind   Kind
	millis int64
	at     time.Time
	value  any
}

// None returns an empty result.
func None() Result { return Result{kind: KindNone} }

// Millis returns an offset result of n milliseconds.
func Millis(n int64) Result { return Result{kind: KindMillis, millis: n} }

// Timestamp returns an absolute instant result.
func Timestamp(t time.Time) Result { return Result{kind: KindTimestamp, at: t} }

// Value wraps an arbitrary value. A nil value yields None.
func Value(v any) Result {
	if v == nil {
		return None()
	}
	return Result{kind: KindValue, value: v}
}

// Kind returns the result discriminator.
func (r Result) Kind() Kind { return r.kind }

// Millis returns the offset of a KindMillis result.
func (r Result) Millis() int64 { return r.millis }

// Time returns the instant of a KindTimestamp result.
func (r Result) Time() time.Time { return r.at }

// Value returns the raw value of a KindValue result.
func (r Result) Value() any { return r.value }

// Evaluator computes a delay policy result for a message.
type Evaluator interface {
	Evaluate(ctx context.Context, m *message.Message) (Result, error)
}

// Func adapts an ordinary function to an Evaluator.
type Func func(ctx context.Context, m *message.Message) (Result, error)

// Evaluate calls f(ctx, m).
func (f Func) Evaluate(ctx context.Context, m *message.Message) (Result, error) { return f(ctx, m) }

// Header returns an evaluator yielding the raw value of the named header,
// or None when the header is absent.
func Header(name string) Evaluator {
	return Func(func(_ context.Context, m *message.Message) (Result, error) {
		v, ok := m.Header(name)
		if !ok {
			return None(), nil
		}
		return Value(v), nil
	})
}

// HeaderTime returns an evaluator parsing the named header as an absolute
// instant using layout (time.RFC3339 when empty). A malformed value is an
// evaluation error.
func HeaderTime(name, layout string) Evaluator {
	if layout == "" {
		layout = time.RFC3339
	}
	return Func(func(_ context.Context, m *message.Message) (Result, error) {
		v, ok := m.Header(name)
		if !ok || v == "" {
			return None(), nil
		}
		t, err := time.Parse(layout, v)
		if err != nil {
			return None(), fmt.Errorf("expression: header %q: %w", name, err)
		}
		return Timestamp(t), nil
	})
}
