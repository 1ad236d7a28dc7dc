package delay

import "time"

// Config holds configuration for a delay endpoint.
type Config struct {
	// GroupID identifies the endpoint's partition in the pending store.
	// Required when a store is configured. Without one the endpoint keeps
	// entries in memory under a generated group.
	GroupID string

	// DefaultDelay is applied when no evaluator is configured or the
	// evaluator yields no usable result. Zero or negative means forward
	// immediately. Millisecond granularity.
	DefaultDelay time.Duration

	// IgnoreExpressionFailures suppresses evaluator errors and falls back
	// to DefaultDelay. When false the error is returned to the caller.
	IgnoreExpressionFailures bool

	// Concurrency is the number of workers executing releases.
	Concurrency int

	// Backlog bounds the number of fired releases waiting for a worker.
	Backlog int

	// ShutdownTimeout is the maximum time to wait for in-flight releases
	// on Stop when the caller's context has no deadline.
	ShutdownTimeout time.Duration

	// ForwardTimeout bounds each downstream forward. Zero means no bound.
	ForwardTimeout time.Duration

	// RetryDelay is the delay before a restored release is attempted again.
	RetryDelay time.Duration

	// MaxAttempts bounds release attempts of a restored entry. Zero
	// disables automatic retries.
	MaxAttempts int

	// SweepSchedule is a cron expression (e.g. "@every 5m") for periodic
	// reconciliation of the group. Empty disables the sweeper.
	SweepSchedule string

	// ReleaseRate limits releases per second. Zero means unlimited.
	ReleaseRate float64

	// ReleaseBurst is the token bucket size when ReleaseRate is set.
	ReleaseBurst int
}

// DefaultWrappedForwardTimeout bounds forwards of wrapped releases when
// ForwardTimeout is zero. A transactional store holds its write lock for
// the duration of such a forward.
const DefaultWrappedForwardTimeout = 5 * time.Second

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		IgnoreExpressionFailures: true,
		Concurrency:              10,
		Backlog:                  1024,
		ShutdownTimeout:          30 * time.Second,
		RetryDelay:               1 * time.Second,
		MaxAttempts:              5,
	}
}
