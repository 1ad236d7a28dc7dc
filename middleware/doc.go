// Package middleware provides composable middleware around message
// forwarding.
//
// A [Middleware] is a function that wraps the forwarding of a message to the
// output channel. Middleware are composed into a chain using [Chain] and
// applied on both the immediate path and the release path. They are applied
// right-to-left: the first middleware in the slice is the outermost wrapper.
//
//	// logging → recover → forward
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// A release wrapper is a chain that additionally encloses the removal of
// the pending entry, so a wrapper that fails after removal can restore it
// (see the release package).
//
// # Built-in Middleware
//
//   - [Logging]: logs message id, duration, and outcome at each forward
//   - [Recover]: catches panics and converts them to errors
//   - [Timeout]: cancels the forwarding context after a fixed duration
//   - [Tracing]: wraps forwarding in an OpenTelemetry span
//   - [Metrics]: records forwarding duration and outcome counters
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, m *message.Message, next middleware.Handler) error {
//	        // pre-processing
//	        err := next(ctx)
//	        // post-processing
//	        return err
//	    }
//	}
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting (e.g., circuit breaker, rate limiting).
package middleware
