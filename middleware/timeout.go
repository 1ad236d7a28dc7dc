package middleware

import (
	"context"
	"time"

	"github.com/xraph/delay/message"
)

// Timeout returns middleware that bounds each forward by d. When the
// deadline is exceeded the context is cancelled and the handler should
// return context.DeadlineExceeded. A non-positive d disables the bound.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *message.Message, next Handler) error {
		if d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
