package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/delay/message"
)

// Logging returns middleware that logs forward start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, m *message.Message, next Handler) error {
		logger.Debug("forwarding message",
			slog.String("message_id", m.ID().String()),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("forward failed",
				slog.String("message_id", m.ID().String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("message forwarded",
				slog.String("message_id", m.ID().String()),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
