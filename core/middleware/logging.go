package middleware

import (
	"log/slog"
	"time"

	"github.com/miladsoleymani/chanmux/core"
)

// Logging returns middleware that logs record handling duration and errors.
// A nil logger uses slog.Default().
func Logging(logger *slog.Logger) core.MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next core.HandlerFunc) core.HandlerFunc {
		return func(c core.Context) error {
			start := time.Now()
			err := next(c)
			rec := c.Record()
			attrs := []any{
				"channel", string(c.Channel()),
				"topic", rec.Topic,
				"partition", rec.Partition,
				"offset", rec.Offset,
				"key", string(rec.Key),
				"elapsed", time.Since(start),
			}
			if err != nil {
				logger.ErrorContext(c.Context(), "record failed", append(attrs, "err", err)...)
			} else {
				logger.DebugContext(c.Context(), "record handled", attrs...)
			}
			return err
		}
	}
}
