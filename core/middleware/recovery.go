package middleware

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/miladsoleymani/chanmux/core"
)

// Recovery returns middleware that recovers from panics in handlers,
// logs the stack trace, and returns the panic as an error.
// A nil logger uses slog.Default().
func Recovery(logger *slog.Logger) core.MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next core.HandlerFunc) core.HandlerFunc {
		return func(c core.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(c.Context(), "panic recovered",
						"topic", c.Topic(),
						"ack", c.Record().AckHandle().String(),
						"panic", r,
						"stack", string(debug.Stack()),
					)
					err = fmt.Errorf("chanmux: panic recovered: %v", r)
				}
			}()
			return next(c)
		}
	}
}
