package middleware

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Audit logs one line per ledger request. Client errors are logged at warn
// and failures at error, with the account and idempotency key when known.
func Audit(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := statusOf(c, err)

		attrs := []any{
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
		}
		if requestID := RequestIDFrom(c); requestID != "" {
			attrs = append(attrs, slog.String("request_id", requestID))
		}
		if account := c.Params("id"); account != "" {
			attrs = append(attrs, slog.String("resource_id", account))
		}
		if key := IdempotencyKey(c); key != "" {
			attrs = append(attrs, slog.String("idempotency_key", key))
		}

		switch {
		case err != nil && status >= fiber.StatusInternalServerError:
			attrs = append(attrs, slog.Any("error", err))
			logger.Error("request completed", attrs...)
		case status >= fiber.StatusBadRequest:
			if err != nil {
				attrs = append(attrs, slog.Any("error", err))
			}
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
		return err
	}
}
