package api

import (
	"log/slog"
	"time"

	echo "github.com/labstack/echo/v5"
)

// requestLogger logs one structured line per request, carrying the
// swarm id path param when present so a swarm's whole request history
// can be grepped by id, the same per-request context the teacher's
// securityHeaders middleware pattern wires in ahead of the handler.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			err := next(c)

			attrs := []any{
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if swarmID := c.Param("swarm_id"); swarmID != "" {
				attrs = append(attrs, "swarm_id", swarmID)
			}
			if err != nil {
				attrs = append(attrs, "error", err)
				slog.Error("api: request failed", attrs...)
			} else {
				slog.Info("api: request", attrs...)
			}
			return err
		}
	}
}
