// Package middleware provides Echo middleware for logging and metrics.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each relayed
// exchange with slog. An aborted exchange surfaces as a panic with
// http.ErrAbortHandler; it is logged here and re-raised so net/http
// drops the connection.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			res := c.Response()

			defer func() {
				if r := recover(); r != nil {
					if r == http.ErrAbortHandler {
						logger.Warn("request aborted",
							"method", req.Method,
							"path", req.URL.Path,
							"duration_ms", time.Since(start).Milliseconds(),
							"remote_ip", c.RealIP(),
						)
					}
					panic(r)
				}
			}()

			err := next(c)

			logger.Info("request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
