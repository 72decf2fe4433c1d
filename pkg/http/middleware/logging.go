package middleware

import (
	"time"

	applogger "FinPulse/pkg/logger"

	"github.com/labstack/echo/v4"
)

// RequestLogging logs HTTP requests at debug level. Long-lived streams are
// logged when they end.
func RequestLogging(l *applogger.Logger) echo.MiddlewareFunc {
	if l == nil {
		l = applogger.Nop()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			res := c.Response()
			start := time.Now()

			err := next(c)

			l.Debug("http request",
				applogger.String("method", req.Method),
				applogger.String("uri", req.RequestURI),
				applogger.String("remote", c.RealIP()),
				applogger.Int("status", res.Status),
				applogger.Duration("latency", time.Since(start)),
			)
			return err
		}
	}
}
