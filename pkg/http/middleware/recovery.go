package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	applogger "FinPulse/pkg/logger"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var httpPanics = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "finpulse",
	Subsystem: "http",
	Name:      "panics_total",
	Help:      "Handler panics recovered, by route.",
}, []string{"route"})

// Recover turns a handler panic into a 500 and logs the stack.
// http.ErrAbortHandler is re-raised so net/http can drop the connection.
func Recover(l *applogger.Logger) echo.MiddlewareFunc {
	if l == nil {
		l = applogger.Nop()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				perr, ok := r.(error)
				if !ok {
					perr = fmt.Errorf("%v", r)
				}
				stack := make([]byte, 4<<10)
				stack = stack[:runtime.Stack(stack, false)]

				httpPanics.WithLabelValues(c.Path()).Inc()
				l.Error("panic recovered",
					applogger.String("route", c.Path()),
					applogger.Error(perr),
					applogger.String("stack", string(stack)))
				if !c.Response().Committed {
					err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
				}
			}()
			return next(c)
		}
	}
}
