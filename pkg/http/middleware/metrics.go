package middleware

import (
	"strconv"
	"strings"
	"time"

	applogger "FinPulse/pkg/logger"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "finpulse",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route template, method and status.",
	}, []string{"route", "method", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "finpulse",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency of non-streaming HTTP requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"route", "method", "class"})

	httpInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "finpulse",
		Subsystem: "http",
		Name:      "in_flight_requests",
		Help:      "Requests currently being served, SSE streams included.",
	}, []string{"route"})

	httpResponseSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "finpulse",
		Subsystem: "http",
		Name:      "response_size_bytes",
		Help:      "Response body size.",
		Buckets:   prometheus.ExponentialBuckets(128, 4, 8),
	}, []string{"route", "class"})
)

// Metrics records request metrics labelled by route template. Event streams
// are counted but kept out of the latency histogram, and 5xx or slow
// requests are logged.
func Metrics(l *applogger.Logger, slow time.Duration) echo.MiddlewareFunc {
	if l == nil {
		l = applogger.Nop()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method

			httpInFlight.WithLabelValues(route).Inc()
			defer httpInFlight.WithLabelValues(route).Dec()

			start := time.Now()
			err := next(c)
			if err != nil {
				// let echo write the response so the status is known
				c.Error(err)
			}
			elapsed := time.Since(start)

			res := c.Response()
			class := statusClass(res.Status)
			httpRequests.WithLabelValues(route, method, strconv.Itoa(res.Status)).Inc()
			httpResponseSize.WithLabelValues(route, class).Observe(float64(res.Size))
			if !isStream(res.Header().Get(echo.HeaderContentType)) {
				httpDuration.WithLabelValues(route, method, class).Observe(elapsed.Seconds())
			}

			switch {
			case res.Status >= 500:
				l.Error("http request failed",
					applogger.String("route", route),
					applogger.String("method", method),
					applogger.Int("status", res.Status),
					applogger.Duration("duration", elapsed))
			case slow > 0 && elapsed >= slow && !isStream(res.Header().Get(echo.HeaderContentType)):
				l.Warn("http request slow",
					applogger.String("route", route),
					applogger.String("method", method),
					applogger.Duration("duration", elapsed),
					applogger.Int64("bytes", res.Size))
			}
			return nil
		}
	}
}

func isStream(contentType string) bool {
	return strings.HasPrefix(contentType, "text/event-stream")
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "5xx"
	}
	return strconv.Itoa(code/100) + "xx"
}
