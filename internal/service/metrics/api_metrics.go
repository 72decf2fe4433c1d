package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	APILatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "finpulse",
			Subsystem: "api",
			Name:      "latency_seconds",
			Help:      "Latency of market API endpoints",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	APIErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "finpulse",
			Subsystem: "api",
			Name:      "errors_total",
			Help:      "Errors by market API endpoint",
		},
		[]string{"endpoint"},
	)

	StreamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "finpulse",
			Subsystem: "api",
			Name:      "stream_clients",
			Help:      "Open SSE connections",
		},
	)
)

func Register() {
	once.Do(func() {
		prometheus.MustRegister(APILatency, APIErrors, StreamClients)
	})
}

// Observe records latency for endpoint and counts failures.
func Observe(endpoint string, start time.Time, failed bool) {
	APILatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if failed {
		APIErrors.WithLabelValues(endpoint).Inc()
	}
}
