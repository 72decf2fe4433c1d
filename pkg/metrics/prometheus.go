package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var streamStates = []string{"DISCONNECTED", "CONNECTING", "CONNECTED", "RECONNECT_WAIT", "STOPPED"}

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	messagesSent  *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	lastPrice     *prometheus.GaugeVec
	latency       *prometheus.HistogramVec
	crashes       *prometheus.CounterVec
	streamState   *prometheus.GaugeVec
	fetchAttempts *prometheus.CounterVec
	dropped       *prometheus.CounterVec
}

// New creates a new Prometheus metrics recorder.
func New() *Recorder {
	return &Recorder{
		messagesSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finpulse_messages_sent_total",
				Help: "Total number of ticks sent to backend",
			},
			[]string{"backend", "symbol"},
		),
		errorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finpulse_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		lastPrice: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "finpulse_last_price",
				Help: "Last recorded price for an asset",
			},
			[]string{"symbol"},
		),
		latency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "finpulse_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		crashes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finpulse_crash_events_total",
				Help: "Crash events emitted per asset",
			},
			[]string{"asset"},
		),
		streamState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "finpulse_stream_state",
				Help: "1 for the current live feed state, 0 otherwise",
			},
			[]string{"state"},
		),
		fetchAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finpulse_fetch_attempts_total",
				Help: "Upstream HTTP attempts by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		dropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finpulse_subscriber_dropped_total",
				Help: "Events evicted from subscriber queues",
			},
			[]string{"class"},
		),
	}
}

// RecordMessageSent records a message sent to a backend.
func (r *Recorder) RecordMessageSent(backend, symbol string) {
	r.messagesSent.WithLabelValues(backend, symbol).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLastPrice records the last price for a symbol.
func (r *Recorder) RecordLastPrice(symbol string, price float64) {
	r.lastPrice.WithLabelValues(symbol).Set(price)
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

func (r *Recorder) RecordCrash(asset string) {
	r.crashes.WithLabelValues(asset).Inc()
}

// RecordStreamState flips the state gauge so exactly one label is 1.
func (r *Recorder) RecordStreamState(state string) {
	for _, s := range streamStates {
		v := 0.0
		if s == state {
			v = 1
		}
		r.streamState.WithLabelValues(s).Set(v)
	}
}

func (r *Recorder) RecordFetchAttempt(endpoint, outcome string) {
	r.fetchAttempts.WithLabelValues(endpoint, outcome).Inc()
}

func (r *Recorder) RecordDropped(class string) {
	r.dropped.WithLabelValues(class).Inc()
}

// Nop is a Metrics that records nothing. Useful in tests.
type Nop struct{}

func (Nop) RecordMessageSent(string, string) {}
func (Nop) RecordError(string) {}
func (Nop) RecordLastPrice(string, float64) {}
func (Nop) RecordLatency(string, float64) {}
func (Nop) RecordCrash(string) {}
func (Nop) RecordStreamState(string) {}
func (Nop) RecordFetchAttempt(string, string) {}
func (Nop) RecordDropped(string) {}
