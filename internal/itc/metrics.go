package itc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records channel traffic. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	unhandled *prometheus.CounterVec
}

// NewMetrics registers the ITC collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "watt_itc_requests_total",
			Help: "Requests sent over ITC channels, by outcome",
		}, []string{"channel", "name", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "watt_itc_request_duration_seconds",
			Help:    "Time from sending a request to receiving its response",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1, 10},
		}, []string{"channel", "name"}),
		unhandled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "watt_itc_unhandled_errors_total",
			Help: "Protocol and dispatch errors raised without a caller to receive them",
		}, []string{"channel", "code"}),
	}
}

func (m *Metrics) observeRequest(channel, name string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.requests.WithLabelValues(channel, name, outcome).Inc()
	m.duration.WithLabelValues(channel, name).Observe(time.Since(start).Seconds())
}

func (m *Metrics) observeUnhandled(channel, code string) {
	if m == nil {
		return
	}
	m.unhandled.WithLabelValues(channel, code).Inc()
}
