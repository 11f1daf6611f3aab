package server

import (
	"strconv"

	"github.com/matgreaves/watt/internal/itc"
	"github.com/matgreaves/watt/spec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var allStatuses = []spec.ServiceStatus{
	spec.StatusStopped,
	spec.StatusStarting,
	spec.StatusStarted,
	spec.StatusStopping,
	spec.StatusErrored,
}

// Metrics holds the runtime's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	ITC *itc.Metrics

	status      *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	requests    *prometheus.CounterVec
}

// NewMetrics registers the runtime collectors, ITC ones included, with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ITC: itc.NewMetrics(reg),
		status: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "watt_service_status",
			Help: "1 for the status each service is currently in, 0 otherwise",
		}, []string{"service", "status"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "watt_service_transitions_total",
			Help: "Service status transitions, by target status",
		}, []string{"service", "status"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "watt_control_plane_requests_total",
			Help: "Control-plane HTTP requests, by route and status code",
		}, []string{"method", "route", "code"}),
	}
}

func (m *Metrics) itcMetrics() *itc.Metrics {
	if m == nil {
		return nil
	}
	return m.ITC
}

func (m *Metrics) setStatus(id string, s spec.ServiceStatus) {
	if m == nil {
		return
	}
	for _, candidate := range allStatuses {
		v := 0.0
		if candidate == s {
			v = 1
		}
		m.status.WithLabelValues(id, string(candidate)).Set(v)
	}
	m.transitions.WithLabelValues(id, string(s)).Inc()
}

func (m *Metrics) observeRequest(method, route string, code int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
}
