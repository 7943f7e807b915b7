// Package metrics holds the Prometheus collectors exported by the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the service collectors. Methods tolerate a nil receiver so
// components can be built without instrumentation.
type Metrics struct {
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	FileOperations      *prometheus.CounterVec
	IngestedBytes       prometheus.Counter
	MirrorJobs          *prometheus.CounterVec
	AuthEvents          *prometheus.CounterVec
	SessionsSwept       prometheus.Counter
	Notifications       *prometheus.CounterVec
	ActiveConnections   prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hearth_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hearth_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		FileOperations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hearth_file_operations_total",
			Help: "File operations by operation and result.",
		}, []string{"operation", "result"}),
		IngestedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "hearth_ingested_bytes_total",
			Help: "Bytes accepted by successful uploads.",
		}),
		MirrorJobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hearth_mirror_jobs_total",
			Help: "Object mirror jobs by action and result.",
		}, []string{"action", "result"}),
		AuthEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hearth_auth_events_total",
			Help: "Authentication events by event and result.",
		}, []string{"event", "result"}),
		SessionsSwept: f.NewCounter(prometheus.CounterOpts{
			Name: "hearth_sessions_swept_total",
			Help: "Sessions removed by the periodic sweep.",
		}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hearth_notifications_total",
			Help: "Notification deliveries by kind and result.",
		}, []string{"kind", "result"}),
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "hearth_ws_connections",
			Help: "Currently open notification connections.",
		}),
	}
}

// FileOp records the outcome of a file operation.
func (m *Metrics) FileOp(operation string, err error) {
	if m == nil {
		return
	}
	m.FileOperations.WithLabelValues(operation, result(err)).Inc()
}

// Ingested adds size to the ingested byte counter.
func (m *Metrics) Ingested(size int64) {
	if m == nil {
		return
	}
	m.IngestedBytes.Add(float64(size))
}

// Mirror records a mirror job outcome.
func (m *Metrics) Mirror(action string, err error) {
	if m == nil {
		return
	}
	m.MirrorJobs.WithLabelValues(action, result(err)).Inc()
}

// Auth records an authentication event outcome.
func (m *Metrics) Auth(event string, err error) {
	if m == nil {
		return
	}
	m.AuthEvents.WithLabelValues(event, result(err)).Inc()
}

// Swept adds n to the swept session counter.
func (m *Metrics) Swept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsSwept.Add(float64(n))
}

// Notified records a notification delivery outcome.
func (m *Metrics) Notified(kind string, delivered int) {
	if m == nil {
		return
	}
	res := "delivered"
	if delivered == 0 {
		res = "no_listener"
	}
	m.Notifications.WithLabelValues(kind, res).Inc()
}

// ConnectionOpened increments the open connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

// ConnectionClosed decrements the open connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
