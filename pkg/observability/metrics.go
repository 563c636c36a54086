package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization pipeline metrics
	AuthFailuresTotal    *prometheus.CounterVec
	SessionInvalidTotal  prometheus.Counter
	PolicyDecisionsTotal *prometheus.CounterVec

	// Store metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec

	// Collaborator metrics
	CollaboratorRequestsTotal *prometheus.CounterVec

	// Notification metrics
	NotificationsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acsp_members_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "acsp_members_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		AuthFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acsp_members_auth_failures_total",
				Help: "Total number of authentication gate rejections",
			},
			[]string{"reason"},
		),
		SessionInvalidTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "acsp_members_session_invalid_total",
				Help: "Total number of stale-session rejections",
			},
		),
		PolicyDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acsp_members_policy_decisions_total",
				Help: "Total number of policy engine decisions",
			},
			[]string{"action", "outcome"},
		),
		StoreOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acsp_members_store_operations_total",
				Help: "Total number of membership store operations",
			},
			[]string{"operation", "status"},
		),
		StoreOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "acsp_members_store_operation_duration_seconds",
				Help:    "Membership store operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		CollaboratorRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acsp_members_collaborator_requests_total",
				Help: "Total number of outbound collaborator requests",
			},
			[]string{"service", "status"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acsp_members_notifications_total",
				Help: "Total number of notification events emitted",
			},
			[]string{"kind", "status"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthFailuresTotal,
		m.SessionInvalidTotal,
		m.PolicyDecisionsTotal,
		m.StoreOperationsTotal,
		m.StoreOperationDuration,
		m.CollaboratorRequestsTotal,
		m.NotificationsTotal,
	)

	return m
}

// Handler returns an HTTP handler serving the metrics registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
