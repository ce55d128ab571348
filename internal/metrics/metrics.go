// Package metrics provides Prometheus instrumentation for the flagtree server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only flagtree metrics appear on the /metrics endpoint.
package metrics

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Metrics holds all Prometheus collectors used by the flagtree server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec
	ResolutionsTotal    *prometheus.CounterVec
	FlagUpdatesTotal    *prometheus.CounterVec
	ParseFailuresTotal  *prometheus.CounterVec
	OverrideReloads     prometheus.Counter
	Invalidations       prometheus.Counter
	Scopes              prometheus.Gauge
	RecognizedFlags     prometheus.Gauge
	AuthFailuresTotal   prometheus.Counter
	ActiveStreams       *prometheus.GaugeVec
}

// New creates and registers all flagtree metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagtree_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagtree_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagtree_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagtree_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		ResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagtree_flag_resolutions_total",
			Help: "Total number of flag resolutions, by whether the value was local to the scope.",
		}, []string{"flag", "local"}),

		FlagUpdatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagtree_flag_updates_total",
			Help: "Total number of container update notifications.",
		}, []string{"flag", "update"}),

		ParseFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagtree_flag_parse_failures_total",
			Help: "Total number of values rejected by a flag's parser.",
		}, []string{"flag"}),

		OverrideReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagtree_override_reloads_total",
			Help: "Total number of full override reloads from the database.",
		}),

		Invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagtree_override_invalidations_total",
			Help: "Total number of NOTIFY-triggered override reloads.",
		}),

		Scopes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flagtree_scopes",
			Help: "Number of scope containers held in memory.",
		}),

		RecognizedFlags: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flagtree_recognized_flags",
			Help: "Number of flag kinds present in the registry.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagtree_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flagtree_active_streams",
			Help: "Number of active streaming connections.",
		}, []string{"transport"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.ResolutionsTotal,
		m.FlagUpdatesTotal,
		m.ParseFailuresTotal,
		m.OverrideReloads,
		m.Invalidations,
		m.Scopes,
		m.RecognizedFlags,
		m.AuthFailuresTotal,
		m.ActiveStreams,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest records one HTTP request against its matched route.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, elapsed time.Duration) {
	code := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
}

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		method := path.Base(info.FullMethod)
		st, _ := status.FromError(err)
		code := st.Code().String()
		m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
		m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// StreamServerInterceptor returns a gRPC stream interceptor that records
// request count, latency, and active stream gauge.
func (m *Metrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		m.ActiveStreams.WithLabelValues("grpc").Inc()
		defer m.ActiveStreams.WithLabelValues("grpc").Dec()
		start := time.Now()
		err := handler(srv, ss)
		method := path.Base(info.FullMethod)
		st, _ := status.FromError(err)
		code := st.Code().String()
		m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
		m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
		return err
	}
}

// RecordResolution counts a resolved flag.
func (m *Metrics) RecordResolution(flag string, local bool) {
	m.ResolutionsTotal.WithLabelValues(flag, strconv.FormatBool(local)).Inc()
}

// RecordUpdate counts a container update notification.
func (m *Metrics) RecordUpdate(flag, update string) {
	m.FlagUpdatesTotal.WithLabelValues(flag, update).Inc()
}

// RecordParseFailure counts a rejected value for flag.
func (m *Metrics) RecordParseFailure(flag string) {
	m.ParseFailuresTotal.WithLabelValues(flag).Inc()
}

// IncOverrideReloads increments the reload counter.
func (m *Metrics) IncOverrideReloads() {
	m.OverrideReloads.Inc()
}

// IncInvalidations increments the invalidation counter.
func (m *Metrics) IncInvalidations() {
	m.Invalidations.Inc()
}

// SetScopes updates the scope gauge.
func (m *Metrics) SetScopes(count int) {
	m.Scopes.Set(float64(count))
}

// SetRecognizedFlags updates the registry size gauge.
func (m *Metrics) SetRecognizedFlags(count int) {
	m.RecognizedFlags.Set(float64(count))
}

// StreamOpened increments the active stream gauge for transport and returns
// a func that decrements it.
func (m *Metrics) StreamOpened(transport string) func() {
	gauge := m.ActiveStreams.WithLabelValues(transport)
	gauge.Inc()
	return gauge.Dec
}

// RegisterAuthLimiter reports how many client IPs the auth rate limiter is
// tracking, read from tracked on every scrape.
func (m *Metrics) RegisterAuthLimiter(tracked func() int) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "flagtree_auth_limiter_tracked_ips",
		Help: "Number of client IPs with recorded authentication failures.",
	}, func() float64 { return float64(tracked()) }))
}
