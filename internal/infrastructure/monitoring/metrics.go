package monitoring

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Simulation metrics
	Runs               *prometheus.CounterVec
	GenerationDuration prometheus.Histogram
	StaleDrops         prometheus.Counter

	// Quota metrics
	QuotaUnits      prometheus.Counter
	QuotaRejections prometheus.Counter

	// Session metrics
	SessionChecks *prometheus.CounterVec

	// Sandbox metrics
	SandboxMounts prometheus.Counter
	SandboxErrors *prometheus.CounterVec
	SandboxLive   prometheus.Gauge

	// Workspace metrics
	WorkspacesActive prometheus.Gauge

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	startTime time.Time
	snapshot  Snapshot
	mu        sync.RWMutex
}

// Snapshot holds current values for the JSON health view.
type Snapshot struct {
	TotalRequests int64   `json:"total_requests"`
	TotalErrors   int64   `json:"total_errors"`
	TotalRuns     int64   `json:"total_runs"`
	UnitsCharged  int64   `json:"units_charged"`
	LiveInstances int64   `json:"live_instances"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// NewMetrics creates a metrics collector with its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "simlab_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "simlab_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"method", "route"},
		),

		Runs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "simlab_runs_total",
				Help: "Generation runs by outcome",
			},
			[]string{"outcome"},
		),
		GenerationDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "simlab_generation_duration_seconds",
				Help:    "Remote generation call duration in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 40, 90},
			},
		),
		StaleDrops: f.NewCounter(
			prometheus.CounterOpts{
				Name: "simlab_stale_results_total",
				Help: "Results discarded because a newer run superseded them",
			},
		),

		QuotaUnits: f.NewCounter(
			prometheus.CounterOpts{
				Name: "simlab_quota_units_total",
				Help: "Total usage units committed",
			},
		),
		QuotaRejections: f.NewCounter(
			prometheus.CounterOpts{
				Name: "simlab_quota_rejections_total",
				Help: "Runs refused because quota was exhausted",
			},
		),

		SessionChecks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "simlab_session_checks_total",
				Help: "Session validations by result",
			},
			[]string{"result"},
		),

		SandboxMounts: f.NewCounter(
			prometheus.CounterOpts{
				Name: "simlab_sandbox_mounts_total",
				Help: "Artifacts mounted into a sandbox",
			},
		),
		SandboxErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "simlab_sandbox_errors_total",
				Help: "In-sandbox failures by kind",
			},
			[]string{"kind"},
		),
		SandboxLive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "simlab_sandbox_live_instances",
				Help: "Sandbox instances currently mounted",
			},
		),

		WorkspacesActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "simlab_workspaces_active",
				Help: "Presentation workspaces currently open",
			},
		),

		WSConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "simlab_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		WSMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "simlab_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction"},
		),
	}

	f.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "simlab_uptime_seconds",
			Help: "Backend uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, status).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	if status != "" && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordRun records a finished run and its generation latency.
func (m *Metrics) RecordRun(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(outcome).Inc()
	if duration > 0 {
		m.GenerationDuration.Observe(duration.Seconds())
	}
	m.mu.Lock()
	m.snapshot.TotalRuns++
	m.mu.Unlock()
}

// IncStaleDrops counts a superseded result.
func (m *Metrics) IncStaleDrops() {
	if m == nil {
		return
	}
	m.StaleDrops.Inc()
}

// AddQuotaUnits records committed usage.
func (m *Metrics) AddQuotaUnits(units int64) {
	if m == nil || units <= 0 {
		return
	}
	m.QuotaUnits.Add(float64(units))
	m.mu.Lock()
	m.snapshot.UnitsCharged += units
	m.mu.Unlock()
}

// IncQuotaRejections counts a run refused for quota.
func (m *Metrics) IncQuotaRejections() {
	if m == nil {
		return
	}
	m.QuotaRejections.Inc()
}

// RecordSessionCheck records a session validation result.
func (m *Metrics) RecordSessionCheck(valid bool) {
	if m == nil {
		return
	}
	result := "invalid"
	if valid {
		result = "valid"
	}
	m.SessionChecks.WithLabelValues(result).Inc()
}

// IncSandboxMounts counts a mount.
func (m *Metrics) IncSandboxMounts() {
	if m == nil {
		return
	}
	m.SandboxMounts.Inc()
}

// RecordSandboxError counts an in-sandbox failure.
func (m *Metrics) RecordSandboxError(kind string) {
	if m == nil {
		return
	}
	m.SandboxErrors.WithLabelValues(kind).Inc()
}

// SetSandboxLive sets the number of mounted instances.
func (m *Metrics) SetSandboxLive(count int) {
	if m == nil {
		return
	}
	m.SandboxLive.Set(float64(count))
	m.mu.Lock()
	m.snapshot.LiveInstances = int64(count)
	m.mu.Unlock()
}

// SetWorkspacesActive sets the number of open workspaces.
func (m *Metrics) SetWorkspacesActive(count int) {
	if m == nil {
		return
	}
	m.WorkspacesActive.Set(float64(count))
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction).Inc()
}

// Snapshot returns current values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.snapshot
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}
