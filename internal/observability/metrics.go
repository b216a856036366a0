package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors exported at /metrics.
type Metrics struct {
	// QueueDepth tracks events queued for connected stream clients.
	QueueDepth prometheus.Gauge

	// RequestTotal counts HTTP API requests.
	RequestTotal prometheus.Counter

	// ErrorTotal counts HTTP API requests that ended in error.
	ErrorTotal prometheus.Counter

	// ErrorRate is the error rate over the rolling health window.
	ErrorRate prometheus.Gauge

	// NodeDuration measures node execution time in seconds by node type
	// and terminal status.
	NodeDuration *prometheus.HistogramVec

	// RunTotal counts runs by trigger and terminal status.
	RunTotal *prometheus.CounterVec

	// BusDropped counts live-bus events dropped under backpressure.
	BusDropped prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates and registers the collectors on a private registry so
// tests can construct metrics repeatedly without duplicate registration.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "amon_ui_queue_depth",
			Help: "Events queued for connected stream clients.",
		}),
		RequestTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amon_ui_request_total",
			Help: "Total HTTP API requests.",
		}),
		ErrorTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amon_ui_error_total",
			Help: "Total HTTP API requests that returned an error status.",
		}),
		ErrorRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "amon_ui_error_rate",
			Help: "Error rate over the rolling health window.",
		}),
		NodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "amon_node_duration_seconds",
			Help:    "Node execution time by type and status.",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300, 600},
		}, []string{"node_type", "status"}),
		RunTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amon_run_total",
			Help: "Runs by trigger and terminal status.",
		}, []string{"trigger", "status"}),
		BusDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amon_bus_dropped_total",
			Help: "Live bus events dropped under backpressure.",
		}),
		registry: reg,
	}
	reg.MustRegister(m.QueueDepth, m.RequestTotal, m.ErrorTotal, m.ErrorRate,
		m.NodeDuration, m.RunTotal, m.BusDropped)
	return m
}

// Registry returns the private registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// HealthWindow tracks request outcomes over a rolling window for /health.
type HealthWindow struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	samples []healthSample
	started time.Time
}

type healthSample struct {
	at  time.Time
	err bool
}

// NewHealthWindow creates a rolling window tracker. A zero window defaults to
// five minutes.
func NewHealthWindow(window time.Duration) *HealthWindow {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &HealthWindow{window: window, now: time.Now, started: time.Now()}
}

// Observe records one request outcome.
func (h *HealthWindow) Observe(isErr bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	h.samples = append(h.samples, healthSample{at: now, err: isErr})
	h.prune(now)
}

func (h *HealthWindow) prune(now time.Time) {
	cutoff := now.Add(-h.window)
	i := 0
	for ; i < len(h.samples); i++ {
		if h.samples[i].at.After(cutoff) {
			break
		}
	}
	h.samples = h.samples[i:]
}

// Snapshot summarizes the current window.
type Snapshot struct {
	WindowSeconds int     `json:"window_seconds"`
	RequestCount  int     `json:"request_count"`
	ErrorCount    int     `json:"error_count"`
	ErrorRate     float64 `json:"error_rate"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// Snapshot returns counts and rates over the rolling window.
func (h *HealthWindow) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	h.prune(now)

	snap := Snapshot{
		WindowSeconds: int(h.window.Seconds()),
		RequestCount:  len(h.samples),
		UptimeSeconds: now.Sub(h.started).Seconds(),
	}
	for _, s := range h.samples {
		if s.err {
			snap.ErrorCount++
		}
	}
	if snap.RequestCount > 0 {
		snap.ErrorRate = float64(snap.ErrorCount) / float64(snap.RequestCount)
	}
	return snap
}
