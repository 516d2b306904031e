package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the session engine.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session metrics
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	SessionsClosed prometheus.Counter

	// Block metrics
	BlocksStarted   prometheus.Counter
	BlocksFinalized *prometheus.CounterVec
	OutputBytes     prometheus.Counter

	// Subscription metrics
	SubscriberDrops prometheus.Counter
	WSConnections   prometheus.Gauge

	// Degraded-mode sessions (shell integration missing or mismatched)
	SessionsDegraded prometheus.Counter

	startTime time.Time
	Uptime    prometheus.GaugeFunc
}

// New creates metrics registered on reg (nil means the default
// registry).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{startTime: time.Now()}

	m.RequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "blockterm_http_requests_total",
		Help: "Total HTTP requests by method, path, and status",
	}, []string{"method", "path", "status"})

	m.RequestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "blockterm_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	m.SessionsActive = factory.NewGauge(prometheus.GaugeOpts{
		Name: "blockterm_sessions_active",
		Help: "Currently open shell sessions",
	})

	m.SessionsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "blockterm_sessions_total",
		Help: "Sessions created since start",
	})

	m.SessionsClosed = factory.NewCounter(prometheus.CounterOpts{
		Name: "blockterm_sessions_closed_total",
		Help: "Sessions closed since start",
	})

	m.BlocksStarted = factory.NewCounter(prometheus.CounterOpts{
		Name: "blockterm_blocks_started_total",
		Help: "Blocks entered the running state",
	})

	m.BlocksFinalized = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "blockterm_blocks_finalized_total",
		Help: "Blocks finalized by terminal status",
	}, []string{"status"})

	m.OutputBytes = factory.NewCounter(prometheus.CounterOpts{
		Name: "blockterm_output_bytes_total",
		Help: "Raw output bytes captured into blocks",
	})

	m.SubscriberDrops = factory.NewCounter(prometheus.CounterOpts{
		Name: "blockterm_subscriber_dropped_events_total",
		Help: "Block events dropped because a subscriber fell behind",
	})

	m.WSConnections = factory.NewGauge(prometheus.GaugeOpts{
		Name: "blockterm_ws_connections",
		Help: "Open WebSocket event streams",
	})

	m.SessionsDegraded = factory.NewCounter(prometheus.CounterOpts{
		Name: "blockterm_sessions_degraded_total",
		Help: "Sessions that fell back to unframed capture",
	})

	m.Uptime = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "blockterm_uptime_seconds",
		Help: "Engine uptime",
	}, func() float64 {
		return time.Since(m.startTime).Seconds()
	})

	return m
}

// NewNop creates metrics on a throwaway registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
