package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Roles and directions used as metric labels.
const (
	RoleClient = "client"
	RoleServer = "server"

	DirectionIn  = "in"
	DirectionOut = "out"
)

var (
	registerOnce sync.Once

	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nrepl",
			Subsystem: "transport",
			Name:      "frames_total",
			Help:      "Bencode frames read or written.",
		},
		[]string{"role", "direction"},
	)
	decodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nrepl",
			Subsystem: "transport",
			Name:      "decode_errors_total",
			Help:      "Frames rejected by the decoder or the message model.",
		},
		[]string{"role", "kind"},
	)
	connections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nrepl",
			Subsystem: "transport",
			Name:      "connections",
			Help:      "Open nREPL connections.",
		},
		[]string{"role"},
	)
	orphans = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nrepl",
			Subsystem: "correlate",
			Name:      "orphan_responses_total",
			Help:      "Responses that matched no pending request.",
		},
		[]string{"role"},
	)
	pending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nrepl",
			Subsystem: "correlate",
			Name:      "pending_requests",
			Help:      "Requests awaiting a terminal response.",
		},
		[]string{"role"},
	)
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nrepl",
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Requests handled by op and outcome.",
		},
		[]string{"op", "outcome"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nrepl",
			Subsystem: "server",
			Name:      "request_duration_seconds",
			Help:      "Time from request dispatch to terminal response.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op", "outcome"},
	)
	sessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nrepl",
			Subsystem: "server",
			Name:      "sessions",
			Help:      "Live sessions across all connections.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nrepl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nrepl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			frames, decodeErrors, connections, orphans, pending,
			requests, requestDuration, sessions,
			httpRequests, httpDuration,
		)
	})
}

func RecordFrame(role, direction string) {
	RegisterMetrics()
	frames.WithLabelValues(role, direction).Inc()
}

func RecordDecodeError(role, kind string) {
	RegisterMetrics()
	decodeErrors.WithLabelValues(role, kind).Inc()
}

func RecordOrphan(role string) {
	RegisterMetrics()
	orphans.WithLabelValues(role).Inc()
}

func ConnectionOpened(role string) {
	RegisterMetrics()
	connections.WithLabelValues(role).Inc()
}

func ConnectionClosed(role string) {
	RegisterMetrics()
	connections.WithLabelValues(role).Dec()
}

// AddPending moves the pending request gauge by delta.
func AddPending(role string, delta int) {
	RegisterMetrics()
	pending.WithLabelValues(role).Add(float64(delta))
}

func SessionOpened() {
	RegisterMetrics()
	sessions.Inc()
}

func SessionClosed() {
	RegisterMetrics()
	sessions.Dec()
}

func RecordRequest(op, outcome string, duration time.Duration) {
	RegisterMetrics()
	requests.WithLabelValues(op, outcome).Inc()
	requestDuration.WithLabelValues(op, outcome).Observe(duration.Seconds())
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
