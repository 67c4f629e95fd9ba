package metrics

import (
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)

	// Sessions
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "session_active_handles", Help: "Live transport handles in this process."},
	)
	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "session_transitions_total", Help: "Persisted session status transitions."},
		[]string{"status"}, // INITIALIZING | CONNECTED | DISCONNECTED | LOGOUT
	)
	SessionEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "session_evictions_total", Help: "Handle evictions by reason."},
		[]string{"reason"}, // QR_LIMIT | INACTIVITY | USER_DISCONNECT | DEVICE_DELETED | AUTH_FAILURE | TRANSPORT
	)

	// Dispatch
	DispatchRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_runs_total", Help: "Dispatch run outcomes."},
		[]string{"result"}, // ok | insufficient_balance | rejected | error
	)
	DispatchMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_messages_total", Help: "Per-message send outcomes."},
		[]string{"outcome"}, // sent | failed
	)
	DispatchBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_batch_size",
			Help:    "Messages per dispatched batch.",
			Buckets: prometheus.LinearBuckets(0, 5, 6), // 0,5,...,25
		},
	)
	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_send_duration_seconds",
			Help:    "Transport send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)
)

var registerOnce sync.Once

// Register default + our collectors. Safe to call from every router build.
func MustRegister() {
	registerOnce.Do(register)
}

func register() {
	prometheus.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		HTTPRequests, HTTPDuration,
		ActiveSessions, SessionTransitions, SessionEvictions,
		DispatchRuns, DispatchMessages, DispatchBatchSize, SendDuration,
	)
}

// Export a tiny pgxpool stats exporter
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Counter
	acquireLatency prometheus.Counter
}

func NewPGXPoolStats(pool *pgxpool.Pool) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquires_total", Help: "Total pool acquires.",
		}),
		acquireLatency: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquire_seconds_total", Help: "Sum of acquire latencies.",
		}),
	}
	prometheus.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireLatency)

	return m
}

func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	for {
		select {
		case <-stop:
			t.Stop()
			return
		case <-t.C:
			s := m.pool.Stat()
			m.conns.Set(float64(s.TotalConns()))
			m.idle.Set(float64(s.IdleConns()))
			m.acquireCount.Add(float64(s.AcquireCount()))
			m.acquireLatency.Add(s.AcquireDuration().Seconds())
		}
	}
}
