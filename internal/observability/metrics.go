// Package observability keeps in-process request and saga metrics and
// serves them as JSON.
package observability

import (
	"sync"
	"time"
)

type RouteSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

type Snapshot struct {
	UptimeSec     int64                    `json:"uptime_sec"`
	TotalRequests int64                    `json:"total_requests"`
	TotalErrors   int64                    `json:"total_errors"`
	InFlight      int64                    `json:"in_flight"`
	RateLimited   int64                    `json:"rate_limited"`
	Lifecycle     *LifecycleSnapshot       `json:"lifecycle,omitempty"`
	Routes        map[string]RouteSnapshot `json:"routes"`
	Counters      map[string]int64         `json:"counters"`
}

type routeStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

// Metrics aggregates per-route latencies and named counters. A nil
// *Metrics is a valid no-op sink.
type Metrics struct {
	mu          sync.Mutex
	start       time.Time
	routes      map[string]*routeStats
	counters    map[string]int64
	rateLimited int64
	lifecycle   lifecycleStats
}

type CallSpan struct {
	metrics *Metrics
	route   string
	start   time.Time
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:    time.Now(),
		routes:   make(map[string]*routeStats),
		counters: make(map[string]int64),
	}
}

// Start records the beginning of a call on route.
func (m *Metrics) Start(route string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	m.ensureRoute(route).inFlight++
	m.mu.Unlock()
	return &CallSpan{
		metrics: m,
		route:   route,
		start:   time.Now(),
	}
}

func (s *CallSpan) End(failed bool) {
	if s == nil || s.metrics == nil {
		return
	}
	s.metrics.finish(s.route, time.Since(s.start), failed)
}

// Inc increments a named counter such as saga.started or consumer.acked.
func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.counters[name]++
	m.mu.Unlock()
}

func (m *Metrics) AddRateLimited() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.rateLimited++
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		UptimeSec:   int64(time.Since(m.start).Seconds()),
		Routes:      make(map[string]RouteSnapshot, len(m.routes)),
		Counters:    make(map[string]int64, len(m.counters)),
		RateLimited: m.rateLimited,
	}

	for route, stats := range m.routes {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Routes[route] = RouteSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalRequests += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}
	for name, n := range m.counters {
		snap.Counters[name] = n
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}

	return snap
}

func (m *Metrics) ensureRoute(route string) *routeStats {
	stats, ok := m.routes[route]
	if !ok {
		stats = &routeStats{}
		m.routes[route] = stats
	}
	return stats
}

func (m *Metrics) finish(route string, dur time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.ensureRoute(route)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
}

// MarkShutdown records how many requests were still running when the
// server began shutting down.
func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}
