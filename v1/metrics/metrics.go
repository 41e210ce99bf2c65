package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirkobrombin/go-keylock/v1/syncbus"
)

// LockMetrics groups the collectors updated by a lock registry.
type LockMetrics struct {
	// Acquired counts every grant, immediate or after waiting.
	Acquired prometheus.Counter
	// Contended counts acquisitions that had to queue.
	Contended prometheus.Counter
	Handoffs  prometheus.Counter
	// Released counts releases that freed a key.
	Released  prometheus.Counter
	Cancelled prometheus.Counter
	// Misuse counts releases of keys that were not locked.
	Misuse      prometheus.Counter
	LockedKeys  prometheus.Gauge
	Waiters     prometheus.Gauge
	WaitSeconds prometheus.Histogram
}

// NewLockMetrics creates the registry collectors and registers them on reg.
// Registering twice on the same registerer panics.
func NewLockMetrics(reg prometheus.Registerer) *LockMetrics {
	m := &LockMetrics{
		Acquired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keylock_acquire_total",
			Help: "Total number of granted lock acquisitions",
		}),
		Contended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keylock_contended_total",
			Help: "Total number of acquisitions that had to wait",
		}),
		Handoffs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keylock_handoff_total",
			Help: "Total number of releases that granted the next waiter",
		}),
		Released: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keylock_release_total",
			Help: "Total number of releases that freed a key",
		}),
		Cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keylock_cancel_total",
			Help: "Total number of waiters that gave up before being granted",
		}),
		Misuse: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keylock_misuse_total",
			Help: "Total number of releases of keys that were not locked",
		}),
		LockedKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keylock_locked_keys",
			Help: "Current number of locked keys",
		}),
		Waiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keylock_waiters",
			Help: "Current number of queued waiters across all keys",
		}),
		WaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "keylock_wait_seconds",
			Help:    "Time spent waiting for a lock grant",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.Acquired, m.Contended, m.Handoffs, m.Released, m.Cancelled,
		m.Misuse, m.LockedKeys, m.Waiters, m.WaitSeconds,
	)
	return m
}

// RegisterBusMetrics exposes the counters of bus on reg, labelled with name.
func RegisterBusMetrics(reg prometheus.Registerer, name string, bus syncbus.MetricsSource) {
	labels := prometheus.Labels{"bus": name}
	reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "keylock_bus_published_total",
			Help:        "Total number of lock events published on the bus",
			ConstLabels: labels,
		}, func() float64 { return float64(bus.Metrics().Published) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "keylock_bus_delivered_total",
			Help:        "Total number of lock events delivered to local subscribers",
			ConstLabels: labels,
		}, func() float64 { return float64(bus.Metrics().Delivered) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "keylock_bus_dropped_total",
			Help:        "Total number of lock events dropped for slow subscribers",
			ConstLabels: labels,
		}, func() float64 { return float64(bus.Metrics().Dropped) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "keylock_bus_malformed_total",
			Help:        "Total number of received payloads that were not lock events",
			ConstLabels: labels,
		}, func() float64 { return float64(bus.Metrics().Malformed) }),
	)
}

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}
