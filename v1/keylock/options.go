package keylock

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-keylock/v1/metrics"
	"github.com/mirkobrombin/go-keylock/v1/stats"
	"github.com/mirkobrombin/go-keylock/v1/syncbus"
)

// Option configures a Registry.
type Option[K comparable] func(*Registry[K])

// WithLogger sets the logger. The default discards everything.
func WithLogger[K comparable](l *zap.Logger) Option[K] {
	return func(r *Registry[K]) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics[K comparable](reg prometheus.Registerer) Option[K] {
	return func(r *Registry[K]) {
		r.metrics = metrics.NewLockMetrics(reg)
	}
}

// WithTracing records a span for every Acquire. A nil provider selects
// the global one.
func WithTracing[K comparable](tp trace.TracerProvider) Option[K] {
	return func(r *Registry[K]) {
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		r.tracer = tp.Tracer(tracerName)
	}
}

// WithBus publishes every state transition on bus.
func WithBus[K comparable](bus syncbus.Bus) Option[K] {
	return func(r *Registry[K]) {
		r.bus = bus
	}
}

// WithOrigin sets the identifier stamped on published events. A random
// one is generated otherwise.
func WithOrigin[K comparable](id string) Option[K] {
	return func(r *Registry[K]) {
		r.origin = id
	}
}

// WithStats records every grant in t.
func WithStats[K comparable](t *stats.Tracker) Option[K] {
	return func(r *Registry[K]) {
		r.stats = t
	}
}

// WithStrict makes Release of a key that is not locked return
// errors.ErrNotLocked instead of silently doing nothing.
func WithStrict[K comparable]() Option[K] {
	return func(r *Registry[K]) {
		r.strict = true
	}
}

// WithKeyFormatter sets how keys are rendered in logs, events, spans and
// stats. fmt.Sprint is used by default.
func WithKeyFormatter[K comparable](fn func(K) string) Option[K] {
	return func(r *Registry[K]) {
		if fn != nil {
			r.format = fn
		}
	}
}
