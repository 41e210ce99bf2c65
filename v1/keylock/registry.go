package keylock

import (
	"context"
	"fmt"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	klerrors "github.com/mirkobrombin/go-keylock/v1/errors"
	"github.com/mirkobrombin/go-keylock/v1/metrics"
	"github.com/mirkobrombin/go-keylock/v1/stats"
	"github.com/mirkobrombin/go-keylock/v1/syncbus"
)

const tracerName = "github.com/mirkobrombin/go-keylock/v1/keylock"

// Entry describes a locked key.
type Entry[K comparable] struct {
	Key     K   `json:"key"`
	Waiters int `json:"waiters"`
}

// Registry is a set of FIFO mutexes indexed by key. The zero value is not
// usable; create one with New.
type Registry[K comparable] struct {
	mu sync.Mutex
	// presence means locked
	locks   map[K]*entry
	waiting int

	strict  bool
	logger  *zap.Logger
	metrics *metrics.LockMetrics
	tracer  trace.Tracer
	bus     syncbus.Bus
	origin  string
	stats   *stats.Tracker
	format  func(K) string
}

// New returns an empty registry.
func New[K comparable](opts ...Option[K]) *Registry[K] {
	r := &Registry[K]{
		locks:  make(map[K]*entry),
		logger: zap.NewNop(),
		format: func(k K) string { return fmt.Sprint(k) },
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.origin == "" {
		id, err := uuid.GenerateUUID()
		if err != nil {
			r.logger.Warn("generate registry origin", zap.Error(err))
		}
		r.origin = id
	}
	return r
}

// Origin returns the identifier stamped on the events of this registry.
func (r *Registry[K]) Origin() string {
	return r.origin
}

// Acquire blocks until the caller holds key. A free key is granted
// immediately, even if ctx is already done. Otherwise the caller queues
// behind earlier waiters and is granted in arrival order.
//
// If ctx ends first, the caller leaves the queue and ctx.Err() is
// returned; the key is never held after an error.
func (r *Registry[K]) Acquire(ctx context.Context, key K) error {
	var span trace.Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "Registry.Acquire",
			trace.WithAttributes(attribute.String("keylock.key", r.format(key))))
		defer span.End()
	}
	start := time.Now()

	r.mu.Lock()
	e, held := r.locks[key]
	if !held {
		r.locks[key] = &entry{}
		r.updateGauges()
		r.mu.Unlock()
		r.granted(span, key, 0, false)
		r.publish(ctx, syncbus.KindLocked, key, 0)
		return nil
	}
	if err := ctx.Err(); err != nil {
		r.mu.Unlock()
		recordError(span, err)
		return err
	}
	w := e.push()
	r.waiting++
	depth := e.len()
	r.updateGauges()
	r.mu.Unlock()

	if span != nil {
		span.SetAttributes(attribute.Int("keylock.waiters", depth))
	}
	if ce := r.logger.Check(zapcore.DebugLevel, "waiting for lock"); ce != nil {
		ce.Write(zap.String("key", r.format(key)), zap.Int("position", depth))
	}
	r.publish(ctx, syncbus.KindQueued, key, depth)

	select {
	case <-w.ready:
		r.granted(span, key, time.Since(start), true)
		return nil
	case <-ctx.Done():
	}

	r.mu.Lock()
	select {
	case <-w.ready:
		// Granted while giving up: pass the key on as its holder would.
		r.mu.Unlock()
		_ = r.Release(ctx, key)
	default:
		e.remove(w)
		r.waiting--
		remaining := e.len()
		r.updateGauges()
		r.mu.Unlock()
		r.publish(ctx, syncbus.KindCancelled, key, remaining)
	}

	err := ctx.Err()
	if r.metrics != nil {
		r.metrics.Cancelled.Inc()
	}
	r.logger.Info("gave up waiting for lock",
		zap.String("key", r.format(key)),
		zap.Duration("waited", time.Since(w.queuedAt)),
		zap.Error(err))
	recordError(span, err)
	return err
}

// TryAcquire grants key only if it is free. It never waits.
func (r *Registry[K]) TryAcquire(ctx context.Context, key K) bool {
	r.mu.Lock()
	if _, held := r.locks[key]; held {
		r.mu.Unlock()
		return false
	}
	r.locks[key] = &entry{}
	r.updateGauges()
	r.mu.Unlock()
	r.granted(nil, key, 0, false)
	r.publish(ctx, syncbus.KindLocked, key, 0)
	return true
}

// Release hands key to the longest waiting caller, or frees it when
// nobody waits. Releasing a free key does nothing, unless the registry is
// strict, in which case an error wrapping errors.ErrNotLocked is returned.
//
// Release does not check who holds the key.
func (r *Registry[K]) Release(ctx context.Context, key K) error {
	r.mu.Lock()
	e, held := r.locks[key]
	if !held {
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.Misuse.Inc()
		}
		if !r.strict {
			return nil
		}
		r.logger.Warn("release of unlocked key", zap.String("key", r.format(key)))
		return fmt.Errorf("release %s: %w", r.format(key), klerrors.ErrNotLocked)
	}

	if w := e.pop(); w != nil {
		r.waiting--
		remaining := e.len()
		close(w.ready)
		r.updateGauges()
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.Handoffs.Inc()
		}
		r.publish(ctx, syncbus.KindHandoff, key, remaining)
		return nil
	}

	delete(r.locks, key)
	r.updateGauges()
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.Released.Inc()
	}
	if ce := r.logger.Check(zapcore.DebugLevel, "lock freed"); ce != nil {
		ce.Write(zap.String("key", r.format(key)))
	}
	r.publish(ctx, syncbus.KindUnlocked, key, 0)
	return nil
}

// WithLock runs fn while holding key and releases it on every exit path,
// panics included.
func (r *Registry[K]) WithLock(ctx context.Context, key K, fn func(context.Context) error) error {
	if fn == nil {
		return klerrors.ErrNilFunc
	}
	if err := r.Acquire(ctx, key); err != nil {
		return err
	}
	defer func() { _ = r.Release(ctx, key) }()
	return fn(ctx)
}

// IsLocked reports whether key is currently held.
func (r *Registry[K]) IsLocked(key K) bool {
	r.mu.Lock()
	_, held := r.locks[key]
	r.mu.Unlock()
	return held
}

// Waiting returns the number of callers queued on key.
func (r *Registry[K]) Waiting(key K) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, held := r.locks[key]; held {
		return e.len()
	}
	return 0
}

// Len returns the number of locked keys.
func (r *Registry[K]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

// Keys returns the locked keys in no particular order.
func (r *Registry[K]) Keys() []K {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]K, 0, len(r.locks))
	for k := range r.locks {
		keys = append(keys, k)
	}
	return keys
}

// Snapshot returns every locked key with its queue length.
func (r *Registry[K]) Snapshot() []Entry[K] {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry[K], 0, len(r.locks))
	for k, e := range r.locks {
		out = append(out, Entry[K]{Key: k, Waiters: e.len()})
	}
	return out
}

// updateGauges must be called with r.mu held.
func (r *Registry[K]) updateGauges() {
	if r.metrics == nil {
		return
	}
	r.metrics.LockedKeys.Set(float64(len(r.locks)))
	r.metrics.Waiters.Set(float64(r.waiting))
}

func (r *Registry[K]) granted(span trace.Span, key K, wait time.Duration, contended bool) {
	if r.metrics != nil {
		r.metrics.Acquired.Inc()
		if contended {
			r.metrics.Contended.Inc()
		}
		r.metrics.WaitSeconds.Observe(wait.Seconds())
	}
	if r.stats != nil {
		r.stats.Record(r.format(key), wait, contended)
	}
	if span != nil {
		span.SetAttributes(attribute.Bool("keylock.contended", contended))
	}
	if ce := r.logger.Check(zapcore.DebugLevel, "lock granted"); ce != nil {
		ce.Write(
			zap.String("key", r.format(key)),
			zap.Bool("contended", contended),
			zap.Duration("wait", wait))
	}
}

// publish runs outside r.mu, so events of concurrent transitions may reach
// the bus out of order. It ignores ctx cancellation.
func (r *Registry[K]) publish(ctx context.Context, kind syncbus.Kind, key K, waiters int) {
	if r.bus == nil {
		return
	}
	evt := syncbus.NewEvent(kind, r.format(key), r.origin, waiters)
	if err := r.bus.Publish(context.WithoutCancel(ctx), evt); err != nil {
		r.logger.Warn("publish lock event",
			zap.String("kind", string(kind)),
			zap.String("key", evt.Key),
			zap.Error(err))
	}
}

func recordError(span trace.Span, err error) {
	if span == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
