package syncbus

import (
	"context"
	"sync/atomic"

	klerrors "github.com/mirkobrombin/go-keylock/v1/errors"
)

// Bus carries lock events between registries and their observers.
// Subscribing to AllKeys receives the events of every key.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	Subscribe(ctx context.Context, key string) (chan Event, error)
	Unsubscribe(ctx context.Context, key string, ch chan Event) error
}

// Metrics reports the traffic seen by a bus.
type Metrics struct {
	Published uint64
	Delivered uint64
	Dropped   uint64
	// Malformed counts received payloads that could not be decoded.
	Malformed uint64
}

// MetricsSource is implemented by buses that expose Metrics.
type MetricsSource interface {
	Metrics() Metrics
}

// InMemoryBus is a process-local Bus.
type InMemoryBus struct {
	hub    *hub
	closed atomic.Bool
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{hub: newHub()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.closed.Load() {
		return klerrors.ErrConnectionClosed
	}
	b.hub.published.Add(1)
	b.hub.deliver(evt)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, klerrors.ErrConnectionClosed
	}
	ch, err := b.hub.add(key)
	if err != nil {
		return nil, err
	}
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch chan Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.hub.remove(key, ch)
	return nil
}

// Subscribers returns the number of live subscriptions on key.
func (b *InMemoryBus) Subscribers(key string) int {
	return b.hub.count(key)
}

// Close closes every subscription. Later calls to Publish and Subscribe fail.
func (b *InMemoryBus) Close() error {
	b.closed.Store(true)
	b.hub.closeAll()
	return nil
}

// Metrics returns the published, delivered and dropped counts.
func (b *InMemoryBus) Metrics() Metrics {
	return b.hub.metrics()
}
