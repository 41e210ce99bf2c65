package syncbus

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"

	klerrors "github.com/mirkobrombin/go-keylock/v1/errors"
)

const (
	// DefaultRedisChannel is the pub/sub channel used when none is given.
	DefaultRedisChannel = "keylock:events"
	redisBusTimeout     = 5 * time.Second
)

// RedisBus implements Bus on top of Redis pub/sub. Every event travels
// over a single channel and is filtered by key on the receiving side.
type RedisBus struct {
	client  *redis.Client
	channel string
	pubsub  *redis.PubSub
	hub     *hub
	closed  atomic.Bool
	done    chan struct{}
}

// NewRedisBus subscribes to channel (DefaultRedisChannel when empty) and
// returns once Redis has confirmed the subscription.
func NewRedisBus(ctx context.Context, client *redis.Client, channel string) (*RedisBus, error) {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	ps := client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	b := &RedisBus{
		client:  client,
		channel: channel,
		pubsub:  ps,
		hub:     newHub(),
		done:    make(chan struct{}),
	}
	go b.dispatch()
	return b, nil
}

func (b *RedisBus) dispatch() {
	defer close(b.done)
	for msg := range b.pubsub.Channel() {
		b.hub.deliverRaw([]byte(msg.Payload))
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.closed.Load() {
		return klerrors.ErrConnectionClosed
	}
	data, err := evt.Encode()
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, b.channel, data).Err(); err != nil {
		return err
	}
	b.hub.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (chan Event, error) {
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
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch chan Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.hub.remove(key, ch)
	return nil
}

// Close stops the Redis subscription and closes all local subscribers.
// The client itself is left open.
func (b *RedisBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := b.pubsub.Close()
	<-b.done
	b.hub.closeAll()
	return err
}

// Metrics returns the published, delivered and dropped counts.
func (b *RedisBus) Metrics() Metrics {
	return b.hub.metrics()
}
