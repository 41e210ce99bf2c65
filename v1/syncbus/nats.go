package syncbus

import (
	"context"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"

	klerrors "github.com/mirkobrombin/go-keylock/v1/errors"
)

// DefaultNATSSubject is the subject used when none is given.
const DefaultNATSSubject = "keylock.events"

// NATSBus implements Bus using a NATS backend.
type NATSBus struct {
	conn    *nats.Conn
	subject string
	sub     *nats.Subscription
	hub     *hub
	closed  atomic.Bool
}

// NewNATSBus subscribes to subject (DefaultNATSSubject when empty) on conn.
// The subscription is flushed to the server before returning.
func NewNATSBus(conn *nats.Conn, subject string) (*NATSBus, error) {
	if subject == "" {
		subject = DefaultNATSSubject
	}
	b := &NATSBus{conn: conn, subject: subject, hub: newHub()}
	sub, err := conn.Subscribe(subject, b.onMessage)
	if err != nil {
		return nil, err
	}
	if err := conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	b.sub = sub
	return b, nil
}

func (b *NATSBus) onMessage(msg *nats.Msg) {
	b.hub.deliverRaw(msg.Data)
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, evt Event) error {
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
	if err := b.conn.Publish(b.subject, data); err != nil {
		return err
	}
	b.hub.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (chan Event, error) {
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
func (b *NATSBus) Unsubscribe(ctx context.Context, key string, ch chan Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.hub.remove(key, ch)
	return nil
}

// Close drops the NATS subscription and closes all local subscribers. The
// connection is left open.
func (b *NATSBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := b.sub.Unsubscribe()
	b.hub.closeAll()
	return err
}

// Metrics returns the published, delivered and dropped counts.
func (b *NATSBus) Metrics() Metrics {
	return b.hub.metrics()
}
