package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	klerrors "github.com/mirkobrombin/go-keylock/v1/errors"
)

// AllKeys subscribes to the events of every key.
const AllKeys = ""

const subscriberBuffer = 64

// hub fans events out to local subscribers. Sends never block: a
// subscriber that falls behind loses events and the loss is counted.
type hub struct {
	mu     sync.Mutex
	subs   map[string][]chan Event
	closed bool

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	malformed atomic.Uint64
}

func newHub() *hub {
	return &hub{subs: make(map[string][]chan Event)}
}

// add fails once closeAll has run, so no subscription outlives the bus.
func (h *hub) add(key string) (chan Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, klerrors.ErrConnectionClosed
	}
	ch := make(chan Event, subscriberBuffer)
	h.subs[key] = append(h.subs[key], ch)
	return ch, nil
}

func (h *hub) remove(key string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			h.subs[key] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(h.subs, key)
	}
}

func (h *hub) count(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[key])
}

// deliverRaw decodes a payload received from a transport. Payloads that
// are not events are counted as malformed.
func (h *hub) deliverRaw(data []byte) {
	evt, err := DecodeEvent(data)
	if err != nil {
		h.malformed.Add(1)
		return
	}
	h.deliver(evt)
}

// deliver holds the mutex while sending so that remove cannot close a
// channel under an in-flight send.
func (h *hub) deliver(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.send(h.subs[evt.Key], evt)
	if evt.Key != AllKeys {
		h.send(h.subs[AllKeys], evt)
	}
}

func (h *hub) send(chans []chan Event, evt Event) {
	for _, ch := range chans {
		select {
		case ch <- evt:
			h.delivered.Add(1)
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for key, subs := range h.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(h.subs, key)
	}
}

func (h *hub) metrics() Metrics {
	return Metrics{
		Published: h.published.Load(),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
		Malformed: h.malformed.Load(),
	}
}

// unsubscribeOnDone removes ch from bus once ctx ends.
func unsubscribeOnDone(ctx context.Context, bus Bus, key string, ch chan Event) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		<-ctx.Done()
		_ = bus.Unsubscribe(context.Background(), key, ch)
	}()
}
