// Package watch exposes lock registries and their event buses over HTTP.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-keylock/v1/keylock"
	"github.com/mirkobrombin/go-keylock/v1/syncbus"
)

// Snapshotter is implemented by *keylock.Registry.
type Snapshotter[K comparable] interface {
	Snapshot() []keylock.Entry[K]
}

// subscribe registers on the key named by the "key" query parameter, or on
// every key when it is absent.
func subscribe(ctx context.Context, bus syncbus.Bus, r *http.Request) (string, chan syncbus.Event, error) {
	key := r.URL.Query().Get("key")
	if key == "" {
		key = syncbus.AllKeys
	}
	ch, err := bus.Subscribe(ctx, key)
	return key, ch, err
}

// SSEHandler streams lock events over Server-Sent Events. Each message
// carries the event kind as its name and the JSON event as its data.
func SSEHandler(bus syncbus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		key, ch, err := subscribe(ctx, bus, r)
		if err != nil {
			cancel()
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		defer func() {
			cancel()
			_ = bus.Unsubscribe(context.Background(), key, ch)
		}()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					return
				}
				data, err := evt.Encode()
				if err != nil {
					return
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, data); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams lock events as JSON text frames.
func WebSocketHandler(bus syncbus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		key, ch, err := subscribe(ctx, bus, r)
		if err != nil {
			cancel()
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
			return
		}
		defer func() {
			cancel()
			_ = bus.Unsubscribe(context.Background(), key, ch)
		}()

		// The read loop only notices the peer going away.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteJSON(evt); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

// SnapshotHandler serves the locked keys of s with their queue lengths.
func SnapshotHandler[K comparable](s Snapshotter[K]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.Snapshot())
	}
}

// NewMux mounts the snapshot on /locks, SSE on /events and WebSocket on
// /ws.
func NewMux[K comparable](s Snapshotter[K], bus syncbus.Bus) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/locks", SnapshotHandler(s))
	if bus != nil {
		mux.Handle("/events", SSEHandler(bus))
		mux.Handle("/ws", WebSocketHandler(bus))
	}
	return mux
}
