package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-keylock/v1/keylock"
	"github.com/mirkobrombin/go-keylock/v1/syncbus"
)

func waitSubscribers(t *testing.T, bus *syncbus.InMemoryBus, key string, n int) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if bus.Subscribers(key) == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d subscribers on %q, got %d", n, key, bus.Subscribers(key))
}

func TestSSEHandlerStreamsRegistryEvents(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	defer bus.Close()
	reg := keylock.New[string](keylock.WithBus[string](bus))
	srv := httptest.NewServer(SSEHandler(bus))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?key=orders")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	waitSubscribers(t, bus, "orders", 1)

	ctx := context.Background()
	_ = reg.Acquire(ctx, "other")
	_ = reg.Acquire(ctx, "orders")

	reader := bufio.NewReader(resp.Body)
	readLine := func() string {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		return strings.TrimSpace(line)
	}
	if line := readLine(); line != "event: locked" {
		t.Fatalf("unexpected line %q", line)
	}
	data := strings.TrimPrefix(readLine(), "data: ")
	evt, err := syncbus.DecodeEvent([]byte(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Key != "orders" || evt.Origin != reg.Origin() {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestSSEHandlerWithoutKeyWatchesEverything(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	defer bus.Close()
	srv := httptest.NewServer(SSEHandler(bus))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	waitSubscribers(t, bus, syncbus.AllKeys, 1)

	_ = bus.Publish(context.Background(), syncbus.NewEvent(syncbus.KindUnlocked, "a", "o", 0))
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil || strings.TrimSpace(line) != "event: unlocked" {
		t.Fatalf("unexpected line %q (%v)", line, err)
	}
}

func TestSSEHandlerClosedBus(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	_ = bus.Close()
	srv := httptest.NewServer(SSEHandler(bus))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestSSEHandlerContextCancelUnsubscribes(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	defer bus.Close()
	srv := httptest.NewServer(SSEHandler(bus))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?key=foo", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	waitSubscribers(t, bus, "foo", 1)
	cancel()
	resp.Body.Close()
	waitSubscribers(t, bus, "foo", 0)
}

type failingWriter struct {
	header http.Header
}

func (w *failingWriter) Header() http.Header       { return w.header }
func (w *failingWriter) Write([]byte) (int, error) { return 0, errors.New("write failed") }
func (w *failingWriter) WriteHeader(int)           {}
func (w *failingWriter) Flush()                    {}

func TestSSEHandlerWriteErrorUnsubscribes(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	defer bus.Close()
	handler := SSEHandler(bus)
	req := httptest.NewRequest(http.MethodGet, "/?key=foo", nil)

	done := make(chan struct{})
	go func() {
		handler(&failingWriter{header: make(http.Header)}, req)
		close(done)
	}()
	waitSubscribers(t, bus, "foo", 1)

	_ = bus.Publish(context.Background(), syncbus.NewEvent(syncbus.KindLocked, "foo", "o", 0))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not exit on write error")
	}
	waitSubscribers(t, bus, "foo", 0)
}

func TestWebSocketHandlerStream(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	defer bus.Close()
	reg := keylock.New[string](keylock.WithBus[string](bus))
	srv := httptest.NewServer(WebSocketHandler(bus))
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "?key=foo"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitSubscribers(t, bus, "foo", 1)

	ctx := context.Background()
	_ = reg.Acquire(ctx, "foo")
	_ = reg.Release(ctx, "foo")

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	for _, want := range []syncbus.Kind{syncbus.KindLocked, syncbus.KindUnlocked} {
		var evt syncbus.Event
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("read: %v", err)
		}
		if evt.Kind != want || evt.Key != "foo" {
			t.Fatalf("expected %s on foo, got %+v", want, evt)
		}
	}
}

func TestWebSocketHandlerClientCloseUnsubscribes(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	defer bus.Close()
	srv := httptest.NewServer(WebSocketHandler(bus))
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitSubscribers(t, bus, syncbus.AllKeys, 1)
	conn.Close()
	waitSubscribers(t, bus, syncbus.AllKeys, 0)
}

func TestSnapshotHandler(t *testing.T) {
	reg := keylock.New[string]()
	ctx := context.Background()
	_ = reg.Acquire(ctx, "a")
	go func() { _ = reg.Acquire(ctx, "a") }()
	for reg.Waiting("a") != 1 {
		time.Sleep(time.Millisecond)
	}

	srv := httptest.NewServer(NewMux[string](reg, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/locks")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var entries []keylock.Entry[string]
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "a" || entries[0].Waiters != 1 {
		t.Fatalf("unexpected snapshot %+v", entries)
	}

	post, err := http.Post(srv.URL+"/locks", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", post.StatusCode)
	}

	missing, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected no event stream without a bus, got %d", missing.StatusCode)
	}
}
