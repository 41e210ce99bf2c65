package syncbus

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
)

func newNATSBus(t *testing.T) (*NATSBus, *nats.Conn, context.Context) {
	t.Helper()
	addr := os.Getenv("KEYLOCK_TEST_NATS_ADDR")

	var conn *nats.Conn
	var s *server.Server
	var err error

	if addr != "" {
		t.Logf("TestNATSBus: using real NATS at %s", addr)
		conn, err = nats.Connect(addr)
	} else {
		s = natsserver.RunRandClientPortServer()
		conn, err = nats.Connect(s.ClientURL())
	}
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	// a unique subject keeps runs against a shared server apart
	bus, err := NewNATSBus(conn, "keylock.test."+uuid.NewString())
	if err != nil {
		t.Fatalf("new nats bus: %v", err)
	}
	t.Cleanup(func() {
		_ = bus.Close()
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	return bus, conn, context.Background()
}

func TestNATSBusPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus, _, ctx := newNATSBus(t)
	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sent := NewEvent(KindQueued, "key", "node", 1)
	if err := bus.Publish(ctx, sent); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := recvEvent(t, ch); got.ID != sent.ID {
		t.Fatalf("unexpected event %+v", got)
	}
	metrics := bus.Metrics()
	if metrics.Published != 1 {
		t.Fatalf("expected published 1 got %d", metrics.Published)
	}
	if metrics.Delivered != 1 {
		t.Fatalf("expected delivered 1 got %d", metrics.Delivered)
	}
}

func TestNATSBusTwoBusesOneSubject(t *testing.T) {
	bus, conn, ctx := newNATSBus(t)
	other, err := NewNATSBus(conn, bus.subject)
	if err != nil {
		t.Fatalf("second bus: %v", err)
	}
	defer other.Close()

	ch, err := other.Subscribe(ctx, AllKeys)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, NewEvent(KindCancelled, "jobs", "a", 0)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if evt := recvEvent(t, ch); evt.Kind != KindCancelled || evt.Key != "jobs" {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestNATSBusCloseRejectsPublish(t *testing.T) {
	bus, _, ctx := newNATSBus(t)
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := bus.Publish(ctx, NewEvent(KindLocked, "k", "", 0)); err == nil {
		t.Fatal("expected publish after close to fail")
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
