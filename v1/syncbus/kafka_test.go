package syncbus

import (
	"context"
	"os"
	"testing"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
)

func TestKafkaBusWithMocks(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	consumer := mocks.NewConsumer(t, nil)
	pc := consumer.ExpectConsumePartition(DefaultKafkaTopic, 0, sarama.OffsetNewest)

	bus, err := newKafkaBus(producer, consumer, "")
	if err != nil {
		t.Fatalf("new kafka bus: %v", err)
	}
	ctx := context.Background()
	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sent := NewEvent(KindLocked, "key", "node", 0)
	producer.ExpectSendMessageAndSucceed()
	if err := bus.Publish(ctx, sent); err != nil {
		t.Fatalf("publish: %v", err)
	}

	data, err := sent.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	pc.YieldMessage(&sarama.ConsumerMessage{Value: []byte("junk")})
	pc.YieldMessage(&sarama.ConsumerMessage{Value: data})

	if got := recvEvent(t, ch); got.ID != sent.ID {
		t.Fatalf("unexpected event %+v", got)
	}
	metrics := bus.Metrics()
	if metrics.Published != 1 || metrics.Delivered != 1 || metrics.Malformed != 1 {
		t.Fatalf("unexpected metrics %+v", metrics)
	}

	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := producer.Close(); err != nil {
		t.Fatalf("producer close: %v", err)
	}
}

func TestKafkaBusPublishError(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	consumer := mocks.NewConsumer(t, nil)
	consumer.ExpectConsumePartition("locks", 0, sarama.OffsetNewest)

	bus, err := newKafkaBus(producer, consumer, "locks")
	if err != nil {
		t.Fatalf("new kafka bus: %v", err)
	}
	defer bus.Close()

	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	if err := bus.Publish(context.Background(), NewEvent(KindLocked, "k", "", 0)); err == nil {
		t.Fatal("expected publish error")
	}
	if m := bus.Metrics(); m.Published != 0 {
		t.Fatalf("failed publish must not be counted, got %d", m.Published)
	}
	_ = producer.Close()
}

func TestKafkaBusRealBroker(t *testing.T) {
	addr := os.Getenv("KEYLOCK_TEST_KAFKA_ADDR")
	if addr == "" {
		t.Skip("KEYLOCK_TEST_KAFKA_ADDR not set, skipping Kafka integration test")
	}
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	bus, err := NewKafkaBus([]string{addr}, cfg, "keylock-test-"+uuid.NewString())
	if err != nil {
		t.Fatalf("NewKafkaBus: %v", err)
	}
	defer bus.Close()

	ctx := context.Background()
	ch, err := bus.Subscribe(ctx, AllKeys)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// Wait for consumer to be ready (approx)
	time.Sleep(2 * time.Second)
	if err := bus.Publish(ctx, NewEvent(KindLocked, "k", "", 0)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}
