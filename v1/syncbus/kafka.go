package syncbus

import (
	"context"
	"sync/atomic"

	sarama "github.com/IBM/sarama"

	klerrors "github.com/mirkobrombin/go-keylock/v1/errors"
)

// DefaultKafkaTopic is the topic used when none is given.
const DefaultKafkaTopic = "keylock-events"

// KafkaBus implements Bus using a Kafka backend. Events are written to and
// consumed from partition 0 of a single topic so that their order is kept.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	client   sarama.Client
	pc       sarama.PartitionConsumer
	topic    string
	hub      *hub
	closed   atomic.Bool
	done     chan struct{}
}

// NewKafkaBus connects to brokers and starts consuming topic
// (DefaultKafkaTopic when empty) from the newest offset.
func NewKafkaBus(brokers []string, cfg *sarama.Config, topic string) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	cfg.Producer.Partitioner = sarama.NewManualPartitioner
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	b, err := newKafkaBus(producer, consumer, topic)
	if err != nil {
		_ = consumer.Close()
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	b.client = client
	return b, nil
}

// newKafkaBus builds a bus over an existing producer and consumer. Only a
// bus created by NewKafkaBus owns (and closes) them.
func newKafkaBus(producer sarama.SyncProducer, consumer sarama.Consumer, topic string) (*KafkaBus, error) {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	pc, err := consumer.ConsumePartition(topic, 0, sarama.OffsetNewest)
	if err != nil {
		return nil, err
	}
	b := &KafkaBus{
		producer: producer,
		consumer: consumer,
		pc:       pc,
		topic:    topic,
		hub:      newHub(),
		done:     make(chan struct{}),
	}
	go b.dispatch()
	return b, nil
}

func (b *KafkaBus) dispatch() {
	defer close(b.done)
	for msg := range b.pc.Messages() {
		b.hub.deliverRaw(msg.Value)
	}
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, evt Event) error {
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
	msg := &sarama.ProducerMessage{
		Topic:     b.topic,
		Partition: 0,
		Key:       sarama.StringEncoder(evt.Key),
		Value:     sarama.ByteEncoder(data),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.hub.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, key string) (chan Event, error) {
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
func (b *KafkaBus) Unsubscribe(ctx context.Context, key string, ch chan Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.hub.remove(key, ch)
	return nil
}

// Metrics returns the published, delivered and dropped counts.
func (b *KafkaBus) Metrics() Metrics {
	return b.hub.metrics()
}

// Close stops consuming and closes all local subscribers, together with
// the Kafka clients when the bus owns them.
func (b *KafkaBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := b.pc.Close()
	<-b.done
	b.hub.closeAll()
	if b.client != nil {
		_ = b.producer.Close()
		_ = b.consumer.Close()
		_ = b.client.Close()
	}
	return err
}
