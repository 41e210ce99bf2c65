// Package presets assembles event buses and registries for the common
// deployments.
package presets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sarama "github.com/IBM/sarama"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-keylock/v1/keylock"
	"github.com/mirkobrombin/go-keylock/v1/syncbus"
)

// BusKind selects the transport of a bus.
type BusKind string

const (
	BusMemory BusKind = "memory"
	BusRedis  BusKind = "redis"
	BusNATS   BusKind = "nats"
	BusKafka  BusKind = "kafka"
)

// ParseBusKind accepts the names of the BusKind constants, case
// insensitively. The empty string selects BusMemory.
func ParseBusKind(s string) (BusKind, error) {
	switch k := BusKind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return BusMemory, nil
	case BusMemory, BusRedis, BusNATS, BusKafka:
		return k, nil
	default:
		return "", fmt.Errorf("unknown bus kind %q", s)
	}
}

// BusOptions configures NewBus. Only the fields of the selected Kind are
// read.
type BusOptions struct {
	Kind BusKind

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	NATSURL string

	KafkaBrokers []string

	// Topic names the Redis channel, NATS subject or Kafka topic. Each
	// transport has its own default.
	Topic string

	// BreakerThreshold wraps the bus in a circuit breaker that opens
	// after that many consecutive publish failures. Zero disables it.
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

// CloseFunc releases a bus and the connection it was built on.
type CloseFunc func() error

// NewBus connects the bus described by opts.
func NewBus(ctx context.Context, opts BusOptions) (syncbus.Bus, CloseFunc, error) {
	var (
		bus     syncbus.Bus
		closeFn CloseFunc
	)
	switch opts.Kind {
	case BusMemory, "":
		b := syncbus.NewInMemoryBus()
		bus, closeFn = b, b.Close
	case BusRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
		b, err := syncbus.NewRedisBus(ctx, client, opts.Topic)
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis bus: %w", err)
		}
		bus = b
		closeFn = func() error { return errors.Join(b.Close(), client.Close()) }
	case BusNATS:
		url := opts.NATSURL
		if url == "" {
			url = nats.DefaultURL
		}
		conn, err := nats.Connect(url)
		if err != nil {
			return nil, nil, fmt.Errorf("nats connect: %w", err)
		}
		b, err := syncbus.NewNATSBus(conn, opts.Topic)
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("nats bus: %w", err)
		}
		bus = b
		closeFn = func() error {
			err := b.Close()
			conn.Close()
			return err
		}
	case BusKafka:
		if len(opts.KafkaBrokers) == 0 {
			return nil, nil, errors.New("kafka bus: no brokers")
		}
		b, err := syncbus.NewKafkaBus(opts.KafkaBrokers, sarama.NewConfig(), opts.Topic)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka bus: %w", err)
		}
		bus, closeFn = b, b.Close
	default:
		return nil, nil, fmt.Errorf("unknown bus kind %q", opts.Kind)
	}

	if opts.BreakerThreshold > 0 {
		timeout := opts.BreakerTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		bus = syncbus.NewCircuitBreaker(bus, opts.BreakerThreshold, timeout)
	}
	return bus, closeFn, nil
}

// NewInMemoryStandalone returns a registry with no bus attached. Useful when
// nothing outside the process needs to observe it.
func NewInMemoryStandalone[K comparable](opts ...keylock.Option[K]) *keylock.Registry[K] {
	return keylock.New[K](opts...)
}

// NewObserved connects the bus described by busOpts and returns a registry
// publishing on it. The close function releases the bus.
func NewObserved[K comparable](ctx context.Context, logger *zap.Logger, busOpts BusOptions, opts ...keylock.Option[K]) (*keylock.Registry[K], syncbus.Bus, CloseFunc, error) {
	bus, closeBus, err := NewBus(ctx, busOpts)
	if err != nil {
		return nil, nil, nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("lock event bus connected", zap.String("kind", string(busOpts.Kind)))
	all := append([]keylock.Option[K]{
		keylock.WithLogger[K](logger),
		keylock.WithBus[K](bus),
	}, opts...)
	return keylock.New[K](all...), bus, closeBus, nil
}
