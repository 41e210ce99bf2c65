package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mirkobrombin/go-keylock/v1/presets"
	"github.com/mirkobrombin/go-keylock/v1/syncbus"
	"github.com/mirkobrombin/go-keylock/v1/watch"
)

var (
	busKind   = flag.String("bus", "redis", "Event bus: memory, redis, nats or kafka")
	redisAddr = flag.String("redis", "localhost:6379", "Redis address")
	natsURL   = flag.String("nats", "nats://localhost:4222", "NATS URL")
	brokers   = flag.String("kafka", "localhost:9092", "Comma separated Kafka brokers")
	topic     = flag.String("topic", "", "Bus channel, subject or topic")
	key       = flag.String("key", "", "Only log events for this key")
	listen    = flag.String("listen", "", "Serve /events and /ws on this address")
	logLevel  = flag.String("log-level", "info", "Log level")
)

func main() {
	flag.Parse()

	lvl, err := zapcore.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("log level: %v", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kind, err := presets.ParseBusKind(*busKind)
	if err != nil {
		logger.Fatal("bus", zap.Error(err))
	}
	bus, closeBus, err := presets.NewBus(ctx, presets.BusOptions{
		Kind:         kind,
		RedisAddr:    *redisAddr,
		NATSURL:      *natsURL,
		KafkaBrokers: strings.Split(*brokers, ","),
		Topic:        *topic,
	})
	if err != nil {
		logger.Fatal("connect bus", zap.Error(err))
	}
	defer func() { _ = closeBus() }()

	if *listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/events", watch.SSEHandler(bus))
		mux.Handle("/ws", watch.WebSocketHandler(bus))
		srv := &http.Server{Addr: *listen, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server", zap.Error(err))
			}
		}()
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}

	filter := *key
	if filter == "" {
		filter = syncbus.AllKeys
	}
	ch, err := bus.Subscribe(ctx, filter)
	if err != nil {
		logger.Fatal("subscribe", zap.Error(err))
	}
	logger.Info("watching lock events", zap.String("bus", string(kind)), zap.String("key", *key))

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				logger.Info("bus closed")
				return
			}
			logger.Info("lock event",
				zap.String("kind", string(evt.Kind)),
				zap.String("key", evt.Key),
				zap.Int("waiters", evt.Waiters),
				zap.String("origin", evt.Origin),
				zap.Time("at", evt.At),
				zap.String("id", evt.ID))
		case <-ctx.Done():
			return
		}
	}
}
