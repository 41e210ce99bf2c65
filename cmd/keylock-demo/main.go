package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-keylock/v1/keylock"
	"github.com/mirkobrombin/go-keylock/v1/metrics"
	"github.com/mirkobrombin/go-keylock/v1/presets"
	"github.com/mirkobrombin/go-keylock/v1/stats"
	"github.com/mirkobrombin/go-keylock/v1/syncbus"
	"github.com/mirkobrombin/go-keylock/v1/watch"
)

var (
	workers   = flag.Int("workers", 5, "Number of concurrent tasks")
	delay     = flag.Duration("delay", 300*time.Millisecond, "Duration of each simulated remote call")
	key       = flag.String("key", "someKey", "Key every task locks")
	busKind   = flag.String("bus", "memory", "Event bus: memory, redis, nats or kafka")
	redisAddr = flag.String("redis", "localhost:6379", "Redis address")
	natsURL   = flag.String("nats", "nats://localhost:4222", "NATS URL")
	brokers   = flag.String("kafka", "localhost:9092", "Comma separated Kafka brokers")
	topic     = flag.String("topic", "", "Bus channel, subject or topic")
	listen    = flag.String("listen", "", "Serve /metrics, /locks, /events and /ws on this address")
	linger    = flag.Duration("linger", 0, "Keep serving for this long after the tasks finish")
	logLevel  = flag.String("log-level", "info", "Log level")
	tracing   = flag.Bool("trace", false, "Print Acquire spans to stdout")
)

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// remoteCall stands in for a request to another service.
func remoteCall(ctx context.Context, logger *zap.Logger, name string, task int) error {
	select {
	case <-time.After(*delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	logger.Info("remote call done", zap.String("call", fmt.Sprintf("%s %d", name, task)))
	return nil
}

func main() {
	flag.Parse()

	logger, err := newLogger(*logLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *tracing {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			logger.Fatal("trace exporter", zap.Error(err))
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	kind, err := presets.ParseBusKind(*busKind)
	if err != nil {
		logger.Fatal("bus", zap.Error(err))
	}

	reg := metrics.NewRegistry()
	tracker, err := stats.NewTracker()
	if err != nil {
		logger.Fatal("stats", zap.Error(err))
	}
	defer tracker.Close()

	locks, bus, closeBus, err := presets.NewObserved[string](ctx, logger, presets.BusOptions{
		Kind:             kind,
		RedisAddr:        *redisAddr,
		NATSURL:          *natsURL,
		KafkaBrokers:     strings.Split(*brokers, ","),
		Topic:            *topic,
		BreakerThreshold: 3,
		BreakerTimeout:   5 * time.Second,
	},
		keylock.WithMetrics[string](reg),
		keylock.WithStats[string](tracker),
		keylock.WithTracing[string](nil),
	)
	if err != nil {
		logger.Fatal("registry", zap.Error(err))
	}
	defer func() { _ = closeBus() }()

	if src, ok := bus.(syncbus.MetricsSource); ok {
		metrics.RegisterBusMetrics(reg, string(kind), src)
	}

	if *listen != "" {
		mux := watch.NewMux[string](locks, bus)
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *listen, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server", zap.Error(err))
			}
		}()
		defer func() { _ = srv.Shutdown(context.Background()) }()
		logger.Info("serving", zap.String("addr", *listen))
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 1; i <= *workers; i++ {
		g.Go(func() error {
			return locks.WithLock(gctx, *key, func(ctx context.Context) error {
				if err := remoteCall(ctx, logger, "API1", i); err != nil {
					return err
				}
				if err := remoteCall(ctx, logger, "API2", i); err != nil {
					return err
				}
				logger.Info("lock state",
					zap.Int("task", i),
					zap.Bool(*key, locks.IsLocked(*key)),
					zap.Bool(*key+"2", locks.IsLocked(*key+"2")))
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("tasks", zap.Error(err))
	}

	if s, ok := tracker.Get(*key); ok {
		logger.Info("contention",
			zap.String("key", *key),
			zap.Uint64("acquisitions", s.Acquisitions),
			zap.Uint64("contended", s.Contended),
			zap.Duration("avg_wait", s.AvgWait()),
			zap.Duration("max_wait", s.MaxWait))
	}

	if *listen != "" && *linger > 0 {
		select {
		case <-time.After(*linger):
		case <-ctx.Done():
		}
	}
}
