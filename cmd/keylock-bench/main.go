package main

import (
	"context"
	"flag"
	"log"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-keylock/v1/keylock"
	"github.com/mirkobrombin/go-keylock/v1/metrics"
)

var (
	concurrency = flag.Int("c", 50, "Number of concurrent clients")
	requests    = flag.Int("n", 100000, "Total number of lock/unlock cycles")
	keys        = flag.Int("k", 1, "Number of distinct keys")
	hold        = flag.Duration("hold", 0, "Time spent holding each lock")
	withMetrics = flag.Bool("metrics", false, "Enable Prometheus collectors")
)

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}

func main() {
	flag.Parse()
	if *concurrency <= 0 || *keys <= 0 {
		log.Fatal("-c and -k must be positive")
	}

	log.Printf("Starting benchmark: %d cycles, %d concurrency, %d keys", *requests, *concurrency, *keys)

	var opts []keylock.Option[string]
	if *withMetrics {
		opts = append(opts, keylock.WithMetrics[string](metrics.NewRegistry()))
	}
	locks := keylock.New[string](opts...)

	names := make([]string, *keys)
	for i := range names {
		names[i] = "bench_key_" + strconv.Itoa(i)
	}

	ctx := context.Background()
	perWorker := *requests / *concurrency
	waits := make([][]time.Duration, *concurrency)
	var ops int64
	var wg sync.WaitGroup

	start := time.Now()
	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			local := make([]time.Duration, 0, perWorker)
			for j := 0; j < perWorker; j++ {
				k := names[(w+j)%len(names)]
				t0 := time.Now()
				if err := locks.Acquire(ctx, k); err != nil {
					log.Printf("acquire %s: %v", k, err)
					continue
				}
				local = append(local, time.Since(t0))
				if *hold > 0 {
					time.Sleep(*hold)
				}
				_ = locks.Release(ctx, k)
				atomic.AddInt64(&ops, 1)
			}
			waits[w] = local
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	var all []time.Duration
	for _, w := range waits {
		all = append(all, w...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f cycles/s", float64(ops)/elapsed.Seconds())
	log.Printf("Wait p50: %v p99: %v max: %v", percentile(all, 0.50), percentile(all, 0.99), percentile(all, 1))
	if n := locks.Len(); n != 0 {
		log.Printf("Leaked locks: %d", n)
	}
}
