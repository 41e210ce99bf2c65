// Package stats keeps bounded per-key contention statistics for lock
// registries. Entries survive the release of their key but are subject to
// ristretto's admission and eviction policy, so the tracker never grows
// past its configured size and a recorded key may be forgotten.
package stats

import (
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// KeyStats summarises the grants observed for one key.
type KeyStats struct {
	Acquisitions uint64
	Contended    uint64
	TotalWait    time.Duration
	MaxWait      time.Duration
	LastGranted  time.Time
}

// AvgWait returns the mean wait over all acquisitions.
func (s KeyStats) AvgWait() time.Duration {
	if s.Acquisitions == 0 {
		return 0
	}
	return s.TotalWait / time.Duration(s.Acquisitions)
}

// Option configures the underlying ristretto cache.
type Option func(*ristretto.Config)

// WithMaxKeys bounds the number of keys whose statistics are kept.
func WithMaxKeys(n int64) Option {
	return func(c *ristretto.Config) {
		if n <= 0 {
			return
		}
		c.MaxCost = n
		c.NumCounters = n * 10
	}
}

// Tracker records KeyStats per key.
type Tracker struct {
	mu sync.Mutex
	c  *ristretto.Cache
}

// NewTracker returns a tracker keeping up to 10k keys by default.
func NewTracker(opts ...Option) (*Tracker, error) {
	cfg := &ristretto.Config{
		NumCounters: 1e5, // ten times the expected number of keys.
		MaxCost:     1e4, // every key costs 1.
		BufferItems: 64,
		// Without this ristretto adds its own item size to the cost and
		// MaxCost no longer counts keys.
		IgnoreInternalCost: true,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	c, err := ristretto.NewCache(cfg)
	if err != nil {
		return nil, err
	}
	return &Tracker{c: c}, nil
}

// Record adds one grant of key that waited for wait.
func (t *Tracker) Record(key string, wait time.Duration, contended bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var s KeyStats
	if v, ok := t.c.Get(key); ok {
		s, _ = v.(KeyStats)
	}
	s.Acquisitions++
	if contended {
		s.Contended++
	}
	s.TotalWait += wait
	if wait > s.MaxWait {
		s.MaxWait = wait
	}
	s.LastGranted = time.Now()
	t.c.Set(key, s, 1)
	t.c.Wait()
}

// Get returns the statistics recorded for key, if still tracked.
func (t *Tracker) Get(key string) (KeyStats, bool) {
	v, ok := t.c.Get(key)
	if !ok {
		return KeyStats{}, false
	}
	s, ok := v.(KeyStats)
	return s, ok
}

// Forget drops the statistics of key.
func (t *Tracker) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.c.Del(key)
	t.c.Wait()
}

// Close releases the cache goroutines.
func (t *Tracker) Close() {
	t.c.Close()
}
