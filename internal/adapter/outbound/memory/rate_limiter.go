// Package memory provides the in-memory outbound adapters: the fixed-window
// rate limiter and the response cache. Both are process-wide, lock-striped
// to keep hot paths from contending on a single mutex, and swept by a
// background goroutine to bound memory.
package memory

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/mcpfleet/mcpfleet/internal/domain/ratelimit"
)

// shardCount stripes the limiter and cache maps. Must be a power of two.
const shardCount = 16

// defaultSweepInterval is how often expired windows and cache entries are
// purged.
const defaultSweepInterval = time.Minute

// fixedWindow is one (service, client) counting window.
type fixedWindow struct {
	start time.Time
	count int
}

type limiterShard struct {
	mu      sync.Mutex
	windows map[string]*fixedWindow
}

// RateLimiter implements ratelimit.Limiter with fixed windows in memory.
// Thread-safe for concurrent access.
type RateLimiter struct {
	window        time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	shards [shardCount]limiterShard

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewRateLimiter creates a limiter with the default 60-second window.
func NewRateLimiter() *RateLimiter {
	return NewRateLimiterWithConfig(ratelimit.DefaultWindow, defaultSweepInterval)
}

// NewRateLimiterWithConfig creates a limiter with a custom window length
// and sweep interval.
func NewRateLimiterWithConfig(window, sweepInterval time.Duration) *RateLimiter {
	r := &RateLimiter{
		window:        window,
		sweepInterval: sweepInterval,
		now:           time.Now,
		stopChan:      make(chan struct{}),
	}
	for i := range r.shards {
		r.shards[i].windows = make(map[string]*fixedWindow)
	}
	return r
}

// Allow counts the request against the (service, client) window. A limit of
// zero or less disables limiting for the key. The Limit, Remaining and
// Reset fields are populated on every call so the transport can always set
// its rate headers.
func (r *RateLimiter) Allow(serviceID, clientKey string, limit int) ratelimit.Result {
	now := r.now()

	if limit <= 0 {
		return ratelimit.Result{
			Allowed:   true,
			Limit:     limit,
			Remaining: 0,
			Reset:     now.Add(r.window),
		}
	}

	key := ratelimit.Key(serviceID, clientKey)
	shard := &r.shards[xxhash.Sum64String(key)&(shardCount-1)]

	shard.mu.Lock()
	defer shard.mu.Unlock()

	w, ok := shard.windows[key]
	if !ok || now.Sub(w.start) >= r.window {
		w = &fixedWindow{start: now}
		shard.windows[key] = w
	}
	w.count++

	reset := w.start.Add(r.window)
	remaining := limit - w.count
	if remaining < 0 {
		remaining = 0
	}

	res := ratelimit.Result{
		Allowed:   w.count <= limit,
		Limit:     limit,
		Remaining: remaining,
		Reset:     reset,
	}
	if !res.Allowed {
		res.RetryAfter = reset.Sub(now)
	}
	return res
}

// StartSweep launches the background goroutine purging expired windows.
func (r *RateLimiter) StartSweep() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

func (r *RateLimiter) sweep() {
	now := r.now()
	cleaned := 0
	for i := range r.shards {
		shard := &r.shards[i]
		shard.mu.Lock()
		for key, w := range shard.windows {
			if now.Sub(w.start) >= r.window {
				delete(shard.windows, key)
				cleaned++
			}
		}
		shard.mu.Unlock()
	}
	if cleaned > 0 {
		slog.Debug("rate limiter sweep completed", "cleaned_keys", cleaned)
	}
}

// Stop halts the sweep goroutine and waits for it. Safe to call multiple
// times, including without a prior StartSweep.
func (r *RateLimiter) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

// Size returns the number of tracked windows across all shards.
func (r *RateLimiter) Size() int {
	n := 0
	for i := range r.shards {
		r.shards[i].mu.Lock()
		n += len(r.shards[i].windows)
		r.shards[i].mu.Unlock()
	}
	return n
}

// Compile-time interface verification.
var _ ratelimit.Limiter = (*RateLimiter)(nil)
