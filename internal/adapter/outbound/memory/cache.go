package memory

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/mcpfleet/mcpfleet/pkg/jsonrpc"
)

type cacheEntry struct {
	body      []byte
	expiresAt time.Time
}

type cacheShard struct {
	mu      sync.Mutex
	entries map[uint64]cacheEntry
}

// ResponseCache stores successful response bodies keyed by a fingerprint of
// the service and the canonical request. Entries expire after the service's
// configured TTL; an expired entry is treated as absent.
type ResponseCache struct {
	sweepInterval time.Duration
	now           func() time.Time

	shards [shardCount]cacheShard

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewResponseCache creates a cache with the default sweep interval.
func NewResponseCache() *ResponseCache {
	return NewResponseCacheWithConfig(defaultSweepInterval)
}

// NewResponseCacheWithConfig creates a cache with a custom sweep interval.
func NewResponseCacheWithConfig(sweepInterval time.Duration) *ResponseCache {
	c := &ResponseCache{
		sweepInterval: sweepInterval,
		now:           time.Now,
		stopChan:      make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i].entries = make(map[uint64]cacheEntry)
	}
	return c
}

// Fingerprint derives the cache key for a request body addressed to a
// service. The body is canonicalised first so that key order and
// insignificant whitespace do not defeat the cache.
func Fingerprint(serviceID string, body []byte) (uint64, error) {
	canonical, err := jsonrpc.Canonical(body)
	if err != nil {
		return 0, err
	}
	d := xxhash.New()
	_, _ = d.WriteString(serviceID)
	_, _ = d.Write(canonical)
	return d.Sum64(), nil
}

// Get returns the cached response body for the key, if present and fresh.
func (c *ResponseCache) Get(key uint64) ([]byte, bool) {
	shard := &c.shards[key&(shardCount-1)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	e, ok := shard.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		delete(shard.entries, key)
		return nil, false
	}
	return e.body, true
}

// Put stores a response body under the key for ttl. A non-positive ttl is a
// no-op. The body is copied; callers may reuse their buffer.
func (c *ResponseCache) Put(key uint64, body []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	stored := make([]byte, len(body))
	copy(stored, body)

	shard := &c.shards[key&(shardCount-1)]
	shard.mu.Lock()
	shard.entries[key] = cacheEntry{body: stored, expiresAt: c.now().Add(ttl)}
	shard.mu.Unlock()
}

// Invalidate drops every cached entry. Used when a service definition
// changes or its child restarts.
func (c *ResponseCache) Invalidate() {
	for i := range c.shards {
		shard := &c.shards[i]
		shard.mu.Lock()
		shard.entries = make(map[uint64]cacheEntry)
		shard.mu.Unlock()
	}
}

// StartSweep launches the background goroutine purging expired entries.
func (c *ResponseCache) StartSweep() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopChan:
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

func (c *ResponseCache) sweep() {
	now := c.now()
	cleaned := 0
	for i := range c.shards {
		shard := &c.shards[i]
		shard.mu.Lock()
		for key, e := range shard.entries {
			if now.After(e.expiresAt) {
				delete(shard.entries, key)
				cleaned++
			}
		}
		shard.mu.Unlock()
	}
	if cleaned > 0 {
		slog.Debug("response cache sweep completed", "cleaned_entries", cleaned)
	}
}

// Stop halts the sweep goroutine and waits for it. Safe to call multiple
// times.
func (c *ResponseCache) Stop() {
	c.once.Do(func() {
		close(c.stopChan)
	})
	c.wg.Wait()
}

// Size returns the number of cached entries across all shards.
func (c *ResponseCache) Size() int {
	n := 0
	for i := range c.shards {
		c.shards[i].mu.Lock()
		n += len(c.shards[i].entries)
		c.shards[i].mu.Unlock()
	}
	return n
}
