// Package cache implements AEGIS's two-tier decision cache: an
// in-process L1 with LFU-with-aging eviction, and an optional
// out-of-process L2 (redis-shaped) for sharing across proxy replicas.
// Concurrent misses for the same key are coalesced into a single
// computation, so a burst of identical requests costs one decision
// instead of one per request.
//
// Grounded on the teacher's pkg/budget.MemoryStore and pkg/pap.FileStore
// mutex-guarded map shape, generalized with an aging hit-count score
// instead of plain LRU/LFU so infrequently-requested keys still decay out
// under scan-like traffic.
package cache

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Codec serializes cached values for the L2 tier. L1 never serializes.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}

// L2 is the out-of-process key-value tier, shaped after a redis client:
// GET/SETEX/DEL. A nil L2 means single-replica, L1-only operation.
type L2 interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// entry is one L1 slot. hits decays over time (aging) so a key that was
// hot an hour ago doesn't permanently outrank one that's hot now.
type entry struct {
	value      any
	expiresAt  time.Time
	hits       float64
	lastAccess time.Time
}

// halfLife is how long it takes a key's accumulated hit count to decay by
// half when it isn't being accessed, resisting cache-scan attacks that
// would otherwise evict genuinely hot entries with a single sweep.
const halfLife = 2 * time.Minute

func (e *entry) score(now time.Time) float64 {
	age := now.Sub(e.lastAccess)
	decay := math.Pow(0.5, age.Seconds()/halfLife.Seconds())
	return e.hits * decay
}

// Cache is the process-wide two-tier decision cache. One Cache is
// constructed at startup and shared by every request.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*entry

	l2    L2
	codec Codec

	inflight map[string]*call

	hits   atomic.Int64
	misses atomic.Int64
}

type call struct {
	done  chan struct{}
	value any
	err   error
}

// New builds an L1-only cache with the given bounded capacity (10 000 is
// the default the server wires in). Pass a non-nil L2 via WithL2 to add
// the shared tier.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[string]*entry),
		inflight: make(map[string]*call),
	}
}

// WithL2 attaches an out-of-process tier and the codec used to serialize
// values across it.
func (c *Cache) WithL2(l2 L2, codec Codec) *Cache {
	c.l2 = l2
	c.codec = codec
	return c
}

// Get looks up key, preferring L1. A valid L2 hit is promoted into L1 for
// subsequent lookups. The returned bool is false on any miss (including
// an expired entry, which is evicted).
func (c *Cache) Get(ctx context.Context, key string) (any, bool, error) {
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
		} else {
			e.hits++
			e.lastAccess = now
			value := e.value
			c.mu.Unlock()
			c.hits.Add(1)
			return value, true, nil
		}
	}
	c.mu.Unlock()

	if c.l2 == nil {
		c.misses.Add(1)
		return nil, false, nil
	}
	data, ok, err := c.l2.Get(ctx, key)
	if err != nil || !ok {
		c.misses.Add(1)
		return nil, false, err
	}
	value, err := c.codec.Unmarshal(data)
	if err != nil {
		return nil, false, fmt.Errorf("cache: decode L2 value: %w", err)
	}
	c.setL1(key, value, now.Add(time.Minute))
	c.hits.Add(1)
	return value, true, nil
}

// HitRatio reports the fraction of Get calls that hit either tier since
// the cache was constructed, for the /metrics cache hit-ratio gauge.
// Returns 0 if Get has never been called.
func (c *Cache) HitRatio() float64 {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Set stores value in L1 (and L2, if configured) with the given TTL.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	c.setL1(key, value, time.Now().Add(ttl))
	if c.l2 == nil {
		return nil
	}
	data, err := c.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode L2 value: %w", err)
	}
	return c.l2.Set(ctx, key, data, ttl)
}

// Invalidate drops key from both tiers, used by cache-coherence
// invalidation when a policy is activated, updated or deprecated.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	if c.l2 != nil {
		_ = c.l2.Del(ctx, key)
	}
}

// InvalidateKeys drops every listed key from L1. Used when a key
// references a policy ID indirectly (the cache key itself is a content
// hash, so policy-ID matching happens via a side index the caller
// maintains — see engine.Engine's keysByPolicy).
func (c *Cache) InvalidateKeys(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
}

// Len reports the current L1 occupancy, exposed for the /metrics cache
// size gauge.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) setL1(key string, value any, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evictLocked()
	}
	c.entries[key] = &entry{value: value, expiresAt: expiresAt, hits: 1, lastAccess: time.Now()}
}

// evictLocked drops the lowest-scoring entry. Caller holds c.mu.
func (c *Cache) evictLocked() {
	now := time.Now()
	var worstKey string
	worstScore := math.MaxFloat64
	for k, e := range c.entries {
		s := e.score(now)
		if s < worstScore {
			worstScore = s
			worstKey = k
		}
	}
	if worstKey != "" {
		delete(c.entries, worstKey)
	}
}

// Coalesce ensures only one concurrent caller for the same key actually
// runs compute; everyone else blocks on its result, so N concurrent
// misses for the same key yield a single decision computation.
func (c *Cache) Coalesce(key string, compute func() (any, error)) (any, error) {
	c.mu.Lock()
	if inflight, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		<-inflight.done
		return inflight.value, inflight.err
	}
	call := &call{done: make(chan struct{})}
	c.inflight[key] = call
	c.mu.Unlock()

	call.value, call.err = compute()
	close(call.done)

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()

	return call.value, call.err
}
