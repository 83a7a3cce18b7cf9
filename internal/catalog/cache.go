// Package catalog implements the multi-tier model-catalog cache.
//
// Lookups go through two tiers: a process-local map, then Redis. Entries
// carry their store time so freshness is computed on read:
//
//	age ≤ fresh_ttl             → fresh
//	fresh_ttl < age ≤ stale_ttl → stale (servable; async refresh enqueued)
//	age > stale_ttl             → evicted (miss)
//
// Concurrent fills for the same missing key are collapsed through
// singleflight, and at most one asynchronous refresh per key is in flight.
// Redis failures degrade to process-local operation — logged and counted,
// never surfaced to callers.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/Alpaca-Network/gatewayz/internal/metrics"
)

// Freshness classifies a cache read.
type Freshness int

const (
	Miss Freshness = iota
	Fresh
	Stale
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "miss"
	}
}

// Default TTLs per namespace.
const (
	FullCatalogFreshTTL    = 15 * time.Minute
	ProviderCatalogFresh   = 30 * time.Minute
	LegacyProviderFreshTTL = 60 * time.Minute
	LegacyProviderStaleTTL = 120 * time.Minute

	redisOpTimeout = 5 * time.Second
	refreshTimeout = 30 * time.Second
)

// entry is the stored representation, shared by both tiers. The Redis value
// is this struct JSON-encoded; TTL bookkeeping rides along so any instance
// can compute freshness locally.
type entry struct {
	Payload  []byte        `json:"payload"`
	StoredAt time.Time     `json:"stored_at"`
	FreshTTL time.Duration `json:"fresh_ttl"`
	StaleTTL time.Duration `json:"stale_ttl"`
}

func (e *entry) freshness(now time.Time) Freshness {
	age := now.Sub(e.StoredAt)
	switch {
	case age <= e.FreshTTL:
		return Fresh
	case e.StaleTTL > e.FreshTTL && age <= e.StaleTTL:
		return Stale
	default:
		return Miss
	}
}

// FillFunc produces the payload for a key on miss or refresh.
type FillFunc func(ctx context.Context) ([]byte, error)

// Cache is the two-tier catalog cache. The zero value is not usable; use New.
type Cache struct {
	rdb     *redis.Client // nil → local-only
	log     *slog.Logger
	metrics *metrics.Registry

	mu    sync.RWMutex
	local map[string]*entry

	fills singleflight.Group

	refreshMu  sync.Mutex
	refreshing map[string]struct{}

	baseCtx context.Context
}

// New creates a Cache. rdb may be nil for process-local-only operation;
// metrics may be nil.
func New(ctx context.Context, rdb *redis.Client, log *slog.Logger, met *metrics.Registry) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		rdb:        rdb,
		log:        log,
		metrics:    met,
		local:      make(map[string]*entry),
		refreshing: make(map[string]struct{}),
		baseCtx:    ctx,
	}
}

// Get returns the payload and its freshness. A stale hit is returned as-is;
// callers that want the stale-while-revalidate behaviour use GetOrFill.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, Freshness) {
	payload, f := c.get(ctx, key)
	if c.metrics != nil {
		c.metrics.RecordCatalogLookup(f.String())
	}
	return payload, f
}

func (c *Cache) get(ctx context.Context, key string) ([]byte, Freshness) {
	now := time.Now()

	c.mu.RLock()
	e, ok := c.local[key]
	c.mu.RUnlock()

	if ok {
		if f := e.freshness(now); f != Miss {
			return e.Payload, f
		}
		c.mu.Lock()
		delete(c.local, key)
		c.mu.Unlock()
	}

	e = c.redisGet(ctx, key)
	if e == nil {
		return nil, Miss
	}
	f := e.freshness(now)
	if f == Miss {
		return nil, Miss
	}

	// Promote to the local tier.
	c.mu.Lock()
	c.local[key] = e
	c.mu.Unlock()
	return e.Payload, f
}

// Set stores payload in both tiers. staleTTL < freshTTL is clamped up so the
// invariant fresh_ttl ≤ stale_ttl always holds; staleTTL == 0 means no stale
// window (hard expiry at freshTTL).
func (c *Cache) Set(ctx context.Context, key string, payload []byte, freshTTL, staleTTL time.Duration) {
	if staleTTL != 0 && staleTTL < freshTTL {
		staleTTL = freshTTL
	}
	e := &entry{Payload: payload, StoredAt: time.Now(), FreshTTL: freshTTL, StaleTTL: staleTTL}

	c.mu.Lock()
	c.local[key] = e
	c.mu.Unlock()

	c.redisSet(ctx, key, e)
}

// GetOrFill implements the full read path: fresh hits return immediately;
// stale hits return immediately and trigger one async refresh; misses run
// fill once (single-flight) and populate both tiers.
func (c *Cache) GetOrFill(
	ctx context.Context,
	key string,
	freshTTL, staleTTL time.Duration,
	fill FillFunc,
) ([]byte, error) {
	payload, f := c.Get(ctx, key)
	switch f {
	case Fresh:
		return payload, nil
	case Stale:
		c.refreshAsync(key, freshTTL, staleTTL, fill)
		return payload, nil
	}

	// Miss: one synchronous fill shared by all concurrent callers. A panic
	// inside fill propagates to every waiter and frees the in-flight slot.
	v, err, _ := c.fills.Do(key, func() (any, error) {
		data, err := fill(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(ctx, key, data, freshTTL, staleTTL)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// refreshAsync launches at most one background refresh per key. A failed
// refresh leaves the stale entry in place; the entry's own staleTTL bounds
// how long that can go on.
func (c *Cache) refreshAsync(key string, freshTTL, staleTTL time.Duration, fill FillFunc) {
	c.refreshMu.Lock()
	if _, busy := c.refreshing[key]; busy {
		c.refreshMu.Unlock()
		return
	}
	c.refreshing[key] = struct{}{}
	c.refreshMu.Unlock()

	go func() {
		defer func() {
			c.refreshMu.Lock()
			delete(c.refreshing, key)
			c.refreshMu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(c.baseCtx, refreshTimeout)
		defer cancel()

		data, err := fill(ctx)
		if err != nil {
			if c.metrics != nil {
				c.metrics.RecordCatalogRefresh("error")
			}
			c.log.Warn("catalog_refresh_failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			return
		}
		c.Set(ctx, key, data, freshTTL, staleTTL)
		if c.metrics != nil {
			c.metrics.RecordCatalogRefresh("ok")
		}
	}()
}

// Delete removes key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.local, key)
	c.mu.Unlock()

	if c.rdb == nil {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := c.rdb.Del(opCtx, key).Err(); err != nil {
		c.degraded("del", key, err)
	}
}

// ── Redis tier ───────────────────────────────────────────────────────────────

func (c *Cache) redisGet(ctx context.Context, key string) *entry {
	if c.rdb == nil {
		return nil
	}
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	raw, err := c.rdb.Get(opCtx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.degraded("get", key, err)
		}
		return nil
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.degraded("decode", key, err)
		return nil
	}
	return &e
}

func (c *Cache) redisSet(ctx context.Context, key string, e *entry) {
	if c.rdb == nil {
		return
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}

	// Redis expiry covers the whole servable window.
	ttl := e.StaleTTL
	if ttl == 0 {
		ttl = e.FreshTTL
	}

	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := c.rdb.Set(opCtx, key, raw, ttl).Err(); err != nil {
		c.degraded("set", key, err)
	}
}

func (c *Cache) degraded(op, key string, err error) {
	if c.metrics != nil {
		c.metrics.RecordCacheDegradation(op)
	}
	c.log.Warn("catalog_cache_degraded",
		slog.String("op", op),
		slog.String("key", key),
		slog.String("error", err.Error()),
	)
}
