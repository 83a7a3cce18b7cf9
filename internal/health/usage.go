// Package health tracks per-(provider, model) availability on a tiered
// probe schedule.
//
// Every pair gets a monitoring tier derived from how much traffic it carried
// in the last 24 hours; hot pairs are probed every few minutes, idle ones a
// few times a day. Probes are serialized across gateway instances with a
// Redis lease and results are persisted through store.HealthStore.
package health

import (
	"sync"
	"time"
)

// Tier is a monitoring frequency class.
type Tier string

const (
	TierCritical Tier = "critical"
	TierPopular  Tier = "popular"
	TierStandard Tier = "standard"
	TierOnDemand Tier = "on_demand"
)

// order is the probe-dispatch precedence, hottest tier first.
func (t Tier) order() int {
	switch t {
	case TierCritical:
		return 0
	case TierPopular:
		return 1
	case TierStandard:
		return 2
	default:
		return 3
	}
}

// Interval returns the probe cadence for the tier.
func (t Tier) Interval() time.Duration {
	switch t {
	case TierCritical:
		return 5 * time.Minute
	case TierPopular:
		return 30 * time.Minute
	case TierStandard:
		return 2 * time.Hour
	default:
		return 4 * time.Hour
	}
}

// Usage window sizes, in hourly buckets.
const (
	bucketCount = 7 * 24 // one week of hourly buckets
	dayBuckets  = 24
)

// counterRing holds one week of hourly request counts for a single pair.
type counterRing struct {
	buckets [bucketCount]int64
	hours   [bucketCount]int64 // unix hour each bucket belongs to
}

func (r *counterRing) add(unixHour int64, n int64) {
	i := unixHour % bucketCount
	if r.hours[i] != unixHour {
		r.hours[i] = unixHour
		r.buckets[i] = 0
	}
	r.buckets[i] += n
}

func (r *counterRing) sum(nowHour int64, windowHours int64) int64 {
	var total int64
	for i := range r.buckets {
		if age := nowHour - r.hours[i]; age >= 0 && age < windowHours {
			total += r.buckets[i]
		}
	}
	return total
}

// Counters accumulates request counts per (provider, canonical) pair in
// hourly buckets, giving cheap rolling sums over the last hour, day and week.
type Counters struct {
	mu    sync.RWMutex
	pairs map[string]*counterRing

	now func() time.Time // test hook
}

func NewCounters() *Counters {
	return &Counters{pairs: make(map[string]*counterRing), now: time.Now}
}

func pairKey(provider, canonicalID string) string {
	return provider + "\x00" + canonicalID
}

// Record counts one request against the pair.
func (c *Counters) Record(provider, canonicalID string) {
	hour := c.now().Unix() / 3600
	key := pairKey(provider, canonicalID)

	c.mu.Lock()
	r, ok := c.pairs[key]
	if !ok {
		r = &counterRing{}
		c.pairs[key] = r
	}
	r.add(hour, 1)
	c.mu.Unlock()
}

// Last24h returns the pair's request count over the trailing day.
func (c *Counters) Last24h(provider, canonicalID string) int64 {
	return c.window(provider, canonicalID, dayBuckets)
}

// Last7d returns the pair's request count over the trailing week.
func (c *Counters) Last7d(provider, canonicalID string) int64 {
	return c.window(provider, canonicalID, bucketCount)
}

func (c *Counters) window(provider, canonicalID string, hours int64) int64 {
	nowHour := c.now().Unix() / 3600

	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.pairs[pairKey(provider, canonicalID)]
	if !ok {
		return 0
	}
	return r.sum(nowHour, hours)
}

// Snapshot24h returns day counts for every tracked pair, keyed the same way
// Record was called.
func (c *Counters) Snapshot24h() map[string]int64 {
	nowHour := c.now().Unix() / 3600

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int64, len(c.pairs))
	for key, r := range c.pairs {
		out[key] = r.sum(nowHour, dayBuckets)
	}
	return out
}

// AssignTier buckets a pair by where its 24h traffic sits relative to the
// rest of the fleet: the top 5% is critical, the next 20% popular, anything
// with any recent traffic standard, the rest on-demand.
func AssignTier(count24h int64, allCounts []int64) Tier {
	if count24h == 0 {
		return TierOnDemand
	}
	var above int
	for _, c := range allCounts {
		if c > count24h {
			above++
		}
	}
	n := len(allCounts)
	if n == 0 {
		return TierStandard
	}
	rank := float64(above) / float64(n) // 0 = busiest
	switch {
	case rank < 0.05:
		return TierCritical
	case rank < 0.25:
		return TierPopular
	default:
		return TierStandard
	}
}
