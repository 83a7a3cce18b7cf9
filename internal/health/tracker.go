package health

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Alpaca-Network/gatewayz/internal/metrics"
	"github.com/Alpaca-Network/gatewayz/internal/providers"
	"github.com/Alpaca-Network/gatewayz/internal/store"
)

const (
	probeTimeout  = 5 * time.Second
	leaseTTL      = 60 * time.Second
	maxConcurrent = 20
	sweepInterval = 30 * time.Second

	// Pairs idle beyond this are pruned from the tracking table.
	pruneAfter = 30 * 24 * time.Hour
)

// probeItem is one scheduled pair in the queue.
type probeItem struct {
	provider    string
	canonicalID string
	tier        Tier
	nextCheck   time.Time

	consecutiveFailures int
	avgLatencyMs        int64

	index int
}

// probeOrder ranks two items for dispatch: hotter tier first, then whichever
// has been waiting longer.
func probeOrder(a, b *probeItem) bool {
	if ao, bo := a.tier.order(), b.tier.order(); ao != bo {
		return ao < bo
	}
	return a.nextCheck.Before(b.nextCheck)
}

// probeQueue is a min-heap ordered by probeOrder.
type probeQueue []*probeItem

func (q probeQueue) Len() int            { return len(q) }
func (q probeQueue) Less(i, j int) bool  { return probeOrder(q[i], q[j]) }
func (q probeQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *probeQueue) Push(x any)         { it := x.(*probeItem); it.index = len(*q); *q = append(*q, it) }
func (q *probeQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

// BreakerView lets the tracker report the live breaker state alongside probe
// results without owning the breaker.
type BreakerView interface {
	State(provider, canonicalID string) string
}

// Tracker runs the tiered probe schedule.
type Tracker struct {
	adapters map[string]providers.Adapter
	counters *Counters
	rows     store.HealthStore
	rdb      *redis.Client     // nil → no cross-instance lease
	breaker  BreakerView       // nil → breaker state reported as unknown
	prom     *metrics.Registry // nil → no probe metrics
	log      *slog.Logger

	mu    sync.Mutex
	queue probeQueue
	known map[string]*probeItem

	sem  chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

func NewTracker(
	adapters map[string]providers.Adapter,
	counters *Counters,
	rows store.HealthStore,
	rdb *redis.Client,
	breaker BreakerView,
	prom *metrics.Registry,
	log *slog.Logger,
) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		adapters: adapters,
		counters: counters,
		rows:     rows,
		rdb:      rdb,
		breaker:  breaker,
		prom:     prom,
		log:      log,
		known:    make(map[string]*probeItem),
		sem:      make(chan struct{}, maxConcurrent),
		done:     make(chan struct{}),
	}
}

// Track registers a (provider, canonical) pair for monitoring. Safe to call
// repeatedly; existing pairs keep their schedule.
func (t *Tracker) Track(provider, canonicalID string) {
	key := pairKey(provider, canonicalID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.known[key]; ok {
		return
	}
	it := &probeItem{
		provider:    provider,
		canonicalID: canonicalID,
		tier:        TierOnDemand,
		nextCheck:   time.Now(),
	}
	t.known[key] = it
	heap.Push(&t.queue, it)
}

// Retier recomputes every pair's monitoring tier from the 24h usage counters.
// Promotions take effect at the pair's next scheduled probe.
func (t *Tracker) Retier() {
	counts := t.counters.Snapshot24h()
	all := make([]int64, 0, len(counts))
	for _, c := range counts {
		all = append(all, c)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for key, it := range t.known {
		it.tier = AssignTier(counts[key], all)
	}
}

// Run blocks, sweeping the queue until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	retier := time.NewTicker(time.Hour)
	defer retier.Stop()

	for {
		select {
		case <-ticker.C:
			t.sweep(ctx)
		case <-retier.C:
			t.Retier()
			t.prune(ctx)
		case <-ctx.Done():
			t.wg.Wait()
			return ctx.Err()
		}
	}
}

// sweep launches probes for every due pair, hottest tier first, bounded by
// the worker cap.
func (t *Tracker) sweep(ctx context.Context) {
	now := time.Now()

	t.mu.Lock()
	var due []*probeItem
	for _, it := range t.queue {
		if !it.nextCheck.After(now) {
			due = append(due, it)
		}
	}
	sort.Slice(due, func(i, j int) bool { return probeOrder(due[i], due[j]) })
	for _, it := range due {
		// Reschedule immediately so a slow probe cannot stall the queue.
		it.nextCheck = now.Add(it.tier.Interval())
		heap.Fix(&t.queue, it.index)
	}
	t.mu.Unlock()

	for _, it := range due {
		select {
		case t.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		t.wg.Add(1)
		go func(it *probeItem) {
			defer t.wg.Done()
			defer func() { <-t.sem }()
			t.probe(ctx, it)
		}(it)
	}
}

// probe runs one health check under the cross-instance lease.
func (t *Tracker) probe(ctx context.Context, it *probeItem) {
	if !t.acquireLease(ctx, it) {
		return
	}

	adapter, ok := t.adapters[it.provider]
	if !ok {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	err := adapter.HealthCheck(probeCtx)
	latency := time.Since(start).Milliseconds()

	t.mu.Lock()
	status := "ok"
	if err != nil {
		status = "failed"
		it.consecutiveFailures++
	} else {
		it.consecutiveFailures = 0
	}
	if it.avgLatencyMs == 0 {
		it.avgLatencyMs = latency
	} else {
		// EWMA, 1/4 weight on the new sample.
		it.avgLatencyMs = (it.avgLatencyMs*3 + latency) / 4
	}
	row := store.HealthRow{
		Provider:            it.provider,
		CanonicalID:         it.canonicalID,
		MonitoringTier:      string(it.tier),
		ConsecutiveFailures: it.consecutiveFailures,
		BreakerState:        t.breakerState(it),
		LastStatus:          status,
		AvgLatencyMs:        it.avgLatencyMs,
		NextCheckAt:         it.nextCheck,
	}
	t.mu.Unlock()

	if t.prom != nil {
		t.prom.RecordHealthProbe(it.provider, status)
	}

	if err != nil {
		t.log.Warn("health_probe_failed",
			slog.String("provider", it.provider),
			slog.String("model", it.canonicalID),
			slog.String("error", err.Error()),
		)
	}

	if t.rows != nil {
		if uerr := t.rows.UpsertHealth(ctx, row); uerr != nil {
			t.log.Warn("health_row_write_failed",
				slog.String("provider", it.provider),
				slog.String("model", it.canonicalID),
				slog.String("error", uerr.Error()),
			)
		}
	}
}

func (t *Tracker) breakerState(it *probeItem) string {
	if t.breaker == nil {
		return "unknown"
	}
	return t.breaker.State(it.provider, it.canonicalID)
}

// acquireLease claims the pair's probe slot across gateway instances.
// A lost race means another instance is probing; skip quietly. Redis being
// down means every instance probes — harmless duplication.
func (t *Tracker) acquireLease(ctx context.Context, it *probeItem) bool {
	if t.rdb == nil {
		return true
	}
	key := fmt.Sprintf("health:lease:%s:%s", it.provider, it.canonicalID)
	ok, err := t.rdb.SetNX(ctx, key, "1", leaseTTL).Result()
	if err != nil {
		return true
	}
	return ok
}

func (t *Tracker) prune(ctx context.Context) {
	if t.rows == nil {
		return
	}
	n, err := t.rows.PruneIdle(ctx, time.Now().Add(-pruneAfter))
	if err != nil {
		t.log.Warn("health_prune_failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		t.log.Info("health_rows_pruned", slog.Int64("rows", n))
	}
}
