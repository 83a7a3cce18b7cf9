package proxy

import (
	"sync"
	"time"

	"github.com/Alpaca-Network/gatewayz/internal/metrics"
)

// cbState represents the operational state of one breaker.
//
//	cbClosed   — normal operation; all requests pass through.
//	cbOpen     — the pair is failing; requests are rejected immediately.
//	cbHalfOpen — recovery probe; one request is allowed through.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

func (s cbState) label() string {
	switch s {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CBConfig holds circuit breaker tuning parameters. Zero values fall back to
// the defaults below.
type CBConfig struct {
	// FailureThreshold is the number of consecutive provider-side failures
	// that trips a pair's breaker. Default 5.
	FailureThreshold int

	// Cooldown is how long a tripped breaker stays open before allowing a
	// single probe request. Default 5m.
	Cooldown time.Duration

	// ProviderPairThreshold is the number of simultaneously open pairs that
	// marks the whole provider unavailable. Default 3.
	ProviderPairThreshold int
}

func (c *CBConfig) failureThreshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return 5
}

func (c *CBConfig) cooldown() time.Duration {
	if c.Cooldown > 0 {
		return c.Cooldown
	}
	return 5 * time.Minute
}

func (c *CBConfig) providerPairThreshold() int {
	if c.ProviderPairThreshold > 0 {
		return c.ProviderPairThreshold
	}
	return 3
}

// pairCB holds breaker state for one (provider, canonical model) pair.
//
// Breakers are keyed per pair, not per provider: one deprecated model
// returning 404s must not take a provider's healthy models with it. The
// provider-level aggregate covers the inverse case.
type pairCB struct {
	mu sync.Mutex

	state         cbState
	failures      int       // consecutive provider-side failures
	openedAt      time.Time // when the breaker tripped (for the cooldown timer)
	probeInflight bool      // true while a half-open probe is in flight
}

// CircuitBreaker manages independent breakers per (provider, model) pair
// plus a derived per-provider aggregate. Safe for concurrent use.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*pairCB
	openBy   map[string]int // provider → count of currently open pairs
	cfg      CBConfig

	// metrics receives state transitions when set; nil disables the export.
	metrics *metrics.Registry
}

// NewCircuitBreaker creates a CircuitBreaker with default settings.
func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(CBConfig{})
}

// NewCircuitBreakerWithConfig creates a CircuitBreaker with custom thresholds.
func NewCircuitBreakerWithConfig(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: make(map[string]*pairCB),
		openBy:   make(map[string]int),
		cfg:      cfg,
	}
}

func cbKey(provider, canonicalID string) string {
	return provider + "\x00" + canonicalID
}

// Allow reports whether the pair should receive the next request.
//
//   - Closed  → true, unless the provider aggregate is tripped.
//   - Open    → false, unless the cooldown has elapsed, in which case the
//     breaker transitions to HalfOpen and admits one probe.
//   - HalfOpen → true only if no probe is currently in flight.
//
// Unknown pairs are allowed (and start tracking on first record). The
// provider aggregate rejects closed pairs only: an open pair's half-open
// probe must keep running, or the aggregate could never recover.
func (cb *CircuitBreaker) Allow(provider, canonicalID string) bool {
	pcb := cb.get(provider, canonicalID)
	if pcb == nil {
		return !cb.ProviderOpen(provider)
	}

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case cbClosed:
		return !cb.ProviderOpen(provider)

	case cbOpen:
		if time.Since(pcb.openedAt) >= cb.cfg.cooldown() {
			pcb.state = cbHalfOpen
			pcb.probeInflight = true
			cb.adjustOpen(provider, -1)
			cb.export(provider, cbHalfOpen)
			return true
		}
		return false

	case cbHalfOpen:
		if pcb.probeInflight {
			return false
		}
		pcb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess resets the pair's breaker to Closed regardless of its
// previous state.
func (cb *CircuitBreaker) RecordSuccess(provider, canonicalID string) {
	pcb := cb.getOrCreate(provider, canonicalID)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	if pcb.state != cbClosed {
		if pcb.state == cbOpen {
			cb.adjustOpen(provider, -1)
		}
		cb.export(provider, cbClosed)
	}
	pcb.state = cbClosed
	pcb.failures = 0
	pcb.probeInflight = false
}

// RecordFailure counts one provider-side failure. The breaker trips on the
// configured consecutive-failure streak; a failed half-open probe re-opens
// immediately.
func (cb *CircuitBreaker) RecordFailure(provider, canonicalID string) {
	pcb := cb.getOrCreate(provider, canonicalID)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	pcb.failures++
	pcb.probeInflight = false

	trip := pcb.failures >= cb.cfg.failureThreshold() || pcb.state == cbHalfOpen
	if trip && pcb.state != cbOpen {
		pcb.state = cbOpen
		pcb.openedAt = time.Now()
		cb.adjustOpen(provider, 1)
		cb.export(provider, cbOpen)
	}
}

// ProviderOpen reports whether enough of the provider's pairs are open to
// consider the whole provider down.
func (cb *CircuitBreaker) ProviderOpen(provider string) bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.openBy[provider] >= cb.cfg.providerPairThreshold()
}

// PairState returns the current state for metrics export.
func (cb *CircuitBreaker) PairState(provider, canonicalID string) cbState {
	pcb := cb.get(provider, canonicalID)
	if pcb == nil {
		return cbClosed
	}
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	return pcb.state
}

// State returns the pair state label; it satisfies health.BreakerView.
func (cb *CircuitBreaker) State(provider, canonicalID string) string {
	return cb.PairState(provider, canonicalID).label()
}

func (cb *CircuitBreaker) get(provider, canonicalID string) *pairCB {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.breakers[cbKey(provider, canonicalID)]
}

func (cb *CircuitBreaker) getOrCreate(provider, canonicalID string) *pairCB {
	key := cbKey(provider, canonicalID)

	cb.mu.RLock()
	pcb, ok := cb.breakers[key]
	cb.mu.RUnlock()
	if ok {
		return pcb
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if pcb, ok = cb.breakers[key]; ok {
		return pcb
	}
	pcb = &pairCB{state: cbClosed}
	cb.breakers[key] = pcb
	return pcb
}

func (cb *CircuitBreaker) export(provider string, s cbState) {
	if cb.metrics != nil {
		cb.metrics.SetCircuitBreaker(provider, int64(s))
	}
}

func (cb *CircuitBreaker) adjustOpen(provider string, delta int) {
	cb.mu.Lock()
	cb.openBy[provider] += delta
	if cb.openBy[provider] < 0 {
		cb.openBy[provider] = 0
	}
	cb.mu.Unlock()
}
