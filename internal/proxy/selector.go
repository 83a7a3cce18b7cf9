package proxy

import (
	"sync"

	"github.com/Alpaca-Network/gatewayz/internal/providers"
	"github.com/Alpaca-Network/gatewayz/internal/registry"
)

// maxAttempts caps the failover chain. Past three providers the request has
// burned more latency than a clean 503 would cost the client.
const maxAttempts = 3

// Constraints narrows which bindings are eligible for one request.
type Constraints struct {
	// Streaming requires the binding to advertise the streaming feature.
	Streaming bool

	// Preferred names the provider the caller asked for, via the
	// "provider/model" form or the provider body field. A reachable preferred
	// provider is served exclusively; an unreachable one is skipped and the
	// chain continues with the remaining bindings in priority order.
	Preferred string
}

// Selector turns a canonical model's bindings into an ordered attempt chain.
type Selector struct {
	reg      *registry.Registry
	adapters map[string]providers.Adapter
	cb       *CircuitBreaker

	mu     sync.Mutex
	rrSeed map[string]int // canonicalID → rotation offset for priority ties
}

func NewSelector(reg *registry.Registry, adapters map[string]providers.Adapter, cb *CircuitBreaker) *Selector {
	return &Selector{
		reg:      reg,
		adapters: adapters,
		cb:       cb,
		rrSeed:   make(map[string]int),
	}
}

// Chain returns up to maxAttempts eligible bindings for canonicalID, best
// first. Eligibility: binding enabled, an adapter is configured for its slug,
// feature constraints hold, and the breaker admits the pair. Bindings sort by
// priority; ties rotate round-robin per canonical model so equal-priority
// providers share load across requests.
//
// A reachable preferred provider short-circuits to a single-entry chain (no
// failover away from an explicit ask that works); an unreachable one degrades
// to the normal chain over the remaining bindings.
//
// An empty chain with skippedByBreaker true means every otherwise-usable
// binding was breaker-rejected — the caller maps that to 503 rather than 404.
func (s *Selector) Chain(canonicalID string, c Constraints) (chain []registry.ProviderBinding, skippedByBreaker bool) {
	bindings := s.reg.Bindings(canonicalID)
	if len(bindings) == 0 {
		return nil, false
	}

	usable := bindings[:0]
	for _, b := range bindings {
		if !b.Enabled {
			continue
		}
		if _, ok := s.adapters[b.ProviderSlug]; !ok {
			continue
		}
		if c.Streaming && len(b.Features) > 0 && !b.HasFeature(registry.FeatureStreaming) {
			continue
		}
		usable = append(usable, b)
	}
	if len(usable) == 0 {
		return nil, false
	}

	rotated := s.rotateTies(canonicalID, usable)

	if c.Preferred != "" {
		for _, b := range rotated {
			if b.ProviderSlug != c.Preferred {
				continue
			}
			if s.cb == nil || s.cb.Allow(b.ProviderSlug, canonicalID) {
				return []registry.ProviderBinding{b}, false
			}
			skippedByBreaker = true
			break
		}
		// Preferred provider unbound or breaker-rejected: fall back to the
		// remaining bindings.
	}

	for _, b := range rotated {
		if b.ProviderSlug == c.Preferred {
			continue
		}
		if s.cb != nil && !s.cb.Allow(b.ProviderSlug, canonicalID) {
			skippedByBreaker = true
			continue
		}
		chain = append(chain, b)
		if len(chain) == maxAttempts {
			break
		}
	}
	return chain, skippedByBreaker
}

// rotateTies rotates each equal-priority group by a per-model counter.
// Bindings arrive priority-sorted from the registry.
func (s *Selector) rotateTies(canonicalID string, bindings []registry.ProviderBinding) []registry.ProviderBinding {
	s.mu.Lock()
	seed := s.rrSeed[canonicalID]
	s.rrSeed[canonicalID] = seed + 1
	s.mu.Unlock()

	out := make([]registry.ProviderBinding, 0, len(bindings))
	for start := 0; start < len(bindings); {
		end := start + 1
		for end < len(bindings) && bindings[end].Priority == bindings[start].Priority {
			end++
		}
		n := end - start
		for i := 0; i < n; i++ {
			out = append(out, bindings[start+(seed+i)%n])
		}
		start = end
	}
	return out
}
