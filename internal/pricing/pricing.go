// Package pricing resolves per-token USD rates for (canonical model,
// provider) pairs and guards settlement math against catalog corruption.
//
// All arithmetic uses shopspring/decimal; binary floating-point never touches
// a money value.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/Alpaca-Network/gatewayz/internal/registry"
)

// Pricing is the parsed per-single-token rate card for one binding.
type Pricing struct {
	Prompt     decimal.Decimal
	Completion decimal.Decimal
	Request    decimal.Decimal
	Image      decimal.Decimal
	WebSearch  decimal.Decimal
	Reasoning  decimal.Decimal
}

// IsZero reports whether every component is zero (a free-tier binding).
func (p Pricing) IsZero() bool {
	return p.Prompt.IsZero() && p.Completion.IsZero() && p.Request.IsZero() &&
		p.Image.IsZero() && p.WebSearch.IsZero() && p.Reasoning.IsZero()
}

// Sanity bounds: any non-zero per-token rate must land between $0.0001 and
// $100 per 1k tokens. Values outside the band indicate a corrupted catalog
// row and abort the request before any upstream call.
var (
	minPer1K = decimal.RequireFromString("0.0001")
	maxPer1K = decimal.RequireFromString("100.0")
	thousand = decimal.NewFromInt(1000)
)

// AnomalyError reports a pricing value outside the sanity bounds.
type AnomalyError struct {
	CanonicalID string
	Provider    string
	Component   string
	PerToken    decimal.Decimal
}

func (e *AnomalyError) Error() string {
	return fmt.Sprintf("pricing: anomaly for %s on %s: %s=%s/token outside sanity bounds",
		e.CanonicalID, e.Provider, e.Component, e.PerToken.String())
}

// ErrMissing is returned when a high-value model has no usable pricing.
// High-value models must never fall back to defaults.
var ErrMissing = errors.New("pricing: no pricing available")

// highValuePatterns match models that are too expensive to ever bill at a
// default rate. Absence of explicit pricing for these fails the request.
var highValuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^gpt-4`),
	regexp.MustCompile(`^gpt-5`),
	regexp.MustCompile(`^o[134](-|$)`),
	regexp.MustCompile(`^claude-[3-9]`),
	regexp.MustCompile(`^claude-(opus|sonnet|haiku)`),
	regexp.MustCompile(`^gemini-.*-pro`),
	regexp.MustCompile(`^grok-`),
}

// IsHighValue reports whether canonicalID matches a high-value model pattern.
func IsHighValue(canonicalID string) bool {
	id := strings.ToLower(canonicalID)
	for _, re := range highValuePatterns {
		if re.MatchString(id) {
			return true
		}
	}
	return false
}

// FreeSuffix marks a request for a model's free tier.
const FreeSuffix = ":free"

// StripFreeSuffix splits the ":free" marker off a model input.
func StripFreeSuffix(input string) (string, bool) {
	if strings.HasSuffix(strings.ToLower(input), FreeSuffix) {
		return input[:len(input)-len(FreeSuffix)], true
	}
	return input, false
}

// Resolver resolves and caches parsed pricing per (provider, canonical) pair.
// The cache is invalidated wholesale on registry sync (Reset).
type Resolver struct {
	reg *registry.Registry

	mu    sync.Mutex
	cache map[string]Pricing
}

func NewResolver(reg *registry.Registry) *Resolver {
	return &Resolver{reg: reg, cache: make(map[string]Pricing)}
}

// Reset drops the process cache. Called after a registry snapshot swap.
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.cache = make(map[string]Pricing)
	r.mu.Unlock()
}

// Resolve returns validated pricing for the pair. Precedence: process cache,
// then the registry binding. freeTier is honored only when the binding is the
// canonical free-tier binding (all-zero pricing); otherwise normal pricing
// applies and the suffix has no effect.
func (r *Resolver) Resolve(_ context.Context, canonicalID, providerSlug string, freeTier bool) (Pricing, error) {
	key := providerSlug + "\x00" + canonicalID
	r.mu.Lock()
	if p, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	model, ok := r.reg.Get(canonicalID)
	if !ok {
		return Pricing{}, fmt.Errorf("%w: unknown model %q", ErrMissing, canonicalID)
	}

	var binding *registry.ProviderBinding
	for i := range model.Providers {
		if strings.EqualFold(model.Providers[i].ProviderSlug, providerSlug) {
			binding = &model.Providers[i]
			break
		}
	}
	if binding == nil {
		return Pricing{}, fmt.Errorf("%w: %s has no binding for provider %s", ErrMissing, canonicalID, providerSlug)
	}

	p, err := Parse(binding.Pricing)
	if err != nil {
		return Pricing{}, err
	}

	if p.IsZero() {
		if freeTier {
			// The canonical free-tier binding really is free.
			return p, nil
		}
		if IsHighValue(canonicalID) {
			return Pricing{}, fmt.Errorf("%w: high-value model %s on %s has no pricing",
				ErrMissing, canonicalID, providerSlug)
		}
		// Zero pricing on an ordinary model is a legitimate free binding.
		return p, nil
	}

	if err := validate(canonicalID, providerSlug, p); err != nil {
		return Pricing{}, err
	}

	r.mu.Lock()
	r.cache[key] = p
	r.mu.Unlock()
	return p, nil
}

// Parse converts a string-encoded rate card to decimals. Empty components
// parse as zero; negative values are rejected.
func Parse(t registry.PricingTable) (Pricing, error) {
	var p Pricing
	for _, f := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"prompt", t.Prompt, &p.Prompt},
		{"completion", t.Completion, &p.Completion},
		{"request", t.Request, &p.Request},
		{"image", t.Image, &p.Image},
		{"web_search", t.WebSearch, &p.WebSearch},
		{"reasoning", t.Reasoning, &p.Reasoning},
	} {
		if f.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return Pricing{}, fmt.Errorf("pricing: parse %s %q: %w", f.name, f.raw, err)
		}
		if d.IsNegative() {
			return Pricing{}, fmt.Errorf("pricing: negative %s rate %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return p, nil
}

// validate applies the per-1k-token sanity band to the token-rate components.
// Per-request and per-image adders are flat fees and checked against the raw
// upper bound only.
func validate(canonicalID, provider string, p Pricing) error {
	for _, c := range []struct {
		name string
		v    decimal.Decimal
	}{
		{"prompt", p.Prompt},
		{"completion", p.Completion},
		{"reasoning", p.Reasoning},
	} {
		if c.v.IsZero() {
			continue
		}
		per1k := c.v.Mul(thousand)
		if per1k.LessThan(minPer1K) || per1k.GreaterThan(maxPer1K) {
			return &AnomalyError{
				CanonicalID: canonicalID,
				Provider:    provider,
				Component:   c.name,
				PerToken:    c.v,
			}
		}
	}
	for _, c := range []struct {
		name string
		v    decimal.Decimal
	}{
		{"request", p.Request},
		{"image", p.Image},
		{"web_search", p.WebSearch},
	} {
		if c.v.IsZero() {
			continue
		}
		if c.v.GreaterThan(maxPer1K) {
			return &AnomalyError{
				CanonicalID: canonicalID,
				Provider:    provider,
				Component:   c.name,
				PerToken:    c.v,
			}
		}
	}
	return nil
}
