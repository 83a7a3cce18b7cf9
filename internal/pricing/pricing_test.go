package pricing

import (
	"context"
	"errors"
	"testing"

	"github.com/Alpaca-Network/gatewayz/internal/registry"
)

func regWith(t *testing.T, models ...registry.CanonicalModel) *registry.Registry {
	t.Helper()
	r := registry.New()
	if err := r.Swap(models); err != nil {
		t.Fatalf("swap: %v", err)
	}
	return r
}

func model(id string, pricing registry.PricingTable) registry.CanonicalModel {
	return registry.CanonicalModel{
		CanonicalID: id,
		Providers: []registry.ProviderBinding{{
			ProviderSlug:    "prov",
			UpstreamModelID: id + "-upstream",
			Priority:        1,
			Pricing:         pricing,
			Enabled:         true,
		}},
	}
}

func TestResolveValidPricing(t *testing.T) {
	r := NewResolver(regWith(t, model("mini-model", registry.PricingTable{
		Prompt: "0.00000015", Completion: "0.0000006",
	})))

	p, err := r.Resolve(context.Background(), "mini-model", "prov", false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Prompt.String() != "0.00000015" || p.Completion.String() != "0.0000006" {
		t.Errorf("pricing = %+v", p)
	}
}

func TestResolveAnomalyRejected(t *testing.T) {
	// $10/token is $10000 per 1k — three orders of magnitude over the bound.
	r := NewResolver(regWith(t, model("broken-model", registry.PricingTable{Prompt: "10"})))

	_, err := r.Resolve(context.Background(), "broken-model", "prov", false)
	var anomaly *AnomalyError
	if !errors.As(err, &anomaly) {
		t.Fatalf("err = %v, want AnomalyError", err)
	}
	if anomaly.Component != "prompt" {
		t.Errorf("component = %q", anomaly.Component)
	}
}

func TestResolveHighValueWithoutPricingFails(t *testing.T) {
	r := NewResolver(regWith(t, model("gpt-4-turbo", registry.PricingTable{})))

	_, err := r.Resolve(context.Background(), "gpt-4-turbo", "prov", false)
	if !errors.Is(err, ErrMissing) {
		t.Fatalf("err = %v, want ErrMissing", err)
	}
}

func TestResolveZeroPricingOnOrdinaryModel(t *testing.T) {
	r := NewResolver(regWith(t, model("tiny-free-model", registry.PricingTable{})))

	p, err := r.Resolve(context.Background(), "tiny-free-model", "prov", false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !p.IsZero() {
		t.Errorf("pricing = %+v, want zero", p)
	}
}

func TestResolveFreeTierBypassesHighValueCheck(t *testing.T) {
	r := NewResolver(regWith(t, model("gpt-4-community", registry.PricingTable{})))

	p, err := r.Resolve(context.Background(), "gpt-4-community", "prov", true)
	if err != nil {
		t.Fatalf("free tier resolve: %v", err)
	}
	if !p.IsZero() {
		t.Errorf("pricing = %+v", p)
	}
}

func TestResolveUnknownBinding(t *testing.T) {
	r := NewResolver(regWith(t, model("known", registry.PricingTable{Prompt: "0.000001"})))

	if _, err := r.Resolve(context.Background(), "known", "other-prov", false); !errors.Is(err, ErrMissing) {
		t.Errorf("unknown provider: err = %v", err)
	}
	if _, err := r.Resolve(context.Background(), "ghost", "prov", false); !errors.Is(err, ErrMissing) {
		t.Errorf("unknown model: err = %v", err)
	}
}

func TestResetDropsCache(t *testing.T) {
	reg := regWith(t, model("cached-model", registry.PricingTable{Prompt: "0.000001"}))
	r := NewResolver(reg)

	if _, err := r.Resolve(context.Background(), "cached-model", "prov", false); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Swap in a new rate; the cached value survives until Reset.
	if err := reg.Swap([]registry.CanonicalModel{model("cached-model", registry.PricingTable{Prompt: "0.000002"})}); err != nil {
		t.Fatalf("swap: %v", err)
	}
	p, _ := r.Resolve(context.Background(), "cached-model", "prov", false)
	if p.Prompt.String() != "0.000001" {
		t.Errorf("expected cached rate, got %s", p.Prompt.String())
	}

	r.Reset()
	p, _ = r.Resolve(context.Background(), "cached-model", "prov", false)
	if p.Prompt.String() != "0.000002" {
		t.Errorf("expected new rate after reset, got %s", p.Prompt.String())
	}
}

func TestParseRejectsNegative(t *testing.T) {
	if _, err := Parse(registry.PricingTable{Completion: "-0.01"}); err == nil {
		t.Error("negative rate must fail")
	}
	if _, err := Parse(registry.PricingTable{Prompt: "not-a-number"}); err == nil {
		t.Error("garbage must fail")
	}
}

func TestStripFreeSuffix(t *testing.T) {
	cases := []struct {
		in   string
		want string
		free bool
	}{
		{"llama-3.1-8b:free", "llama-3.1-8b", true},
		{"llama-3.1-8b:FREE", "llama-3.1-8b", true},
		{"llama-3.1-8b", "llama-3.1-8b", false},
		{"free", "free", false},
	}
	for _, tc := range cases {
		got, free := StripFreeSuffix(tc.in)
		if got != tc.want || free != tc.free {
			t.Errorf("StripFreeSuffix(%q) = (%q, %v), want (%q, %v)", tc.in, got, free, tc.want, tc.free)
		}
	}
}

func TestIsHighValue(t *testing.T) {
	for _, id := range []string{"gpt-4o", "gpt-5", "o1-preview", "o3", "claude-sonnet-4", "claude-3-opus", "gemini-2.5-pro", "grok-4"} {
		if !IsHighValue(id) {
			t.Errorf("%s should be high value", id)
		}
	}
	for _, id := range []string{"gpt-3.5-turbo", "llama-3.1-8b", "mixtral-8x7b", "gemini-flash-lite"} {
		if IsHighValue(id) {
			t.Errorf("%s should not be high value", id)
		}
	}
}
