package registry

import (
	"strings"
	"testing"
	"time"

	"github.com/Alpaca-Network/gatewayz/internal/store"
)

func testModels() []CanonicalModel {
	return []CanonicalModel{
		{
			CanonicalID: "llama-3.1-70b",
			Aliases:     []string{"llama-70b", "Meta-Llama-3.1-70B"},
			Providers: []ProviderBinding{
				{ProviderSlug: "groq", UpstreamModelID: "llama-3.1-70b-versatile", Priority: 2, Enabled: true},
				{ProviderSlug: "together", UpstreamModelID: "meta-llama/Llama-3.1-70B", Priority: 1, Enabled: true},
			},
		},
		{
			CanonicalID: "claude-sonnet-4",
			Providers: []ProviderBinding{
				{ProviderSlug: "anthropic", UpstreamModelID: "claude-sonnet-4-20250514", Priority: 1, Enabled: true},
			},
		},
	}
}

func TestResolve(t *testing.T) {
	r := New()
	if err := r.Swap(testModels()); err != nil {
		t.Fatalf("swap: %v", err)
	}

	cases := []struct {
		in    string
		want  string
		found bool
	}{
		{"llama-3.1-70b", "llama-3.1-70b", true},
		{"LLAMA-3.1-70B", "llama-3.1-70b", true},
		{"  llama-70b  ", "llama-3.1-70b", true},
		{"meta-llama-3.1-70b", "llama-3.1-70b", true},
		{"groq/llama-3.1-70b-versatile", "llama-3.1-70b", true},
		{"together/meta-llama/Llama-3.1-70B", "llama-3.1-70b", true},
		{"claude-sonnet-4", "claude-sonnet-4", true},
		{"llama", "", false},
		{"", "", false},
		{"openai/llama-3.1-70b-versatile", "", false},
	}
	for _, tc := range cases {
		got, found := r.Resolve(tc.in)
		if found != tc.found || got != tc.want {
			t.Errorf("Resolve(%q) = (%q, %v), want (%q, %v)", tc.in, got, found, tc.want, tc.found)
		}
	}
}

func TestBindingsSortedByPriority(t *testing.T) {
	r := New()
	if err := r.Swap(testModels()); err != nil {
		t.Fatalf("swap: %v", err)
	}

	bindings := r.Bindings("llama-3.1-70b")
	if len(bindings) != 2 {
		t.Fatalf("bindings = %d", len(bindings))
	}
	if bindings[0].ProviderSlug != "together" || bindings[1].ProviderSlug != "groq" {
		t.Errorf("order = %s, %s; want together (priority 1) first",
			bindings[0].ProviderSlug, bindings[1].ProviderSlug)
	}
}

func TestTransform(t *testing.T) {
	r := New()
	if err := r.Swap(testModels()); err != nil {
		t.Fatalf("swap: %v", err)
	}

	id, ok := r.Transform("llama-3.1-70b", "groq")
	if !ok || id != "llama-3.1-70b-versatile" {
		t.Errorf("Transform groq = (%q, %v)", id, ok)
	}
	if _, ok := r.Transform("llama-3.1-70b", "openai"); ok {
		t.Error("Transform for unbound provider should fail")
	}
}

func TestBuildSnapshotRejectsInvalid(t *testing.T) {
	cases := []struct {
		name   string
		models []CanonicalModel
		errSub string
	}{
		{
			"duplicate canonical",
			[]CanonicalModel{
				{CanonicalID: "m", Providers: []ProviderBinding{{ProviderSlug: "a", UpstreamModelID: "x"}}},
				{CanonicalID: "M", Providers: []ProviderBinding{{ProviderSlug: "b", UpstreamModelID: "y"}}},
			},
			"duplicate",
		},
		{
			"no bindings",
			[]CanonicalModel{{CanonicalID: "m"}},
			"no provider bindings",
		},
		{
			"ambiguous alias",
			[]CanonicalModel{
				{CanonicalID: "m1", Aliases: []string{"shared"}, Providers: []ProviderBinding{{ProviderSlug: "a", UpstreamModelID: "x"}}},
				{CanonicalID: "m2", Aliases: []string{"shared"}, Providers: []ProviderBinding{{ProviderSlug: "b", UpstreamModelID: "y"}}},
			},
			"alias",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := BuildSnapshot(tc.models)
			if err == nil || !strings.Contains(err.Error(), tc.errSub) {
				t.Errorf("err = %v, want substring %q", err, tc.errSub)
			}
		})
	}
}

func TestSwapKeepsOldSnapshotOnFailure(t *testing.T) {
	r := New()
	if err := r.Swap(testModels()); err != nil {
		t.Fatalf("swap: %v", err)
	}

	bad := []CanonicalModel{{CanonicalID: ""}}
	if err := r.Swap(bad); err == nil {
		t.Fatal("invalid swap should fail")
	}

	if _, found := r.Resolve("llama-3.1-70b"); !found {
		t.Error("previous snapshot lost after failed swap")
	}
}

func TestFromCatalogRows(t *testing.T) {
	now := time.Now()
	rows := []store.CatalogRow{
		{
			ProviderSlug: "Groq", UpstreamModelID: "llama-3.1-70b-versatile",
			CanonicalID: "Llama-3.1-70B", Priority: 2, Active: true,
			Aliases:     []string{"llama-70b"},
			PricingJSON: []byte(`{"prompt":"0.00000059","completion":"0.00000079"}`),
			UpdatedAt:   now,
		},
		{
			ProviderSlug: "together", UpstreamModelID: "meta-llama/Llama-3.1-70B",
			CanonicalID: "llama-3.1-70b", Priority: 1, Active: true,
			Aliases:   []string{"llama-70b", "meta-llama"},
			UpdatedAt: now,
		},
		{
			ProviderSlug: "dead", UpstreamModelID: "gone", CanonicalID: "llama-3.1-70b",
			Active: false, UpdatedAt: now,
		},
		{
			ProviderSlug: "x", UpstreamModelID: "y", CanonicalID: "", Active: true,
		},
	}

	models := FromCatalogRows(rows)
	if len(models) != 1 {
		t.Fatalf("models = %d, want 1", len(models))
	}
	m := models[0]
	if m.CanonicalID != "llama-3.1-70b" {
		t.Errorf("canonical = %q", m.CanonicalID)
	}
	if len(m.Providers) != 2 {
		t.Fatalf("providers = %d (inactive row must be dropped)", len(m.Providers))
	}
	if m.Providers[0].ProviderSlug != "groq" {
		t.Errorf("slug not lowercased: %q", m.Providers[0].ProviderSlug)
	}
	if m.Providers[0].Pricing.Prompt != "0.00000059" {
		t.Errorf("pricing not parsed: %+v", m.Providers[0].Pricing)
	}
	// Aliases deduplicate across rows.
	count := 0
	for _, a := range m.Aliases {
		if strings.EqualFold(a, "llama-70b") {
			count++
		}
	}
	if count != 1 {
		t.Errorf("alias dedup failed: %v", m.Aliases)
	}
}
