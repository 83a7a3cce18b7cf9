// Package registry maps logical model identities to upstream provider
// bindings.
//
// The registry is immutable at use: readers always operate on one consistent
// Snapshot reached through an atomic pointer, and the sync job publishes
// updates by building a fresh snapshot and swapping the pointer. Resolution
// is exact-match only (canonical ID, alias, or (provider, upstream ID)
// reverse index), case-insensitive, no fuzzing.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// Feature flags a binding may advertise.
const (
	FeatureStreaming       = "streaming"
	FeatureFunctionCalling = "function_calling"
	FeatureVision          = "vision"
	FeatureAudio           = "audio"
	FeatureTools           = "tools"
)

// PricingTable carries per-single-token USD rates as strings so decimal
// precision survives serialization. Parsing happens in the pricing package.
type PricingTable struct {
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
	Request    string `json:"request"`
	Image      string `json:"image"`
	WebSearch  string `json:"web_search"`
	Reasoning  string `json:"reasoning"`
}

// IsZero reports whether every component is empty or literal zero.
func (p PricingTable) IsZero() bool {
	for _, v := range []string{p.Prompt, p.Completion, p.Request, p.Image, p.WebSearch, p.Reasoning} {
		if v != "" && v != "0" && v != "0.0" {
			return false
		}
	}
	return true
}

// ProviderBinding associates a canonical model with one provider's concrete
// model ID, priority, feature set and pricing.
type ProviderBinding struct {
	ProviderSlug    string       `json:"provider_slug"`
	UpstreamModelID string       `json:"upstream_model_id"`
	Priority        int          `json:"priority"`
	Features        []string     `json:"features,omitempty"`
	Pricing         PricingTable `json:"pricing"`
	Enabled         bool         `json:"enabled"`
}

// HasFeature reports whether the binding advertises the given feature.
func (b *ProviderBinding) HasFeature(f string) bool {
	for _, have := range b.Features {
		if have == f {
			return true
		}
	}
	return false
}

// CanonicalModel is a stable logical model identity across providers.
type CanonicalModel struct {
	CanonicalID   string            `json:"canonical_id"`
	DisplayName   string            `json:"display_name,omitempty"`
	Description   string            `json:"description,omitempty"`
	ContextLength int               `json:"context_length,omitempty"`
	Modalities    []string          `json:"modalities,omitempty"`
	Aliases       []string          `json:"aliases,omitempty"`
	Providers     []ProviderBinding `json:"providers"`
}

// Snapshot is one immutable resolution index. All lookup keys are lowercased
// at build time so resolution is case-insensitive.
type Snapshot struct {
	models     map[string]*CanonicalModel
	byAlias    map[string]string
	byUpstream map[string]string
	ordered    []string // canonical IDs, sorted, for listings
}

func upstreamKey(slug, upstreamID string) string {
	return strings.ToLower(slug) + "\x00" + strings.ToLower(upstreamID)
}

// BuildSnapshot validates the model set and builds the lookup indexes.
// Violations of the registry invariants (duplicate canonical IDs, ambiguous
// aliases, empty provider lists) reject the whole snapshot so a bad sync can
// never replace a good one.
func BuildSnapshot(models []CanonicalModel) (*Snapshot, error) {
	s := &Snapshot{
		models:     make(map[string]*CanonicalModel, len(models)),
		byAlias:    make(map[string]string),
		byUpstream: make(map[string]string),
	}

	for i := range models {
		m := models[i]
		id := strings.ToLower(strings.TrimSpace(m.CanonicalID))
		if id == "" {
			return nil, fmt.Errorf("registry: model %d has empty canonical_id", i)
		}
		if _, dup := s.models[id]; dup {
			return nil, fmt.Errorf("registry: duplicate canonical_id %q", id)
		}
		if len(m.Providers) == 0 {
			return nil, fmt.Errorf("registry: model %q has no provider bindings", id)
		}

		// Bindings are stored priority-sorted; Bindings() returns them as-is.
		sort.SliceStable(m.Providers, func(a, b int) bool {
			return m.Providers[a].Priority < m.Providers[b].Priority
		})

		m.CanonicalID = id
		s.models[id] = &m
		s.ordered = append(s.ordered, id)

		for _, alias := range m.Aliases {
			key := strings.ToLower(strings.TrimSpace(alias))
			if key == "" || key == id {
				continue
			}
			if prev, clash := s.byAlias[key]; clash && prev != id {
				return nil, fmt.Errorf("registry: alias %q maps to both %q and %q", alias, prev, id)
			}
			s.byAlias[key] = id
		}
		for _, b := range m.Providers {
			key := upstreamKey(b.ProviderSlug, b.UpstreamModelID)
			if prev, clash := s.byUpstream[key]; clash && prev != id {
				return nil, fmt.Errorf("registry: upstream %s/%s maps to both %q and %q",
					b.ProviderSlug, b.UpstreamModelID, prev, id)
			}
			s.byUpstream[key] = id
		}
	}

	sort.Strings(s.ordered)
	return s, nil
}

// Resolve normalizes input and looks it up as (1) canonical ID, (2) alias,
// (3) (provider, upstream ID) reverse index — in that order.
func (s *Snapshot) Resolve(input string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(input))
	if key == "" {
		return "", false
	}
	if _, ok := s.models[key]; ok {
		return key, true
	}
	if id, ok := s.byAlias[key]; ok {
		return id, true
	}
	// Reverse-index inputs arrive as "provider/upstream-id".
	if slug, rest, ok := strings.Cut(key, "/"); ok {
		if id, ok := s.byUpstream[upstreamKey(slug, rest)]; ok {
			return id, true
		}
	}
	return "", false
}

// Get returns the model for an exact canonical ID.
func (s *Snapshot) Get(canonicalID string) (*CanonicalModel, bool) {
	m, ok := s.models[strings.ToLower(canonicalID)]
	return m, ok
}

// Bindings returns the priority-sorted bindings for canonicalID. The returned
// slice is a copy; callers may filter it freely.
func (s *Snapshot) Bindings(canonicalID string) []ProviderBinding {
	m, ok := s.Get(canonicalID)
	if !ok {
		return nil
	}
	out := make([]ProviderBinding, len(m.Providers))
	copy(out, m.Providers)
	return out
}

// Transform returns the provider-native model ID for (canonicalID, slug).
func (s *Snapshot) Transform(canonicalID, providerSlug string) (string, bool) {
	m, ok := s.Get(canonicalID)
	if !ok {
		return "", false
	}
	for _, b := range m.Providers {
		if strings.EqualFold(b.ProviderSlug, providerSlug) {
			return b.UpstreamModelID, true
		}
	}
	return "", false
}

// Models returns all canonical models sorted by ID.
func (s *Snapshot) Models() []CanonicalModel {
	out := make([]CanonicalModel, 0, len(s.ordered))
	for _, id := range s.ordered {
		out = append(out, *s.models[id])
	}
	return out
}

// Len returns the number of canonical models in the snapshot.
func (s *Snapshot) Len() int { return len(s.models) }

// MarshalJSON serializes the snapshot as its model list; BuildSnapshot on the
// unmarshalled list yields an equal snapshot.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Models())
}

// Registry is the process-wide handle. Reads go through an atomic pointer so
// a sync never blocks or tears an in-flight resolution.
type Registry struct {
	snap atomic.Pointer[Snapshot]
}

// New creates a Registry seeded with an empty snapshot.
func New() *Registry {
	r := &Registry{}
	empty := &Snapshot{
		models:     map[string]*CanonicalModel{},
		byAlias:    map[string]string{},
		byUpstream: map[string]string{},
	}
	r.snap.Store(empty)
	return r
}

// Snapshot returns the current snapshot. Never nil.
func (r *Registry) Snapshot() *Snapshot { return r.snap.Load() }

// Swap validates models and atomically publishes them as the new snapshot.
func (r *Registry) Swap(models []CanonicalModel) error {
	s, err := BuildSnapshot(models)
	if err != nil {
		return err
	}
	r.snap.Store(s)
	return nil
}

// LoadJSON replaces the snapshot from a serialized model list.
func (r *Registry) LoadJSON(data []byte) error {
	var models []CanonicalModel
	if err := json.Unmarshal(data, &models); err != nil {
		return fmt.Errorf("registry: parse: %w", err)
	}
	return r.Swap(models)
}

// Resolve, Get, Bindings and Transform delegate to the current snapshot.

func (r *Registry) Resolve(input string) (string, bool) { return r.Snapshot().Resolve(input) }

func (r *Registry) Get(id string) (*CanonicalModel, bool) { return r.Snapshot().Get(id) }

func (r *Registry) Bindings(id string) []ProviderBinding { return r.Snapshot().Bindings(id) }

func (r *Registry) Transform(id, slug string) (string, bool) {
	return r.Snapshot().Transform(id, slug)
}
