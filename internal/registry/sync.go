package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Alpaca-Network/gatewayz/internal/store"
)

// FromCatalogRows groups models_catalog rows by canonical ID and builds the
// model list a snapshot is made from. Rows with an empty canonical ID are
// skipped: the sync job owns canonicalization, the registry only consumes it.
func FromCatalogRows(rows []store.CatalogRow) []CanonicalModel {
	byID := make(map[string]*CanonicalModel)
	var order []string

	for _, row := range rows {
		id := strings.ToLower(strings.TrimSpace(row.CanonicalID))
		if id == "" || !row.Active {
			continue
		}

		m, ok := byID[id]
		if !ok {
			m = &CanonicalModel{
				CanonicalID:   id,
				DisplayName:   row.DisplayName,
				Description:   row.Description,
				ContextLength: row.ContextLength,
				Modalities:    row.Modalities,
			}
			byID[id] = m
			order = append(order, id)
		}
		for _, a := range row.Aliases {
			m.Aliases = appendUnique(m.Aliases, a)
		}

		var pricing PricingTable
		if len(row.PricingJSON) > 0 {
			// A malformed pricing blob disables the binding rather than the
			// model; the pricing resolver rejects zero pricing for
			// high-value models later.
			_ = json.Unmarshal(row.PricingJSON, &pricing)
		}

		m.Providers = append(m.Providers, ProviderBinding{
			ProviderSlug:    strings.ToLower(row.ProviderSlug),
			UpstreamModelID: row.UpstreamModelID,
			Priority:        row.Priority,
			Features:        row.Features,
			Pricing:         pricing,
			Enabled:         true,
		})
	}

	sort.Strings(order)
	out := make([]CanonicalModel, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, have := range list {
		if strings.EqualFold(have, v) {
			return list
		}
	}
	return append(list, v)
}

// Syncer periodically rebuilds the registry snapshot from the catalog store.
// A failed load or a snapshot that fails validation leaves the previous
// snapshot in place.
type Syncer struct {
	Registry  *Registry
	Catalog   store.CatalogStore
	Providers []string // optional allowlist (SYNC_PROVIDERS)
	Interval  time.Duration
	Log       *slog.Logger

	// OnSwap runs after every successful snapshot swap. Used to invalidate
	// caches keyed off the previous snapshot.
	OnSwap func()
}

// SyncOnce loads the catalog and swaps the snapshot.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	rows, err := s.Catalog.ListActiveModels(ctx, s.Providers)
	if err != nil {
		return fmt.Errorf("registry sync: load catalog: %w", err)
	}
	models := FromCatalogRows(rows)
	if err := s.Registry.Swap(models); err != nil {
		return fmt.Errorf("registry sync: %w", err)
	}
	if s.OnSwap != nil {
		s.OnSwap()
	}
	if s.Log != nil {
		s.Log.Info("registry_synced",
			slog.Int("models", len(models)),
			slog.Int("catalog_rows", len(rows)),
		)
	}
	return nil
}

// Run blocks, syncing at the configured interval until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.SyncOnce(ctx); err != nil && s.Log != nil {
				s.Log.Error("registry_sync_failed", slog.String("error", err.Error()))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
