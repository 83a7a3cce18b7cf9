package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Alpaca-Network/gatewayz/internal/catalog"
	"github.com/Alpaca-Network/gatewayz/internal/store"
)

// cachedCatalog layers the stale-while-revalidate cache over catalog reads.
// Registry rebuilds normally hit the cache; the database only sees one read
// per fresh window across all gateway instances sharing the Redis tier.
type cachedCatalog struct {
	inner    store.CatalogStore
	cache    *catalog.Cache
	freshTTL time.Duration
	staleTTL time.Duration
}

func (c *cachedCatalog) ListActiveModels(ctx context.Context, providers []string) ([]store.CatalogRow, error) {
	key := "catalog:active:all"
	if len(providers) > 0 {
		key = "catalog:active:" + strings.Join(providers, ",")
	}

	payload, err := c.cache.GetOrFill(ctx, key, c.freshTTL, c.staleTTL, func(ctx context.Context) ([]byte, error) {
		rows, err := c.inner.ListActiveModels(ctx, providers)
		if err != nil {
			return nil, err
		}
		return json.Marshal(rows)
	})
	if err != nil {
		return nil, err
	}

	var rows []store.CatalogRow
	if err := json.Unmarshal(payload, &rows); err != nil {
		// A corrupt cache entry must not wedge the sync loop: drop it and
		// read through.
		c.cache.Delete(ctx, key)
		rows, rerr := c.inner.ListActiveModels(ctx, providers)
		if rerr != nil {
			return nil, fmt.Errorf("catalog: decode cached rows: %w", err)
		}
		return rows, nil
	}
	return rows, nil
}
