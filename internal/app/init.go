package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/Alpaca-Network/gatewayz/internal/auth"
	"github.com/Alpaca-Network/gatewayz/internal/catalog"
	"github.com/Alpaca-Network/gatewayz/internal/credit"
	"github.com/Alpaca-Network/gatewayz/internal/health"
	"github.com/Alpaca-Network/gatewayz/internal/metrics"
	"github.com/Alpaca-Network/gatewayz/internal/pricing"
	"github.com/Alpaca-Network/gatewayz/internal/proxy"
	"github.com/Alpaca-Network/gatewayz/internal/ratelimit"
	"github.com/Alpaca-Network/gatewayz/internal/registry"
	"github.com/Alpaca-Network/gatewayz/internal/requestlog"
	"github.com/Alpaca-Network/gatewayz/internal/store"
	"github.com/Alpaca-Network/gatewayz/internal/store/postgres"
)

// initInfra establishes the external connections. All three are optional;
// a missing Postgres puts the gateway in unbilled development mode.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Database.URL != "" {
		a.log.Info("connecting to postgres", slog.String("url", redactURL(a.cfg.Database.URL)))
		db, err := postgres.Open(ctx, a.cfg.Database.URL, a.cfg.Database.ReadReplicaURL)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.db = db
		a.log.Info("postgres connected", slog.Bool("replica", a.cfg.Database.ReadReplicaURL != ""))
	} else {
		a.log.Warn("no DATABASE_URL configured; running unbilled with an empty catalog")
	}

	if a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))
		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.ClickHouse.URL != "" {
		a.log.Info("connecting to clickhouse", slog.String("url", redactURL(a.cfg.ClickHouse.URL)))
		opts, err := clickhouse.ParseDSN(a.cfg.ClickHouse.URL)
		if err != nil {
			return fmt.Errorf("clickhouse: parse dsn: %w", err)
		}
		conn, err := clickhouse.Open(opts)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		if err := conn.Ping(ctx); err != nil {
			_ = conn.Close()
			return fmt.Errorf("clickhouse: ping: %w", err)
		}
		a.ch = conn
		a.log.Info("clickhouse connected")
	}

	return nil
}

// initAdapters builds the provider adapter map. At least one provider must be
// configured — enforced by config validation before we reach here.
func (a *App) initAdapters(ctx context.Context) error {
	adapters, err := buildAdapters(ctx, a.cfg)
	if err != nil {
		return err
	}
	if len(adapters) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}
	a.adapters = adapters

	names := make([]string, 0, len(adapters))
	for n := range adapters {
		names = append(names, n)
	}
	a.log.Info("adapters loaded", slog.Any("providers", names))

	return nil
}

// initServices constructs everything between the wire and the adapters:
// metrics, stores, auth, the credit guard, the rate limiter, the request
// sink, and the registry with its catalog-backed sync job.
func (a *App) initServices(_ context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	var (
		users   store.UserStore
		journal store.FailureJournal
		cat     store.CatalogStore
	)
	if a.db != nil {
		users, journal, cat = a.db, a.db, a.db
	} else {
		dev := newDevStore(a.log)
		users, journal, cat = dev, dev, dev
	}

	a.authn = auth.New(users)
	a.guard = credit.NewGuard(users, journal, a.log)
	a.limiter = ratelimit.New(a.rdb, a.log)
	a.usage = health.NewCounters()

	reqLog, err := requestlog.New(a.baseCtx, a.ch, a.log)
	if err != nil {
		return fmt.Errorf("requestlog: %w", err)
	}
	a.reqLog = reqLog
	if a.ch == nil {
		a.log.Info("request sink: structured log (no CLICKHOUSE_URL)")
	}

	a.reg = registry.New()
	a.prices = pricing.NewResolver(a.reg)
	a.catCache = catalog.New(a.baseCtx, a.rdb, a.log, a.prom)

	a.syncer = &registry.Syncer{
		Registry: a.reg,
		Catalog: &cachedCatalog{
			inner:    cat,
			cache:    a.catCache,
			freshTTL: a.cfg.Catalog.FreshTTL,
			staleTTL: a.cfg.Catalog.StaleTTL,
		},
		Providers: a.cfg.Catalog.SyncProviders,
		Interval:  a.cfg.Catalog.SyncInterval,
		Log:       a.log,
	}

	return nil
}

// initGateway wires the Gateway, the tiered health tracker, and the
// management routes, then performs the first registry sync.
func (a *App) initGateway(ctx context.Context) error {
	var cacheReady, dbReady func() bool
	if a.rdb != nil {
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	}
	if a.db != nil {
		db := a.db
		base := a.baseCtx
		dbReady = func() bool { return db.Ready(base) }
	}

	a.gw = proxy.NewGateway(a.baseCtx, proxy.GatewayDeps{
		Registry: a.reg,
		Adapters: a.adapters,
		Pricing:  a.prices,
		Guard:    a.guard,
		Auth:     a.authn,
		Limiter:  a.limiter,
		Requests: a.reqLog,
		Usage:    a.usage,
	}, proxy.GatewayOptions{
		Logger: a.log,
		CBConfig: proxy.CBConfig{
			FailureThreshold:      a.cfg.CircuitBreaker.Threshold,
			Cooldown:              a.cfg.CircuitBreaker.Cooldown,
			ProviderPairThreshold: a.cfg.CircuitBreaker.ProviderPairThreshold,
		},
		Limits: ratelimit.Limits{
			PerSecond: a.cfg.RateLimit.PerSecond,
			PerMinute: a.cfg.RateLimit.PerMinute,
			PerDay:    a.cfg.RateLimit.PerDay,
		},
		Metrics:     a.prom,
		CORSOrigins: a.cfg.CORSOrigins,
		CacheReady:  cacheReady,
		DBReady:     dbReady,
	})

	if a.cfg.Health.Enabled {
		var rows store.HealthStore
		if a.db != nil {
			rows = a.db
		}
		a.tracker = health.NewTracker(a.adapters, a.usage, rows, a.rdb, a.gw.Breaker(), a.prom, a.log)
	}

	// Pricing is cached per snapshot and tracked pairs follow the catalog, so
	// both refresh on every swap.
	a.syncer.OnSwap = func() {
		a.prices.Reset()
		a.trackCatalogPairs()
	}

	if err := a.syncer.SyncOnce(ctx); err != nil {
		// A failed first sync is survivable: the registry stays empty and
		// known-model routing starts working at the next successful sync.
		a.log.Error("registry_initial_sync_failed", slog.String("error", err.Error()))
	}

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}

// trackCatalogPairs registers every enabled (provider, model) binding with
// the health tracker.
func (a *App) trackCatalogPairs() {
	if a.tracker == nil {
		return
	}
	for _, m := range a.reg.Snapshot().Models() {
		for _, b := range m.Providers {
			if !b.Enabled {
				continue
			}
			if _, ok := a.adapters[b.ProviderSlug]; !ok {
				continue
			}
			a.tracker.Track(b.ProviderSlug, m.CanonicalID)
		}
	}
}
