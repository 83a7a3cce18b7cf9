// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Postgres, Redis, ClickHouse)
//  2. initAdapters — LLM provider clients
//  3. initServices — stores, auth, credits, rate limiter, catalog, registry
//  4. initGateway  — proxy, health tracker, management routes
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	chdriver "github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/Alpaca-Network/gatewayz/internal/auth"
	"github.com/Alpaca-Network/gatewayz/internal/catalog"
	"github.com/Alpaca-Network/gatewayz/internal/config"
	"github.com/Alpaca-Network/gatewayz/internal/credit"
	"github.com/Alpaca-Network/gatewayz/internal/health"
	"github.com/Alpaca-Network/gatewayz/internal/metrics"
	"github.com/Alpaca-Network/gatewayz/internal/pricing"
	"github.com/Alpaca-Network/gatewayz/internal/providers"
	anthropicprov "github.com/Alpaca-Network/gatewayz/internal/providers/anthropic"
	geminiprov "github.com/Alpaca-Network/gatewayz/internal/providers/gemini"
	openaicompatprov "github.com/Alpaca-Network/gatewayz/internal/providers/openaicompat"
	"github.com/Alpaca-Network/gatewayz/internal/proxy"
	"github.com/Alpaca-Network/gatewayz/internal/ratelimit"
	"github.com/Alpaca-Network/gatewayz/internal/registry"
	"github.com/Alpaca-Network/gatewayz/internal/requestlog"
	"github.com/Alpaca-Network/gatewayz/internal/store/postgres"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	db  *postgres.DB
	rdb *redis.Client
	ch  chdriver.Conn

	prom *metrics.Registry

	adapters map[string]providers.Adapter

	reg      *registry.Registry
	prices   *pricing.Resolver
	catCache *catalog.Cache
	syncer   *registry.Syncer

	authn   *auth.Authenticator
	guard   *credit.Guard
	limiter *ratelimit.Limiter
	reqLog  *requestlog.Writer
	usage   *health.Counters
	tracker *health.Tracker

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"adapters", a.initAdapters},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and background jobs, blocking until ctx is
// cancelled or an error occurs. The app is closed gracefully on return.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("adapters", len(a.adapters)),
		slog.Int("models", a.reg.Snapshot().Len()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	if a.syncer != nil && a.cfg.Catalog.SyncEnabled {
		g.Go(func() error {
			err := a.syncer.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if a.tracker != nil {
		g.Go(func() error {
			err := a.tracker.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.gw != nil {
		a.gw.Close()
		a.gw = nil
	}
	if a.reqLog != nil {
		if err := a.reqLog.Close(); err != nil {
			a.log.Error("request sink close error", slog.String("error", err.Error()))
		}
		a.reqLog = nil
	}
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
		a.ch = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Error("postgres close error", slog.String("error", err.Error()))
		}
		a.db = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function suitable for the
// HealthChecker. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// buildAdapters creates the adapter map from non-empty API keys.
func buildAdapters(ctx context.Context, cfg *config.Config) (map[string]providers.Adapter, error) {
	adapters := make(map[string]providers.Adapter)

	if cfg.Anthropic.APIKey != "" {
		var opts []anthropicprov.Option
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		adapters["anthropic"] = anthropicprov.New(cfg.Anthropic.APIKey, opts...)
	}
	if cfg.Gemini.APIKey != "" {
		var opts []geminiprov.Option
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(cfg.Gemini.BaseURL))
		}
		g, err := geminiprov.New(ctx, cfg.Gemini.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("gemini: %w", err)
		}
		adapters["gemini"] = g
	}

	// OpenAI itself goes through the generic OpenAI-compatible adapter, same
	// as every other compatible provider.
	type ocEntry struct {
		cfg     config.ProviderConfig
		name    string
		baseURL string
	}
	ocProviders := []ocEntry{
		{cfg.OpenAI, "openai", "https://api.openai.com/v1"},
		{cfg.XAI, "xai", "https://api.x.ai/v1"},
		{cfg.DeepSeek, "deepseek", "https://api.deepseek.com/v1"},
		{cfg.Groq, "groq", "https://api.groq.com/openai/v1"},
		{cfg.Together, "together", "https://api.together.xyz/v1"},
		{cfg.Perplexity, "perplexity", "https://api.perplexity.ai"},
		{cfg.Cerebras, "cerebras", "https://api.cerebras.ai/v1"},
	}
	for _, e := range ocProviders {
		if e.cfg.APIKey == "" {
			continue
		}
		baseURL := e.baseURL
		if e.cfg.BaseURL != "" {
			baseURL = e.cfg.BaseURL
		}
		adapters[e.name] = openaicompatprov.New(e.name, e.cfg.APIKey, baseURL)
	}

	return adapters, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
