package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for routes to start in proxy-only mode.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	srv := g.Server(mgmt)
	return srv.ListenAndServe(addr)
}

// Server builds the configured fasthttp server without binding it, so the
// caller owns the listen/shutdown lifecycle.
func (g *Gateway) Server(mgmt *ManagementRoutes) *fasthttp.Server {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.POST("/v1/completions", g.handleCompletions)
	r.POST("/v1/embeddings", g.handleEmbeddings)
	r.POST("/v1/images/generations", g.handleImages)
	r.GET("/v1/models", g.handleModels)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	// requestID runs outermost so recovery and timing always see the ID.
	handler := applyMiddleware(r.Handler,
		requestID,
		recovery(g.log),
		timing(g.metrics),
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	return &fasthttp.Server{
		Handler: handler,
		// Streaming completions can legitimately run for minutes; the adapter
		// deadline is the real cap.
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 11 * time.Minute,
	}
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

func (g *Gateway) handleCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

func (g *Gateway) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	g.dispatchEmbeddings(ctx)
}

func (g *Gateway) handleImages(ctx *fasthttp.RequestCtx) {
	g.dispatchImages(ctx)
}

type modelInfo struct {
	ID            string   `json:"id"`
	Object        string   `json:"object"`
	OwnedBy       string   `json:"owned_by"`
	DisplayName   string   `json:"display_name,omitempty"`
	ContextLength int      `json:"context_length,omitempty"`
	Providers     []string `json:"providers,omitempty"`
}

// handleModels lists the canonical catalog in the OpenAI model-list shape,
// with the provider set attached so clients can pin with "provider/model".
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	snap := g.registry.Snapshot()
	models := snap.Models()

	data := make([]modelInfo, 0, len(models))
	for _, m := range models {
		slugs := make([]string, 0, len(m.Providers))
		owner := ""
		for _, b := range m.Providers {
			if !b.Enabled {
				continue
			}
			slugs = append(slugs, b.ProviderSlug)
			if owner == "" {
				owner = b.ProviderSlug
			}
		}
		if len(slugs) == 0 {
			continue
		}
		data = append(data, modelInfo{
			ID:            m.CanonicalID,
			Object:        "model",
			OwnedBy:       owner,
			DisplayName:   m.DisplayName,
			ContextLength: m.ContextLength,
			Providers:     slugs,
		})
	}

	writeJSON(ctx, map[string]any{
		"object": "list",
		"data":   data,
	})
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
