package proxy

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/Alpaca-Network/gatewayz/internal/credit"
	"github.com/Alpaca-Network/gatewayz/internal/providers"
	"github.com/Alpaca-Network/gatewayz/pkg/apierr"
)

type imageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size"`
}

type (
	imageResponse struct {
		Created int64       `json:"created"`
		Data    []imageItem `json:"data"`
	}
	imageItem struct {
		URL     string `json:"url,omitempty"`
		B64JSON string `json:"b64_json,omitempty"`
	}
)

// dispatchImages routes image generation through the same
// reserve → attempt → settle pipeline as chat, billed on the per-image
// pricing adder instead of token usage.
func (g *Gateway) dispatchImages(ctx *fasthttp.RequestCtx) {
	route := string(ctx.Path())

	if g.metrics != nil {
		g.metrics.IncInFlight()
		defer g.metrics.DecInFlight()
	}

	user, rawKey, ok := g.authenticate(ctx)
	if !ok {
		return
	}

	var req imageRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid JSON body: "+err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if strings.TrimSpace(req.Model) == "" || strings.TrimSpace(req.Prompt) == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"model and prompt are required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.N <= 0 {
		req.N = 1
	}

	if !g.admitRate(ctx, rawKey) {
		return
	}

	canonicalID, found := g.registry.Resolve(strings.TrimSpace(req.Model))
	if !found {
		apierr.WriteModelUnknown(ctx, req.Model)
		return
	}

	chain, skipped := g.selector.Chain(canonicalID, Constraints{})
	if len(chain) == 0 {
		if skipped && g.metrics != nil {
			g.metrics.RecordCircuitBreakerRejection(canonicalID, "open")
		}
		apierr.WriteNoProvider(ctx, req.Model)
		return
	}

	estPrompt := providers.EstimateTokens(req.Prompt)

	var lastErr error
	for _, b := range chain {
		gen, ok := g.adapters[b.ProviderSlug].(providers.ImageGenerator)
		if !ok {
			continue
		}
		upstreamID, ok := g.registry.Transform(canonicalID, b.ProviderSlug)
		if !ok {
			continue
		}
		p, err := g.pricing.Resolve(ctx, canonicalID, b.ProviderSlug, false)
		if err != nil {
			lastErr = err
			continue
		}

		reservation, err := g.guard.Reserve(ctx, user, canonicalID, b.ProviderSlug, p, estPrompt, 0, req.N)
		if err != nil {
			var ie *credit.InsufficientError
			if errors.As(err, &ie) {
				apierr.WriteInsufficientCredits(ctx, apierr.InsufficientCreditsInfo{
					Model:           req.Model,
					RequestID:       requestIDFrom(ctx),
					CurrentCredits:  ie.CurrentCredits,
					RequiredCredits: ie.RequiredCredits,
				})
				return
			}
			apierr.Write(ctx, fasthttp.StatusInternalServerError,
				"credit check failed", apierr.TypeServerError, apierr.CodeInternalError)
			return
		}

		attemptStart := time.Now()
		images, err := gen.GenerateImages(ctx, upstreamID, req.Prompt, req.N, req.Size)
		outcome := providers.Classify(err)
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(b.ProviderSlug, route, outcome.Label(), time.Since(attemptStart))
		}

		if err == nil {
			g.cb.RecordSuccess(b.ProviderSlug, canonicalID)
			if g.usage != nil {
				g.usage.Record(b.ProviderSlug, canonicalID)
			}

			// Billed on what the upstream actually produced, not what was asked.
			cost := credit.ActualCost(p, providers.Usage{}, len(images))
			g.settleAsync(reservation, attempt{slug: b.ProviderSlug, upstreamID: upstreamID, pricing: p},
				requestIDFrom(ctx), cost, false)

			data := make([]imageItem, len(images))
			for i, img := range images {
				data[i] = imageItem{URL: img.URL, B64JSON: img.B64JSON}
			}
			writeJSON(ctx, imageResponse{Created: time.Now().Unix(), Data: data})
			return
		}

		lastErr = err
		if outcome.ProviderSide() {
			g.cb.RecordFailure(b.ProviderSlug, canonicalID)
			continue
		}
		g.writeAttemptError(ctx, err, outcome)
		return
	}

	if lastErr != nil {
		g.writeAttemptError(ctx, lastErr, providers.Classify(lastErr))
		return
	}
	apierr.WriteNoProvider(ctx, req.Model)
}
