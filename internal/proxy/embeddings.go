package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/Alpaca-Network/gatewayz/internal/credit"
	"github.com/Alpaca-Network/gatewayz/internal/providers"
	"github.com/Alpaca-Network/gatewayz/pkg/apierr"
)

type embeddingRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

type (
	embeddingResponse struct {
		Object string          `json:"object"`
		Data   []embeddingItem `json:"data"`
		Model  string          `json:"model"`
		Usage  usagePayload    `json:"usage"`
	}
	embeddingItem struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	}
)

func (g *Gateway) dispatchEmbeddings(ctx *fasthttp.RequestCtx) {
	route := string(ctx.Path())

	if g.metrics != nil {
		g.metrics.IncInFlight()
		defer g.metrics.DecInFlight()
	}

	user, rawKey, ok := g.authenticate(ctx)
	if !ok {
		return
	}

	var req embeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid JSON body: "+err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	inputs, err := parseEmbeddingInput(req.Input)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" || len(inputs) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"model and input are required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
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

	estTokens := 0
	for _, in := range inputs {
		estTokens += providers.EstimateTokens(in)
	}

	var lastErr error
	for _, b := range chain {
		emb, ok := g.adapters[b.ProviderSlug].(providers.Embedder)
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

		reservation, err := g.guard.Reserve(ctx, user, canonicalID, b.ProviderSlug, p, estTokens, 0, 0)
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
		vectors, usage, err := emb.Embed(ctx, upstreamID, inputs)
		outcome := providers.Classify(err)
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(b.ProviderSlug, route, outcome.Label(), time.Since(attemptStart))
		}

		if err == nil {
			g.cb.RecordSuccess(b.ProviderSlug, canonicalID)
			if g.usage != nil {
				g.usage.Record(b.ProviderSlug, canonicalID)
			}

			cost := credit.ActualCost(p, usage, 0)
			g.settleAsync(reservation, attempt{slug: b.ProviderSlug, upstreamID: upstreamID, pricing: p},
				requestIDFrom(ctx), cost, false)

			data := make([]embeddingItem, len(vectors))
			for i, v := range vectors {
				data[i] = embeddingItem{Object: "embedding", Index: i, Embedding: v}
			}
			writeJSON(ctx, embeddingResponse{
				Object: "list",
				Data:   data,
				Model:  canonicalID,
				Usage: usagePayload{
					PromptTokens: usage.PromptTokens,
					TotalTokens:  usage.PromptTokens,
				},
			})
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

// parseEmbeddingInput accepts the string and array-of-strings forms.
func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, fmt.Errorf("input must be a string or an array of strings")
	}
	return many, nil
}
