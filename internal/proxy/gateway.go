// Package proxy is the core inference request dispatcher.
//
// The Gateway receives an incoming OpenAI-compatible request, authenticates
// the caller, resolves the model against the registry, reserves credits,
// builds a provider attempt chain, and forwards the request — failing over
// to alternatives while nothing has reached the client yet.
//
// Key design constraints:
//   - No blocking I/O on the hot path beyond the upstream call itself;
//     settlement and accounting writes happen off-request.
//   - Rate limiter, request log and metrics are optional and nil-safe.
//   - Streaming responses are pass-through SSE. Once the first byte is on
//     the wire the response is committed: no failover, errors go in-band.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"

	"github.com/Alpaca-Network/gatewayz/internal/auth"
	"github.com/Alpaca-Network/gatewayz/internal/credit"
	"github.com/Alpaca-Network/gatewayz/internal/health"
	"github.com/Alpaca-Network/gatewayz/internal/metrics"
	"github.com/Alpaca-Network/gatewayz/internal/pricing"
	"github.com/Alpaca-Network/gatewayz/internal/providers"
	"github.com/Alpaca-Network/gatewayz/internal/ratelimit"
	"github.com/Alpaca-Network/gatewayz/internal/registry"
	"github.com/Alpaca-Network/gatewayz/internal/requestlog"
	"github.com/Alpaca-Network/gatewayz/internal/store"
	"github.com/Alpaca-Network/gatewayz/pkg/apierr"
)

// defaultReserveTokens is the worst-case completion length assumed when the
// client omits max_tokens. Reservation only; the settled bill uses actual
// usage.
const defaultReserveTokens = 1024

// GatewayDeps are the required collaborators. Every field must be non-nil
// except Limiter, Requests and Usage, which degrade gracefully.
type GatewayDeps struct {
	Registry *registry.Registry
	Adapters map[string]providers.Adapter
	Pricing  *pricing.Resolver
	Guard    *credit.Guard
	Auth     *auth.Authenticator

	Limiter  *ratelimit.Limiter
	Requests *requestlog.Writer
	Usage    *health.Counters
}

// GatewayOptions holds optional tuning parameters. All fields have sensible
// defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger for request events and failover
	// diagnostics. Defaults to slog.Default when nil.
	Logger *slog.Logger

	// CBConfig configures the per-pair circuit breaker thresholds.
	CBConfig CBConfig

	// Limits are the per-API-key token bucket limits. Zero values disable
	// the corresponding window.
	Limits ratelimit.Limits

	// Metrics enables Prometheus metrics collection. Nil disables.
	Metrics *metrics.Registry

	// CORSOrigins restricts browser access. Empty means allow all.
	CORSOrigins []string

	// CacheReady and DBReady are readiness probes for GET /readiness.
	CacheReady func() bool
	DBReady    func() bool
}

// Gateway is the dispatcher. All dependencies are injected so tests can
// substitute fakes.
type Gateway struct {
	registry *registry.Registry
	adapters map[string]providers.Adapter
	selector *Selector
	cb       *CircuitBreaker
	pricing  *pricing.Resolver
	guard    *credit.Guard
	auth     *auth.Authenticator

	limiter  *ratelimit.Limiter
	limits   ratelimit.Limits
	requests *requestlog.Writer
	usage    *health.Counters
	health   *HealthChecker

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	corsOrigins []string
}

// NewGateway creates a fully wired Gateway.
func NewGateway(baseCtx context.Context, deps GatewayDeps, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	cb := NewCircuitBreakerWithConfig(opts.CBConfig)
	cb.metrics = opts.Metrics

	g := &Gateway{
		registry:    deps.Registry,
		adapters:    deps.Adapters,
		selector:    NewSelector(deps.Registry, deps.Adapters, cb),
		cb:          cb,
		pricing:     deps.Pricing,
		guard:       deps.Guard,
		auth:        deps.Auth,
		limiter:     deps.Limiter,
		limits:      opts.Limits,
		requests:    deps.Requests,
		usage:       deps.Usage,
		baseCtx:     baseCtx,
		log:         log,
		metrics:     opts.Metrics,
		corsOrigins: opts.CORSOrigins,
	}

	if len(deps.Adapters) > 0 {
		g.health = NewHealthChecker(baseCtx, deps.Adapters, opts.CacheReady, opts.DBReady, opts.Metrics)
	}

	return g
}

// Breaker exposes the circuit breaker for the health tracker's state export.
func (g *Gateway) Breaker() *CircuitBreaker { return g.cb }

// Close stops background components owned by the gateway.
func (g *Gateway) Close() {
	if g.health != nil {
		g.health.Close()
	}
}

// ---------------------------------------------------------------------------
// Request envelope

type inboundRequest struct {
	Model          string              `json:"model"`
	Provider       string              `json:"provider,omitempty"`
	Messages       []providers.Message `json:"messages"`
	Prompt         json.RawMessage     `json:"prompt,omitempty"`
	Stream         bool                `json:"stream"`
	Temperature    float64             `json:"temperature"`
	TopP           float64             `json:"top_p"`
	MaxTokens      int                 `json:"max_tokens"`
	Stop           stopList            `json:"stop,omitempty"`
	Tools          json.RawMessage     `json:"tools,omitempty"`
	ResponseFormat json.RawMessage     `json:"response_format,omitempty"`
}

// stopList accepts both the string and the array form of the OpenAI "stop"
// parameter.
type stopList []string

func (s *stopList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("stop must be a string or an array of strings")
	}
	*s = many
	return nil
}

type (
	chatResponse struct {
		ID       string       `json:"id"`
		Object   string       `json:"object"`
		Created  int64        `json:"created"`
		Model    string       `json:"model"`
		Provider string       `json:"provider,omitempty"`
		Choices  []chatChoice `json:"choices"`
		Usage    usagePayload `json:"usage"`
	}
	chatChoice struct {
		Index        int               `json:"index"`
		Message      providers.Message `json:"message"`
		FinishReason string            `json:"finish_reason"`
	}
)

// attempt is one fully resolved entry of the failover chain: the adapter
// slug, the provider-native model ID and the pricing the attempt settles at.
type attempt struct {
	slug       string
	upstreamID string
	pricing    pricing.Pricing
}

// ---------------------------------------------------------------------------
// Chat completions

func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	route := string(ctx.Path())
	start := time.Now()

	if g.metrics != nil {
		g.metrics.IncInFlight()
		defer g.metrics.DecInFlight()
	}

	user, rawKey, ok := g.authenticate(ctx)
	if !ok {
		return
	}

	req, ok := g.parseChatRequest(ctx)
	if !ok {
		return
	}

	if !g.admitRate(ctx, rawKey) {
		return
	}

	stripped, freeTier := pricing.StripFreeSuffix(strings.TrimSpace(req.Model))

	var (
		canonicalID string
		attempts    []attempt
	)
	if id, found := g.registry.Resolve(stripped); found {
		canonicalID = id

		cons := Constraints{Streaming: req.Stream}
		if p := strings.ToLower(strings.TrimSpace(req.Provider)); p != "" {
			cons.Preferred = p
		}
		// The provider/model form is the more specific ask and wins over the
		// provider body field.
		if slug, _, cut := strings.Cut(strings.ToLower(stripped), "/"); cut {
			if _, configured := g.adapters[slug]; configured {
				if _, bound := g.registry.Transform(canonicalID, slug); bound {
					cons.Preferred = slug
				}
			}
		}

		chain, skippedByBreaker := g.selector.Chain(canonicalID, cons)
		if len(chain) == 0 {
			if skippedByBreaker && g.metrics != nil {
				g.metrics.RecordCircuitBreakerRejection(canonicalID, "open")
			}
			apierr.WriteNoProvider(ctx, req.Model)
			return
		}

		var err error
		attempts, err = g.buildAttempts(ctx, canonicalID, chain, freeTier)
		if err != nil {
			g.writePricingError(ctx, canonicalID, chain[0].ProviderSlug, err)
			return
		}
	} else {
		// Registry miss: pass the model through to an inferred provider so
		// brand-new upstream models keep working between catalog syncs.
		lb, found := g.legacyAttempt(stripped)
		if !found {
			apierr.WriteModelUnknown(ctx, req.Model)
			return
		}
		if pricing.IsHighValue(lb.upstreamID) {
			// Unpriced high-value traffic must not ride the free pass-through.
			apierr.WritePricingUnavailable(ctx, req.Model)
			return
		}
		canonicalID = lb.upstreamID
		attempts = []attempt{lb}
		if !g.cb.Allow(lb.slug, canonicalID) {
			apierr.WriteNoProvider(ctx, req.Model)
			return
		}
		g.log.Info("legacy_route",
			slog.String("model", req.Model),
			slog.String("provider", lb.slug),
		)
	}

	estPrompt := providers.EstimatePromptTokens(req.Messages)
	reserveTokens := req.MaxTokens
	if reserveTokens <= 0 {
		reserveTokens = defaultReserveTokens
	}

	// Pricing and the reservation are pinned to the head of the chain; a
	// failover attempt settles at its own pinned pricing.
	reservation, err := g.guard.Reserve(ctx, user, canonicalID, attempts[0].slug,
		attempts[0].pricing, estPrompt, reserveTokens, 0)
	if err != nil {
		var ie *credit.InsufficientError
		if errors.As(err, &ie) {
			apierr.WriteInsufficientCredits(ctx, apierr.InsufficientCreditsInfo{
				Model:              req.Model,
				RequestID:          requestIDFrom(ctx),
				CurrentCredits:     ie.CurrentCredits,
				RequiredCredits:    ie.RequiredCredits,
				SuggestedMaxTokens: ie.SuggestedMaxTokens,
			})
			return
		}
		g.log.Error("reserve_failed",
			slog.String("user_id", user.UserID),
			slog.String("error", err.Error()),
		)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"credit check failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	preq := &providers.Request{
		RequestID:      requestIDFrom(ctx),
		CanonicalID:    canonicalID,
		Messages:       req.Messages,
		Stream:         req.Stream,
		Temperature:    req.Temperature,
		TopP:           req.TopP,
		MaxTokens:      req.MaxTokens,
		Stop:           req.Stop,
		Tools:          req.Tools,
		ResponseFormat: req.ResponseFormat,
	}

	if req.Stream {
		g.streamChat(ctx, user, preq, attempts, reservation, route, start)
		return
	}
	g.blockingChat(ctx, user, preq, attempts, reservation, route, start)
}

// buildAttempts resolves upstream IDs and pricing for every chain entry.
// Entries whose pricing fails validation are dropped; if that empties the
// chain the head's pricing error is returned so the client sees why.
func (g *Gateway) buildAttempts(
	ctx context.Context,
	canonicalID string,
	chain []registry.ProviderBinding,
	freeTier bool,
) ([]attempt, error) {
	var firstErr error
	attempts := make([]attempt, 0, len(chain))
	for _, b := range chain {
		upstreamID, ok := g.registry.Transform(canonicalID, b.ProviderSlug)
		if !ok {
			continue
		}
		p, err := g.pricing.Resolve(ctx, canonicalID, b.ProviderSlug, freeTier)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		attempts = append(attempts, attempt{slug: b.ProviderSlug, upstreamID: upstreamID, pricing: p})
	}
	if len(attempts) == 0 {
		if firstErr == nil {
			firstErr = fmt.Errorf("%w: no usable binding for %s", pricing.ErrMissing, canonicalID)
		}
		return nil, firstErr
	}
	return attempts, nil
}

// legacyAttempt infers a provider for a model string the registry does not
// know. "provider/model" pins explicitly; bare model IDs fall back to vendor
// prefix heuristics. Pass-through attempts carry zero pricing.
func (g *Gateway) legacyAttempt(model string) (attempt, bool) {
	lower := strings.ToLower(strings.TrimSpace(model))
	if lower == "" {
		return attempt{}, false
	}

	if slug, rest, ok := strings.Cut(lower, "/"); ok && rest != "" {
		if _, configured := g.adapters[slug]; configured {
			return attempt{slug: slug, upstreamID: rest}, true
		}
	}

	var slug string
	switch {
	case strings.HasPrefix(lower, "gpt-"),
		strings.HasPrefix(lower, "o1"),
		strings.HasPrefix(lower, "o3"),
		strings.HasPrefix(lower, "o4"),
		strings.HasPrefix(lower, "text-embedding-"):
		slug = "openai"
	case strings.HasPrefix(lower, "claude-"):
		slug = "anthropic"
	case strings.HasPrefix(lower, "gemini-"):
		slug = "gemini"
	default:
		return attempt{}, false
	}
	if _, configured := g.adapters[slug]; !configured {
		return attempt{}, false
	}
	return attempt{slug: slug, upstreamID: lower}, true
}

func (g *Gateway) blockingChat(
	ctx *fasthttp.RequestCtx,
	user *store.User,
	preq *providers.Request,
	attempts []attempt,
	reservation *credit.Reservation,
	route string,
	start time.Time,
) {
	canonical := preq.CanonicalID
	var lastErr error

	for i, a := range attempts {
		preq.UpstreamModelID = a.upstreamID
		adapter := g.adapters[a.slug]

		attemptStart := time.Now()
		result, err := adapter.Call(ctx, preq, nil)
		outcome := providers.Classify(err)
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(a.slug, route, outcome.Label(), time.Since(attemptStart))
		}

		if err == nil {
			g.cb.RecordSuccess(a.slug, canonical)
			if g.usage != nil {
				g.usage.Record(a.slug, canonical)
			}
			if i > 0 && g.metrics != nil {
				g.metrics.RecordFailoverSuccess(attempts[0].slug, a.slug)
			}
			g.finishBlocking(ctx, user, preq, a, reservation, result, route, start)
			return
		}

		lastErr = err
		if outcome.ProviderSide() {
			g.cb.RecordFailure(a.slug, canonical)
			g.log.Warn("attempt_failed",
				slog.String("request_id", preq.RequestID),
				slog.String("provider", a.slug),
				slog.String("model", canonical),
				slog.String("outcome", outcome.Label()),
				slog.String("error", err.Error()),
			)
			if g.metrics != nil && i+1 < len(attempts) {
				g.metrics.RecordFailover(attempts[0].slug, a.slug, attempts[i+1].slug, outcome.Label())
			}
			continue
		}

		// Request-side failure: retrying other providers cannot fix the
		// request, so report it straight back.
		g.writeAttemptError(ctx, err, outcome)
		g.record(user, preq, a.slug, "error", providers.Usage{}, decimal.Zero, start)
		return
	}

	if g.metrics != nil {
		g.metrics.RecordFailoverExhausted(attempts[0].slug)
	}
	if lastErr == nil {
		apierr.WriteNoProvider(ctx, canonical)
	} else {
		g.writeAttemptError(ctx, lastErr, providers.Classify(lastErr))
	}
	g.record(user, preq, attempts[len(attempts)-1].slug, "failed", providers.Usage{}, decimal.Zero, start)
}

func (g *Gateway) finishBlocking(
	ctx *fasthttp.RequestCtx,
	user *store.User,
	preq *providers.Request,
	a attempt,
	reservation *credit.Reservation,
	result *providers.Result,
	route string,
	start time.Time,
) {
	cost := credit.ActualCost(a.pricing, result.Usage, 0)
	g.settleAsync(reservation, a, preq.RequestID, cost, false)

	id := result.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	finish := result.FinishReason
	if finish == "" {
		finish = "stop"
	}

	writeJSON(ctx, chatResponse{
		ID:       id,
		Object:   "chat.completion",
		Created:  time.Now().Unix(),
		Model:    preq.CanonicalID,
		Provider: a.slug,
		Choices: []chatChoice{{
			Message:      providers.Message{Role: "assistant", Content: result.Content},
			FinishReason: finish,
		}},
		Usage: usagePayload{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.PromptTokens + result.Usage.CompletionTokens,
			Estimated:        result.Usage.Estimated,
		},
	})

	if g.metrics != nil {
		g.metrics.RecordRequest(a.slug, fasthttp.StatusOK, time.Since(start).Milliseconds())
		g.metrics.ObserveGatewayRequest(a.slug, route, "none", time.Since(start))
		g.metrics.AddTokens(a.slug, route,
			result.Usage.PromptTokens, result.Usage.CompletionTokens, false)
	}
	g.record(user, preq, a.slug, "success", result.Usage, cost, start)
}

func (g *Gateway) streamChat(
	ctx *fasthttp.RequestCtx,
	user *store.User,
	preq *providers.Request,
	attempts []attempt,
	reservation *credit.Reservation,
	route string,
	start time.Time,
) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	canonical := preq.CanonicalID

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			if r := recover(); r != nil {
				g.log.Error("stream_panic",
					slog.String("request_id", preq.RequestID),
					slog.Any("panic", r),
				)
			}
		}()

		sink := newSSESink(w, id, canonical, created)
		var lastErr error

		for i, a := range attempts {
			preq.UpstreamModelID = a.upstreamID
			adapter := g.adapters[a.slug]

			attemptStart := time.Now()
			result, err := adapter.Call(g.baseCtx, preq, sink)
			outcome := providers.Classify(err)
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(a.slug, route, outcome.Label(), time.Since(attemptStart))
			}

			if err == nil {
				g.cb.RecordSuccess(a.slug, canonical)
				if g.usage != nil {
					g.usage.Record(a.slug, canonical)
				}
				if i > 0 && g.metrics != nil {
					g.metrics.RecordFailoverSuccess(attempts[0].slug, a.slug)
				}

				_ = sink.WriteUsage(result.Usage)
				_ = sink.Done()

				cost := credit.ActualCost(a.pricing, result.Usage, 0)
				g.settleAsync(reservation, a, preq.RequestID, cost, true)
				if g.metrics != nil {
					g.metrics.ObserveGatewayRequest(a.slug, route, "none", time.Since(start))
					g.metrics.AddTokens(a.slug, route,
						result.Usage.PromptTokens, result.Usage.CompletionTokens, false)
				}
				g.record(user, preq, a.slug, "success", result.Usage, cost, start)
				return
			}

			lastErr = err
			if outcome.ProviderSide() {
				g.cb.RecordFailure(a.slug, canonical)
			}

			if sink.wrote {
				// The response is committed: the error goes in-band and the
				// interrupted request is recorded, but never settled — the
				// user is not billed for a stream the gateway cut short.
				g.log.Warn("stream_interrupted",
					slog.String("request_id", preq.RequestID),
					slog.String("provider", a.slug),
					slog.String("model", canonical),
					slog.String("outcome", outcome.Label()),
					slog.String("error", err.Error()),
				)
				_ = sink.WriteError("stream interrupted",
					apierr.TypeProviderError, apierr.CodeStreamInterrupted)
				_ = sink.Done()

				var usage providers.Usage
				if result != nil {
					usage = result.Usage
				}
				g.record(user, preq, a.slug, "stream_interrupted", usage, decimal.Zero, start)
				return
			}

			if !outcome.ProviderSide() {
				g.streamRequestError(sink, err, outcome)
				g.record(user, preq, a.slug, "error", providers.Usage{}, decimal.Zero, start)
				return
			}

			g.log.Warn("attempt_failed",
				slog.String("request_id", preq.RequestID),
				slog.String("provider", a.slug),
				slog.String("model", canonical),
				slog.String("outcome", outcome.Label()),
				slog.String("error", err.Error()),
			)
			if g.metrics != nil && i+1 < len(attempts) {
				g.metrics.RecordFailover(attempts[0].slug, a.slug, attempts[i+1].slug, outcome.Label())
			}
		}

		if g.metrics != nil {
			g.metrics.RecordFailoverExhausted(attempts[0].slug)
		}
		msg := "no provider currently available for model " + canonical
		if lastErr != nil {
			msg = "all providers failed for model " + canonical
		}
		_ = sink.WriteError(msg, apierr.TypeProviderError, apierr.CodeNoProvider)
		_ = sink.Done()
		g.record(user, preq, attempts[len(attempts)-1].slug, "failed", providers.Usage{}, decimal.Zero, start)
	})
}

// streamRequestError reports a non-retryable failure that happened before any
// content frame, using the in-band error format.
func (g *Gateway) streamRequestError(sink *sseSink, err error, outcome providers.Outcome) {
	msg := err.Error()
	switch outcome.Kind {
	case providers.OutcomeContentFilter:
		_ = sink.WriteError(msg, apierr.TypeInvalidRequest, apierr.CodeContentFilter)
	default:
		_ = sink.WriteError(msg, apierr.TypeProviderError, apierr.CodeProviderError)
	}
	_ = sink.Done()
}

// ---------------------------------------------------------------------------
// Settlement and accounting

// settleAsync runs the deduction off the request path with a context that
// outlives the client connection. A response that already went out must be
// billed even if the caller hung up.
func (g *Gateway) settleAsync(reservation *credit.Reservation, a attempt, requestID string, cost decimal.Decimal, streamed bool) {
	if cost.IsZero() {
		return
	}
	res := *reservation
	res.ProviderSlug = a.slug
	res.Pricing = a.pricing

	bg := context.WithoutCancel(g.baseCtx)
	go func() {
		var outcome credit.Outcome
		if streamed {
			outcome = g.guard.SettleStreaming(bg, &res, requestID, cost)
		} else {
			outcome = g.guard.Settle(bg, &res, requestID, cost)
		}
		if g.metrics != nil {
			g.metrics.RecordSettlement(string(outcome), cost.InexactFloat64())
		}
	}()
}

func (g *Gateway) record(
	user *store.User,
	preq *providers.Request,
	provider, status string,
	usage providers.Usage,
	cost decimal.Decimal,
	start time.Time,
) {
	if g.requests == nil {
		return
	}
	g.requests.Record(store.CompletionRequest{
		RequestID:        preq.RequestID,
		UserID:           user.UserID,
		APIKeyID:         user.APIKeyID,
		Provider:         provider,
		CanonicalID:      preq.CanonicalID,
		UpstreamModelID:  preq.UpstreamModelID,
		Status:           status,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.PromptTokens + usage.CompletionTokens,
		Cost:             cost,
		CreatedAt:        time.Now().UTC(),
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	})
}

// ---------------------------------------------------------------------------
// Shared request plumbing

func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx) (*store.User, string, bool) {
	token, ok := auth.ParseBearer(string(ctx.Request.Header.Peek("Authorization")))
	if !ok {
		apierr.Write(ctx, fasthttp.StatusUnauthorized,
			"missing or malformed Authorization header",
			apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
		return nil, "", false
	}

	user, err := g.auth.Authenticate(ctx, token)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			apierr.Write(ctx, fasthttp.StatusUnauthorized,
				"invalid API key", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
		} else {
			g.log.Error("auth_lookup_failed", slog.String("error", err.Error()))
			apierr.Write(ctx, fasthttp.StatusInternalServerError,
				"authentication unavailable", apierr.TypeServerError, apierr.CodeInternalError)
		}
		return nil, "", false
	}
	return user, token, true
}

// admitRate runs the token bucket check. Returns false after writing the 429.
func (g *Gateway) admitRate(ctx *fasthttp.RequestCtx, rawKey string) bool {
	if g.limiter == nil {
		return true
	}
	d := g.limiter.Allow(ctx, auth.KeyID(rawKey), g.limits)
	if d.Allowed {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("allowed")
		}
		return true
	}
	if g.metrics != nil {
		g.metrics.RecordRateLimit("limited")
	}
	retryAfter := int(d.RetryAfter.Seconds())
	if d.RetryAfter > 0 && retryAfter == 0 {
		retryAfter = 1
	}
	apierr.WriteRateLimit(ctx, retryAfter)
	return false
}

func (g *Gateway) parseChatRequest(ctx *fasthttp.RequestCtx) (*inboundRequest, bool) {
	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid JSON body: "+err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return nil, false
	}
	if strings.TrimSpace(req.Model) == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"model is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return nil, false
	}

	// Legacy /v1/completions body: fold the prompt into a single user turn.
	if len(req.Messages) == 0 && len(req.Prompt) > 0 {
		prompt, err := parsePrompt(req.Prompt)
		if err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return nil, false
		}
		req.Messages = []providers.Message{{Role: "user", Content: prompt}}
	}

	if len(req.Messages) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"messages must not be empty", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return nil, false
	}
	return &req, true
}

func parsePrompt(raw json.RawMessage) (string, error) {
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return one, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return "", fmt.Errorf("prompt must be a string or an array of strings")
	}
	return strings.Join(many, "\n"), nil
}

func (g *Gateway) writePricingError(ctx *fasthttp.RequestCtx, canonicalID, provider string, err error) {
	var anomaly *pricing.AnomalyError
	switch {
	case errors.As(err, &anomaly):
		g.log.Error("pricing_anomaly",
			slog.String("model", canonicalID),
			slog.String("provider", provider),
			slog.String("component", anomaly.Component),
			slog.String("per_token", anomaly.PerToken.String()),
		)
	case errors.Is(err, pricing.ErrMissing):
		g.log.Error("pricing_missing",
			slog.String("model", canonicalID),
			slog.String("provider", provider),
		)
	default:
		g.log.Error("pricing_resolve_failed",
			slog.String("model", canonicalID),
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
	}
	apierr.WritePricingUnavailable(ctx, canonicalID)
}

// writeAttemptError maps a classified adapter failure onto the client-facing
// status.
func (g *Gateway) writeAttemptError(ctx *fasthttp.RequestCtx, err error, outcome providers.Outcome) {
	switch outcome.Kind {
	case providers.OutcomeTimeout:
		apierr.WriteTimeout(ctx)
	case providers.OutcomeContentFilter:
		apierr.WriteContentFilter(ctx, err.Error())
	case providers.OutcomeRateLimited:
		apierr.WriteProviderError(ctx, fasthttp.StatusTooManyRequests, err.Error())
	case providers.OutcomeHTTPError:
		apierr.WriteProviderError(ctx, outcome.Code, err.Error())
	default:
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			"upstream provider unreachable", apierr.TypeProviderError, apierr.CodeProviderError)
	}
}

func requestIDFrom(ctx *fasthttp.RequestCtx) string {
	if id, ok := ctx.UserValue("request_id").(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}
