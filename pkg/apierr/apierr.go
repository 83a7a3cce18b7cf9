// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeInsufficientCred  = "insufficient_credits_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeInvalidAPIKey       = "invalid_api_key"
	CodeInternalError       = "internal_error"
	CodeProviderError       = "provider_error"
	CodeRequestTimeout      = "request_timeout"
	CodeNotImplemented      = "not_implemented"
	CodeInvalidRequest      = "invalid_request"
	CodeModelUnknown        = "model_not_found"
	CodeNoProvider          = "no_provider_available"
	CodeInsufficientCredits = "insufficient_credits"
	CodeContentFilter       = "content_filter"
	CodePricingUnavailable  = "pricing_unavailable"
	CodeStreamInterrupted   = "stream_interrupted"
)

// APIError is the structured error returned to clients. Details carries
// machine-readable extras (credit amounts, suggestions) when the code
// warrants them.
type (
	APIError struct {
		Message string         `json:"message"`
		Type    string         `json:"type"`
		Code    string         `json:"code"`
		Details map[string]any `json:"details,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	WriteDetails(ctx, status, message, errType, code, nil)
}

// WriteDetails writes the error with a details object attached.
func WriteDetails(ctx *fasthttp.RequestCtx, status int, message, errType, code string, details map[string]any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
		Details: details,
	}})
	ctx.SetBody(body)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Timeout       → 504
//	Default       → 502
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus >= 400 && providerStatus < 500:
		Write(ctx, providerStatus, msg, TypeInvalidRequest, CodeInvalidRequest)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error with the precise retry hint.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfterSeconds int) {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteModelUnknown writes a 404 for an unresolvable model identifier.
func WriteModelUnknown(ctx *fasthttp.RequestCtx, model string) {
	Write(ctx, fasthttp.StatusNotFound,
		"model not found: "+model, TypeInvalidRequest, CodeModelUnknown)
}

// WriteNoProvider writes a 503 when every eligible provider is unavailable.
func WriteNoProvider(ctx *fasthttp.RequestCtx, model string) {
	ctx.Response.Header.Set("Retry-After", "30")
	Write(ctx, fasthttp.StatusServiceUnavailable,
		"no provider currently available for model "+model, TypeProviderError, CodeNoProvider)
}

// InsufficientCreditsInfo carries everything the 402 payload surfaces.
// SuggestedMaxTokens == 0 omits the max_tokens suggestion.
type InsufficientCreditsInfo struct {
	Model              string
	RequestID          string
	CurrentCredits     decimal.Decimal
	RequiredCredits    decimal.Decimal
	SuggestedMaxTokens int
}

// WriteInsufficientCredits writes the 402 payload: balance, worst-case cost
// and deficit (money figures rounded to two decimals), the model and request
// being rejected, and actionable suggestions ordered by how directly they
// unblock the request.
func WriteInsufficientCredits(ctx *fasthttp.RequestCtx, info InsufficientCreditsInfo) {
	deficit := info.RequiredCredits.Sub(info.CurrentCredits).StringFixed(2)

	suggestions := []string{
		fmt.Sprintf("add at least %s credits to your account", deficit),
	}
	if info.SuggestedMaxTokens > 0 {
		suggestions = append(suggestions,
			fmt.Sprintf("retry with max_tokens=%d or lower", info.SuggestedMaxTokens))
	}
	suggestions = append(suggestions, "switch to a cheaper model")

	details := map[string]any{
		"current_credits":  info.CurrentCredits.StringFixed(2),
		"required_credits": info.RequiredCredits.StringFixed(2),
		"credit_deficit":   deficit,
		"requested_model":  info.Model,
		"request_id":       info.RequestID,
		"suggestions":      suggestions,
	}
	if info.SuggestedMaxTokens > 0 {
		details["suggested_max_tokens"] = info.SuggestedMaxTokens
	}
	WriteDetails(ctx, fasthttp.StatusPaymentRequired,
		fmt.Sprintf("insufficient credits: %s more required for this request", deficit),
		TypeInsufficientCred, CodeInsufficientCredits, details)
}

// WritePricingUnavailable writes a 500 for a model whose pricing cannot be
// trusted (missing on a high-value model, or outside sanity bounds).
func WritePricingUnavailable(ctx *fasthttp.RequestCtx, model string) {
	Write(ctx, fasthttp.StatusInternalServerError,
		"pricing unavailable for model "+model, TypeServerError, CodePricingUnavailable)
}

// WriteContentFilter writes a 400 for provider-side content policy rejections.
func WriteContentFilter(ctx *fasthttp.RequestCtx, msg string) {
	if msg == "" {
		msg = "request rejected by provider content policy"
	}
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeContentFilter)
}
