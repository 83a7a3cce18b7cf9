// Package providers defines the uniform adapter contract the routing engine
// speaks to every upstream through.
//
// Each adapter lives in its own sub-package and implements Adapter. The
// engine never sees provider wire formats: an adapter translates the
// canonical request, issues the call under the caller's deadline, forwards
// stream chunks to the sink as they arrive, and reports token usage from the
// provider's usage frame.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// Hard per-call deadlines. The handler layers its own per-request deadline
// on top; whichever fires first wins.
const (
	DefaultTimeout = 120 * time.Second
	StreamTimeout  = 600 * time.Second
)

type (
	// StreamChunk is a single delta delivered during a streaming response.
	StreamChunk struct {
		Content      string
		FinishReason string
	}

	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// Usage — token usage stats. Estimated is set when the upstream omitted
	// its usage frame and the adapter fell back to the chars/4 heuristic.
	Usage struct {
		PromptTokens     int
		CompletionTokens int
		ReasoningTokens  int
		Estimated        bool
	}

	// Request — canonical request handed to an adapter. UpstreamModelID is
	// already the provider-native identifier.
	Request struct {
		RequestID       string
		CanonicalID     string
		UpstreamModelID string
		Messages        []Message
		Stream          bool
		Temperature     float64
		TopP            float64
		MaxTokens       int
		Stop            []string
		Tools           json.RawMessage
		ResponseFormat  json.RawMessage
	}

	// Result — normalized adapter response. For streaming calls Content is
	// empty (the chunks went to the sink) and Usage holds the final frame.
	Result struct {
		ID           string
		Model        string
		Content      string
		FinishReason string
		Usage        Usage
	}
)

// StreamSink receives chunks as the adapter reads them off the upstream.
// A Write error means the client is gone; the adapter must stop reading and
// drop the upstream connection.
type StreamSink interface {
	Write(chunk StreamChunk) error
}

// Adapter is the uniform call interface over heterogeneous upstreams.
// sink is nil for non-streaming calls.
type Adapter interface {
	Slug() string
	Call(ctx context.Context, req *Request, sink StreamSink) (*Result, error)
	HealthCheck(ctx context.Context) error
}

// Embedder is implemented by adapters whose upstream offers an embeddings
// endpoint. The engine type-asserts for it when routing /v1/embeddings.
type Embedder interface {
	Embed(ctx context.Context, upstreamModelID string, inputs []string) ([][]float64, Usage, error)
}

// ImageData is one generated image, as a URL or base64 payload depending on
// what the upstream returned.
type ImageData struct {
	URL     string
	B64JSON string
}

// ImageGenerator is implemented by adapters whose upstream offers image
// generation. The engine type-asserts for it when routing
// /v1/images/generations.
type ImageGenerator interface {
	GenerateImages(ctx context.Context, upstreamModelID, prompt string, n int, size string) ([]ImageData, error)
}

// StatusCoder is implemented by adapter errors that carry an upstream HTTP
// status.
type StatusCoder interface {
	HTTPStatus() int
}

// OutcomeKind classifies one (request, provider) attempt.
type OutcomeKind string

const (
	OutcomeSuccess        OutcomeKind = "success"
	OutcomeHTTPError      OutcomeKind = "http_error"
	OutcomeTimeout        OutcomeKind = "timeout"
	OutcomeNetwork        OutcomeKind = "network"
	OutcomeRateLimited    OutcomeKind = "rate_limited"
	OutcomeContentFilter  OutcomeKind = "content_filter"
	OutcomeSchemaMismatch OutcomeKind = "schema_mismatch"
)

// Outcome is the classified result of one attempt.
type Outcome struct {
	Kind OutcomeKind
	Code int // HTTP status for http_error / rate_limited
}

// ProviderSide reports whether the outcome counts against the provider's
// circuit breaker. Request-side failures (4xx other than 408/429, content
// filter, schema mismatch on our end) do not.
func (o Outcome) ProviderSide() bool {
	switch o.Kind {
	case OutcomeTimeout, OutcomeNetwork, OutcomeRateLimited:
		return true
	case OutcomeHTTPError:
		return o.Code >= 500 || o.Code == 408
	default:
		return false
	}
}

// Label returns the metrics/log label for the outcome.
func (o Outcome) Label() string {
	if o.Kind == OutcomeHTTPError && o.Code > 0 {
		return fmt.Sprintf("http_%d", o.Code)
	}
	return string(o.Kind)
}

// AdapterError is the structured failure an adapter returns. Kind may be
// left empty for plain HTTP failures; Classify fills in the taxonomy.
type AdapterError struct {
	Slug    string
	Status  int
	Kind    OutcomeKind
	Message string
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Slug, e.Message, e.Status)
}

// HTTPStatus implements StatusCoder.
func (e *AdapterError) HTTPStatus() int { return e.Status }

// Classify maps an adapter call error to its attempt outcome.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: OutcomeSuccess}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Kind: OutcomeTimeout}
	}

	var ae *AdapterError
	if errors.As(err, &ae) {
		if ae.Kind != "" && ae.Kind != OutcomeHTTPError {
			return Outcome{Kind: ae.Kind, Code: ae.Status}
		}
		switch {
		case ae.Status == 429:
			return Outcome{Kind: OutcomeRateLimited, Code: 429}
		case ae.Status == 0:
			return Outcome{Kind: OutcomeNetwork}
		default:
			return Outcome{Kind: OutcomeHTTPError, Code: ae.Status}
		}
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		code := sc.HTTPStatus()
		if code == 429 {
			return Outcome{Kind: OutcomeRateLimited, Code: 429}
		}
		return Outcome{Kind: OutcomeHTTPError, Code: code}
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return Outcome{Kind: OutcomeTimeout}
		}
		return Outcome{Kind: OutcomeNetwork}
	}

	return Outcome{Kind: OutcomeNetwork}
}

// EstimateTokens approximates a token count from text length (~4 chars per
// token). Used for pre-flight cost estimates and as the fallback when a
// stream ends without a usage frame.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

// EstimatePromptTokens sums the estimate over all messages plus a small
// per-message framing overhead.
func EstimatePromptTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m.Content) + 4
	}
	return total
}
