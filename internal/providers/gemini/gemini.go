// Package gemini is the adapter for Google Gemini (official GenAI SDK).
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/Alpaca-Network/gatewayz/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	slug           = "gemini"
)

// Adapter implements providers.Adapter for Gemini.
type Adapter struct {
	apiKey  string
	baseURL string
	client  *genai.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates a Gemini adapter. Client construction needs a context; the SDK
// resolves credentials eagerly.
func New(ctx context.Context, apiKey string, opts ...Option) (*Adapter, error) {
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(a)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      a.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: providers.StreamTimeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: a.baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}
	a.client = client

	return a, nil
}

func (a *Adapter) Slug() string { return slug }

func (a *Adapter) HealthCheck(ctx context.Context) error {
	_, err := a.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", wrap(err))
	}
	return nil
}

func (a *Adapter) Call(ctx context.Context, req *providers.Request, sink providers.StreamSink) (*providers.Result, error) {
	contents, cfg := buildContentsAndConfig(req)

	if req.Stream {
		if sink == nil {
			return nil, fmt.Errorf("gemini: streaming call without sink")
		}
		return a.callStreaming(ctx, req, contents, cfg, sink)
	}
	return a.callBlocking(ctx, req, contents, cfg)
}

func buildContentsAndConfig(req *providers.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default: // user / unknown
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{}
	if systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
	}
	if req.TopP > 0 {
		cfg.TopP = genai.Ptr[float32](float32(req.TopP))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Stop) > 0 {
		cfg.StopSequences = req.Stop
	}

	return contents, cfg
}

func (a *Adapter) callBlocking(
	ctx context.Context,
	req *providers.Request,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*providers.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, providers.DefaultTimeout)
	defer cancel()

	resp, err := a.client.Models.GenerateContent(ctx, req.UpstreamModelID, contents, cfg)
	if err != nil {
		return nil, wrap(err)
	}

	res := &providers.Result{
		ID:    req.RequestID,
		Model: req.UpstreamModelID,
	}
	if resp != nil {
		if resp.ResponseID != "" {
			res.ID = resp.ResponseID
		}
		res.Content = resp.Text()
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
			res.FinishReason = normalizeFinishReason(resp.Candidates[0].FinishReason)
		}
		if resp.UsageMetadata != nil {
			res.Usage = providers.Usage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				ReasoningTokens:  int(resp.UsageMetadata.ThoughtsTokenCount),
			}
		}
	}
	if res.Usage.PromptTokens == 0 && res.Usage.CompletionTokens == 0 {
		res.Usage = providers.Usage{
			PromptTokens:     providers.EstimatePromptTokens(req.Messages),
			CompletionTokens: providers.EstimateTokens(res.Content),
			Estimated:        true,
		}
	}
	return res, nil
}

func (a *Adapter) callStreaming(
	ctx context.Context,
	req *providers.Request,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
	sink providers.StreamSink,
) (*providers.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, providers.StreamTimeout)
	defer cancel()

	res := &providers.Result{
		ID:    req.RequestID,
		Model: req.UpstreamModelID,
	}
	var assembled strings.Builder

	for resp, err := range a.client.Models.GenerateContentStream(ctx, req.UpstreamModelID, contents, cfg) {
		if err != nil {
			return res, wrap(err)
		}
		if resp == nil {
			continue
		}
		if resp.ResponseID != "" && res.ID == req.RequestID {
			res.ID = resp.ResponseID
		}
		if resp.UsageMetadata != nil {
			res.Usage = providers.Usage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				ReasoningTokens:  int(resp.UsageMetadata.ThoughtsTokenCount),
			}
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
			continue
		}

		c := resp.Candidates[0]
		text := candidateText(c)
		finish := normalizeFinishReason(c.FinishReason)
		if finish != "" {
			res.FinishReason = finish
		}
		if text == "" && finish == "" {
			continue
		}
		assembled.WriteString(text)
		if err := sink.Write(providers.StreamChunk{
			Content:      text,
			FinishReason: finish,
		}); err != nil {
			return res, fmt.Errorf("gemini: client write: %w", err)
		}
	}

	if res.Usage.PromptTokens == 0 && res.Usage.CompletionTokens == 0 {
		res.Usage = providers.Usage{
			PromptTokens:     providers.EstimatePromptTokens(req.Messages),
			CompletionTokens: providers.EstimateTokens(assembled.String()),
			Estimated:        true,
		}
	}
	return res, nil
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func normalizeFinishReason(r genai.FinishReason) string {
	switch r {
	case "":
		return ""
	case genai.FinishReasonStop:
		return "stop"
	case genai.FinishReasonMaxTokens:
		return "length"
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent:
		return "content_filter"
	default:
		return strings.ToLower(string(r))
	}
}

func wrap(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		kind := providers.OutcomeHTTPError
		if apiErr.Code == http.StatusBadRequest &&
			strings.Contains(strings.ToLower(apiErr.Message), "safety") {
			kind = providers.OutcomeContentFilter
		}
		return &providers.AdapterError{
			Slug:    slug,
			Status:  apiErr.Code,
			Kind:    kind,
			Message: apiErr.Message,
		}
	}
	return err
}
