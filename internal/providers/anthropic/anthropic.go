// Package anthropic is the adapter for the Anthropic Messages API
// (official SDK).
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/Alpaca-Network/gatewayz/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	slug             = "anthropic"
	defaultMaxTokens = 4096
)

// Adapter implements providers.Adapter for Anthropic.
type Adapter struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
}

// New creates an Anthropic adapter.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(a)
	}

	a.client = anthropic.NewClient(
		option.WithAPIKey(a.apiKey),
		option.WithBaseURL(a.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: providers.StreamTimeout}),
	)

	return a
}

func (a *Adapter) Slug() string { return slug }

func (a *Adapter) HealthCheck(ctx context.Context) error {
	// Auth/connectivity check: GET /v1/models
	_, err := a.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", wrap(err))
	}
	return nil
}

func (a *Adapter) Call(ctx context.Context, req *providers.Request, sink providers.StreamSink) (*providers.Result, error) {
	params := buildParams(req)

	if req.Stream {
		if sink == nil {
			return nil, fmt.Errorf("anthropic: streaming call without sink")
		}
		return a.callStreaming(ctx, req, params, sink)
	}
	return a.callBlocking(ctx, params)
}

// buildParams folds system/developer turns into the system prompt; the
// Messages API takes the system prompt out of band.
func buildParams(req *providers.Request) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.UpstreamModelID),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = anthropic.Float(req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}

	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	anthRole := anthropic.MessageParamRoleUser
	if strings.ToLower(role) == "assistant" {
		anthRole = anthropic.MessageParamRoleAssistant
	}

	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{
				OfText: &anthropic.TextBlockParam{
					Text: content,
				},
			},
		},
	}
}

func (a *Adapter) callBlocking(ctx context.Context, params anthropic.MessageNewParams) (*providers.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, providers.DefaultTimeout)
	defer cancel()

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, wrap(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &providers.Result{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Content:      sb.String(),
		FinishReason: normalizeStopReason(string(msg.StopReason)),
		Usage: providers.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func (a *Adapter) callStreaming(
	ctx context.Context,
	req *providers.Request,
	params anthropic.MessageNewParams,
	sink providers.StreamSink,
) (*providers.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, providers.StreamTimeout)
	defer cancel()

	stream := a.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	res := &providers.Result{Model: req.UpstreamModelID}
	var assembled strings.Builder

	for stream.Next() {
		ev := stream.Current()

		switch event := ev.AsAny().(type) {
		case anthropic.MessageStartEvent:
			res.ID = event.Message.ID
			res.Usage.PromptTokens = int(event.Message.Usage.InputTokens)

		case anthropic.ContentBlockDeltaEvent:
			var text string
			switch delta := event.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				text = delta.Text
			case *anthropic.TextDelta:
				text = delta.Text
			}
			if text == "" {
				continue
			}
			assembled.WriteString(text)
			if err := sink.Write(providers.StreamChunk{Content: text}); err != nil {
				return res, fmt.Errorf("anthropic: client write: %w", err)
			}

		case anthropic.MessageDeltaEvent:
			res.Usage.CompletionTokens = int(event.Usage.OutputTokens)
			if event.Delta.StopReason != "" {
				res.FinishReason = normalizeStopReason(string(event.Delta.StopReason))
			}
		}
	}

	if err := stream.Err(); err != nil {
		return res, wrap(err)
	}

	if res.FinishReason != "" {
		if err := sink.Write(providers.StreamChunk{FinishReason: res.FinishReason}); err != nil {
			return res, fmt.Errorf("anthropic: client write: %w", err)
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

// normalizeStopReason maps Messages API stop reasons onto the OpenAI-style
// finish reasons the response surface uses.
func normalizeStopReason(r string) string {
	switch r {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return r
	}
}

func wrap(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &providers.AdapterError{
			Slug:    slug,
			Status:  apierr.StatusCode,
			Message: apierr.Error(),
		}
	}
	return err
}
