// Package openaicompat is the adapter for any upstream that implements the
// OpenAI chat completions API (OpenAI itself, xAI, Groq, DeepSeek,
// Together AI, Perplexity, Cerebras, and similar services).
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/Alpaca-Network/gatewayz/internal/providers"
)

// Adapter is a configurable OpenAI-compatible adapter.
type Adapter struct {
	slug   string
	apiKey string
	client openaiSDK.Client
}

// New creates an OpenAI-compatible adapter.
//
//   - slug    — provider identifier used for routing, breaker keys and logs.
//   - apiKey  — sent as "Authorization: Bearer <key>".
//   - baseURL — API base URL, e.g. "https://api.x.ai/v1". Empty means the
//     OpenAI default.
func New(slug, apiKey, baseURL string) *Adapter {
	a := &Adapter{slug: slug, apiKey: apiKey}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: providers.StreamTimeout}),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	a.client = openaiSDK.NewClient(opts...)
	return a
}

func (a *Adapter) Slug() string { return a.slug }

func (a *Adapter) HealthCheck(ctx context.Context) error {
	_, err := a.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", a.slug, a.wrap(err))
	}
	return nil
}

func (a *Adapter) Call(ctx context.Context, req *providers.Request, sink providers.StreamSink) (*providers.Result, error) {
	params := a.buildParams(req)

	if req.Stream {
		if sink == nil {
			return nil, fmt.Errorf("%s: streaming call without sink", a.slug)
		}
		return a.callStreaming(ctx, req, params, sink)
	}
	return a.callBlocking(ctx, req, params)
}

func (a *Adapter) buildParams(req *providers.Request) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.UpstreamModelID,
	}

	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.TopP != 0 {
		params.TopP = openaiSDK.Float(req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if len(req.Stop) > 0 {
		params.Stop = openaiSDK.ChatCompletionNewParamsStopUnion{
			OfStringArray: req.Stop,
		}
	}

	return params
}

func (a *Adapter) callBlocking(
	ctx context.Context,
	req *providers.Request,
	params openaiSDK.ChatCompletionNewParams,
) (*providers.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, providers.DefaultTimeout)
	defer cancel()

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, a.wrap(err)
	}

	var content, finish string
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finish = string(resp.Choices[0].FinishReason)
	}

	usage := providers.Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		ReasoningTokens:  int(resp.Usage.CompletionTokensDetails.ReasoningTokens),
	}
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		usage = estimateUsage(req, content)
	}

	return &providers.Result{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      content,
		FinishReason: finish,
		Usage:        usage,
	}, nil
}

func (a *Adapter) callStreaming(
	ctx context.Context,
	req *providers.Request,
	params openaiSDK.ChatCompletionNewParams,
	sink providers.StreamSink,
) (*providers.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, providers.StreamTimeout)
	defer cancel()

	// Ask for the trailing usage frame so streamed requests are billed on
	// provider-reported counts, not estimates.
	params.StreamOptions = openaiSDK.ChatCompletionStreamOptionsParam{
		IncludeUsage: openaiSDK.Bool(true),
	}

	stream := a.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	res := &providers.Result{Model: req.UpstreamModelID}
	var assembled strings.Builder

	for stream.Next() {
		chunk := stream.Current()
		if res.ID == "" {
			res.ID = chunk.ID
		}
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			res.Usage = providers.Usage{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
				ReasoningTokens:  int(chunk.Usage.CompletionTokensDetails.ReasoningTokens),
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		c := chunk.Choices[0]
		if c.Delta.Content == "" && c.FinishReason == "" {
			continue
		}
		if c.FinishReason != "" {
			res.FinishReason = c.FinishReason
		}
		assembled.WriteString(c.Delta.Content)
		if err := sink.Write(providers.StreamChunk{
			Content:      c.Delta.Content,
			FinishReason: c.FinishReason,
		}); err != nil {
			return res, fmt.Errorf("%s: client write: %w", a.slug, err)
		}
	}

	if err := stream.Err(); err != nil {
		return res, a.wrap(err)
	}

	if res.Usage.PromptTokens == 0 && res.Usage.CompletionTokens == 0 {
		res.Usage = estimateUsage(req, assembled.String())
	}
	return res, nil
}

// Embed implements providers.Embedder.
func (a *Adapter) Embed(ctx context.Context, upstreamModelID string, inputs []string) ([][]float64, providers.Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, providers.DefaultTimeout)
	defer cancel()

	resp, err := a.client.Embeddings.New(ctx, openaiSDK.EmbeddingNewParams{
		Model: upstreamModelID,
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: inputs,
		},
	})
	if err != nil {
		return nil, providers.Usage{}, a.wrap(err)
	}

	vectors := make([][]float64, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = d.Embedding
	}
	usage := providers.Usage{PromptTokens: int(resp.Usage.PromptTokens)}
	return vectors, usage, nil
}

// GenerateImages implements providers.ImageGenerator.
func (a *Adapter) GenerateImages(ctx context.Context, upstreamModelID, prompt string, n int, size string) ([]providers.ImageData, error) {
	ctx, cancel := context.WithTimeout(ctx, providers.DefaultTimeout)
	defer cancel()

	params := openaiSDK.ImageGenerateParams{
		Prompt: prompt,
		Model:  openaiSDK.ImageModel(upstreamModelID),
	}
	if n > 0 {
		params.N = openaiSDK.Int(int64(n))
	}
	if size != "" {
		params.Size = openaiSDK.ImageGenerateParamsSize(size)
	}

	resp, err := a.client.Images.Generate(ctx, params)
	if err != nil {
		return nil, a.wrap(err)
	}

	images := make([]providers.ImageData, len(resp.Data))
	for i, d := range resp.Data {
		images[i] = providers.ImageData{URL: d.URL, B64JSON: d.B64JSON}
	}
	return images, nil
}

func estimateUsage(req *providers.Request, completion string) providers.Usage {
	return providers.Usage{
		PromptTokens:     providers.EstimatePromptTokens(req.Messages),
		CompletionTokens: providers.EstimateTokens(completion),
		Estimated:        true,
	}
}

func (a *Adapter) wrap(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		kind := providers.OutcomeHTTPError
		if isContentFilter(apierr) {
			kind = providers.OutcomeContentFilter
		}
		return &providers.AdapterError{
			Slug:    a.slug,
			Status:  apierr.StatusCode,
			Kind:    kind,
			Message: apierr.Error(),
		}
	}
	return err
}

func isContentFilter(err *openaiSDK.Error) bool {
	return err.Code == "content_filter" ||
		strings.Contains(strings.ToLower(err.Message), "content management policy")
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
