package proxy

import (
	"bufio"
	"encoding/json"
	"fmt"

	"github.com/Alpaca-Network/gatewayz/internal/providers"
)

// sseSink serializes provider stream chunks into OpenAI chat.completion.chunk
// frames on a fasthttp body stream. Not safe for concurrent use; one request
// owns one sink.
//
// The sink tracks whether any frame has reached the wire: before the first
// byte the handler may still fail over to another provider, after it the
// response is committed and errors can only be reported in-band.
type sseSink struct {
	w       *bufio.Writer
	id      string
	model   string
	created int64

	wrote    bool
	sentRole bool
}

type (
	streamFrame struct {
		ID      string         `json:"id"`
		Object  string         `json:"object"`
		Created int64          `json:"created"`
		Model   string         `json:"model"`
		Choices []streamChoice `json:"choices"`
		Usage   *usagePayload  `json:"usage,omitempty"`
	}
	streamChoice struct {
		Index        int         `json:"index"`
		Delta        streamDelta `json:"delta"`
		FinishReason *string     `json:"finish_reason"`
	}
	streamDelta struct {
		Role    string `json:"role,omitempty"`
		Content string `json:"content,omitempty"`
	}
	usagePayload struct {
		PromptTokens     int  `json:"prompt_tokens"`
		CompletionTokens int  `json:"completion_tokens"`
		TotalTokens      int  `json:"total_tokens"`
		Estimated        bool `json:"estimated,omitempty"`
	}
)

func newSSESink(w *bufio.Writer, id, model string, created int64) *sseSink {
	return &sseSink{w: w, id: id, model: model, created: created}
}

// Write implements providers.StreamSink.
func (s *sseSink) Write(chunk providers.StreamChunk) error {
	delta := streamDelta{Content: chunk.Content}
	if !s.sentRole {
		delta.Role = "assistant"
		s.sentRole = true
	}

	var finish *string
	if chunk.FinishReason != "" {
		f := chunk.FinishReason
		finish = &f
	}

	return s.writeFrame(streamFrame{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []streamChoice{{Delta: delta, FinishReason: finish}},
	})
}

// WriteUsage emits the final usage frame before [DONE].
func (s *sseSink) WriteUsage(u providers.Usage) error {
	return s.writeFrame(streamFrame{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []streamChoice{},
		Usage: &usagePayload{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.PromptTokens + u.CompletionTokens,
			Estimated:        u.Estimated,
		},
	})
}

// WriteError emits an in-band error frame. Used once streaming has started
// and the HTTP status can no longer change.
func (s *sseSink) WriteError(message, errType, code string) error {
	frame := map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return s.emit(data)
}

// Done terminates the stream with the [DONE] sentinel.
func (s *sseSink) Done() error {
	if _, err := s.w.WriteString("data: [DONE]\n\n"); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *sseSink) writeFrame(f streamFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.emit(data)
}

func (s *sseSink) emit(data []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	s.wrote = true
	return nil
}
