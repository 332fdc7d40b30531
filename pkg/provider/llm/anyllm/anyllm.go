// Package anyllm provides an llm.Provider backed by
// github.com/mozilla-ai/any-llm-go, covering the self-hosted inference
// engines the assistant targets: Ollama, llama.cpp's server, and any
// OpenAI-compatible endpoint.
//
// Usage:
//
//	p, err := anyllm.New("ollama", "qwen3:8b", anyllmlib.WithBaseURL("http://gpu-box:11434"))
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/renfield-ai/renfield/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Provider implements llm.Provider by wrapping an any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

// New creates a Provider for the given backend kind and model.
//
// kind is one of "ollama", "llamacpp", or "openai" (any OpenAI-compatible
// server). opts are any-llm-go options such as anyllmlib.WithBaseURL.
func New(kind, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	var (
		backend anyllmlib.Provider
		err     error
	)
	switch strings.ToLower(kind) {
	case "ollama":
		backend, err = ollama.New(opts...)
	case "llamacpp":
		backend, err = llamacpp.New(opts...)
	case "openai":
		backend, err = anyllmoai.New(opts...)
	default:
		return nil, fmt.Errorf("anyllm: unsupported backend %q; supported: ollama, llamacpp, openai", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", kind, err)
	}

	return &Provider{backend: backend, model: model}, nil
}

// ModelID implements llm.Provider.
func (p *Provider) ModelID() string { return p.model }

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, buildParams(p.model, req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: empty choices in response")
	}

	choice := resp.Choices[0]
	result := &llm.CompletionResponse{
		Content: choice.Message.ContentString(),
	}
	if resp.Usage != nil {
		result.PromptTokens = resp.Usage.PromptTokens
		result.CompletionTokens = resp.Usage.CompletionTokens
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	backendChunks, backendErrs := p.backend.CompletionStream(ctx, buildParams(p.model, req))

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)

		// Tool call fragments arrive spread over chunks, keyed by index.
		accum := map[int]*llm.ToolCall{}

		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			out := llm.Chunk{
				Text:         choice.Delta.Content,
				FinishReason: choice.FinishReason,
			}

			for i, tc := range choice.Delta.ToolCalls {
				existing, ok := accum[i]
				if !ok {
					existing = &llm.ToolCall{}
					accum[i] = existing
				}
				if tc.ID != "" {
					existing.ID = tc.ID
				}
				if tc.Function.Name != "" {
					existing.Name = tc.Function.Name
				}
				existing.Arguments += tc.Function.Arguments
			}

			if choice.FinishReason != "" && len(accum) > 0 {
				for i := 0; i < len(accum); i++ {
					if tc, ok := accum[i]; ok {
						out.ToolCalls = append(out.ToolCalls, *tc)
					}
				}
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		if err := <-backendErrs; err != nil {
			select {
			case ch <- llm.Chunk{FinishReason: "error", Text: err.Error()}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// buildParams converts a CompletionRequest into any-llm-go parameters.
func buildParams(model string, req llm.CompletionRequest) anyllmlib.CompletionParams {
	messages := make([]anyllmlib.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := anyllmlib.Message{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, anyllmlib.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: anyllmlib.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		messages = append(messages, msg)
	}

	params := anyllmlib.CompletionParams{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	for _, td := range req.Tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}
	return params
}
