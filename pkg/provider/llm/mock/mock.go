// Package mock provides a scripted llm.Provider for tests.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/renfield-ai/renfield/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Provider replays scripted responses in order. When the script runs out,
// the last entry repeats. Safe for concurrent use.
type Provider struct {
	mu sync.Mutex

	// Responses is the reply script. Each call to Complete or
	// StreamCompletion consumes the next entry.
	Responses []llm.CompletionResponse

	// Err, when non-nil, is returned by every call instead of a response.
	Err error

	// Requests records every request received, in order.
	Requests []llm.CompletionRequest

	next int
}

// New returns a Provider that answers every call with the given texts.
func New(texts ...string) *Provider {
	p := &Provider{}
	for _, t := range texts {
		p.Responses = append(p.Responses, llm.CompletionResponse{Content: t})
	}
	return p
}

// ModelID implements llm.Provider.
func (p *Provider) ModelID() string { return "mock-llm" }

// Complete implements llm.Provider.
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Requests = append(p.Requests, req)
	if p.Err != nil {
		return nil, p.Err
	}
	resp := p.take()
	return &resp, nil
}

// StreamCompletion implements llm.Provider by splitting the scripted reply
// into word-sized chunks.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.Requests = append(p.Requests, req)
	if p.Err != nil {
		p.mu.Unlock()
		return nil, p.Err
	}
	resp := p.take()
	p.mu.Unlock()

	ch := make(chan llm.Chunk, 8)
	go func() {
		defer close(ch)
		words := strings.SplitAfter(resp.Content, " ")
		for _, w := range words {
			if w == "" {
				continue
			}
			select {
			case ch <- llm.Chunk{Text: w}:
			case <-ctx.Done():
				return
			}
		}
		final := llm.Chunk{FinishReason: "stop"}
		if len(resp.ToolCalls) > 0 {
			final.FinishReason = "tool_calls"
			final.ToolCalls = resp.ToolCalls
		}
		select {
		case ch <- final:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// take returns the next scripted response, repeating the last one when the
// script is exhausted. Callers must hold p.mu.
func (p *Provider) take() llm.CompletionResponse {
	if len(p.Responses) == 0 {
		return llm.CompletionResponse{}
	}
	i := p.next
	if i >= len(p.Responses) {
		i = len(p.Responses) - 1
	} else {
		p.next++
	}
	return p.Responses[i]
}
