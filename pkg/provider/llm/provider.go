// Package llm defines the Provider interface for Large Language Model
// backends.
//
// A Provider wraps one inference endpoint and model. The gateway layer on
// top of this package owns role selection, temperature defaults, circuit
// breaking, and JSON-output enforcement; a Provider only moves requests and
// responses.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import "context"

// CompletionRequest carries everything the model needs to produce a reply.
// Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last entry drives the reply.
	Messages []Message

	// Tools is the set of tool definitions offered to the model for native
	// tool calling. May be nil.
	Tools []ToolDefinition

	// Temperature controls output randomness in [0.0, 2.0]. The zero value
	// means the backend default; callers wanting greedy decoding should use
	// a small epsilon or rely on the gateway's role defaults.
	Temperature *float64

	// MaxTokens caps completion length. Zero means the backend default.
	MaxTokens int
}

// Chunk is one fragment of a streaming completion. A chunk may carry text,
// tool calls, a finish signal, or any combination.
type Chunk struct {
	// Text is the incremental content. May be empty.
	Text string

	// FinishReason is non-empty only on the final chunk: "stop", "length",
	// "tool_calls", or "error".
	FinishReason string

	// ToolCalls holds fully accumulated tool invocations, populated on the
	// final chunk when the model requested tools.
	ToolCalls []ToolCall
}

// CompletionResponse is the result of a non-streaming completion.
type CompletionResponse struct {
	// Content is the full reply text. Empty when the model responded only
	// with tool calls.
	Content string

	// ToolCalls lists requested tool invocations, if any.
	ToolCalls []ToolCall

	// PromptTokens and CompletionTokens hold token accounting when the
	// backend reports it; zero otherwise.
	PromptTokens     int
	CompletionTokens int
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion sends req and returns a channel emitting chunks as
	// they arrive. The channel is closed when generation finishes or ctx is
	// cancelled; callers must drain it. Errors after the stream opens are
	// surfaced as a final chunk with FinishReason "error" and the message in
	// Text. The returned channel is never nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// ModelID returns the backend model identifier, for logging.
	ModelID() string
}
