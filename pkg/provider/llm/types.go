package llm

// Message is a single entry in a conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content.
	Content string

	// Name optionally identifies the speaker, used when speaker
	// identification attributes an utterance to a household member.
	Name string

	// ToolCalls holds tool invocations requested by an assistant message.
	ToolCalls []ToolCall

	// ToolCallID links a "tool" role message to the call it answers.
	ToolCallID string
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	// ID is the backend-assigned call identifier.
	ID string

	// Name is the tool name as offered in the request.
	Name string

	// Arguments is the JSON-encoded argument object.
	Arguments string
}

// ToolDefinition describes one tool offered to the model.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description is shown to the model.
	Description string

	// Parameters is the JSON Schema of the tool's input object.
	Parameters map[string]any
}
