package orchestrator

import "github.com/renfield-ai/renfield/internal/session"

// Server → client envelope types for one turn. The transport layer
// serializes them as JSON.

// StreamEvent carries one response delta.
type StreamEvent struct {
	Type    string `json:"type"` // "stream"
	Content string `json:"content"`
}

// AgentRoleEvent announces which agent role handles a complex turn.
type AgentRoleEvent struct {
	Type  string `json:"type"` // "agent_role"
	Name  string `json:"name"`
	Label string `json:"label,omitempty"`
}

// AgentThinkingEvent carries the agent's stated reasoning for a step.
type AgentThinkingEvent struct {
	Type string `json:"type"` // "agent_thinking"
	Text string `json:"text"`
}

// AgentToolCallEvent reports a tool invocation the agent decided on.
type AgentToolCallEvent struct {
	Type       string         `json:"type"` // "agent_tool_call"
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// AgentToolResultEvent reports a tool outcome.
type AgentToolResultEvent struct {
	Type   string `json:"type"` // "agent_tool_result"
	Name   string `json:"name"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// DoneEvent is the last event of every completed turn.
type DoneEvent struct {
	Type       string           `json:"type"` // "done"
	Sources    []session.Source `json:"sources,omitempty"`
	TTSHandled bool             `json:"tts_handled"`
	AgentSteps int              `json:"agent_steps,omitempty"`
}

// ErrorEvent reports a turn failure to the client.
type ErrorEvent struct {
	Type    string `json:"type"` // "error"
	Code    string `json:"code"`
	Message string `json:"message"`
}
