package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/renfield-ai/renfield/internal/config"
	"github.com/renfield-ai/renfield/internal/fault"
	"github.com/renfield-ai/renfield/internal/llm"
	"github.com/renfield-ai/renfield/internal/mcp"
	"github.com/renfield-ai/renfield/internal/permissions"
)

// stepTimeoutRetries is how many consecutive step timeouts are retried
// before the loop gives up and answers with what it has.
const stepTimeoutRetries = 2

// EventType discriminates loop events.
type EventType string

// Event types emitted by [Loop.Run].
const (
	EventThinking   EventType = "thinking"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventFinalToken EventType = "final_token"
	EventDone       EventType = "done"
)

// Event is one step of the agent's visible progress.
type Event struct {
	Type EventType `json:"type"`

	// Text carries thinking and final_token content.
	Text string `json:"text,omitempty"`

	// Tool fields, set on tool_call and tool_result.
	Tool   string         `json:"tool,omitempty"`
	Params map[string]any `json:"params,omitempty"`
	Reason string         `json:"reason,omitempty"`
	Result string         `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`

	// Steps is the final step count, set on done.
	Steps int `json:"steps,omitempty"`
}

// Tools is the slice of the capability hub the loop needs.
type Tools interface {
	Catalog(promptOnly bool) []mcp.ToolDescriptor
	Execute(ctx context.Context, caller *permissions.Caller, name string, params map[string]any) (string, error)
}

var stepSchema = llm.MustCompileSchema(`{
	"type": "object",
	"properties": {
		"action": {"type": "string", "enum": ["tool", "final"]},
		"tool": {"type": "string"},
		"parameters": {"type": "object"},
		"reason": {"type": "string"},
		"final_answer": {"type": "string"}
	},
	"required": ["action"]
}`)

type stepDecision struct {
	Action      string         `json:"action"`
	Tool        string         `json:"tool"`
	Parameters  map[string]any `json:"parameters"`
	Reason      string         `json:"reason"`
	FinalAnswer string         `json:"final_answer"`
}

// Loop runs the bounded reasoning loop for one role.
type Loop struct {
	gateway Gateway
	tools   Tools
	cfg     config.AgentSettings
	logger  *slog.Logger
}

// NewLoop creates a loop. tools may be nil when no capability servers are
// configured; every role then behaves as a pure chat role.
func NewLoop(gateway Gateway, tools Tools, cfg config.AgentSettings, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{gateway: gateway, tools: tools, cfg: cfg, logger: logger}
}

// Run executes the loop and streams events. The channel closes after the
// done event. Cancelling ctx stops the loop before its next LLM call and
// aborts any in-flight tool call; events already sent are not rolled back.
func (l *Loop) Run(ctx context.Context, role Role, message string, history []llm.Message, caller *permissions.Caller) <-chan Event {
	out := make(chan Event, 8)
	go func() {
		defer close(out)
		l.run(ctx, role, message, history, caller, out)
	}()
	return out
}

func (l *Loop) run(ctx context.Context, role Role, message string, history []llm.Message, caller *permissions.Caller, out chan<- Event) {
	// The total timeout bounds reasoning only; the final answer still
	// streams on the caller's context afterwards.
	loopCtx, cancel := context.WithTimeout(ctx, l.cfg.TotalTimeout)
	defer cancel()

	emit := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	maxSteps := role.MaxSteps
	if maxSteps > l.cfg.MaxSteps && l.cfg.MaxSteps > 0 {
		maxSteps = l.cfg.MaxSteps
	}
	catalog := l.roleCatalog(role)

	var scratchpad []string
	steps := 0
	timeouts := 0
	draft := ""

loop:
	for steps < maxSteps && len(catalog) > 0 {
		if ctx.Err() != nil {
			return
		}
		if loopCtx.Err() != nil {
			scratchpad = append(scratchpad, "ran out of time for further steps")
			break loop
		}

		decision, err := l.step(loopCtx, role, message, history, catalog, scratchpad)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if loopCtx.Err() != nil {
				scratchpad = append(scratchpad, "ran out of time for further steps")
				break loop
			}
			if fault.KindOf(err) == fault.Timeout {
				steps++
				timeouts++
				scratchpad = append(scratchpad, "step timed out before a decision")
				if timeouts > stepTimeoutRetries {
					break loop
				}
				continue
			}
			l.logger.Warn("agent: step failed", "role", role.Name, "error", err)
			break loop
		}
		timeouts = 0

		if decision.Action != "tool" {
			draft = decision.FinalAnswer
			break loop
		}
		steps++

		if decision.Reason != "" {
			if !emit(Event{Type: EventThinking, Text: decision.Reason}) {
				return
			}
		}
		if !emit(Event{Type: EventToolCall, Tool: decision.Tool, Params: decision.Parameters, Reason: decision.Reason}) {
			return
		}

		if !role.AllowsTool(decision.Tool) {
			note := fmt.Sprintf("tool %s is not allowed for this role", decision.Tool)
			scratchpad = append(scratchpad, note)
			if !emit(Event{Type: EventToolResult, Tool: decision.Tool, Error: note}) {
				return
			}
			continue
		}

		result, err := l.tools.Execute(loopCtx, caller, decision.Tool, decision.Parameters)
		if err != nil {
			scratchpad = append(scratchpad,
				fmt.Sprintf("called %s -> error: %v", decision.Tool, err))
			if !emit(Event{Type: EventToolResult, Tool: decision.Tool, Error: err.Error()}) {
				return
			}
			continue
		}
		scratchpad = append(scratchpad,
			fmt.Sprintf("called %s with %s -> %s", decision.Tool, compactJSON(decision.Parameters), result))
		if !emit(Event{Type: EventToolResult, Tool: decision.Tool, Result: result}) {
			return
		}
	}

	l.finalPhase(ctx, role, message, history, scratchpad, draft, steps, emit)
}

// step makes one decision call under the per-step timeout.
func (l *Loop) step(ctx context.Context, role Role, message string, history []llm.Message, catalog []mcp.ToolDescriptor, scratchpad []string) (stepDecision, error) {
	stepCtx, cancel := context.WithTimeout(ctx, l.cfg.StepTimeout)
	defer cancel()

	messages := []llm.Message{{Role: "system", Content: l.stepPrompt(role, catalog, scratchpad)}}
	messages = append(messages, trimHistory(history, l.cfg.ConvContextMessages)...)
	messages = append(messages, llm.Message{Role: "user", Content: message})

	var decision stepDecision
	err := l.gateway.CompleteJSON(stepCtx, llm.Request{
		Role:     llm.RoleAgent,
		Messages: messages,
		Model:    role.Model,
		Endpoint: role.Endpoint,
	}, stepSchema, &decision)
	if err != nil && stepCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return decision, fault.Wrap(fault.Timeout, err, "agent: step timed out")
	}
	return decision, err
}

// finalPhase streams the user-facing answer and emits done.
func (l *Loop) finalPhase(ctx context.Context, role Role, message string, history []llm.Message, scratchpad []string, draft string, steps int, emit func(Event) bool) {
	messages := []llm.Message{{Role: "system", Content: l.finalPrompt(role, scratchpad, draft)}}
	messages = append(messages, trimHistory(history, l.cfg.ConvContextMessages)...)
	messages = append(messages, llm.Message{Role: "user", Content: message})

	deltas, err := l.gateway.ChatStream(ctx, llm.Request{
		Role:     llm.RoleAgent,
		Messages: messages,
		Model:    role.Model,
		Endpoint: role.Endpoint,
	})
	if err != nil {
		l.logger.Warn("agent: final answer stream failed", "role", role.Name, "error", err)
		emit(Event{Type: EventDone, Steps: steps})
		return
	}

	for delta := range deltas {
		if delta.Err != nil {
			l.logger.Warn("agent: final answer stream aborted", "role", role.Name, "error", delta.Err)
			break
		}
		if delta.Done {
			break
		}
		if delta.Content != "" {
			if !emit(Event{Type: EventFinalToken, Text: delta.Content}) {
				return
			}
		}
	}
	emit(Event{Type: EventDone, Steps: steps})
}

// roleCatalog filters the healthy tool catalog to the role's allowlist.
func (l *Loop) roleCatalog(role Role) []mcp.ToolDescriptor {
	if l.tools == nil || len(role.ToolPrefixes) == 0 {
		return nil
	}
	var out []mcp.ToolDescriptor
	for _, d := range l.tools.Catalog(false) {
		if role.AllowsTool(d.Name) {
			out = append(out, d)
		}
	}
	return out
}

func (l *Loop) stepPrompt(role Role, catalog []mcp.ToolDescriptor, scratchpad []string) string {
	var b strings.Builder
	if role.SystemPrompt != "" {
		b.WriteString(role.SystemPrompt)
		b.WriteString("\n\n")
	}
	b.WriteString("Decide the next step. Either call one tool or give the final answer.\n\nAvailable tools:\n")
	for _, d := range catalog {
		fmt.Fprintf(&b, "- %s: %s\n", d.Name, d.Description)
		if d.InputSchema != nil {
			fmt.Fprintf(&b, "  parameters: %s\n", compactJSON(d.InputSchema))
		}
	}
	writeScratchpad(&b, scratchpad)
	return b.String()
}

func (l *Loop) finalPrompt(role Role, scratchpad []string, draft string) string {
	var b strings.Builder
	if role.SystemPrompt != "" {
		b.WriteString(role.SystemPrompt)
		b.WriteString("\n\n")
	}
	b.WriteString("Answer the user based on the steps taken so far. Be concise and speak naturally.\n")
	writeScratchpad(&b, scratchpad)
	if draft != "" {
		b.WriteString("\nDraft answer to refine:\n")
		b.WriteString(draft)
		b.WriteString("\n")
	}
	return b.String()
}

func writeScratchpad(b *strings.Builder, scratchpad []string) {
	if len(scratchpad) == 0 {
		return
	}
	b.WriteString("\nSteps taken so far:\n")
	for i, s := range scratchpad {
		fmt.Fprintf(b, "%d. %s\n", i+1, s)
	}
}

// trimHistory keeps the last n messages.
func trimHistory(history []llm.Message, n int) []llm.Message {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

func compactJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
