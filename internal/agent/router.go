package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/renfield-ai/renfield/internal/config"
	"github.com/renfield-ai/renfield/internal/llm"
)

// Gateway is the slice of the LLM gateway the router and loop need.
type Gateway interface {
	CompleteJSON(ctx context.Context, req llm.Request, schema *llm.Schema, out any) error
	ChatStream(ctx context.Context, req llm.Request) (<-chan llm.Delta, error)
}

// routeSchema enumerates the closed role set.
var routeSchema = llm.MustCompileSchema(fmt.Sprintf(`{
	"type": "object",
	"properties": {
		"role": {"type": "string", "enum": [%s]},
		"reason": {"type": "string"}
	},
	"required": ["role"]
}`, quoteList(RoleNames)))

func quoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		b, _ := json.Marshal(n)
		quoted[i] = string(b)
	}
	return strings.Join(quoted, ", ")
}

// Router picks the specialist role for a complex message.
type Router struct {
	gateway Gateway
	roles   Roles
	cfg     config.AgentSettings
	logger  *slog.Logger
}

// NewRouter creates a router over the loaded role set.
func NewRouter(gateway Gateway, roles Roles, cfg config.AgentSettings, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{gateway: gateway, roles: roles, cfg: cfg, logger: logger}
}

// Route classifies the message onto one role. Any failure, including the
// router timeout, degrades to the conversation role (the no-tools path).
func (r *Router) Route(ctx context.Context, message string) Role {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.RouterTimeout)
	defer cancel()

	var out struct {
		Role   string `json:"role"`
		Reason string `json:"reason"`
	}
	err := r.gateway.CompleteJSON(ctx, llm.Request{
		Role: llm.RoleRouter,
		Messages: []llm.Message{
			{Role: "system", Content: r.systemPrompt()},
			{Role: "user", Content: message},
		},
	}, routeSchema, &out)
	if err != nil {
		r.logger.Warn("agent: routing failed, defaulting to conversation", "error", err)
		return r.roles.Get(RoleConversation)
	}

	r.logger.Debug("agent: routed", "role", out.Role, "reason", out.Reason)
	return r.roles.Get(out.Role)
}

func (r *Router) systemPrompt() string {
	var b strings.Builder
	b.WriteString("Pick the single best specialist role for the user message.\n\nRoles:\n")
	for _, name := range r.roles.Names() {
		role := r.roles[name]
		fmt.Fprintf(&b, "- %s: %s\n", name, role.Label)
	}
	b.WriteString("\nAnswer with the role name and a one-line reason.")
	return b.String()
}
