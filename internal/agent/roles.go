// Package agent implements the complex-request path: a router that picks a
// specialist role for a message, and a bounded reasoning loop that lets the
// agent model call capability-server tools before streaming a final answer.
package agent

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Role names form a closed set; the router schema enumerates them.
const (
	RoleSmartHome    = "smart_home"
	RoleResearch     = "research"
	RoleDocuments    = "documents"
	RoleMedia        = "media"
	RoleWorkflow     = "workflow"
	RoleKnowledge    = "knowledge"
	RoleConversation = "conversation"
	RoleGeneral      = "general"
)

// RoleNames lists every routable role.
var RoleNames = []string{
	RoleSmartHome, RoleResearch, RoleDocuments, RoleMedia,
	RoleWorkflow, RoleKnowledge, RoleConversation, RoleGeneral,
}

// Role is one specialist configuration from the roles manifest.
type Role struct {
	// Name is the manifest key and router target.
	Name string `yaml:"-"`

	// Label is the human-readable display name.
	Label string `yaml:"label"`

	// SystemPrompt is the role's policy, prepended to every loop prompt.
	SystemPrompt string `yaml:"system_prompt"`

	// ToolPrefixes allowlists the tools the role may call, by full-name
	// prefix (e.g. "mcp.homeassistant."). Empty means no tools.
	ToolPrefixes []string `yaml:"tool_prefixes"`

	// MaxSteps caps the reasoning iterations. Zero means the role answers
	// in a single pass without the loop.
	MaxSteps int `yaml:"max_steps"`

	// Model and Endpoint override the gateway's agent-role defaults.
	Model    string `yaml:"model"`
	Endpoint string `yaml:"endpoint"`
}

// AllowsTool reports whether the role may call the named tool.
func (r Role) AllowsTool(name string) bool {
	for _, p := range r.ToolPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Roles is the loaded manifest, keyed by role name.
type Roles map[string]Role

// Get returns the named role, falling back to conversation for unknown
// names.
func (rs Roles) Get(name string) Role {
	if r, ok := rs[name]; ok {
		return r
	}
	return rs[RoleConversation]
}

// Names returns the configured role names, sorted.
func (rs Roles) Names() []string {
	out := make([]string, 0, len(rs))
	for name := range rs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LoadRoles reads the agent-role manifest. Roles absent from the file get
// conservative defaults so the closed set stays complete.
func LoadRoles(path string) (Roles, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agent: read roles manifest: %w", err)
	}
	return ParseRoles(raw)
}

// ParseRoles decodes and validates manifest YAML.
func ParseRoles(raw []byte) (Roles, error) {
	var file struct {
		Roles map[string]Role `yaml:"roles"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("agent: parse roles manifest: %w", err)
	}

	known := make(map[string]bool, len(RoleNames))
	for _, name := range RoleNames {
		known[name] = true
	}
	for name := range file.Roles {
		if !known[name] {
			return nil, fmt.Errorf("agent: unknown role %q in manifest", name)
		}
	}

	out := make(Roles, len(RoleNames))
	for _, name := range RoleNames {
		r := file.Roles[name]
		r.Name = name
		if r.Label == "" {
			r.Label = strings.ReplaceAll(name, "_", " ")
		}
		if r.MaxSteps < 0 {
			return nil, fmt.Errorf("agent: role %q has negative max_steps", name)
		}
		out[name] = r
	}
	return out, nil
}

// DefaultRoles returns a usable role set for deployments without a
// manifest: every role present, no tools, no loop.
func DefaultRoles() Roles {
	rs, _ := ParseRoles(nil)
	return rs
}
