package mcp

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport names accepted in the manifest.
const (
	TransportStdio         = "stdio"
	TransportHTTPStreaming = "http_streaming"
	TransportHTTPSSE       = "http_sse"
)

// Duration decodes YAML duration strings ("30s", "5m") into time.Duration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// NotificationSource declares a server tool the notification poller calls
// periodically to pull upcoming events.
type NotificationSource struct {
	PollInterval Duration `yaml:"poll_interval"`
	ToolName     string   `yaml:"tool_name"`
}

// ServerManifest declares one capability server.
type ServerManifest struct {
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"`

	// Command launches a stdio server. Split on whitespace into executable
	// and arguments.
	Command string `yaml:"command"`

	// URL is the endpoint for HTTP transports.
	URL string `yaml:"url"`

	// Env is passed to stdio subprocesses on top of the parent environment.
	Env map[string]string `yaml:"env"`

	// Enabled defaults to true. Manifests typically drive it from an
	// environment variable via ${VAR:-true} expansion.
	Enabled *bool `yaml:"enabled"`

	// Permissions is the fallback permission list: a caller needs at least
	// one of these for any tool of this server. Empty means the implicit
	// mcp.<name> token applies.
	Permissions []string `yaml:"permissions"`

	// ToolPermissions overrides the required permission per tool (keyed by
	// the server-local tool name).
	ToolPermissions map[string]string `yaml:"tool_permissions"`

	// PromptTools restricts which tools appear in the intent classifier
	// taxonomy. Empty means all.
	PromptTools []string `yaml:"prompt_tools"`

	// RefreshInterval overrides the global list-tools refresh cadence.
	RefreshInterval Duration `yaml:"refresh_interval"`

	// Notifications enables the notification poller for this server.
	Notifications *NotificationSource `yaml:"notifications"`
}

// IsEnabled resolves the optional enable flag.
func (s ServerManifest) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Manifest is the full capability-server configuration file.
type Manifest struct {
	Servers []ServerManifest `yaml:"servers"`
}

// LoadManifest reads and validates a capability-server manifest. ${VAR} and
// ${VAR:-default} tokens anywhere in the file are substituted from the
// process environment before decoding, so enable flags, commands, and
// secrets can all be env-driven.
func LoadManifest(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("mcp: read manifest: %w", err)
	}
	return ParseManifest(expandEnv(string(raw), os.Getenv))
}

// ParseManifest decodes and validates manifest YAML that has already been
// env-expanded.
func ParseManifest(text string) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal([]byte(text), &m); err != nil {
		return Manifest{}, fmt.Errorf("mcp: parse manifest: %w", err)
	}

	seen := make(map[string]bool, len(m.Servers))
	for i, srv := range m.Servers {
		if srv.Name == "" {
			return Manifest{}, fmt.Errorf("mcp: manifest server %d has no name", i)
		}
		if seen[srv.Name] {
			return Manifest{}, fmt.Errorf("mcp: duplicate server name %q", srv.Name)
		}
		seen[srv.Name] = true

		switch srv.Transport {
		case TransportStdio:
			if strings.TrimSpace(srv.Command) == "" {
				return Manifest{}, fmt.Errorf("mcp: stdio server %q has no command", srv.Name)
			}
		case TransportHTTPStreaming, TransportHTTPSSE:
			if srv.URL == "" {
				return Manifest{}, fmt.Errorf("mcp: http server %q has no url", srv.Name)
			}
		default:
			return Manifest{}, fmt.Errorf("mcp: server %q has unknown transport %q", srv.Name, srv.Transport)
		}

		if srv.Notifications != nil && srv.Notifications.ToolName == "" {
			return Manifest{}, fmt.Errorf("mcp: server %q notifications block has no tool_name", srv.Name)
		}
	}
	return m, nil
}

// expandEnv substitutes ${VAR} and ${VAR:-default} tokens. Unset variables
// without a default expand to the empty string. Bare $VAR is left alone so
// shell-style commands survive.
func expandEnv(s string, getenv func(string) string) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		end := strings.Index(s[i:], "}")
		if end < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		expr := s[i+2 : i+end]
		s = s[i+end+1:]

		name, def, hasDef := strings.Cut(expr, ":-")
		if v := getenv(name); v != "" {
			b.WriteString(v)
		} else if hasDef {
			b.WriteString(def)
		}
	}
}
