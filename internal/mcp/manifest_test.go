package mcp

import (
	"strings"
	"testing"
	"time"
)

const sampleManifest = `
servers:
  - name: weather
    transport: http_streaming
    url: http://localhost:8123/mcp
    permissions: [ha.read]
    tool_permissions:
      set_alarm: ha.control
    prompt_tools: [forecast, current]
    refresh_interval: 90s
    notifications:
      poll_interval: 45m
      tool_name: upcoming_events
  - name: files
    transport: stdio
    command: uvx files-mcp --root /data
    env:
      FILES_TOKEN: sekrit
    enabled: false
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest(sampleManifest)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if len(m.Servers) != 2 {
		t.Fatalf("servers = %d, want 2", len(m.Servers))
	}

	w := m.Servers[0]
	if !w.IsEnabled() {
		t.Error("enabled should default to true")
	}
	if w.ToolPermissions["set_alarm"] != "ha.control" {
		t.Errorf("tool_permissions = %v", w.ToolPermissions)
	}
	if time.Duration(w.RefreshInterval) != 90*time.Second {
		t.Errorf("refresh_interval = %v", w.RefreshInterval)
	}
	if w.Notifications == nil || w.Notifications.ToolName != "upcoming_events" {
		t.Errorf("notifications = %+v", w.Notifications)
	}
	if time.Duration(w.Notifications.PollInterval) != 45*time.Minute {
		t.Errorf("poll_interval = %v", w.Notifications.PollInterval)
	}

	f := m.Servers[1]
	if f.IsEnabled() {
		t.Error("explicit enabled: false ignored")
	}
	if f.Env["FILES_TOKEN"] != "sekrit" {
		t.Errorf("env = %v", f.Env)
	}
}

func TestParseManifest_Invalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing name", "servers:\n  - transport: stdio\n    command: x\n"},
		{"duplicate name", "servers:\n  - {name: a, transport: stdio, command: x}\n  - {name: a, transport: stdio, command: y}\n"},
		{"stdio without command", "servers:\n  - {name: a, transport: stdio}\n"},
		{"http without url", "servers:\n  - {name: a, transport: http_sse}\n"},
		{"unknown transport", "servers:\n  - {name: a, transport: carrier_pigeon, command: x}\n"},
		{"notifications without tool", "servers:\n  - name: a\n    transport: stdio\n    command: x\n    notifications:\n      poll_interval: 5m\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseManifest(tc.yaml); err == nil {
				t.Error("accepted invalid manifest")
			}
		})
	}
}

func TestExpandEnv(t *testing.T) {
	env := map[string]string{"TOKEN": "abc", "EMPTY": ""}
	getenv := func(k string) string { return env[k] }

	cases := []struct {
		in, want string
	}{
		{"plain text", "plain text"},
		{"${TOKEN}", "abc"},
		{"--auth ${TOKEN} --x", "--auth abc --x"},
		{"${MISSING}", ""},
		{"${MISSING:-fallback}", "fallback"},
		{"${EMPTY:-fallback}", "fallback"},
		{"${TOKEN:-fallback}", "abc"},
		{"$HOME stays", "$HOME stays"},
		{"${UNTERMINATED", "${UNTERMINATED"},
	}
	for _, tc := range cases {
		if got := expandEnv(tc.in, getenv); got != tc.want {
			t.Errorf("expandEnv(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestExpandEnv_EnabledFlag(t *testing.T) {
	text := strings.ReplaceAll(`
servers:
  - name: a
    transport: stdio
    command: x
    enabled: ${MCP_A_ENABLED:-true}
`, "\t", "  ")
	m, err := ParseManifest(expandEnv(text, func(string) string { return "" }))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if !m.Servers[0].IsEnabled() {
		t.Error("default-true enable flag not honoured")
	}

	m, err = ParseManifest(expandEnv(text, func(k string) string {
		if k == "MCP_A_ENABLED" {
			return "false"
		}
		return ""
	}))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if m.Servers[0].IsEnabled() {
		t.Error("env-driven disable not honoured")
	}
}
