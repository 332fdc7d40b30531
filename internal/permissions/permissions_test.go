package permissions

import (
	"testing"

	"github.com/renfield-ai/renfield/internal/fault"
)

func TestCaller_Has(t *testing.T) {
	tests := []struct {
		name   string
		tokens []string
		perm   string
		want   bool
	}{
		{"exact match", []string{"kb.all"}, "kb.all", true},
		{"no match", []string{"kb.all"}, "ha.read", false},
		{"server wildcard grants tool", []string{"mcp.weather.*"}, "mcp.weather.forecast", true},
		{"global mcp wildcard", []string{"mcp.*"}, "mcp.homeassistant.call_service", true},
		{"wildcard does not grant sibling prefix", []string{"mcp.weather.*"}, "mcp.search.web", false},
		{"wildcard does not grant bare prefix", []string{"mcp.weather.*"}, "mcp.weather", false},
		{"ha.full implies ha.control", []string{"ha.full"}, "ha.control", true},
		{"ha.full implies ha.read", []string{"ha.full"}, "ha.read", true},
		{"ha.control implies ha.read", []string{"ha.control"}, "ha.read", true},
		{"ha.read does not imply ha.control", []string{"ha.read"}, "ha.control", false},
		{"nil tokens", nil, "kb.all", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Caller{UserID: "u1", Tokens: tt.tokens}
			if got := c.Has(tt.perm); got != tt.want {
				t.Errorf("Has(%q) = %v, want %v", tt.perm, got, tt.want)
			}
		})
	}
}

func TestRequire(t *testing.T) {
	c := &Caller{UserID: "u1", Tokens: []string{"ha.control"}}

	if err := Require(c, "ha.read", false); err != nil {
		t.Errorf("expected ha.control to satisfy ha.read, got %v", err)
	}

	err := Require(c, "ha.full", false)
	if err == nil {
		t.Fatal("expected PermissionDenied")
	}
	if fault.KindOf(err) != fault.PermissionDenied {
		t.Errorf("kind = %v, want PermissionDenied", fault.KindOf(err))
	}
}

func TestRequire_AuthDisabledOrAnonymous(t *testing.T) {
	if err := Require(nil, "ha.full", false); err != nil {
		t.Errorf("anonymous caller should pass, got %v", err)
	}
	c := &Caller{UserID: "u1"}
	if err := Require(c, "ha.full", true); err != nil {
		t.Errorf("auth disabled should pass, got %v", err)
	}
}

func TestRequireAny(t *testing.T) {
	c := &Caller{UserID: "u1", Tokens: []string{"mcp.weather.*"}}
	if err := RequireAny(c, []string{"mcp.search", "mcp.weather.forecast"}, false); err != nil {
		t.Errorf("expected one of the permissions to match, got %v", err)
	}
	if err := RequireAny(c, []string{"mcp.search"}, false); err == nil {
		t.Error("expected PermissionDenied")
	}
	if err := RequireAny(c, nil, false); err != nil {
		t.Errorf("empty requirement should pass, got %v", err)
	}
}
