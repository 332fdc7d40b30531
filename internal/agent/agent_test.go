package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/renfield-ai/renfield/internal/config"
	"github.com/renfield-ai/renfield/internal/llm"
	"github.com/renfield-ai/renfield/internal/mcp"
	"github.com/renfield-ai/renfield/internal/permissions"
)

const sampleRoles = `
roles:
  smart_home:
    label: Smart Home
    system_prompt: You control the house.
    tool_prefixes: ["mcp.homeassistant."]
    max_steps: 4
  research:
    label: Research
    tool_prefixes: ["mcp.search."]
    max_steps: 6
    model: big-reasoner
  conversation:
    label: Conversation
`

func mustRoles(t *testing.T) Roles {
	t.Helper()
	rs, err := ParseRoles([]byte(sampleRoles))
	if err != nil {
		t.Fatalf("ParseRoles: %v", err)
	}
	return rs
}

func TestParseRoles(t *testing.T) {
	rs := mustRoles(t)

	if len(rs) != len(RoleNames) {
		t.Errorf("roles = %d, want the complete closed set", len(rs))
	}
	sh := rs.Get(RoleSmartHome)
	if !sh.AllowsTool("mcp.homeassistant.light_turn_on") {
		t.Error("prefix allowlist rejected a matching tool")
	}
	if sh.AllowsTool("mcp.search.web") {
		t.Error("prefix allowlist admitted a foreign tool")
	}
	if rs.Get(RoleResearch).Model != "big-reasoner" {
		t.Error("model override lost")
	}

	// Unconfigured roles exist with defaults; unknown names fall back.
	if rs.Get(RoleMedia).MaxSteps != 0 {
		t.Error("absent role should default to zero steps")
	}
	if rs.Get("made_up").Name != RoleConversation {
		t.Errorf("unknown role resolved to %q", rs.Get("made_up").Name)
	}
}

func TestParseRoles_RejectsUnknown(t *testing.T) {
	if _, err := ParseRoles([]byte("roles:\n  butler: {label: B}\n")); err == nil {
		t.Error("unknown role name accepted")
	}
}

// fakeGateway scripts CompleteJSON replies in order and streams a fixed
// final answer.
type fakeGateway struct {
	mu      sync.Mutex
	replies []string
	err     error
	delay   time.Duration
	stream  []string

	jsonCalls []llm.Request
	streamReq llm.Request
}

func (f *fakeGateway) CompleteJSON(ctx context.Context, req llm.Request, _ *llm.Schema, out any) error {
	f.mu.Lock()
	f.jsonCalls = append(f.jsonCalls, req)
	n := len(f.jsonCalls)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return f.err
	}
	reply := f.replies[len(f.replies)-1]
	if n-1 < len(f.replies) {
		reply = f.replies[n-1]
	}
	return json.Unmarshal([]byte(reply), out)
}

func (f *fakeGateway) ChatStream(_ context.Context, req llm.Request) (<-chan llm.Delta, error) {
	f.mu.Lock()
	f.streamReq = req
	f.mu.Unlock()

	ch := make(chan llm.Delta, len(f.stream)+1)
	for _, s := range f.stream {
		ch <- llm.Delta{Content: s}
	}
	ch <- llm.Delta{Done: true}
	close(ch)
	return ch, nil
}

type fakeTools struct {
	mu       sync.Mutex
	catalog  []mcp.ToolDescriptor
	results  map[string]string
	execErr  error
	executed []string
}

func (f *fakeTools) Catalog(bool) []mcp.ToolDescriptor { return f.catalog }

func (f *fakeTools) Execute(_ context.Context, _ *permissions.Caller, name string, _ map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, name)
	if f.execErr != nil {
		return "", f.execErr
	}
	return f.results[name], nil
}

func testAgentSettings() config.AgentSettings {
	return config.AgentSettings{
		MaxSteps:            5,
		StepTimeout:         200 * time.Millisecond,
		TotalTimeout:        2 * time.Second,
		ConvContextMessages: 6,
		RouterTimeout:       time.Second,
	}
}

func haCatalog() []mcp.ToolDescriptor {
	return []mcp.ToolDescriptor{
		{Name: "mcp.homeassistant.light_turn_on", Server: "homeassistant",
			RemoteName: "light_turn_on", Description: "switch a light on"},
	}
}

func collect(events <-chan Event) []Event {
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func byType(events []Event, t EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func TestRouter_Route(t *testing.T) {
	gw := &fakeGateway{replies: []string{`{"role": "smart_home", "reason": "device command"}`}}
	r := NewRouter(gw, mustRoles(t), testAgentSettings(), nil)

	role := r.Route(context.Background(), "schalte das licht an wenn es dunkel wird")
	if role.Name != RoleSmartHome {
		t.Errorf("role = %q", role.Name)
	}
	if gw.jsonCalls[0].Role != llm.RoleRouter {
		t.Errorf("gateway role = %v, want router", gw.jsonCalls[0].Role)
	}
}

func TestRouter_DefaultsToConversation(t *testing.T) {
	gw := &fakeGateway{err: errors.New("router down")}
	r := NewRouter(gw, mustRoles(t), testAgentSettings(), nil)

	if role := r.Route(context.Background(), "anything"); role.Name != RoleConversation {
		t.Errorf("role = %q, want conversation fallback", role.Name)
	}
}

func TestLoop_ToolThenFinal(t *testing.T) {
	gw := &fakeGateway{
		replies: []string{
			`{"action": "tool", "tool": "mcp.homeassistant.light_turn_on",
			  "parameters": {"room": "office"}, "reason": "user asked for light"}`,
			`{"action": "final", "final_answer": "light is on"}`,
		},
		stream: []string{"The light ", "is on."},
	}
	tools := &fakeTools{
		catalog: haCatalog(),
		results: map[string]string{"mcp.homeassistant.light_turn_on": `{"state": "on"}`},
	}
	l := NewLoop(gw, tools, testAgentSettings(), nil)

	events := collect(l.Run(context.Background(), mustRoles(t).Get(RoleSmartHome),
		"mach das licht im büro an", nil, nil))

	if len(byType(events, EventToolCall)) != 1 {
		t.Fatalf("events = %+v, want one tool_call", events)
	}
	tr := byType(events, EventToolResult)
	if len(tr) != 1 || tr[0].Result != `{"state": "on"}` {
		t.Errorf("tool_result = %+v", tr)
	}

	var answer strings.Builder
	for _, ev := range byType(events, EventFinalToken) {
		answer.WriteString(ev.Text)
	}
	if answer.String() != "The light is on." {
		t.Errorf("answer = %q", answer.String())
	}

	done := byType(events, EventDone)
	if len(done) != 1 || done[0].Steps != 1 {
		t.Errorf("done = %+v, want steps 1", done)
	}
	if events[len(events)-1].Type != EventDone {
		t.Error("done must be the last event")
	}
	if tools.executed[0] != "mcp.homeassistant.light_turn_on" {
		t.Errorf("executed = %v", tools.executed)
	}
}

func TestLoop_DisallowedTool(t *testing.T) {
	gw := &fakeGateway{
		replies: []string{
			`{"action": "tool", "tool": "mcp.search.web", "reason": "curious"}`,
			`{"action": "final", "final_answer": "sorry"}`,
		},
	}
	tools := &fakeTools{catalog: haCatalog()}
	l := NewLoop(gw, tools, testAgentSettings(), nil)

	events := collect(l.Run(context.Background(), mustRoles(t).Get(RoleSmartHome),
		"search something", nil, nil))

	tr := byType(events, EventToolResult)
	if len(tr) != 1 || tr[0].Error == "" {
		t.Fatalf("tool_result = %+v, want an allowlist rejection", tr)
	}
	if len(tools.executed) != 0 {
		t.Errorf("executed = %v, want nothing", tools.executed)
	}
}

func TestLoop_MaxStepsReached(t *testing.T) {
	gw := &fakeGateway{
		// Never decides to finish.
		replies: []string{`{"action": "tool", "tool": "mcp.homeassistant.light_turn_on",
			"parameters": {}, "reason": "again"}`},
	}
	tools := &fakeTools{catalog: haCatalog(), results: map[string]string{}}
	l := NewLoop(gw, tools, testAgentSettings(), nil)

	events := collect(l.Run(context.Background(), mustRoles(t).Get(RoleSmartHome),
		"loop forever", nil, nil))

	done := byType(events, EventDone)
	if len(done) != 1 || done[0].Steps != 4 {
		t.Errorf("done = %+v, want role max_steps 4", done)
	}
	if got := len(byType(events, EventToolCall)); got != 4 {
		t.Errorf("tool calls = %d, want 4", got)
	}
}

func TestLoop_ZeroStepsIsOneShot(t *testing.T) {
	gw := &fakeGateway{stream: []string{"hello there"}}
	l := NewLoop(gw, &fakeTools{}, testAgentSettings(), nil)

	events := collect(l.Run(context.Background(), mustRoles(t).Get(RoleConversation),
		"hi", nil, nil))

	if len(byType(events, EventToolCall)) != 0 {
		t.Error("conversation role must not call tools")
	}
	if len(gw.jsonCalls) != 0 {
		t.Error("no decision calls expected for a zero-step role")
	}
	final := byType(events, EventFinalToken)
	if len(final) != 1 || final[0].Text != "hello there" {
		t.Errorf("final tokens = %+v", final)
	}
}

func TestLoop_StepTimeoutRetries(t *testing.T) {
	cfg := testAgentSettings()
	cfg.StepTimeout = 30 * time.Millisecond
	gw := &fakeGateway{
		delay:   100 * time.Millisecond, // every step call times out
		replies: []string{`{"action": "final"}`},
		stream:  []string{"best effort"},
	}
	l := NewLoop(gw, &fakeTools{catalog: haCatalog()}, cfg, nil)

	events := collect(l.Run(context.Background(), mustRoles(t).Get(RoleSmartHome),
		"slow model", nil, nil))

	done := byType(events, EventDone)
	if len(done) != 1 {
		t.Fatalf("events = %+v, want a done event", events)
	}
	// Initial attempt plus two retries, all timing out.
	if done[0].Steps != 3 {
		t.Errorf("steps = %d, want 3 timed-out steps", done[0].Steps)
	}
	if len(byType(events, EventFinalToken)) == 0 {
		t.Error("loop should still answer after giving up on steps")
	}
}

func TestLoop_CancellationStopsBeforeNextCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gw := &fakeGateway{
		replies: []string{`{"action": "tool", "tool": "mcp.homeassistant.light_turn_on",
			"parameters": {}, "reason": "r"}`},
	}
	tools := &fakeTools{catalog: haCatalog(), results: map[string]string{}}
	l := NewLoop(gw, tools, testAgentSettings(), nil)

	events := l.Run(ctx, mustRoles(t).Get(RoleSmartHome), "licht an", nil, nil)

	// Read up to the first tool result, then drop the stream.
	for ev := range events {
		if ev.Type == EventToolResult {
			break
		}
	}
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("loop did not stop after cancellation")
		}
	}
}

func TestLoop_RoleModelOverridePropagates(t *testing.T) {
	gw := &fakeGateway{
		replies: []string{`{"action": "final", "final_answer": "done"}`},
		stream:  []string{"done"},
	}
	tools := &fakeTools{catalog: []mcp.ToolDescriptor{
		{Name: "mcp.search.web", Description: "web search"},
	}}
	l := NewLoop(gw, tools, testAgentSettings(), nil)

	collect(l.Run(context.Background(), mustRoles(t).Get(RoleResearch), "find it", nil, nil))

	if gw.jsonCalls[0].Model != "big-reasoner" {
		t.Errorf("decision model = %q", gw.jsonCalls[0].Model)
	}
	if gw.streamReq.Model != "big-reasoner" {
		t.Errorf("stream model = %q", gw.streamReq.Model)
	}
}
