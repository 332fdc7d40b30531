package llm

import (
	"context"
	"testing"

	"github.com/renfield-ai/renfield/internal/fault"
	providerllm "github.com/renfield-ai/renfield/pkg/provider/llm"
	llmmock "github.com/renfield-ai/renfield/pkg/provider/llm/mock"
)

var intentSchema = MustCompileSchema(`{
	"type": "object",
	"properties": {
		"intent": {"type": "string"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1}
	},
	"required": ["intent", "confidence"]
}`)

type intentOut struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

func TestCompleteJSON(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"clean", `{"intent": "ha.light_on", "confidence": 0.92}`},
		{"fenced", "```json\n{\"intent\": \"ha.light_on\", \"confidence\": 0.92}\n```"},
		{"prose around", `Sure! Here is the result: {"intent": "ha.light_on", "confidence": 0.92} Hope that helps.`},
		{"repairable", `{intent: "ha.light_on", confidence: 0.92}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := newTestGateway(t, testSettings(), llmmock.New(tt.reply))
			var out intentOut
			if err := g.CompleteJSON(context.Background(), Request{Role: RoleIntent, Messages: userMsg("turn on the light")}, intentSchema, &out); err != nil {
				t.Fatalf("CompleteJSON: %v", err)
			}
			if out.Intent != "ha.light_on" || out.Confidence != 0.92 {
				t.Errorf("out = %+v", out)
			}
		})
	}
}

func TestCompleteJSON_RetryRecovers(t *testing.T) {
	p := llmmock.New(
		"I think the intent is probably lights",
		`{"intent": "ha.light_on", "confidence": 0.8}`,
	)
	g, _ := newTestGateway(t, testSettings(), p)

	var out intentOut
	if err := g.CompleteJSON(context.Background(), Request{Role: RoleIntent, Messages: userMsg("lights please")}, intentSchema, &out); err != nil {
		t.Fatalf("CompleteJSON: %v", err)
	}
	if out.Intent != "ha.light_on" {
		t.Errorf("out = %+v", out)
	}
	if len(p.Requests) != 2 {
		t.Fatalf("requests = %d, want 2 (one retry)", len(p.Requests))
	}
	// The retry prompt feeds the bad reply back.
	last := p.Requests[1].Messages
	if last[len(last)-2].Role != "assistant" {
		t.Errorf("retry prompt missing assistant echo: %+v", last)
	}
}

func TestCompleteJSON_MalformedAfterRetry(t *testing.T) {
	g, _ := newTestGateway(t, testSettings(), llmmock.New("no json here at all"))
	var out intentOut
	err := g.CompleteJSON(context.Background(), Request{Role: RoleIntent, Messages: userMsg("hi")}, intentSchema, &out)
	if fault.KindOf(err) != fault.LLMMalformedOutput {
		t.Fatalf("kind = %v, want LLMMalformedOutput", fault.KindOf(err))
	}
}

func TestCompleteJSON_SchemaViolationRetries(t *testing.T) {
	// Valid JSON, invalid per schema (confidence out of range), both times.
	g, _ := newTestGateway(t, testSettings(), llmmock.New(`{"intent": "x", "confidence": 7}`))
	var out intentOut
	err := g.CompleteJSON(context.Background(), Request{Role: RoleIntent, Messages: userMsg("hi")}, intentSchema, &out)
	if fault.KindOf(err) != fault.LLMMalformedOutput {
		t.Fatalf("kind = %v, want LLMMalformedOutput", fault.KindOf(err))
	}
}

func TestWithJSONInstruction(t *testing.T) {
	// Existing system prompt gets the instruction appended.
	req := withJSONInstruction(Request{Messages: []providerllm.Message{
		{Role: "system", Content: "You are a classifier."},
		{Role: "user", Content: "hi"},
	}})
	if got := req.Messages[0].Content; got == "You are a classifier." {
		t.Error("instruction not appended to system prompt")
	}

	// No system prompt: one is prepended.
	req = withJSONInstruction(Request{Messages: userMsg("hi")})
	if req.Messages[0].Role != "system" {
		t.Errorf("first message role = %q, want system", req.Messages[0].Role)
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"a": 1}`, `{"a": 1}`},
		{"```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"prefix {\"a\": 1} suffix", `{"a": 1}`},
		{"[1, 2, 3]", "[1, 2, 3]"},
		{"no json", "no json"},
	}
	for _, tt := range tests {
		if got := extractJSON(tt.in); got != tt.want {
			t.Errorf("extractJSON(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
