package intent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/renfield-ai/renfield/internal/feedback"
	"github.com/renfield-ai/renfield/internal/llm"
)

// FallbackIntent is returned when classification fails for any reason; it
// routes the message to plain conversation.
const FallbackIntent = "general.conversation"

// StaticIntents are always part of the taxonomy, independent of which
// capability servers are up.
var StaticIntents = []string{
	"general.conversation",
	"general.question",
	"memory.remember",
	"memory.recall",
	"reminder.set",
	"reminder.list",
	"notification.acknowledge",
}

// Candidate is one ranked classification result.
type Candidate struct {
	Intent     string         `json:"intent"`
	Confidence float64        `json:"confidence"`
	Parameters map[string]any `json:"parameters"`
}

// Gateway is the slice of the LLM gateway the classifier needs.
type Gateway interface {
	CompleteJSON(ctx context.Context, req llm.Request, schema *llm.Schema, out any) error
}

// Catalog provides the live tool taxonomy (prompt-visible tools only).
type Catalog interface {
	Catalog(promptOnly bool) []ToolEntry
}

// ToolEntry is the minimal tool view the classifier prompts with.
type ToolEntry struct {
	Name        string
	Description string
}

var classifySchema = llm.MustCompileSchema(`{
	"type": "object",
	"properties": {
		"intents": {
			"type": "array",
			"minItems": 1,
			"maxItems": 3,
			"items": {
				"type": "object",
				"properties": {
					"intent": {"type": "string"},
					"confidence": {"type": "number", "minimum": 0, "maximum": 1},
					"parameters": {"type": "object"}
				},
				"required": ["intent", "confidence"]
			}
		}
	},
	"required": ["intents"]
}`)

// Classifier ranks user messages against the intent taxonomy.
type Classifier struct {
	gateway Gateway
	catalog Catalog
	logger  *slog.Logger
}

// NewClassifier creates a classifier. catalog may be nil when no capability
// servers are configured.
func NewClassifier(gateway Gateway, catalog Catalog, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{gateway: gateway, catalog: catalog, logger: logger}
}

// Request carries everything the classification prompt is built from.
type Request struct {
	Message string

	// RoomContext is the room the request originated in, if known.
	RoomContext string

	// KeywordHints are entity and room names from the smart-home
	// integration, refreshed out of band.
	KeywordHints []string

	// FeedbackExamples are past corrections retrieved for this message.
	FeedbackExamples []feedback.Example
}

// Classify returns 1..3 intent candidates sorted by confidence descending.
// Any failure, including malformed model output after the repair retry,
// degrades to the single fallback candidate instead of an error.
func (c *Classifier) Classify(ctx context.Context, req Request) []Candidate {
	var out struct {
		Intents []Candidate `json:"intents"`
	}
	err := c.gateway.CompleteJSON(ctx, llm.Request{
		Role: llm.RoleIntent,
		Messages: []llm.Message{
			{Role: "system", Content: c.systemPrompt(req)},
			{Role: "user", Content: req.Message},
		},
	}, classifySchema, &out)
	if err != nil {
		c.logger.Warn("intent: classification failed, using fallback", "error", err)
		return []Candidate{{Intent: FallbackIntent, Confidence: 1.0, Parameters: map[string]any{}}}
	}

	ranked := out.Intents
	for i := range ranked {
		if ranked[i].Parameters == nil {
			ranked[i].Parameters = map[string]any{}
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Confidence > ranked[j].Confidence
	})
	if len(ranked) > 3 {
		ranked = ranked[:3]
	}
	return ranked
}

// systemPrompt assembles the taxonomy, hints, and few-shots.
func (c *Classifier) systemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Classify the user message into one to three of these intents, ")
	b.WriteString("with a confidence for each and any parameters you can extract.\n\n")

	b.WriteString("Known intents:\n")
	for _, name := range c.taxonomy() {
		b.WriteString("- " + name + "\n")
	}

	if req.RoomContext != "" {
		fmt.Fprintf(&b, "\nThe request came from the room %q.\n", req.RoomContext)
	}
	if len(req.KeywordHints) > 0 {
		b.WriteString("\nKnown entity and room names: ")
		b.WriteString(strings.Join(req.KeywordHints, ", "))
		b.WriteString("\n")
	}
	if few := feedback.FormatFewShots(req.FeedbackExamples); few != "" {
		b.WriteString("\n" + few)
	}
	return b.String()
}

// taxonomy is the union of static intents and live prompt-visible tool
// names.
func (c *Classifier) taxonomy() []string {
	names := append([]string(nil), StaticIntents...)
	if c.catalog != nil {
		for _, t := range c.catalog.Catalog(true) {
			names = append(names, t.Name)
		}
	}
	return names
}
