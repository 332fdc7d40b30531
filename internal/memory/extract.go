package memory

import (
	"context"
	"fmt"

	"github.com/renfield-ai/renfield/internal/llm"
)

// extractSchema constrains the extraction pass output.
var extractSchema = llm.MustCompileSchema(`{
	"type": "object",
	"properties": {
		"memories": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"content": {"type": "string"},
					"category": {"type": "string", "enum": ["fact", "preference", "context"]},
					"importance": {"type": "number", "minimum": 0, "maximum": 1}
				},
				"required": ["content", "category"]
			}
		}
	},
	"required": ["memories"]
}`)

type extractedMemory struct {
	Content    string  `json:"content"`
	Category   string  `json:"category"`
	Importance float64 `json:"importance"`
}

const extractPrompt = `Extract durable memories about the user from this exchange.
Only extract what is worth remembering across conversations: stable facts,
stated preferences, and short-lived context (appointments, ongoing tasks).
Ignore small talk, the assistant's own statements, and anything already
implied by the request itself. An empty list is the common case.`

// ExtractFromTurn runs the post-turn extraction pass: the intent model
// pulls durable facts, preferences, and context out of one exchange, and
// each result is stored through [Store.Insert] (so dedup and contradiction
// handling apply). Returns the memories that were actually stored.
//
// Meant to run in the background after a turn completes; the caller owns
// the context deadline.
func (s *Store) ExtractFromTurn(ctx context.Context, userID, userText, assistantText string) ([]Memory, error) {
	if !s.cfg.ExtractionEnabled {
		return nil, nil
	}

	var out struct {
		Memories []extractedMemory `json:"memories"`
	}
	err := s.gateway.CompleteJSON(ctx, llm.Request{
		Role: llm.RoleIntent,
		Messages: []llm.Message{
			{Role: "system", Content: extractPrompt},
			{Role: "user", Content: fmt.Sprintf("User: %s\nAssistant: %s", userText, assistantText)},
		},
	}, extractSchema, &out)
	if err != nil {
		return nil, err
	}

	var stored []Memory
	for _, em := range out.Memories {
		if em.Content == "" {
			continue
		}
		m, err := s.Insert(ctx, userID, em.Content, em.Category, em.Importance)
		if err != nil {
			s.logger.Warn("memory: extraction insert failed",
				"user_id", userID, "error", err)
			continue
		}
		if m != nil {
			stored = append(stored, *m)
		}
	}
	return stored, nil
}
