package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/renfield-ai/renfield/internal/fault"
	providerllm "github.com/renfield-ai/renfield/pkg/provider/llm"
)

// Schema is the compiled JSON Schema type accepted by
// [Gateway.CompleteJSON], aliased so call sites need not import the schema
// library.
type Schema = jsonschema.Schema

// jsonInstruction is appended to the system prompt of every JSON-mode call.
const jsonInstruction = "Respond with a single JSON object only. No prose, no markdown fences, no explanation."

// CompileSchema compiles a JSON Schema document for use with
// [Gateway.CompleteJSON]. Call once at startup and reuse the result.
func CompileSchema(raw string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fault.Wrap(fault.InternalError, err, "llm: parse schema")
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fault.Wrap(fault.InternalError, err, "llm: add schema resource")
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fault.Wrap(fault.InternalError, err, "llm: compile schema")
	}
	return schema, nil
}

// MustCompileSchema is [CompileSchema] for static schemas; it panics on
// error.
func MustCompileSchema(raw string) *jsonschema.Schema {
	s, err := CompileSchema(raw)
	if err != nil {
		panic(err)
	}
	return s
}

// CompleteJSON performs a completion that must yield a JSON object matching
// schema, then unmarshals it into out. Recovery runs in order: strict parse,
// mechanical repair (jsonrepair), then one full retry with the parse error
// fed back to the model. A second malformed reply fails with
// LLMMalformedOutput.
//
// schema may be nil to skip validation.
func (g *Gateway) CompleteJSON(ctx context.Context, req Request, schema *jsonschema.Schema, out any) error {
	req = withJSONInstruction(req)

	resp, err := g.Complete(ctx, req)
	if err != nil {
		return err
	}

	parseErr := decodeValidated(resp.Content, schema, out)
	if parseErr == nil {
		return nil
	}

	g.logger.Warn("malformed JSON output, retrying once",
		"role", req.Role,
		"error", parseErr)

	retry := req
	retry.Messages = append(append([]providerllm.Message{}, req.Messages...),
		providerllm.Message{Role: "assistant", Content: resp.Content},
		providerllm.Message{
			Role:    "user",
			Content: "Your previous reply was not valid: " + parseErr.Error() + ". Reply again with only the corrected JSON object.",
		},
	)

	resp, err = g.Complete(ctx, retry)
	if err != nil {
		return err
	}
	if parseErr = decodeValidated(resp.Content, schema, out); parseErr != nil {
		return fault.Wrap(fault.LLMMalformedOutput, parseErr, "llm: %s produced malformed JSON after retry", req.Role)
	}
	return nil
}

// withJSONInstruction appends the JSON-only instruction to the system
// message, adding one when the prompt has none.
func withJSONInstruction(req Request) Request {
	msgs := append([]providerllm.Message{}, req.Messages...)
	for i := range msgs {
		if msgs[i].Role == "system" {
			msgs[i].Content = msgs[i].Content + "\n\n" + jsonInstruction
			req.Messages = msgs
			return req
		}
	}
	req.Messages = append([]providerllm.Message{{Role: "system", Content: jsonInstruction}}, msgs...)
	return req
}

// decodeValidated extracts a JSON object from raw model output, validates
// it against schema, and unmarshals into out.
func decodeValidated(content string, schema *jsonschema.Schema, out any) error {
	candidate := extractJSON(content)

	var doc any
	if err := json.Unmarshal([]byte(candidate), &doc); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(candidate)
		if repairErr != nil {
			return err
		}
		if err := json.Unmarshal([]byte(repaired), &doc); err != nil {
			return err
		}
		candidate = repaired
	}

	if schema != nil {
		// Re-decode through the schema library for exact number semantics.
		v, err := jsonschema.UnmarshalJSON(strings.NewReader(candidate))
		if err != nil {
			return err
		}
		if err := schema.Validate(v); err != nil {
			return err
		}
	}

	return json.Unmarshal([]byte(candidate), out)
}

// extractJSON strips markdown fences and leading/trailing prose around the
// outermost JSON object or array. Local models wrap JSON in fences often
// enough that this runs before strict parsing.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}

	start := bytes.IndexAny([]byte(s), "{[")
	if start < 0 {
		return s
	}
	var end int
	if s[start] == '{' {
		end = strings.LastIndexByte(s, '}')
	} else {
		end = strings.LastIndexByte(s, ']')
	}
	if end <= start {
		return s
	}
	return s[start : end+1]
}
