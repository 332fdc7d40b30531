// Package llm implements the LLM gateway: the single choke point through
// which every model call in the assistant flows. The gateway owns role →
// model resolution, per-role temperature defaults, circuit breaking,
// stream stall detection, and schema-validated JSON completions.
package llm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/renfield-ai/renfield/internal/config"
	"github.com/renfield-ai/renfield/internal/fault"
	"github.com/renfield-ai/renfield/internal/observe"
	"github.com/renfield-ai/renfield/internal/resilience"
	"github.com/renfield-ai/renfield/pkg/provider/embeddings"
	providerllm "github.com/renfield-ai/renfield/pkg/provider/llm"
	"github.com/renfield-ai/renfield/pkg/provider/llm/anyllm"
)

// Role identifies which pipeline stage a model call serves. Each role maps
// to a configured model and a temperature default.
type Role string

const (
	// RoleChat is the conversational reply role.
	RoleChat Role = "chat"

	// RoleRAG answers with retrieved knowledge in context.
	RoleRAG Role = "rag"

	// RoleIntent performs intent classification and other structured
	// extraction tasks.
	RoleIntent Role = "intent"

	// RoleRouter selects an agent role for complex requests.
	RoleRouter Role = "router"

	// RoleAgent drives the multi-step agent loop.
	RoleAgent Role = "agent"
)

// temperature returns the role's default sampling temperature.
func (r Role) temperature() float64 {
	switch r {
	case RoleRAG:
		return 0.3
	case RoleIntent, RoleRouter:
		return 0.0
	case RoleAgent:
		return 0.1
	default:
		return 0.7
	}
}

// Message, ToolCall, and ToolDefinition alias the provider types so
// downstream packages need not import pkg/provider/llm.
type (
	Message        = providerllm.Message
	ToolCall       = providerllm.ToolCall
	ToolDefinition = providerllm.ToolDefinition
)

// Request is one gateway call.
type Request struct {
	// Role selects the model and temperature default.
	Role Role

	// Messages is the full prompt, system message included.
	Messages []providerllm.Message

	// Tools offers native tool calling to the model. May be nil.
	Tools []providerllm.ToolDefinition

	// Temperature overrides the role default when non-nil.
	Temperature *float64

	// MaxTokens caps completion length. Zero means backend default.
	MaxTokens int

	// Endpoint and Model override the configured target, used by agent role
	// manifests that pin a role to a dedicated model or runtime.
	Endpoint string
	Model    string
}

// Delta is one fragment of a streaming reply. The terminal delta has Done
// set; Err is non-nil on the terminal delta when the stream failed.
type Delta struct {
	Content   string
	ToolCalls []providerllm.ToolCall
	Done      bool
	Err       error
}

// ProviderFactory builds a provider for an endpoint and model. Swapped out
// in tests.
type ProviderFactory func(endpoint, model string) (providerllm.Provider, error)

// Gateway resolves roles to providers and guards every call with a circuit
// breaker keyed "llm:<role>". Safe for concurrent use.
type Gateway struct {
	cfg      config.LLMSettings
	breakers *resilience.BreakerSet
	embedder embeddings.Provider
	logger   *slog.Logger
	metrics  *observe.Metrics
	factory  ProviderFactory

	mu        sync.Mutex
	providers map[string]providerllm.Provider
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithMetrics wires gateway instrumentation.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithProviderFactory replaces the backend constructor, for tests.
func WithProviderFactory(f ProviderFactory) Option {
	return func(g *Gateway) { g.factory = f }
}

// NewGateway constructs a Gateway. embedder may be nil when the deployment
// disables every retrieval feature; Embed calls then fail with
// LLMUnavailable.
func NewGateway(cfg config.LLMSettings, breakers *resilience.BreakerSet, embedder embeddings.Provider, opts ...Option) *Gateway {
	g := &Gateway{
		cfg:       cfg,
		breakers:  breakers,
		embedder:  embedder,
		logger:    slog.Default(),
		providers: make(map[string]providerllm.Provider),
		factory: func(endpoint, model string) (providerllm.Provider, error) {
			return anyllm.New("ollama", model, anyllmlib.WithBaseURL(endpoint))
		},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// target resolves the endpoint and model for a request.
func (g *Gateway) target(req Request) (endpoint, model string) {
	endpoint = g.cfg.OllamaURL
	switch req.Role {
	case RoleRAG:
		model = g.cfg.RAGModel
	case RoleIntent, RoleRouter:
		model = g.cfg.IntentModel
	case RoleAgent:
		model = g.cfg.AgentModel
		if g.cfg.AgentOllamaURL != "" {
			endpoint = g.cfg.AgentOllamaURL
		}
	default:
		model = g.cfg.ChatModel
	}
	if req.Endpoint != "" {
		endpoint = req.Endpoint
	}
	if req.Model != "" {
		model = req.Model
	}
	return endpoint, model
}

// provider returns the cached provider for an endpoint and model, building
// it on first use.
func (g *Gateway) provider(endpoint, model string) (providerllm.Provider, error) {
	key := endpoint + "|" + model

	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.providers[key]; ok {
		return p, nil
	}
	p, err := g.factory(endpoint, model)
	if err != nil {
		return nil, fault.Wrap(fault.LLMUnavailable, err, "llm: create provider for %s", model)
	}
	g.providers[key] = p
	return p, nil
}

// buildRequest converts a gateway request into a provider request, applying
// the role temperature default.
func buildRequest(req Request) providerllm.CompletionRequest {
	temp := req.Temperature
	if temp == nil {
		t := req.Role.temperature()
		temp = &t
	}
	return providerllm.CompletionRequest{
		Messages:    req.Messages,
		Tools:       req.Tools,
		Temperature: temp,
		MaxTokens:   req.MaxTokens,
	}
}

// Complete performs a blocking completion for the request's role.
func (g *Gateway) Complete(ctx context.Context, req Request) (*providerllm.CompletionResponse, error) {
	endpoint, model := g.target(req)
	p, err := g.provider(endpoint, model)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var resp *providerllm.CompletionResponse
	err = g.breakers.Execute("llm:"+string(req.Role), func() error {
		var callErr error
		resp, callErr = p.Complete(ctx, buildRequest(req))
		return callErr
	})
	g.record(ctx, req.Role, "complete", start, err)
	if err != nil {
		if fault.IsKind(err, fault.CircuitOpen) {
			return nil, err
		}
		return nil, fault.Wrap(fault.LLMUnavailable, err, "llm: %s completion", req.Role)
	}
	return resp, nil
}

// ChatStream starts a streaming completion. The returned channel emits
// content deltas and is terminated by exactly one delta with Done set; that
// terminal delta carries Err when the stream failed mid-flight. A stream
// that produces nothing for the configured stall timeout is aborted with a
// Timeout fault.
func (g *Gateway) ChatStream(ctx context.Context, req Request) (<-chan Delta, error) {
	endpoint, model := g.target(req)
	p, err := g.provider(endpoint, model)
	if err != nil {
		return nil, err
	}

	breaker := g.breakers.Get("llm:" + string(req.Role))
	if err := breaker.Begin(); err != nil {
		return nil, err
	}

	chunks, err := p.StreamCompletion(ctx, buildRequest(req))
	if err != nil {
		breaker.Done(err)
		return nil, fault.Wrap(fault.LLMUnavailable, err, "llm: %s stream", req.Role)
	}

	stall := g.cfg.StreamStallTimeout
	if stall <= 0 {
		stall = 30 * time.Second
	}

	out := make(chan Delta, 32)
	start := time.Now()
	go func() {
		defer close(out)

		finish := func(err error) {
			breaker.Done(err)
			g.record(ctx, req.Role, "stream", start, err)
			select {
			case out <- Delta{Done: true, Err: err}:
			case <-ctx.Done():
			}
		}

		watchdog := time.NewTimer(stall)
		defer watchdog.Stop()

		for {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					finish(nil)
					return
				}
				if chunk.FinishReason == "error" {
					finish(fault.New(fault.LLMUnavailable, "llm: %s stream: %s", req.Role, chunk.Text))
					return
				}
				if chunk.Text != "" || len(chunk.ToolCalls) > 0 {
					select {
					case out <- Delta{Content: chunk.Text, ToolCalls: chunk.ToolCalls}:
					case <-ctx.Done():
						finish(ctx.Err())
						return
					}
				}
				if chunk.FinishReason != "" {
					finish(nil)
					return
				}
				if !watchdog.Stop() {
					<-watchdog.C
				}
				watchdog.Reset(stall)

			case <-watchdog.C:
				finish(fault.New(fault.Timeout, "llm: %s stream stalled for %s", req.Role, stall))
				return

			case <-ctx.Done():
				finish(ctx.Err())
				return
			}
		}
	}()

	return out, nil
}

// Embed computes the embedding for one text through the "llm:embed"
// breaker.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := g.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch computes embeddings for several texts in one call.
func (g *Gateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if g.embedder == nil {
		return nil, fault.New(fault.LLMUnavailable, "llm: no embedding provider configured")
	}
	start := time.Now()
	var vecs [][]float32
	err := g.breakers.Execute("llm:embed", func() error {
		var callErr error
		vecs, callErr = g.embedder.EmbedBatch(ctx, texts)
		return callErr
	})
	g.record(ctx, "embed", "embed", start, err)
	if err != nil {
		if fault.IsKind(err, fault.CircuitOpen) {
			return nil, err
		}
		return nil, fault.Wrap(fault.LLMUnavailable, err, "llm: embed")
	}
	return vecs, nil
}

// EmbeddingDimensions reports the configured embedding width, or zero when
// no embedder is wired.
func (g *Gateway) EmbeddingDimensions() int {
	if g.embedder == nil {
		return 0
	}
	return g.embedder.Dimensions()
}

// record emits call latency when metrics are wired.
func (g *Gateway) record(ctx context.Context, role Role, kind string, start time.Time, err error) {
	if g.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = fault.KindOf(err).Code()
	}
	g.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(
			attribute.String("role", string(role)),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}
