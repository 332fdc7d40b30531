// Package mcp is the capability hub: it owns the lifecycle of the external
// capability servers declared in the YAML manifest, keeps a live tool
// catalog indexed as mcp.<server>.<tool>, and executes tool calls behind
// permission checks, schema validation, per-server circuit breakers, and a
// response size cap.
//
// Each server runs its own connect/refresh goroutine so one failing server
// never blocks the rest.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/renfield-ai/renfield/internal/config"
	"github.com/renfield-ai/renfield/internal/fault"
	"github.com/renfield-ai/renfield/internal/llm"
	"github.com/renfield-ai/renfield/internal/observe"
	"github.com/renfield-ai/renfield/internal/permissions"
	"github.com/renfield-ai/renfield/internal/resilience"
)

// unhealthyAfter is the number of consecutive list-tools failures before a
// server is marked unhealthy and reconnected.
const unhealthyAfter = 3

// Reconnect backoff bounds.
const (
	backoffInitial = time.Second
	backoffMax     = 60 * time.Second
)

// ToolDescriptor is one discovered tool, addressable by its full name.
type ToolDescriptor struct {
	// Name is the full registry name, mcp.<server>.<tool>.
	Name string

	// Server is the owning capability server.
	Server string

	// RemoteName is the server-local tool name.
	RemoteName string

	Description string
	InputSchema map[string]any

	// PromptVisible is false when the server's prompt_tools subset excludes
	// this tool from the intent taxonomy.
	PromptVisible bool

	schema *jsonschema.Schema
}

// toolInfo is the transport-independent discovery record.
type toolInfo struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// session abstracts a live server connection so tests can fake it.
type session interface {
	listTools(ctx context.Context) ([]toolInfo, error)
	callTool(ctx context.Context, name string, args map[string]any) (content string, isError bool, err error)
	Close() error
}

// dialFunc opens a connection to one declared server.
type dialFunc func(ctx context.Context, srv ServerManifest) (session, error)

type serverState struct {
	manifest ServerManifest

	mu          sync.Mutex
	sess        session
	healthy     bool
	failures    int
	lastErr     error
	connectedAt time.Time
	toolCount   int
}

// ServerStatus is the admin-facing view of one server.
type ServerStatus struct {
	Name        string    `json:"name"`
	Transport   string    `json:"transport"`
	Healthy     bool      `json:"healthy"`
	ToolCount   int       `json:"tool_count"`
	ConnectedAt time.Time `json:"connected_at,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

// Registry is the capability hub. Safe for concurrent use; Start launches
// the per-server lifecycle goroutines and Close tears them down.
type Registry struct {
	cfg          config.MCPSettings
	manifest     Manifest
	breakers     *resilience.BreakerSet
	logger       *slog.Logger
	metrics      *observe.Metrics
	dial         dialFunc
	authDisabled bool

	mu      sync.RWMutex
	servers map[string]*serverState
	tools   map[string]*ToolDescriptor

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics enables tool-call and health instrumentation.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithAuthDisabled skips all permission checks (single-user deployments).
func WithAuthDisabled(disabled bool) Option {
	return func(r *Registry) { r.authDisabled = disabled }
}

// withDialer replaces the transport dialer. Test hook.
func withDialer(d dialFunc) Option {
	return func(r *Registry) { r.dial = d }
}

// NewRegistry creates a registry over the given manifest. Call Start to
// connect.
func NewRegistry(cfg config.MCPSettings, manifest Manifest, breakers *resilience.BreakerSet, opts ...Option) *Registry {
	r := &Registry{
		cfg:      cfg,
		manifest: manifest,
		breakers: breakers,
		logger:   slog.Default(),
		servers:  make(map[string]*serverState),
		tools:    make(map[string]*ToolDescriptor),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.dial == nil {
		r.dial = sdkDialer()
	}
	return r
}

// Start launches one lifecycle goroutine per enabled server and returns
// immediately; servers connect in the background with independent backoff.
func (r *Registry) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	for _, srv := range r.manifest.Servers {
		if !srv.IsEnabled() {
			r.logger.Info("mcp: server disabled", "server", srv.Name)
			continue
		}
		state := &serverState{manifest: srv}
		r.mu.Lock()
		r.servers[srv.Name] = state
		r.mu.Unlock()

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.runServer(ctx, state)
		}()
	}
}

// Close stops all lifecycle goroutines and closes the connections.
func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, state := range r.servers {
		state.mu.Lock()
		if state.sess != nil {
			_ = state.sess.Close()
			state.sess = nil
		}
		state.mu.Unlock()
	}
}

// runServer is the per-server lifecycle: connect with backoff, discover
// tools, refresh until the health strike limit trips, reconnect.
func (r *Registry) runServer(ctx context.Context, state *serverState) {
	backoff := backoffInitial
	for {
		if ctx.Err() != nil {
			return
		}

		connectCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
		sess, err := r.dial(connectCtx, state.manifest)
		if err == nil {
			err = r.adopt(connectCtx, state, sess)
			if err != nil {
				_ = sess.Close()
			}
		}
		cancel()

		if err != nil {
			state.mu.Lock()
			state.lastErr = err
			state.mu.Unlock()
			r.logger.Warn("mcp: connect failed",
				"server", state.manifest.Name, "retry_in", backoff, "error", err)
			if !sleepCtx(ctx, jitter(backoff)) {
				return
			}
			backoff = min(backoff*2, backoffMax)
			continue
		}
		backoff = backoffInitial

		r.refreshLoop(ctx, state)
		if ctx.Err() != nil {
			return
		}
	}
}

// adopt installs a fresh session: discovers tools and marks healthy.
func (r *Registry) adopt(ctx context.Context, state *serverState, sess session) error {
	tools, err := sess.listTools(ctx)
	if err != nil {
		return fmt.Errorf("mcp: list tools for %q: %w", state.manifest.Name, err)
	}

	r.installTools(state.manifest, tools)

	state.mu.Lock()
	state.sess = sess
	state.healthy = true
	state.failures = 0
	state.lastErr = nil
	state.connectedAt = time.Now()
	state.toolCount = len(tools)
	state.mu.Unlock()

	if r.metrics != nil {
		r.metrics.HealthyServers.Add(ctx, 1)
	}
	r.logger.Info("mcp: server connected",
		"server", state.manifest.Name, "tools", len(tools))
	return nil
}

// refreshLoop re-lists tools periodically. Three consecutive failures mark
// the server unhealthy and return so runServer reconnects.
func (r *Registry) refreshLoop(ctx context.Context, state *serverState) {
	interval := time.Duration(state.manifest.RefreshInterval)
	if interval <= 0 {
		interval = r.cfg.RefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		state.mu.Lock()
		sess := state.sess
		state.mu.Unlock()

		listCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
		tools, err := sess.listTools(listCtx)
		cancel()

		if err == nil {
			r.installTools(state.manifest, tools)
			state.mu.Lock()
			state.failures = 0
			state.lastErr = nil
			state.toolCount = len(tools)
			state.mu.Unlock()
			continue
		}

		state.mu.Lock()
		state.failures++
		state.lastErr = err
		strikes := state.failures
		state.mu.Unlock()
		r.logger.Warn("mcp: refresh failed",
			"server", state.manifest.Name, "strikes", strikes, "error", err)

		if strikes >= unhealthyAfter {
			r.markUnhealthy(ctx, state)
			return
		}
	}
}

// markUnhealthy drops the session. Descriptors stay registered for admin
// visibility; Catalog filters them out until the server reconnects.
func (r *Registry) markUnhealthy(ctx context.Context, state *serverState) {
	state.mu.Lock()
	wasHealthy := state.healthy
	state.healthy = false
	if state.sess != nil {
		_ = state.sess.Close()
		state.sess = nil
	}
	state.mu.Unlock()

	if wasHealthy {
		if r.metrics != nil {
			r.metrics.HealthyServers.Add(ctx, -1)
		}
		r.logger.Warn("mcp: server unhealthy", "server", state.manifest.Name)
	}
}

// installTools replaces the registry entries belonging to one server.
func (r *Registry) installTools(srv ServerManifest, tools []toolInfo) {
	promptSet := make(map[string]bool, len(srv.PromptTools))
	for _, name := range srv.PromptTools {
		promptSet[name] = true
	}

	fresh := make(map[string]*ToolDescriptor, len(tools))
	for _, t := range tools {
		full := "mcp." + srv.Name + "." + t.Name
		d := &ToolDescriptor{
			Name:          full,
			Server:        srv.Name,
			RemoteName:    t.Name,
			Description:   t.Description,
			InputSchema:   t.InputSchema,
			PromptVisible: len(promptSet) == 0 || promptSet[t.Name],
		}
		if t.InputSchema != nil {
			raw, err := json.Marshal(t.InputSchema)
			if err == nil {
				d.schema, err = llm.CompileSchema(string(raw))
			}
			if err != nil {
				r.logger.Warn("mcp: tool schema not compilable, skipping validation",
					"tool", full, "error", err)
			}
		}
		fresh[full] = d
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, d := range r.tools {
		if d.Server == srv.Name {
			delete(r.tools, name)
		}
	}
	for name, d := range fresh {
		r.tools[name] = d
	}
}

// Resolve returns the descriptor for a full tool name.
func (r *Registry) Resolve(name string) (*ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// Catalog returns the tools of healthy servers, sorted by name. With
// promptOnly set, tools excluded by a server's prompt_tools subset are
// omitted.
func (r *Registry) Catalog(promptOnly bool) []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ToolDescriptor
	for _, d := range r.tools {
		state, ok := r.servers[d.Server]
		if !ok {
			continue
		}
		state.mu.Lock()
		healthy := state.healthy
		state.mu.Unlock()
		if !healthy {
			continue
		}
		if promptOnly && !d.PromptVisible {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Status reports every declared server for the admin endpoints, including
// unhealthy ones.
func (r *Registry) Status() []ServerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ServerStatus, 0, len(r.servers))
	for _, state := range r.servers {
		state.mu.Lock()
		s := ServerStatus{
			Name:        state.manifest.Name,
			Transport:   state.manifest.Transport,
			Healthy:     state.healthy,
			ToolCount:   state.toolCount,
			ConnectedAt: state.connectedAt,
		}
		if state.lastErr != nil {
			s.LastError = state.lastErr.Error()
		}
		state.mu.Unlock()
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Refresh re-lists tools on every healthy server once, outside the periodic
// schedule. Unhealthy servers are left to their reconnect loops. Returns the
// number of servers refreshed.
func (r *Registry) Refresh(ctx context.Context) int {
	r.mu.RLock()
	states := make([]*serverState, 0, len(r.servers))
	for _, state := range r.servers {
		states = append(states, state)
	}
	r.mu.RUnlock()

	refreshed := 0
	for _, state := range states {
		state.mu.Lock()
		sess := state.sess
		healthy := state.healthy
		state.mu.Unlock()
		if !healthy || sess == nil {
			continue
		}

		listCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
		tools, err := sess.listTools(listCtx)
		cancel()
		if err != nil {
			r.logger.Warn("mcp: manual refresh failed",
				"server", state.manifest.Name, "error", err)
			continue
		}

		r.installTools(state.manifest, tools)
		state.mu.Lock()
		state.toolCount = len(tools)
		state.mu.Unlock()
		refreshed++
	}
	return refreshed
}

// NotificationSources lists the servers that declared a notifications block,
// for the poller.
func (r *Registry) NotificationSources() []ServerManifest {
	var out []ServerManifest
	for _, srv := range r.manifest.Servers {
		if srv.IsEnabled() && srv.Notifications != nil {
			out = append(out, srv)
		}
	}
	return out
}

// Execute runs one tool call: resolve, permission check, schema validation,
// breaker-wrapped invocation under the call timeout, response truncation.
func (r *Registry) Execute(ctx context.Context, caller *permissions.Caller, name string, params map[string]any) (string, error) {
	d, ok := r.Resolve(name)
	if !ok {
		r.count(ctx, "", name, "not_found")
		return "", fault.New(fault.ResourceNotFound, "mcp: tool %q not found", name)
	}

	if err := r.checkPermission(caller, d); err != nil {
		r.count(ctx, d.Server, d.RemoteName, "denied")
		return "", err
	}

	if err := validateParams(d, params); err != nil {
		r.count(ctx, d.Server, d.RemoteName, "invalid_params")
		return "", err
	}

	r.mu.RLock()
	state := r.servers[d.Server]
	r.mu.RUnlock()
	state.mu.Lock()
	sess := state.sess
	healthy := state.healthy
	state.mu.Unlock()
	if !healthy || sess == nil {
		r.count(ctx, d.Server, d.RemoteName, "unavailable")
		return "", fault.New(fault.ToolFailed, "mcp: server %q is unavailable", d.Server)
	}

	start := time.Now()
	var content string
	var isError bool
	err := r.breakers.Execute("mcp:"+d.Server, func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()
		var callErr error
		content, isError, callErr = sess.callTool(callCtx, d.RemoteName, params)
		return callErr
	})
	r.observeCall(ctx, d, time.Since(start), err, isError)

	if err != nil {
		if fault.KindOf(err) == fault.CircuitOpen {
			return "", err
		}
		if ctx.Err() != nil || fault.KindOf(err) == fault.Timeout {
			return "", fault.Wrap(fault.Timeout, err, "mcp: tool %q timed out", name)
		}
		return "", fault.Wrap(fault.ToolFailed, err, "mcp: tool %q failed", name)
	}

	content = truncate(content, r.cfg.MaxResponseSize)
	if isError {
		return content, fault.New(fault.ToolFailed, "mcp: tool %q returned an error: %s", name, content)
	}
	return content, nil
}

// checkPermission applies the manifest's permission policy for one tool.
func (r *Registry) checkPermission(caller *permissions.Caller, d *ToolDescriptor) error {
	r.mu.RLock()
	srv := r.servers[d.Server].manifest
	r.mu.RUnlock()

	if perm, ok := srv.ToolPermissions[d.RemoteName]; ok {
		return permissions.Require(caller, perm, r.authDisabled)
	}
	if len(srv.Permissions) > 0 {
		return permissions.RequireAny(caller, srv.Permissions, r.authDisabled)
	}
	return permissions.Require(caller, "mcp."+d.Server, r.authDisabled)
}

// validateParams checks the call arguments against the tool's input schema,
// when one compiled.
func validateParams(d *ToolDescriptor, params map[string]any) error {
	if d.schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fault.Wrap(fault.InputInvalid, err, "mcp: encode params for %q", d.Name)
	}
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fault.Wrap(fault.InputInvalid, err, "mcp: decode params for %q", d.Name)
	}
	if err := d.schema.Validate(v); err != nil {
		return fault.Wrap(fault.InputInvalid, err, "mcp: params for %q rejected by schema", d.Name)
	}
	return nil
}

func (r *Registry) observeCall(ctx context.Context, d *ToolDescriptor, elapsed time.Duration, err error, isError bool) {
	status := "ok"
	switch {
	case err != nil:
		status = fault.KindOf(err).Code()
	case isError:
		status = fault.ToolFailed.Code()
	}
	if r.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("server", d.Server),
		attribute.String("tool", d.RemoteName),
		attribute.String("status", status),
	)
	r.metrics.ToolCalls.Add(ctx, 1, attrs)
	r.metrics.ToolExecutionDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (r *Registry) count(ctx context.Context, server, tool, status string) {
	if r.metrics == nil {
		return
	}
	r.metrics.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("tool", tool),
		attribute.String("status", status),
	))
}

// truncate caps a response at max bytes on a rune boundary.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8StartByte(s[cut]) {
		cut--
	}
	return s[:cut]
}

func utf8StartByte(b byte) bool { return b&0xC0 != 0x80 }

// jitter spreads reconnect attempts by up to ±25%.
func jitter(d time.Duration) time.Duration {
	spread := d / 4
	if spread <= 0 {
		return d
	}
	return d - spread + rand.N(2*spread)
}

// sleepCtx waits for d or context cancellation; reports whether the wait
// completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// sdkDialer connects through the official MCP SDK.
func sdkDialer() dialFunc {
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "renfield", Version: "1.0.0"},
		nil,
	)
	return func(ctx context.Context, srv ServerManifest) (session, error) {
		var transport mcpsdk.Transport
		switch srv.Transport {
		case TransportStdio:
			parts := strings.Fields(srv.Command)
			cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
			cmd.Env = os.Environ()
			for k, v := range srv.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
			transport = &mcpsdk.CommandTransport{Command: cmd}
		case TransportHTTPStreaming:
			transport = &mcpsdk.StreamableClientTransport{Endpoint: srv.URL}
		case TransportHTTPSSE:
			transport = &mcpsdk.SSEClientTransport{Endpoint: srv.URL}
		default:
			return nil, fmt.Errorf("mcp: unknown transport %q", srv.Transport)
		}

		cs, err := client.Connect(ctx, transport, nil)
		if err != nil {
			return nil, fmt.Errorf("mcp: connect %q: %w", srv.Name, err)
		}
		return &sdkSession{cs: cs}, nil
	}
}

// sdkSession adapts an SDK client session to the internal interface.
type sdkSession struct {
	cs *mcpsdk.ClientSession
}

func (s *sdkSession) listTools(ctx context.Context) ([]toolInfo, error) {
	var out []toolInfo
	for tool, err := range s.cs.Tools(ctx, nil) {
		if err != nil {
			return nil, err
		}
		out = append(out, toolInfo{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schemaToMap(tool.InputSchema),
		})
	}
	return out, nil
}

func (s *sdkSession) callTool(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	res, err := s.cs.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return "", false, err
	}
	var b strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String(), res.IsError, nil
}

func (s *sdkSession) Close() error { return s.cs.Close() }

// schemaToMap normalizes whatever schema representation the SDK hands back
// into a plain map.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
