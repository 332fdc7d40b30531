package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/renfield-ai/renfield/internal/clock"
	"github.com/renfield-ai/renfield/internal/fault"
	"github.com/renfield-ai/renfield/internal/permissions"
)

// defaultPollInterval applies to sources that do not configure one.
const defaultPollInterval = 5 * time.Minute

// PollSource is one capability-server tool the poller pulls pending events
// from. The wiring layer builds these from the server manifest.
type PollSource struct {
	// Server is the capability server's name.
	Server string

	// Tool is the fully qualified tool name (mcp.<server>.<tool>).
	Tool string

	// Interval between pulls. Zero means the default.
	Interval time.Duration
}

// ToolExecutor invokes capability-server tools. The poller calls as the
// system user, which passes every permission check.
type ToolExecutor interface {
	Execute(ctx context.Context, caller *permissions.Caller, name string, params map[string]any) (string, error)
}

// Poller periodically pulls proactive events from capability servers and
// feeds them into the notification pipeline.
type Poller struct {
	sources      []PollSource
	executor     ToolExecutor
	service      *Service
	lookahead    int
	startupDelay time.Duration
	clk          clock.Clock
	logger       *slog.Logger
}

// NewPoller creates the poller. lookahead is passed to each pull as
// lookahead_minutes.
func NewPoller(sources []PollSource, executor ToolExecutor, service *Service, lookahead int, startupDelay time.Duration, opts ...PollerOption) *Poller {
	p := &Poller{
		sources:      sources,
		executor:     executor,
		service:      service,
		lookahead:    lookahead,
		startupDelay: startupDelay,
		clk:          clock.System{},
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollerClock substitutes the poller's time source.
func WithPollerClock(clk clock.Clock) PollerOption {
	return func(p *Poller) { p.clk = clk }
}

// WithPollerLogger sets the poller's logger.
func WithPollerLogger(l *slog.Logger) PollerOption {
	return func(p *Poller) { p.logger = l }
}

// Run starts one pull loop per source and blocks until ctx is cancelled.
// The startup delay lets capability servers finish their initial
// handshake before the first pull.
func (p *Poller) Run(ctx context.Context) {
	if len(p.sources) == 0 {
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(p.startupDelay):
	}

	var wg sync.WaitGroup
	for _, src := range p.sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.pollLoop(ctx, src)
		}()
	}
	wg.Wait()
}

func (p *Poller) pollLoop(ctx context.Context, src PollSource) {
	interval := src.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := p.clk.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
		if err := p.pollOnce(ctx, src); err != nil {
			p.logger.Warn("notify: poll failed", "server", src.Server, "error", err)
		}
	}
}

// pollOnce pulls pending events from one source and ingests each. Events
// already seen are dropped by their dedup key without error.
func (p *Poller) pollOnce(ctx context.Context, src PollSource) error {
	raw, err := p.executor.Execute(ctx, nil, src.Tool, map[string]any{
		"lookahead_minutes": p.lookahead,
	})
	if err != nil {
		return err
	}

	items, err := parsePollResult(raw)
	if err != nil {
		return err
	}
	for _, item := range items {
		if _, err := p.service.Ingest(ctx, item); err != nil {
			// Duplicates are the normal case for repeated pulls.
			if fault.KindOf(err) == fault.RateLimited {
				continue
			}
			p.logger.Warn("notify: poll ingest failed",
				"server", src.Server, "event_type", item.EventType, "error", err)
		}
	}
	return nil
}

// parsePollResult accepts either a bare JSON array of ingest items or an
// object with a "notifications" array.
func parsePollResult(raw string) ([]IngestRequest, error) {
	var items []IngestRequest
	if err := json.Unmarshal([]byte(raw), &items); err == nil {
		return items, nil
	}
	var wrapper struct {
		Notifications []IngestRequest `json:"notifications"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapper); err != nil {
		return nil, fmt.Errorf("notify: parse poll result: %w", err)
	}
	return wrapper.Notifications, nil
}
