// Command renfield runs the Renfield assistant server: request
// orchestration, capability-server fan-out, retrieval, memory,
// notifications, and the HTTP/WebSocket transport.
//
// Exit codes: 0 clean shutdown, 1 configuration error, 2 transient startup
// failure (retry may succeed), 3 permanent startup failure.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/renfield-ai/renfield/internal/agent"
	"github.com/renfield-ai/renfield/internal/clock"
	"github.com/renfield-ai/renfield/internal/config"
	"github.com/renfield-ai/renfield/internal/device"
	"github.com/renfield-ai/renfield/internal/feedback"
	"github.com/renfield-ai/renfield/internal/health"
	"github.com/renfield-ai/renfield/internal/intent"
	"github.com/renfield-ai/renfield/internal/knowledge"
	"github.com/renfield-ai/renfield/internal/llm"
	"github.com/renfield-ai/renfield/internal/mcp"
	"github.com/renfield-ai/renfield/internal/memory"
	"github.com/renfield-ai/renfield/internal/notify"
	"github.com/renfield-ai/renfield/internal/observe"
	"github.com/renfield-ai/renfield/internal/orchestrator"
	"github.com/renfield-ai/renfield/internal/output"
	"github.com/renfield-ai/renfield/internal/resilience"
	"github.com/renfield-ai/renfield/internal/server"
	"github.com/renfield-ai/renfield/internal/session"
	"github.com/renfield-ai/renfield/internal/store"
	"github.com/renfield-ai/renfield/pkg/provider/embeddings/ollama"
	"github.com/renfield-ai/renfield/pkg/provider/stt/speakerid"
	"github.com/renfield-ai/renfield/pkg/provider/stt/whisper"
	"github.com/renfield-ai/renfield/pkg/provider/tts/openaispeech"
)

// Exit codes.
const (
	exitOK        = 0
	exitConfig    = 1
	exitTransient = 2
	exitPermanent = 3
)

// sweepInterval drives the expired-notification cleanup.
const sweepInterval = time.Hour

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Loader{}.Load()
	if err != nil {
		slog.Error("configuration invalid", "error", err)
		return exitConfig
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Observability first; everything downstream takes the metrics handle.
	var metrics *observe.Metrics
	if cfg.MetricsEnabled {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "renfield"})
		if err != nil {
			logger.Error("metrics provider init failed", "error", err)
			return exitPermanent
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics shutdown failed", "error", err)
			}
		}()
		metrics, err = observe.NewMetrics(otel.GetMeterProvider())
		if err != nil {
			logger.Error("metric instruments init failed", "error", err)
			return exitPermanent
		}
	}

	db, err := store.New(ctx, cfg.Postgres.DSN(), cfg.EmbeddingDimension)
	if err != nil {
		logger.Error("datastore init failed", "error", err)
		return exitTransient
	}
	defer db.Close()
	pool := db.Pool()

	breakers := resilience.NewSet(breakerDefaults(cfg.Breaker))

	embedder, err := ollama.New(cfg.LLM.OllamaURL, cfg.LLM.EmbedModel, cfg.EmbeddingDimension)
	if err != nil {
		logger.Error("embeddings provider init failed", "error", err)
		return exitConfig
	}
	gateway := llm.NewGateway(cfg.LLM, breakers, embedder,
		llm.WithLogger(logger), llm.WithMetrics(metrics))

	// Capability hub. A disabled MCP subsystem keeps an empty registry so
	// every consumer stays wired.
	manifest := mcp.Manifest{}
	if cfg.MCP.Enabled {
		manifest, err = mcp.LoadManifest(cfg.MCP.ConfigPath)
		if err != nil {
			logger.Error("capability-server manifest invalid",
				"path", cfg.MCP.ConfigPath, "error", err)
			return exitConfig
		}
	}
	registry := mcp.NewRegistry(cfg.MCP, manifest, breakers,
		mcp.WithLogger(logger), mcp.WithMetrics(metrics))
	if cfg.MCP.Enabled {
		registry.Start(ctx)
		defer registry.Close()
	}

	catalog := server.NewToolCatalog(registry.Catalog)
	classifier := intent.NewClassifier(gateway, catalog, logger)

	var agentRouter *agent.Router
	var agentLoop *agent.Loop
	if cfg.Agent.Enabled {
		roles, err := agent.LoadRoles(cfg.Agent.RolesPath)
		if err != nil {
			logger.Error("agent role manifest invalid",
				"path", cfg.Agent.RolesPath, "error", err)
			return exitConfig
		}
		agentRouter = agent.NewRouter(gateway, roles, cfg.Agent, logger)
		agentLoop = agent.NewLoop(gateway, registry, cfg.Agent, logger)
	}

	memories := memory.NewStore(pool, gateway, cfg.Memory, memory.WithLogger(logger))
	retriever := knowledge.NewRetriever(pool, gateway, cfg.RAG, logger)
	feedbackStore := feedback.NewStore(pool, gateway, logger)

	devices := device.NewRegistry(
		device.Config{HeartbeatTimeout: cfg.WS.HeartbeatTimeout},
		device.WithLogger(logger), device.WithMetrics(metrics))
	rooms := device.NewRooms(pool)
	audioRouter := output.NewRouter(devices, rooms, nil, nil, output.WithLogger(logger))

	// External voice collaborators.
	sttProvider, err := whisper.New(cfg.Voice.STTURL, whisper.WithTimeout(cfg.Voice.STTTimeout))
	if err != nil {
		logger.Error("stt provider init failed", "error", err)
		return exitConfig
	}
	ttsProvider, err := openaispeech.New(cfg.Voice.TTSURL, "tts-1",
		openaispeech.WithTimeout(cfg.Voice.TTSTimeout))
	if err != nil {
		logger.Error("tts provider init failed", "error", err)
		return exitConfig
	}
	speech := server.NewSpeechCache(ttsProvider, "http://"+cfg.ListenAddr)

	var speakerIdent orchestrator.SpeakerID
	if cfg.Voice.SpeakerIDEnabled {
		ident, err := speakerid.New(cfg.Voice.STTURL, speakerid.WithTimeout(cfg.Voice.STTTimeout))
		if err != nil {
			logger.Error("speaker identification init failed", "error", err)
			return exitConfig
		}
		speakerIdent = ident
	}

	// Notifications.
	notifyOpts := []notify.Option{
		notify.WithLogger(logger),
		notify.WithSpeech(speech, audioRouter),
	}
	if metrics != nil {
		notifyOpts = append(notifyOpts, notify.WithMetrics(notifyCounter{metrics}))
	}
	notifier := notify.NewService(cfg.Notify, pool, gateway, roomFanout{devices}, notifyOpts...)
	reminders := notify.NewReminders(pool, clock.System{})
	scheduler := notify.NewScheduler(reminders, notifier, cfg.Notify.ReminderCheckInterval, nil,
		notify.WithSchedulerLogger(logger))
	go scheduler.Run(ctx)
	go notifier.RunSweeper(ctx, sweepInterval)

	if cfg.Notify.PollerEnabled {
		var sources []notify.PollSource
		for _, srv := range registry.NotificationSources() {
			sources = append(sources, notify.PollSource{
				Server:   srv.Name,
				Tool:     "mcp." + srv.Name + "." + srv.Notifications.ToolName,
				Interval: time.Duration(srv.Notifications.PollInterval),
			})
		}
		poller := notify.NewPoller(sources, registry, notifier,
			cfg.Notify.ReminderLookaheadMinute, cfg.Notify.PollerStartupDelay,
			notify.WithPollerLogger(logger))
		go poller.Run(ctx)
	}

	sessions := session.NewManager(cfg.WS.MaxAudioBufferBytes, clock.System{})
	conversations := session.NewConversations(pool)

	orch := orchestrator.New(*cfg, orchestrator.Deps{
		Conversations: conversations,
		Memories:      memories,
		Knowledge:     retriever,
		Feedback:      feedbackStore,
		Classifier:    classifier,
		Router:        routerOrNil(agentRouter),
		Loop:          loopOrNil(agentLoop),
		Tools:         registry,
		Gateway:       gateway,
		STT:           server.NewTranscriber(sttProvider),
		SpeakerID:     speakerIdent,
		Speech:        speech,
		Audio:         audioRouter,
		Reminders:     reminders,
		Notifications: notifier,
		Logger:        logger,
		Metrics:       metrics,
	})

	checks := []health.Checker{
		{Name: "database", Check: func(ctx context.Context) error { return pool.Ping(ctx) }},
	}
	if cfg.MCP.Enabled && len(manifest.Servers) > 0 {
		checks = append(checks, health.Checker{Name: "mcp", Check: func(context.Context) error {
			for _, st := range registry.Status() {
				if st.Healthy {
					return nil
				}
			}
			return errors.New("no healthy capability server")
		}})
	}
	srv := server.New(*cfg, server.Deps{
		Orchestrator:  orch,
		Sessions:      sessions,
		Devices:       devices,
		Notifications: notifier,
		Reminders:     reminders,
		Tools:         registry,
		STT:           sttProvider,
		Speech:        speech,
		Health:        health.New(checks...),
		Metrics:       metrics,
		MetricsHTTP:   promhttp.Handler(),
		Logger:        logger,
	})

	if err := srv.Run(ctx); err != nil {
		logger.Error("server failed", "error", err)
		return exitTransient
	}
	logger.Info("shut down cleanly")
	return exitOK
}

func newLogger(level config.LogLevel) *slog.Logger {
	var l slog.Level
	switch level {
	case config.LogDebug:
		l = slog.LevelDebug
	case config.LogWarn:
		l = slog.LevelWarn
	case config.LogError:
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// breakerDefaults applies the configured per-subsystem recovery timeouts by
// key prefix.
func breakerDefaults(cfg config.BreakerSettings) func(key string) resilience.Config {
	return func(key string) resilience.Config {
		c := resilience.Config{FailureThreshold: cfg.FailureThreshold}
		switch {
		case key == "llm:agent":
			c.RecoveryTimeout = cfg.AgentRecoveryTimeout
		case len(key) > 4 && key[:4] == "llm:":
			c.RecoveryTimeout = cfg.LLMRecoveryTimeout
		case len(key) > 4 && key[:4] == "mcp:":
			c.RecoveryTimeout = cfg.MCPRecoveryTimeout
		}
		return c
	}
}

// routerOrNil keeps a nil *agent.Router out of the orchestrator's
// interface fields.
func routerOrNil(r *agent.Router) orchestrator.Router {
	if r == nil {
		return nil
	}
	return r
}

func loopOrNil(l *agent.Loop) orchestrator.Loop {
	if l == nil {
		return nil
	}
	return l
}

// roomFanout adapts the device registry to the notification service's
// broadcast shape.
type roomFanout struct {
	devices *device.Registry
}

func (f roomFanout) Broadcast(ctx context.Context, room string, envelope any) int {
	return f.devices.BroadcastToRoom(ctx, room, nil, envelope)
}

// notifyCounter adapts the OTel notification counter to the service's
// metrics sink.
type notifyCounter struct {
	m *observe.Metrics
}

func (c notifyCounter) CountNotification(ctx context.Context, outcome string) {
	c.m.Notifications.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}
