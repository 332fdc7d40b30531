// Package server is the HTTP and WebSocket transport: the REST surface,
// the three WebSocket endpoints (chat, device, satellite), per-bucket rate
// limiting, and the fault-to-HTTP error mapping. It owns no domain logic;
// every request is translated into a call on a collaborator and the result
// translated back onto the wire.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/renfield-ai/renfield/internal/config"
	"github.com/renfield-ai/renfield/internal/device"
	"github.com/renfield-ai/renfield/internal/health"
	"github.com/renfield-ai/renfield/internal/mcp"
	"github.com/renfield-ai/renfield/internal/notify"
	"github.com/renfield-ai/renfield/internal/observe"
	"github.com/renfield-ai/renfield/internal/orchestrator"
	"github.com/renfield-ai/renfield/internal/session"
	"github.com/renfield-ai/renfield/pkg/provider/stt"
)

// shutdownGrace is how long in-flight requests get on shutdown.
const shutdownGrace = 10 * time.Second

// defaultUserID identifies callers on deployments running without
// authentication.
const defaultUserID = "default"

// TurnRunner processes one conversation turn.
type TurnRunner interface {
	RunTurn(ctx context.Context, sink orchestrator.Sink, turn orchestrator.Turn) error
}

// Notifier is the notification service surface the REST handlers use.
type Notifier interface {
	Ingest(ctx context.Context, req notify.IngestRequest) (*notify.Notification, error)
	List(ctx context.Context, limit int) ([]notify.Notification, error)
	Acknowledge(ctx context.Context, id string) error
	Dismiss(ctx context.Context, id string) error
	VerifyWebhookToken(ctx context.Context, presented string) error
	RotateWebhookToken(ctx context.Context) (string, error)
}

// ReminderStore is the reminder surface the REST handlers use.
type ReminderStore interface {
	Create(ctx context.Context, userID, title, body string, at time.Time) (*notify.Reminder, error)
	List(ctx context.Context, userID string) ([]notify.Reminder, error)
	Cancel(ctx context.Context, id string) error
}

// ToolAdmin is the capability-hub admin surface.
type ToolAdmin interface {
	Status() []mcp.ServerStatus
	Catalog(promptOnly bool) []mcp.ToolDescriptor
	Refresh(ctx context.Context) int
}

// Deps bundles the server's collaborators. Health and Metrics handlers may
// be nil; the corresponding routes are then not mounted.
type Deps struct {
	Orchestrator  TurnRunner
	Sessions      *session.Manager
	Devices       *device.Registry
	Notifications Notifier
	Reminders     ReminderStore
	Tools         ToolAdmin
	STT           stt.Provider
	Speech        *SpeechCache
	Health        *health.Handler
	Metrics       *observe.Metrics
	MetricsHTTP   http.Handler
	Logger        *slog.Logger
}

// Server is the transport layer.
type Server struct {
	cfg     config.Settings
	deps    Deps
	limiter *limiter
	logger  *slog.Logger
}

// New creates the server.
func New(cfg config.Settings, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	perMinute := map[string]int{
		bucketDefault: cfg.API.RateLimitDefault,
		bucketAuth:    cfg.API.RateLimitAuth,
		bucketVoice:   cfg.API.RateLimitVoice,
		bucketChat:    cfg.API.RateLimitChat,
		bucketAdmin:   cfg.API.RateLimitAdmin,
	}
	return &Server{
		cfg:     cfg,
		deps:    deps,
		limiter: newLimiter(perMinute, cfg.WS.MaxConnectionsPerIP, cfg.TrustedProxies),
		logger:  logger,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", s.handleChatSocket)
	mux.HandleFunc("GET /ws/device", s.handleDeviceSocket)
	mux.HandleFunc("GET /ws/satellite", s.handleSatelliteSocket)

	mux.HandleFunc("POST /api/chat/send", s.limit(bucketChat, s.handleChatSend))

	mux.HandleFunc("POST /api/voice/stt", s.limit(bucketVoice, s.handleSTT))
	mux.HandleFunc("POST /api/voice/tts", s.limit(bucketVoice, s.handleTTS))
	mux.HandleFunc("GET /api/voice/tts-cache/{id}", s.limit(bucketVoice, s.handleTTSCache))

	mux.HandleFunc("GET /api/notifications", s.limit(bucketDefault, s.handleNotificationList))
	mux.HandleFunc("PATCH /api/notifications/{id}/acknowledge", s.limit(bucketDefault, s.handleNotificationAck))
	mux.HandleFunc("DELETE /api/notifications/{id}", s.limit(bucketDefault, s.handleNotificationDismiss))
	mux.HandleFunc("POST /api/notifications/webhook", s.limit(bucketDefault, s.handleWebhook))
	mux.HandleFunc("POST /api/notifications/token", s.limit(bucketAdmin, s.admin(s.handleTokenRotate)))

	mux.HandleFunc("POST /api/notifications/reminders", s.limit(bucketDefault, s.handleReminderCreate))
	mux.HandleFunc("GET /api/notifications/reminders", s.limit(bucketDefault, s.handleReminderList))
	mux.HandleFunc("DELETE /api/notifications/reminders/{id}", s.limit(bucketDefault, s.handleReminderCancel))

	mux.HandleFunc("GET /api/mcp/status", s.limit(bucketAdmin, s.handleMCPStatus))
	mux.HandleFunc("GET /api/mcp/tools", s.limit(bucketAdmin, s.handleMCPTools))
	mux.HandleFunc("POST /api/mcp/refresh", s.limit(bucketAdmin, s.admin(s.handleMCPRefresh)))

	mux.HandleFunc("GET /api/devices", s.limit(bucketAdmin, s.handleDeviceList))

	if s.deps.Health != nil {
		s.deps.Health.Register(mux)
	}
	if s.cfg.MetricsEnabled && s.deps.MetricsHTTP != nil {
		mux.Handle("GET /metrics", s.deps.MetricsHTTP)
	}

	var handler http.Handler = mux
	if s.deps.Metrics != nil {
		handler = s.deps.Metrics.Middleware(handler)
	}
	return handler
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("server: listening", "addr", s.cfg.ListenAddr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// limit wraps a handler with the bucket's per-IP token bucket.
func (s *Server) limit(bucket string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(bucket, s.limiter.clientIP(r)) {
			writeError(w, errRateLimited)
			return
		}
		next(w, r)
	}
}

// admin gates a handler on the deployment secret. Deployments without one
// run open; the operator chose no authentication.
func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.SecretKey != "" && !secretEqual(bearerToken(r), s.cfg.SecretKey) {
			writeError(w, errAdminAuth)
			return
		}
		next(w, r)
	}
}
