// Package notify implements the proactive notification pipeline: webhook
// and internal ingest with duplicate suppression, urgency classification,
// LLM enrichment, user suppression rules, and fan-out to connected devices
// with optional spoken delivery. The poller and reminder scheduler feed
// the same ingest path.
package notify

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/renfield-ai/renfield/internal/clock"
	"github.com/renfield-ai/renfield/internal/config"
	"github.com/renfield-ai/renfield/internal/fault"
	"github.com/renfield-ai/renfield/internal/llm"
	"github.com/renfield-ai/renfield/internal/output"
)

// Urgency levels.
const (
	UrgencyCritical = "critical"
	UrgencyInfo     = "info"
	UrgencyLow      = "low"
	UrgencyAuto     = "auto"
)

// Notification statuses.
const (
	StatusPending      = "pending"
	StatusDelivered    = "delivered"
	StatusAcknowledged = "acknowledged"
	StatusDismissed    = "dismissed"
)

// webhookTokenKey is the system_settings row holding the webhook bearer
// token.
const webhookTokenKey = "notification_webhook_token"

// Notification is one persisted proactive event.
type Notification struct {
	ID        string         `json:"id"`
	EventType string         `json:"event_type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Urgency   string         `json:"urgency"`
	Room      string         `json:"room,omitempty"`
	Status    string         `json:"status"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// IngestRequest are the parameters of one ingest call, shaped like the
// webhook payload.
type IngestRequest struct {
	EventType string         `json:"event_type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Urgency   string         `json:"urgency"`
	Room      string         `json:"room,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	TTS       *bool          `json:"tts,omitempty"`
	Enrich    bool           `json:"enrich,omitempty"`
	DedupKey  string         `json:"dedup_key,omitempty"`
}

// Gateway is the LLM surface the service uses for urgency classification
// and message enrichment.
type Gateway interface {
	CompleteJSON(ctx context.Context, req llm.Request, schema *llm.Schema, out any) error
	ChatStream(ctx context.Context, req llm.Request) (<-chan llm.Delta, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Speech synthesizes a spoken rendition of a notification.
type Speech interface {
	Synthesize(ctx context.Context, text string) (output.Playable, error)
}

// AudioRouter plays synthesized audio in a room.
type AudioRouter interface {
	Route(ctx context.Context, room, originDevice string, p output.Playable) (*output.Emission, error)
}

var urgencySchema = llm.MustCompileSchema(`{
	"type": "object",
	"properties": {
		"urgency": {"type": "string", "enum": ["critical", "info", "low"]}
	},
	"required": ["urgency"]
}`)

// Service runs the notification pipeline.
type Service struct {
	cfg     config.NotifySettings
	pool    *pgxpool.Pool
	gateway Gateway
	devices deviceFanout
	speech  Speech
	router  AudioRouter
	clk     clock.Clock
	logger  *slog.Logger
	metrics metricsSink
}

// deviceFanout is the concrete broadcast shape of the device registry.
// Declared locally so the service depends on behavior, not the registry
// type.
type deviceFanout interface {
	Broadcast(ctx context.Context, room string, envelope any) int
}

// metricsSink decouples the service from the observe package in tests.
type metricsSink interface {
	CountNotification(ctx context.Context, outcome string)
}

// Option configures a Service.
type Option func(*Service)

// WithClock substitutes the time source.
func WithClock(clk clock.Clock) Option {
	return func(s *Service) { s.clk = clk }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithSpeech wires the TTS collaborator and audio router for spoken
// delivery. Without it, tts resolves to unhandled.
func WithSpeech(speech Speech, router AudioRouter) Option {
	return func(s *Service) {
		s.speech = speech
		s.router = router
	}
}

// WithMetrics wires the notification outcome counter.
func WithMetrics(m metricsSink) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates the notification service. devices may be nil when no
// transport layer exists (tests, CLI tools); deliveries then count zero
// recipients.
func NewService(cfg config.NotifySettings, pool *pgxpool.Pool, gateway Gateway, devices deviceFanout, opts ...Option) *Service {
	s := &Service{
		cfg:     cfg,
		pool:    pool,
		gateway: gateway,
		devices: devices,
		clk:     clock.System{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest runs the full pipeline for one event. Returns the persisted
// notification, or nil with a nil error when a suppression rule dropped
// the event silently. Duplicates inside the suppression window return
// [fault.RateLimited].
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (*Notification, error) {
	if req.EventType == "" || req.Message == "" {
		return nil, fault.New(fault.InputInvalid, "notify: event_type and message are required")
	}

	fingerprint := req.DedupKey
	if fingerprint == "" {
		sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%s", req.EventType, req.Title, req.Message, req.Room))
		fingerprint = hex.EncodeToString(sum[:])
	}

	dup, err := s.recentFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if dup {
		s.count(ctx, "suppressed_duplicate")
		return nil, fault.New(fault.RateLimited, "notify: duplicate of a notification ingested within the last %s", s.cfg.SuppressionWindow)
	}

	var embedding []float32
	if s.cfg.SemanticDedupEnabled {
		embedding, err = s.gateway.Embed(ctx, strings.TrimSpace(req.Title+" "+req.Message))
		if err != nil {
			// Dedup degrades to fingerprint-only when the embedder is down.
			s.logger.Warn("notify: embedding failed, skipping semantic dedup", "error", err)
			embedding = nil
		}
	}
	if embedding != nil {
		similar, err := s.semanticDuplicate(ctx, req.Room, embedding)
		if err != nil {
			return nil, err
		}
		if similar {
			s.count(ctx, "suppressed_semantic")
			return nil, fault.New(fault.RateLimited, "notify: semantically duplicate notification for room %q", req.Room)
		}

		muted, err := s.matchesSuppressionRule(ctx, embedding)
		if err != nil {
			return nil, err
		}
		if muted {
			s.count(ctx, "suppressed_rule")
			s.logger.Debug("notify: dropped by suppression rule", "event_type", req.EventType)
			return nil, nil
		}
	}

	urgency := req.Urgency
	if urgency == "" {
		urgency = UrgencyInfo
	}
	if urgency == UrgencyAuto {
		urgency = s.classifyUrgency(ctx, req)
	}

	message := req.Message
	if req.Enrich && s.cfg.EnrichmentEnabled {
		message = s.enrich(ctx, req)
	}

	now := s.clk.Now()
	n := &Notification{
		ID:        uuid.NewString(),
		EventType: req.EventType,
		Title:     req.Title,
		Message:   message,
		Urgency:   urgency,
		Room:      req.Room,
		Status:    StatusPending,
		Data:      req.Data,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.TTL),
	}
	if err := s.insert(ctx, n, fingerprint, embedding); err != nil {
		return nil, err
	}

	s.deliver(ctx, n, req.TTS)
	s.count(ctx, "delivered")
	return n, nil
}

// deliver fans the notification out and advances its status. Delivery
// failures leave the row pending for clients to pick up on reconnect.
func (s *Service) deliver(ctx context.Context, n *Notification, tts *bool) {
	wantTTS := s.cfg.TTSDefault
	if tts != nil {
		wantTTS = *tts
	}
	ttsHandled := false
	if wantTTS && s.speech != nil && s.router != nil && n.Room != "" {
		ttsHandled = s.speak(ctx, n)
	}

	if s.devices != nil {
		s.devices.Broadcast(ctx, n.Room, map[string]any{
			"type":        "notification",
			"id":          n.ID,
			"title":       n.Title,
			"message":     n.Message,
			"urgency":     n.Urgency,
			"room":        n.Room,
			"tts_handled": ttsHandled,
		})
	}

	if _, err := s.pool.Exec(ctx, `
		UPDATE notifications SET status = $2, delivered_at = now()
		WHERE id = $1 AND status = $3`,
		n.ID, StatusDelivered, StatusPending); err != nil {
		s.logger.Warn("notify: mark delivered", "id", n.ID, "error", err)
		return
	}
	n.Status = StatusDelivered
}

func (s *Service) speak(ctx context.Context, n *Notification) bool {
	text := n.Message
	if n.Title != "" {
		text = n.Title + ". " + n.Message
	}
	playable, err := s.speech.Synthesize(ctx, text)
	if err != nil {
		s.logger.Warn("notify: tts failed", "id", n.ID, "error", err)
		return false
	}
	emission, err := s.router.Route(ctx, n.Room, "", playable)
	if err != nil || emission == nil {
		if err != nil {
			s.logger.Warn("notify: audio routing failed", "id", n.ID, "error", err)
		}
		return false
	}
	return true
}

func (s *Service) recentFingerprint(ctx context.Context, fingerprint string) (bool, error) {
	var dup bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM notifications
			WHERE fingerprint = $1 AND created_at > $2
		)`,
		fingerprint, s.clk.Now().Add(-s.cfg.SuppressionWindow)).Scan(&dup)
	if err != nil {
		return false, fmt.Errorf("notify: fingerprint check: %w", err)
	}
	return dup, nil
}

func (s *Service) semanticDuplicate(ctx context.Context, room string, embedding []float32) (bool, error) {
	var dup bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM notifications
			WHERE room_name = $1
			  AND expires_at > now()
			  AND embedding IS NOT NULL
			  AND 1 - (embedding <=> $2) >= $3
		)`,
		room, pgvector.NewVector(embedding), s.cfg.SemanticDedupThreshold).Scan(&dup)
	if err != nil {
		return false, fmt.Errorf("notify: semantic dedup: %w", err)
	}
	return dup, nil
}

func (s *Service) matchesSuppressionRule(ctx context.Context, embedding []float32) (bool, error) {
	var muted bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM suppression_rules
			WHERE active AND 1 - (embedding <=> $1) >= threshold
		)`,
		pgvector.NewVector(embedding)).Scan(&muted)
	if err != nil {
		return false, fmt.Errorf("notify: suppression rules: %w", err)
	}
	return muted, nil
}

// classifyUrgency asks the intent model to grade the event. Any failure
// falls back to info; a notification must never be lost to a flaky model.
func (s *Service) classifyUrgency(ctx context.Context, req IngestRequest) string {
	if !s.cfg.UrgencyAutoEnabled {
		return UrgencyInfo
	}
	var out struct {
		Urgency string `json:"urgency"`
	}
	err := s.gateway.CompleteJSON(ctx, llm.Request{
		Role: llm.RoleIntent,
		Messages: []llm.Message{
			{Role: "system", Content: "Classify the urgency of a home notification as critical, info, or low. critical: immediate danger or damage. low: routine status. Everything else: info."},
			{Role: "user", Content: fmt.Sprintf("Event: %s\nTitle: %s\nMessage: %s", req.EventType, req.Title, req.Message)},
		},
	}, urgencySchema, &out)
	if err != nil {
		s.logger.Warn("notify: urgency classification failed", "error", err)
		return UrgencyInfo
	}
	return out.Urgency
}

// enrich rewrites the raw event into a natural spoken sentence. Keeps the
// original message on timeout or error.
func (s *Service) enrich(ctx context.Context, req IngestRequest) string {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.EnrichmentTimeout)
	defer cancel()

	deltas, err := s.gateway.ChatStream(ctx, llm.Request{
		Role: llm.RoleChat,
		Messages: []llm.Message{
			{Role: "system", Content: "Rewrite the following home notification as one short natural spoken sentence in the language of the input. Output only the sentence."},
			{Role: "user", Content: fmt.Sprintf("%s: %s", req.Title, req.Message)},
		},
		MaxTokens: 200,
	})
	if err != nil {
		s.logger.Warn("notify: enrichment failed", "error", err)
		return req.Message
	}

	var b strings.Builder
	for delta := range deltas {
		if delta.Err != nil {
			s.logger.Warn("notify: enrichment stream failed", "error", delta.Err)
			return req.Message
		}
		b.WriteString(delta.Content)
	}
	if enriched := strings.TrimSpace(b.String()); enriched != "" {
		return enriched
	}
	return req.Message
}

func (s *Service) insert(ctx context.Context, n *Notification, fingerprint string, embedding []float32) error {
	var vec any
	if embedding != nil {
		vec = pgvector.NewVector(embedding)
	}
	data := n.Data
	if data == nil {
		data = map[string]any{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications
			(id, event_type, title, message, room_name, urgency, status, fingerprint, embedding, metadata, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		n.ID, n.EventType, n.Title, n.Message, n.Room, n.Urgency, n.Status,
		fingerprint, vec, data, n.CreatedAt, n.ExpiresAt)
	if err != nil {
		return fmt.Errorf("notify: insert: %w", err)
	}
	return nil
}

// List returns non-expired notifications, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_type, title, message, room_name, urgency, status, metadata, created_at, expires_at
		FROM notifications
		WHERE expires_at > now() AND status <> $1
		ORDER BY created_at DESC
		LIMIT $2`,
		StatusDismissed, limit)
	if err != nil {
		return nil, fmt.Errorf("notify: list: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.EventType, &n.Title, &n.Message, &n.Room,
			&n.Urgency, &n.Status, &n.Data, &n.CreatedAt, &n.ExpiresAt); err != nil {
			return nil, fmt.Errorf("notify: list: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Acknowledge marks a delivered notification as seen.
func (s *Service) Acknowledge(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, StatusAcknowledged)
}

// Dismiss soft-deletes a notification; the row remains for audit until
// expiry.
func (s *Service) Dismiss(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, StatusDismissed)
}

func (s *Service) setStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE notifications SET status = $2 WHERE id = $1", id, status)
	if err != nil {
		return fmt.Errorf("notify: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.ResourceNotFound, "notify: notification %q not found", id)
	}
	return nil
}

// SweepExpired hard-deletes notifications past their TTL. Returns the
// number removed.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM notifications WHERE expires_at <= now()")
	if err != nil {
		return 0, fmt.Errorf("notify: sweep expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RunSweeper deletes expired notifications on the given interval until ctx
// is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := s.clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
		if n, err := s.SweepExpired(ctx); err != nil {
			s.logger.Warn("notify: sweep failed", "error", err)
		} else if n > 0 {
			s.logger.Debug("notify: swept expired notifications", "count", n)
		}
	}
}

// VerifyWebhookToken compares a presented bearer token against the stored
// one in constant time.
func (s *Service) VerifyWebhookToken(ctx context.Context, presented string) error {
	var stored string
	err := s.pool.QueryRow(ctx,
		"SELECT value FROM system_settings WHERE key = $1", webhookTokenKey).Scan(&stored)
	if err != nil {
		return fault.Wrap(fault.AuthFailed, err, "notify: no webhook token configured")
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) != 1 {
		return fault.New(fault.AuthFailed, "notify: invalid webhook token")
	}
	return nil
}

// RotateWebhookToken generates and stores a new webhook bearer token,
// invalidating the old one.
func (s *Service) RotateWebhookToken(ctx context.Context) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("notify: generate token: %w", err)
	}
	token := hex.EncodeToString(raw)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO system_settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		webhookTokenKey, token)
	if err != nil {
		return "", fmt.Errorf("notify: store token: %w", err)
	}
	return token, nil
}

func (s *Service) count(ctx context.Context, outcome string) {
	if s.metrics != nil {
		s.metrics.CountNotification(ctx, outcome)
	}
}
