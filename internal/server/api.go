package server

import (
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/renfield-ai/renfield/internal/fault"
	"github.com/renfield-ai/renfield/internal/notify"
	"github.com/renfield-ai/renfield/internal/orchestrator"
	"github.com/renfield-ai/renfield/internal/session"
	"github.com/renfield-ai/renfield/pkg/provider/stt"
	"github.com/renfield-ai/renfield/pkg/provider/tts"
)

// maxVoiceUpload bounds the multipart audio upload on /api/voice/stt.
const maxVoiceUpload = 10 << 20

var (
	errRateLimited = fault.New(fault.RateLimited, "server: rate limit exceeded")
	errAdminAuth   = fault.New(fault.AuthFailed, "server: admin credential required")
)

// bearerToken extracts the Authorization bearer credential, empty when
// absent.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// userID resolves the acting user. Identity transport is a deployment
// concern; a missing header falls back to the shared default user.
func userID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
		return id
	}
	return defaultUserID
}

// collectSink gathers a whole turn's events for the non-streaming REST
// fallback.
type collectSink struct {
	reply strings.Builder
	done  orchestrator.DoneEvent
}

func (c *collectSink) Send(_ context.Context, envelope any) error {
	switch e := envelope.(type) {
	case orchestrator.StreamEvent:
		c.reply.WriteString(e.Content)
	case orchestrator.DoneEvent:
		c.done = e
	}
	return nil
}

type chatSendRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	Room      string `json:"room,omitempty"`
	UseRAG    *bool  `json:"use_rag,omitempty"`
}

type chatSendResponse struct {
	Reply      string           `json:"reply"`
	Sources    []session.Source `json:"sources,omitempty"`
	AgentSteps int              `json:"agent_steps,omitempty"`
}

// handleChatSend is the non-streaming fallback for clients without a
// WebSocket.
func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	var req chatSendRequest
	if err := decodeJSON(r, int64(s.cfg.WS.MaxMessageBytes), &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, fault.New(fault.InputInvalid, "server: message must not be empty"))
		return
	}

	user := userID(r)
	sess := s.deps.Sessions.Open(req.SessionID, user, req.Room, false)
	sink := &collectSink{}
	err := s.deps.Orchestrator.RunTurn(r.Context(), sink, orchestrator.Turn{
		Session: sess,
		UserID:  user,
		Room:    req.Room,
		Text:    req.Message,
		UseRAG:  req.UseRAG,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatSendResponse{
		Reply:      sink.reply.String(),
		Sources:    sink.done.Sources,
		AgentSteps: sink.done.AgentSteps,
	})
}

// handleSTT transcribes one multipart audio upload.
func (s *Server) handleSTT(w http.ResponseWriter, r *http.Request) {
	if s.deps.STT == nil {
		writeError(w, fault.New(fault.ToolFailed, "server: no transcription backend configured"))
		return
	}
	if err := r.ParseMultipartForm(maxVoiceUpload); err != nil {
		writeError(w, fault.Wrap(fault.InputInvalid, err, "server: malformed multipart upload"))
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, fault.Wrap(fault.InputInvalid, err, "server: missing audio file part"))
		return
	}
	defer file.Close()
	audio, err := io.ReadAll(io.LimitReader(file, maxVoiceUpload))
	if err != nil {
		writeError(w, fault.Wrap(fault.InputInvalid, err, "server: audio read failed"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Voice.STTTimeout)
	defer cancel()
	res, err := s.deps.STT.Transcribe(ctx, stt.Request{
		Audio:    audio,
		Language: r.FormValue("language"),
	})
	if err != nil {
		writeError(w, fault.Wrap(fault.ToolFailed, err, "server: transcription failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"text":     res.Text,
		"language": res.Language,
	})
}

type ttsRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// handleTTS synthesizes text and returns the audio blob directly.
func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	if s.deps.Speech == nil {
		writeError(w, fault.New(fault.ToolFailed, "server: no synthesis backend configured"))
		return
	}
	var req ttsRequest
	if err := decodeJSON(r, int64(s.cfg.WS.MaxMessageBytes), &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, fault.New(fault.InputInvalid, "server: text must not be empty"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Voice.TTSTimeout)
	defer cancel()
	audio, err := s.deps.Speech.provider.Synthesize(ctx, tts.Request{Text: req.Text, Voice: req.Voice})
	if err != nil {
		writeError(w, fault.Wrap(fault.ToolFailed, err, "server: synthesis failed"))
		return
	}

	mimeType := audio.MIMEType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimeType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio.Data)
}

// handleTTSCache serves a previously synthesized blob to external players.
func (s *Server) handleTTSCache(w http.ResponseWriter, r *http.Request) {
	if s.deps.Speech == nil {
		writeError(w, fault.New(fault.ResourceNotFound, "server: no synthesis cache"))
		return
	}
	data, mimeType, ok := s.deps.Speech.Get(r.PathValue("id"))
	if !ok {
		writeError(w, fault.New(fault.ResourceNotFound, "server: unknown or expired audio id"))
		return
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimeType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleNotificationList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, fault.New(fault.InputInvalid, "server: limit must be a positive integer"))
			return
		}
		limit = n
	}
	notifications, err := s.deps.Notifications.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": notifications})
}

func (s *Server) handleNotificationAck(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Notifications.Acknowledge(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": notify.StatusAcknowledged})
}

func (s *Server) handleNotificationDismiss(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Notifications.Dismiss(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWebhook ingests an external event. Identical duplicates inside the
// suppression window map to 429; silently suppressed events return 204.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Notifications.VerifyWebhookToken(r.Context(), bearerToken(r)); err != nil {
		writeError(w, err)
		return
	}
	var req notify.IngestRequest
	if err := decodeJSON(r, int64(s.cfg.WS.MaxMessageBytes), &req); err != nil {
		writeError(w, err)
		return
	}

	n, err := s.deps.Notifications.Ingest(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if n == nil {
		// Matched a suppression rule; accepted but deliberately dropped.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) handleTokenRotate(w http.ResponseWriter, r *http.Request) {
	token, err := s.deps.Notifications.RotateWebhookToken(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type reminderCreateRequest struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
	Time  string `json:"time"`
}

func (s *Server) handleReminderCreate(w http.ResponseWriter, r *http.Request) {
	var req reminderCreateRequest
	if err := decodeJSON(r, int64(s.cfg.WS.MaxMessageBytes), &req); err != nil {
		writeError(w, err)
		return
	}
	at, err := time.Parse(time.RFC3339, req.Time)
	if err != nil {
		writeError(w, fault.Wrap(fault.InputInvalid, err, "server: time must be RFC 3339"))
		return
	}
	reminder, err := s.deps.Reminders.Create(r.Context(), userID(r), req.Title, req.Body, at)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reminder)
}

func (s *Server) handleReminderList(w http.ResponseWriter, r *http.Request) {
	reminders, err := s.deps.Reminders.List(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reminders": reminders})
}

func (s *Server) handleReminderCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Reminders.Cancel(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMCPStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"servers": s.deps.Tools.Status()})
}

// toolSummary is the admin view of one registered tool.
type toolSummary struct {
	Name          string `json:"name"`
	Server        string `json:"server"`
	Description   string `json:"description,omitempty"`
	PromptVisible bool   `json:"prompt_visible"`
}

func (s *Server) handleMCPTools(w http.ResponseWriter, r *http.Request) {
	descriptors := s.deps.Tools.Catalog(false)
	tools := make([]toolSummary, 0, len(descriptors))
	for _, d := range descriptors {
		tools = append(tools, toolSummary{
			Name:          d.Name,
			Server:        d.Server,
			Description:   d.Description,
			PromptVisible: d.PromptVisible,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (s *Server) handleMCPRefresh(w http.ResponseWriter, r *http.Request) {
	refreshed := s.deps.Tools.Refresh(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"refreshed": refreshed})
}

func (s *Server) handleDeviceList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"devices": s.deps.Devices.List()})
}

// secretEqual is a constant-time credential comparison.
func secretEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
