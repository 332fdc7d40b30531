package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/renfield-ai/renfield/internal/config"
	"github.com/renfield-ai/renfield/internal/device"
	"github.com/renfield-ai/renfield/internal/fault"
	"github.com/renfield-ai/renfield/internal/mcp"
	"github.com/renfield-ai/renfield/internal/notify"
	"github.com/renfield-ai/renfield/internal/orchestrator"
	"github.com/renfield-ai/renfield/internal/session"
	sttmock "github.com/renfield-ai/renfield/pkg/provider/stt/mock"
	ttsmock "github.com/renfield-ai/renfield/pkg/provider/tts/mock"
)

// fakeTurnRunner streams a canned reply through the sink. The mutex makes
// it safe for the WebSocket tests, where turns run on server goroutines.
type fakeTurnRunner struct {
	reply   string
	sources []session.Source
	err     error

	mu    sync.Mutex
	turns []orchestrator.Turn
}

func (f *fakeTurnRunner) recorded() []orchestrator.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]orchestrator.Turn(nil), f.turns...)
}

func (f *fakeTurnRunner) RunTurn(ctx context.Context, sink orchestrator.Sink, turn orchestrator.Turn) error {
	f.mu.Lock()
	f.turns = append(f.turns, turn)
	f.mu.Unlock()
	if f.err != nil {
		_ = sink.Send(ctx, orchestrator.ErrorEvent{Type: "error", Code: fault.KindOf(f.err).Code(), Message: f.err.Error()})
		return f.err
	}
	for _, chunk := range strings.SplitAfter(f.reply, " ") {
		_ = sink.Send(ctx, orchestrator.StreamEvent{Type: "stream", Content: chunk})
	}
	_ = sink.Send(ctx, orchestrator.DoneEvent{Type: "done", Sources: f.sources})
	return nil
}

type fakeNotifier struct {
	token      string
	ingested   []notify.IngestRequest
	ingestErr  error
	suppressed bool
	acked      []string
	dismissed  []string
}

func (f *fakeNotifier) Ingest(_ context.Context, req notify.IngestRequest) (*notify.Notification, error) {
	if f.ingestErr != nil {
		return nil, f.ingestErr
	}
	f.ingested = append(f.ingested, req)
	if f.suppressed {
		return nil, nil
	}
	return &notify.Notification{ID: "n-1", Title: req.Title, Status: notify.StatusPending}, nil
}

func (f *fakeNotifier) List(context.Context, int) ([]notify.Notification, error) {
	return []notify.Notification{{ID: "n-1", Title: "Fenster offen"}}, nil
}

func (f *fakeNotifier) Acknowledge(_ context.Context, id string) error {
	if id == "missing" {
		return fault.New(fault.ResourceNotFound, "notify: notification %q not found", id)
	}
	f.acked = append(f.acked, id)
	return nil
}

func (f *fakeNotifier) Dismiss(_ context.Context, id string) error {
	f.dismissed = append(f.dismissed, id)
	return nil
}

func (f *fakeNotifier) VerifyWebhookToken(_ context.Context, presented string) error {
	if f.token == "" || presented != f.token {
		return fault.New(fault.AuthFailed, "notify: invalid webhook token")
	}
	return nil
}

func (f *fakeNotifier) RotateWebhookToken(context.Context) (string, error) {
	f.token = "rotated-token"
	return f.token, nil
}

type fakeReminderStore struct {
	created   []notify.Reminder
	cancelled []string
}

func (f *fakeReminderStore) Create(_ context.Context, userID, title, body string, at time.Time) (*notify.Reminder, error) {
	if title == "" {
		return nil, fault.New(fault.InputInvalid, "notify: reminder without title")
	}
	rem := notify.Reminder{ID: "rem-1", UserID: userID, Title: title, Body: body, ScheduledAt: at, Status: notify.ReminderPending}
	f.created = append(f.created, rem)
	return &rem, nil
}

func (f *fakeReminderStore) List(context.Context, string) ([]notify.Reminder, error) {
	return f.created, nil
}

func (f *fakeReminderStore) Cancel(_ context.Context, id string) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

type fakeToolAdmin struct {
	refreshes int
}

func (f *fakeToolAdmin) Status() []mcp.ServerStatus {
	return []mcp.ServerStatus{{Name: "homeassistant", Transport: "stdio", Healthy: true, ToolCount: 3}}
}

func (f *fakeToolAdmin) Catalog(bool) []mcp.ToolDescriptor {
	return []mcp.ToolDescriptor{{
		Name: "mcp.homeassistant.call_service", Server: "homeassistant",
		Description: "Call a service", PromptVisible: true,
	}}
}

func (f *fakeToolAdmin) Refresh(context.Context) int {
	f.refreshes++
	return 1
}

func testConfig() config.Settings {
	return config.Settings{
		ListenAddr: "127.0.0.1:0",
		WS: config.WSSettings{
			RateLimitPerSecond:  50,
			RateLimitPerMinute:  1000,
			MaxConnectionsPerIP: 10,
			MaxMessageBytes:     1 << 20,
			MaxAudioBufferBytes: 10 << 20,
		},
		API: config.APISettings{
			RateLimitDefault: 1000,
			RateLimitAuth:    1000,
			RateLimitVoice:   1000,
			RateLimitChat:    1000,
			RateLimitAdmin:   1000,
		},
		Voice: config.VoiceSettings{STTTimeout: time.Second, TTSTimeout: time.Second},
	}
}

type serverFixture struct {
	srv       *Server
	handler   http.Handler
	runner    *fakeTurnRunner
	notifier  *fakeNotifier
	reminders *fakeReminderStore
	tools     *fakeToolAdmin
	sttMock   *sttmock.Provider
	ttsMock   *ttsmock.Provider
	speech    *SpeechCache
	devices   *device.Registry
	sessions  *session.Manager
}

func newServerFixture(t *testing.T, mutate func(*config.Settings)) *serverFixture {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	f := &serverFixture{
		runner:    &fakeTurnRunner{reply: "Hallo zurück"},
		notifier:  &fakeNotifier{token: "hook-token"},
		reminders: &fakeReminderStore{},
		tools:     &fakeToolAdmin{},
		sttMock:   &sttmock.Provider{Text: "Wie spät ist es", Language: "de"},
		ttsMock:   &ttsmock.Provider{Data: []byte("audio-bytes"), MIMEType: "audio/wav"},
	}
	f.speech = NewSpeechCache(f.ttsMock, "http://renfield.local")
	f.devices = device.NewRegistry(device.Config{})
	f.sessions = session.NewManager(cfg.WS.MaxAudioBufferBytes, nil)
	f.srv = New(cfg, Deps{
		Orchestrator:  f.runner,
		Sessions:      f.sessions,
		Devices:       f.devices,
		Notifications: f.notifier,
		Reminders:     f.reminders,
		Tools:         f.tools,
		STT:           f.sttMock,
		Speech:        f.speech,
	})
	f.handler = f.srv.Handler()
	return f
}

func (f *serverFixture) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.10:50000"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestChatSend(t *testing.T) {
	f := newServerFixture(t, nil)
	f.runner.sources = []session.Source{{Filename: "doc.pdf", Page: 3, Score: 0.9}}

	rec := f.do(t, http.MethodPost, "/api/chat/send",
		`{"message": "Hallo", "session_id": "s1", "room": "wohnzimmer"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp chatSendResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Reply != "Hallo zurück" {
		t.Errorf("reply = %q", resp.Reply)
	}
	if len(resp.Sources) != 1 || resp.Sources[0].Filename != "doc.pdf" {
		t.Errorf("sources = %+v", resp.Sources)
	}
	if len(f.runner.turns) != 1 || f.runner.turns[0].Room != "wohnzimmer" {
		t.Fatalf("turns = %+v", f.runner.turns)
	}
	if f.runner.turns[0].Session.ID != "s1" {
		t.Errorf("session id = %q", f.runner.turns[0].Session.ID)
	}
}

func TestChatSend_Validation(t *testing.T) {
	f := newServerFixture(t, nil)
	if rec := f.do(t, http.MethodPost, "/api/chat/send", `{"message": "  "}`, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("empty message: status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/chat/send", `{not json`, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d", rec.Code)
	}
}

func TestChatSend_ErrorMapping(t *testing.T) {
	f := newServerFixture(t, nil)
	f.runner.err = fault.New(fault.CircuitOpen, "llm: breaker llm:chat open")

	rec := f.do(t, http.MethodPost, "/api/chat/send", `{"message": "Hallo"}`, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != "circuit_open" {
		t.Errorf("code = %q", body.Error.Code)
	}
}

func TestSTT(t *testing.T) {
	f := newServerFixture(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte("pcm-data")); err != nil {
		t.Fatal(err)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/voice/stt", &buf)
	req.RemoteAddr = "192.0.2.10:50000"
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["text"] != "Wie spät ist es" || resp["language"] != "de" {
		t.Errorf("resp = %v", resp)
	}
	if f.sttMock.Calls != 1 {
		t.Errorf("stt calls = %d", f.sttMock.Calls)
	}
}

func TestTTSAndCache(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/voice/tts", `{"text": "Guten Morgen"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if got := rec.Header().Get("Content-Type"); got != "audio/wav" {
		t.Errorf("content type = %q", got)
	}
	if rec.Body.String() != "audio-bytes" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if f.ttsMock.LastText != "Guten Morgen" {
		t.Errorf("synthesized text = %q", f.ttsMock.LastText)
	}

	// The orchestrator-facing path caches the blob behind a URL.
	playable, err := f.speech.Synthesize(context.Background(), "Es regnet")
	if err != nil {
		t.Fatal(err)
	}
	const prefix = "http://renfield.local/api/voice/tts-cache/"
	if !strings.HasPrefix(playable.URL, prefix) {
		t.Fatalf("url = %q", playable.URL)
	}
	id := strings.TrimPrefix(playable.URL, prefix)

	rec = f.do(t, http.MethodGet, "/api/voice/tts-cache/"+id, "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "audio-bytes" {
		t.Errorf("cache fetch: status = %d, body = %q", rec.Code, rec.Body.String())
	}

	if rec := f.do(t, http.MethodGet, "/api/voice/tts-cache/unknown", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id: status = %d", rec.Code)
	}
}

func TestNotificationEndpoints(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/notifications", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Fenster offen") {
		t.Errorf("list: status = %d, body = %s", rec.Code, rec.Body)
	}

	if rec := f.do(t, http.MethodPatch, "/api/notifications/n-1/acknowledge", "", nil); rec.Code != http.StatusOK {
		t.Errorf("ack: status = %d", rec.Code)
	}
	if len(f.notifier.acked) != 1 || f.notifier.acked[0] != "n-1" {
		t.Errorf("acked = %v", f.notifier.acked)
	}
	if rec := f.do(t, http.MethodPatch, "/api/notifications/missing/acknowledge", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("ack missing: status = %d", rec.Code)
	}

	if rec := f.do(t, http.MethodDelete, "/api/notifications/n-1", "", nil); rec.Code != http.StatusNoContent {
		t.Errorf("dismiss: status = %d", rec.Code)
	}
}

func TestWebhook(t *testing.T) {
	f := newServerFixture(t, nil)
	body := `{"event_type": "sensor.window", "title": "Fenster offen", "message": "Wohnzimmer", "urgency": "info", "room": "Wohnzimmer"}`

	if rec := f.do(t, http.MethodPost, "/api/notifications/webhook", body, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", rec.Code)
	}

	auth := map[string]string{"Authorization": "Bearer hook-token"}
	rec := f.do(t, http.MethodPost, "/api/notifications/webhook", body, auth)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if len(f.notifier.ingested) != 1 || f.notifier.ingested[0].EventType != "sensor.window" {
		t.Fatalf("ingested = %+v", f.notifier.ingested)
	}

	// Exact duplicate inside the suppression window.
	f.notifier.ingestErr = fault.New(fault.RateLimited, "notify: duplicate event")
	if rec := f.do(t, http.MethodPost, "/api/notifications/webhook", body, auth); rec.Code != http.StatusTooManyRequests {
		t.Errorf("duplicate: status = %d", rec.Code)
	}

	// Suppression-rule match: accepted, deliberately dropped.
	f.notifier.ingestErr = nil
	f.notifier.suppressed = true
	if rec := f.do(t, http.MethodPost, "/api/notifications/webhook", body, auth); rec.Code != http.StatusNoContent {
		t.Errorf("suppressed: status = %d", rec.Code)
	}
}

func TestTokenRotation_AdminGate(t *testing.T) {
	f := newServerFixture(t, func(cfg *config.Settings) {
		cfg.SecretKey = "admin-secret"
	})

	if rec := f.do(t, http.MethodPost, "/api/notifications/token", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no credential: status = %d", rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/api/notifications/token", "",
		map[string]string{"Authorization": "Bearer admin-secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["token"] != "rotated-token" {
		t.Errorf("token = %q", resp["token"])
	}
}

func TestReminderEndpoints(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/notifications/reminders",
		`{"title": "Müll rausbringen", "time": "2026-08-25T19:00:00Z"}`,
		map[string]string{"X-User-ID": "alice"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d: %s", rec.Code, rec.Body)
	}
	if len(f.reminders.created) != 1 || f.reminders.created[0].UserID != "alice" {
		t.Fatalf("created = %+v", f.reminders.created)
	}

	if rec := f.do(t, http.MethodPost, "/api/notifications/reminders",
		`{"title": "x", "time": "tomorrow"}`, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad time: status = %d", rec.Code)
	}

	if rec := f.do(t, http.MethodGet, "/api/notifications/reminders", "", nil); rec.Code != http.StatusOK {
		t.Errorf("list: status = %d", rec.Code)
	}

	if rec := f.do(t, http.MethodDelete, "/api/notifications/reminders/rem-1", "", nil); rec.Code != http.StatusNoContent {
		t.Errorf("cancel: status = %d", rec.Code)
	}
	if len(f.reminders.cancelled) != 1 || f.reminders.cancelled[0] != "rem-1" {
		t.Errorf("cancelled = %v", f.reminders.cancelled)
	}
}

func TestMCPEndpoints(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/mcp/status", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "homeassistant") {
		t.Errorf("status: %d %s", rec.Code, rec.Body)
	}

	rec = f.do(t, http.MethodGet, "/api/mcp/tools", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "mcp.homeassistant.call_service") {
		t.Errorf("tools: %d %s", rec.Code, rec.Body)
	}

	rec = f.do(t, http.MethodPost, "/api/mcp/refresh", "", nil)
	if rec.Code != http.StatusOK || f.tools.refreshes != 1 {
		t.Errorf("refresh: status = %d, refreshes = %d", rec.Code, f.tools.refreshes)
	}
}

func TestRateLimitBucket(t *testing.T) {
	f := newServerFixture(t, func(cfg *config.Settings) {
		cfg.API.RateLimitChat = 2
	})

	for i := 0; i < 2; i++ {
		if rec := f.do(t, http.MethodPost, "/api/chat/send", `{"message": "Hallo"}`, nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}
	rec := f.do(t, http.MethodPost, "/api/chat/send", `{"message": "Hallo"}`, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != "rate_limited" {
		t.Errorf("code = %q", body.Error.Code)
	}

	// Other buckets are unaffected.
	if rec := f.do(t, http.MethodGet, "/api/notifications", "", nil); rec.Code != http.StatusOK {
		t.Errorf("default bucket caught chat limit: status = %d", rec.Code)
	}
}

func TestInternalErrorOpaque(t *testing.T) {
	f := newServerFixture(t, nil)
	f.runner.err = errors.New("pgx: connection refused to 10.0.0.5")

	rec := f.do(t, http.MethodPost, "/api/chat/send", `{"message": "Hallo"}`, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "10.0.0.5") {
		t.Errorf("internal detail leaked: %s", rec.Body)
	}
}
