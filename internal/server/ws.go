package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/renfield-ai/renfield/internal/device"
	"github.com/renfield-ai/renfield/internal/orchestrator"
	"github.com/renfield-ai/renfield/internal/session"
)

// acceptOptions for all three sockets. The assistant serves browsers and
// devices on a private network; origin enforcement is the reverse proxy's
// job.
var acceptOptions = &websocket.AcceptOptions{OriginPatterns: []string{"*"}}

// wsConn is a write-serialized WebSocket connection. It implements both the
// orchestrator's event sink and the device registry's transport.
type wsConn struct {
	conn *websocket.Conn

	mu sync.Mutex
}

var (
	_ orchestrator.Sink = (*wsConn)(nil)
	_ device.Transport  = (*wsConn)(nil)
)

// Send marshals the envelope as one JSON text message.
func (c *wsConn) Send(ctx context.Context, envelope any) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// chatEnvelope is the client-to-server message on /ws.
type chatEnvelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content,omitempty"`
	Room      string `json:"room,omitempty"`
	UseRAG    *bool  `json:"use_rag,omitempty"`
}

// handleChatSocket serves the streaming chat channel.
func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	ip := s.limiter.clientIP(r)
	release, err := s.limiter.acquireWS(ip)
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()

	conn, err := websocket.Accept(w, r, acceptOptions)
	if err != nil {
		s.logger.Debug("server: ws accept failed", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(int64(s.cfg.WS.MaxMessageBytes))

	ctx := r.Context()
	sink := &wsConn{conn: conn}
	msgs := newMessageLimiter(s.cfg.WS.RateLimitPerSecond, s.cfg.WS.RateLimitPerMinute)
	user := userID(r)

	var sess *session.Session
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if !msgs.allow() {
			conn.Close(websocket.StatusPolicyViolation, "rate limited")
			return
		}

		var env chatEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			_ = sink.Send(ctx, orchestrator.ErrorEvent{
				Type: "error", Code: "input_invalid", Message: "malformed envelope",
			})
			continue
		}

		switch env.Type {
		case "ping":
			_ = sink.Send(ctx, map[string]string{"type": "pong"})

		case "chat", "message":
			if sess == nil || (env.SessionID != "" && env.SessionID != sess.ID) {
				sess = s.deps.Sessions.Open(env.SessionID, user, env.Room, false)
			}
			// Synchronous: the session's turn mutex serializes turns anyway,
			// and ordering of events on the socket must match turn order.
			_ = s.deps.Orchestrator.RunTurn(ctx, sink, orchestrator.Turn{
				Session: sess,
				UserID:  user,
				Room:    env.Room,
				Text:    env.Content,
				UseRAG:  env.UseRAG,
			})

		default:
			_ = sink.Send(ctx, orchestrator.ErrorEvent{
				Type: "error", Code: "input_invalid", Message: "unknown message type " + env.Type,
			})
		}
	}
}

// deviceEnvelope is the client-to-server message on /ws/device.
type deviceEnvelope struct {
	Type string `json:"type"`

	// register
	DeviceID     string              `json:"device_id,omitempty"`
	Kind         string              `json:"kind,omitempty"`
	Room         string              `json:"room,omitempty"`
	Capabilities device.Capabilities `json:"capabilities,omitempty"`

	// config_ack
	Version         int      `json:"version,omitempty"`
	AppliedKeywords []string `json:"applied_keywords,omitempty"`
	FailedKeywords  []string `json:"failed_keywords,omitempty"`
}

// handleDeviceSocket serves the device registration and signalling channel.
// The first message must be a register envelope.
func (s *Server) handleDeviceSocket(w http.ResponseWriter, r *http.Request) {
	ip := s.limiter.clientIP(r)
	release, err := s.limiter.acquireWS(ip)
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()

	conn, err := websocket.Accept(w, r, acceptOptions)
	if err != nil {
		s.logger.Debug("server: device ws accept failed", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(int64(s.cfg.WS.MaxMessageBytes))

	ctx := r.Context()
	transport := &wsConn{conn: conn}
	msgs := newMessageLimiter(s.cfg.WS.RateLimitPerSecond, s.cfg.WS.RateLimitPerMinute)

	var env deviceEnvelope
	if _, data, err := conn.Read(ctx); err != nil {
		return
	} else if err := json.Unmarshal(data, &env); err != nil || env.Type != "register" {
		conn.Close(websocket.StatusPolicyViolation, "registration required")
		return
	}

	info, err := s.deps.Devices.Register(ctx, device.Info{
		ID:           env.DeviceID,
		Kind:         device.Kind(env.Kind),
		Room:         env.Room,
		ClientIP:     ip,
		Capabilities: env.Capabilities,
	}, transport)
	if err != nil {
		_ = transport.Send(ctx, orchestrator.ErrorEvent{
			Type: "error", Code: "input_invalid", Message: err.Error(),
		})
		conn.Close(websocket.StatusPolicyViolation, "registration rejected")
		return
	}
	defer s.deps.Devices.Unregister(context.WithoutCancel(ctx), info.ID)
	_ = transport.Send(ctx, map[string]any{"type": "registered", "device": info})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if !msgs.allow() {
			conn.Close(websocket.StatusPolicyViolation, "rate limited")
			return
		}
		var msg deviceEnvelope
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "heartbeat":
			s.deps.Devices.Heartbeat(info.ID)
		case "config_ack":
			s.deps.Devices.AckWakeWordConfig(info.ID, msg.Version, msg.AppliedKeywords, msg.FailedKeywords)
		}
	}
}

// satelliteEnvelope is the text framing on /ws/satellite. Audio arrives in
// binary frames, or base64-wrapped for clients that cannot send binary.
type satelliteEnvelope struct {
	Type     string `json:"type"`
	Room     string `json:"room,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Data     string `json:"data,omitempty"` // base64 PCM
}

// handleSatelliteSocket serves the always-listening satellite channel:
// wake-word framed utterances as raw PCM between session_start and
// session_end envelopes.
func (s *Server) handleSatelliteSocket(w http.ResponseWriter, r *http.Request) {
	ip := s.limiter.clientIP(r)
	release, err := s.limiter.acquireWS(ip)
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()

	conn, err := websocket.Accept(w, r, acceptOptions)
	if err != nil {
		s.logger.Debug("server: satellite ws accept failed", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(int64(s.cfg.WS.MaxMessageBytes))

	ctx := r.Context()
	sink := &wsConn{conn: conn}
	msgs := newMessageLimiter(s.cfg.WS.RateLimitPerSecond, s.cfg.WS.RateLimitPerMinute)

	var (
		sess     *session.Session
		room     string
		deviceID string
		userName string
	)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if !msgs.allow() {
			conn.Close(websocket.StatusPolicyViolation, "rate limited")
			return
		}

		if typ == websocket.MessageBinary {
			if sess == nil {
				continue // audio outside an utterance frame
			}
			if err := sess.AppendAudio(data); err != nil {
				_ = sink.Send(ctx, orchestrator.ErrorEvent{
					Type: "error", Code: "input_invalid", Message: "audio buffer full",
				})
				sess.TakeAudio()
				sess = nil
			}
			continue
		}

		var env satelliteEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case "session_start":
			room = env.Room
			deviceID = env.DeviceID
			userName = env.UserID
			if userName == "" {
				userName = defaultUserID
			}
			sess = s.deps.Sessions.Open("", userName, room, true)
			if deviceID != "" {
				sess.DeviceID = deviceID
			}

		case "audio_chunk":
			if sess == nil {
				continue
			}
			chunk, err := base64.StdEncoding.DecodeString(env.Data)
			if err != nil {
				continue
			}
			if err := sess.AppendAudio(chunk); err != nil {
				_ = sink.Send(ctx, orchestrator.ErrorEvent{
					Type: "error", Code: "input_invalid", Message: "audio buffer full",
				})
				sess.TakeAudio()
				sess = nil
			}

		case "session_end":
			if sess == nil {
				continue
			}
			audio := sess.TakeAudio()
			if len(audio) == 0 {
				sess = nil
				continue
			}
			_ = s.deps.Orchestrator.RunTurn(ctx, sink, orchestrator.Turn{
				Session:   sess,
				UserID:    userName,
				Room:      room,
				Audio:     audio,
				TTS:       true,
				Satellite: true,
			})
			sess = nil
		}
	}
}
