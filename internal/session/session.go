// Package session holds the per-connection turn state: session identity,
// the lazily created conversation, the bounded audio-input buffer, and the
// follow-up context (last RAG sources, last agent role). A mutex per
// session serializes turn processing so overlapping turns queue instead of
// interleaving.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/renfield-ai/renfield/internal/clock"
	"github.com/renfield-ai/renfield/internal/fault"
)

// Source is one retrieval attribution remembered for follow-up questions.
type Source struct {
	Filename string  `json:"filename"`
	Page     int     `json:"page,omitempty"`
	Section  string  `json:"section,omitempty"`
	Score    float64 `json:"score"`
}

// Session is the state of one connected client. Created on transport open,
// destroyed on close; only Conversation and Message rows persist it
// implicitly.
type Session struct {
	// ID is client-provided, or generated (daily for satellites).
	ID string

	// UserID is the active user; satellites may switch it per turn via
	// speaker identification.
	UserID string

	// Room is the originating room, when known.
	Room string

	// DeviceID links the session to a registered device, when the client
	// is one.
	DeviceID string

	maxAudioBytes int

	mu             sync.Mutex
	turnMu         sync.Mutex
	conversationID string
	audio          []byte
	lastSources    []Source
	lastAgentRole  string
}

// ConversationStarter creates conversations on first use.
type ConversationStarter interface {
	Create(ctx context.Context, userID string) (string, error)
}

// LockTurn serializes turn processing within the session. The returned
// func releases the turn.
func (s *Session) LockTurn() func() {
	s.turnMu.Lock()
	return s.turnMu.Unlock
}

// ConversationID returns the session's conversation, creating it on the
// first turn. The id stays stable for the session's lifetime.
func (s *Session) ConversationID(ctx context.Context, starter ConversationStarter) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversationID != "" {
		return s.conversationID, nil
	}
	id, err := starter.Create(ctx, s.UserID)
	if err != nil {
		return "", err
	}
	s.conversationID = id
	return id, nil
}

// AppendAudio buffers an inbound audio chunk. The buffer is bounded; a
// chunk that would overflow it is rejected and the buffer kept intact.
func (s *Session) AppendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.audio)+len(chunk) > s.maxAudioBytes {
		return fault.New(fault.InputInvalid,
			"session: audio buffer full (%d byte cap)", s.maxAudioBytes)
	}
	s.audio = append(s.audio, chunk...)
	return nil
}

// TakeAudio returns the buffered audio and resets the buffer.
func (s *Session) TakeAudio() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	audio := s.audio
	s.audio = nil
	return audio
}

// SetTurnContext records the follow-up context after a turn.
func (s *Session) SetTurnContext(sources []Source, agentRole string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSources = sources
	s.lastAgentRole = agentRole
}

// TurnContext returns the last turn's RAG sources and agent role.
func (s *Session) TurnContext() ([]Source, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSources, s.lastAgentRole
}

// Manager owns the live sessions.
type Manager struct {
	maxAudioBytes int
	clk           clock.Clock

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager. maxAudioBytes bounds each
// session's audio buffer.
func NewManager(maxAudioBytes int, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.System{}
	}
	return &Manager{
		maxAudioBytes: maxAudioBytes,
		clk:           clk,
		sessions:      make(map[string]*Session),
	}
}

// Open creates (or re-attaches) a session. An empty id gets a generated
// one; satellites without a stable id share one generated session per
// 24-hour window so a full day of utterances lands in one conversation.
func (m *Manager) Open(id, userID, room string, satellite bool) *Session {
	if id == "" {
		if satellite {
			id = fmt.Sprintf("satellite-%s-%s", room, m.clk.Now().UTC().Format("2006-01-02"))
		} else {
			id = uuid.NewString()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s
	}
	s := &Session{
		ID:            id,
		UserID:        userID,
		Room:          room,
		maxAudioBytes: m.maxAudioBytes,
	}
	m.sessions[id] = s
	return s
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close drops a session from the live table. Conversation rows stay.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
