package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Message is one persisted conversation turn half.
type Message struct {
	TurnIndex int       `json:"turn_index"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	AgentRole string    `json:"agent_role,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversations persists conversations and their messages.
type Conversations struct {
	pool *pgxpool.Pool
}

// NewConversations creates the store on the shared pool.
func NewConversations(pool *pgxpool.Pool) *Conversations {
	return &Conversations{pool: pool}
}

// Create starts a conversation for a user and returns its id.
func (c *Conversations) Create(ctx context.Context, userID string) (string, error) {
	id := uuid.NewString()
	_, err := c.pool.Exec(ctx, `
		INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`,
		userID)
	if err != nil {
		return "", fmt.Errorf("session: ensure user: %w", err)
	}
	_, err = c.pool.Exec(ctx, `
		INSERT INTO conversations (id, user_id) VALUES ($1, $2)`,
		id, userID)
	if err != nil {
		return "", fmt.Errorf("session: create conversation: %w", err)
	}
	return id, nil
}

// appendAttempts bounds turn-index collision retries. A collision means a
// concurrent append committed that index, so progress is guaranteed and a
// handful of retries covers realistic write concurrency per conversation.
const appendAttempts = 8

// Append persists one message at the next turn index. The unique
// constraint on (conversation_id, turn_index) makes indexes strictly
// increasing even under concurrent appends; a collision retries with a
// freshly computed index.
func (c *Conversations) Append(ctx context.Context, conversationID, role, content, agentRole string) (int, error) {
	for attempt := 0; attempt < appendAttempts; attempt++ {
		var idx int
		err := c.pool.QueryRow(ctx, `
			INSERT INTO messages (conversation_id, turn_index, role, content, agent_role)
			SELECT $1, COALESCE(MAX(turn_index), -1) + 1, $2, $3, $4
			FROM messages WHERE conversation_id = $1
			RETURNING turn_index`,
			conversationID, role, content, agentRole).Scan(&idx)
		if err != nil {
			if attempt < appendAttempts-1 && isUniqueViolation(err) {
				continue
			}
			return 0, fmt.Errorf("session: append message: %w", err)
		}
		if _, err := c.pool.Exec(ctx,
			"UPDATE conversations SET updated_at = now() WHERE id = $1", conversationID); err != nil {
			return 0, fmt.Errorf("session: touch conversation: %w", err)
		}
		return idx, nil
	}
	return 0, fmt.Errorf("session: append message: turn index contention")
}

// Tail returns the last n messages in chronological order.
func (c *Conversations) Tail(ctx context.Context, conversationID string, n int) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := c.pool.Query(ctx, `
		SELECT turn_index, role, content, agent_role, created_at
		FROM (
			SELECT turn_index, role, content, agent_role, created_at
			FROM messages
			WHERE conversation_id = $1
			ORDER BY turn_index DESC
			LIMIT $2
		) t
		ORDER BY turn_index`,
		conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("session: tail: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var m Message
		err := row.Scan(&m.TurnIndex, &m.Role, &m.Content, &m.AgentRole, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("session: tail: %w", err)
	}
	return msgs, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
