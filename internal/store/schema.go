package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Conversations and messages
// ─────────────────────────────────────────────────────────────────────────────

const ddlConversations = `
CREATE TABLE IF NOT EXISTS users (
    id           TEXT         PRIMARY KEY,
    display_name TEXT         NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS conversations (
    id          TEXT         PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversations_user
    ON conversations (user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
    id              BIGSERIAL    PRIMARY KEY,
    conversation_id TEXT         NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
    turn_index      INTEGER      NOT NULL,
    role            TEXT         NOT NULL,
    content         TEXT         NOT NULL,
    agent_role      TEXT         NOT NULL DEFAULT '',
    metadata        JSONB        NOT NULL DEFAULT '{}',
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (conversation_id, turn_index)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
    ON messages (conversation_id, turn_index);
`

// ─────────────────────────────────────────────────────────────────────────────
// Long-term memories
// ─────────────────────────────────────────────────────────────────────────────

func ddlMemories(dims int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS memories (
    id            UUID         PRIMARY KEY,
    user_id       TEXT         NOT NULL,
    content       TEXT         NOT NULL,
    embedding     vector(%d)   NOT NULL,
    category      TEXT         NOT NULL DEFAULT 'fact',
    importance    REAL         NOT NULL DEFAULT 0.5,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_accessed TIMESTAMPTZ  NOT NULL DEFAULT now(),
    deleted_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_memories_user
    ON memories (user_id) WHERE deleted_at IS NULL;

CREATE INDEX IF NOT EXISTS idx_memories_embedding
    ON memories USING hnsw (embedding vector_cosine_ops);

CREATE TABLE IF NOT EXISTS memory_history (
    id          BIGSERIAL    PRIMARY KEY,
    memory_id   UUID         NOT NULL,
    action      TEXT         NOT NULL,
    old_content TEXT         NOT NULL DEFAULT '',
    new_content TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_memory_history_memory
    ON memory_history (memory_id, created_at);
`, dims)
}

// ─────────────────────────────────────────────────────────────────────────────
// Knowledge bases, documents, chunks
// ─────────────────────────────────────────────────────────────────────────────

func ddlKnowledge(dims int, textSearchConfig string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS knowledge_bases (
    id         TEXT         PRIMARY KEY,
    name       TEXT         NOT NULL,
    owner_id   TEXT         NOT NULL DEFAULT '',
    is_public  BOOLEAN      NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS kb_grants (
    kb_id   TEXT NOT NULL REFERENCES knowledge_bases (id) ON DELETE CASCADE,
    user_id TEXT NOT NULL,
    PRIMARY KEY (kb_id, user_id)
);

CREATE TABLE IF NOT EXISTS documents (
    id         TEXT         PRIMARY KEY,
    kb_id      TEXT         NOT NULL REFERENCES knowledge_bases (id) ON DELETE CASCADE,
    filename   TEXT         NOT NULL,
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_documents_kb ON documents (kb_id);

CREATE TABLE IF NOT EXISTS document_chunks (
    id          BIGSERIAL    PRIMARY KEY,
    document_id TEXT         NOT NULL REFERENCES documents (id) ON DELETE CASCADE,
    ordinal     INTEGER      NOT NULL,
    content     TEXT         NOT NULL,
    embedding   vector(%d)   NOT NULL,
    page        INTEGER      NOT NULL DEFAULT 0,
    section     TEXT         NOT NULL DEFAULT '',
    tsv         TSVECTOR     GENERATED ALWAYS AS (to_tsvector('%s', content)) STORED,
    UNIQUE (document_id, ordinal)
);

CREATE INDEX IF NOT EXISTS idx_document_chunks_embedding
    ON document_chunks USING hnsw (embedding vector_cosine_ops);

CREATE INDEX IF NOT EXISTS idx_document_chunks_tsv
    ON document_chunks USING GIN (tsv);
`, dims, textSearchConfig)
}

// ─────────────────────────────────────────────────────────────────────────────
// Feedback examples (intent and tool corrections)
// ─────────────────────────────────────────────────────────────────────────────

func ddlFeedback(dims int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS feedback_examples (
    id         BIGSERIAL    PRIMARY KEY,
    kind       TEXT         NOT NULL,
    user_text  TEXT         NOT NULL,
    correction TEXT         NOT NULL,
    embedding  vector(%d)   NOT NULL,
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_feedback_examples_embedding
    ON feedback_examples USING hnsw (embedding vector_cosine_ops);
`, dims)
}

// ─────────────────────────────────────────────────────────────────────────────
// Notifications, suppression rules, reminders
// ─────────────────────────────────────────────────────────────────────────────

func ddlNotifications(dims int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS notifications (
    id           UUID         PRIMARY KEY,
    event_type   TEXT         NOT NULL,
    title        TEXT         NOT NULL DEFAULT '',
    message      TEXT         NOT NULL,
    room_name    TEXT         NOT NULL DEFAULT '',
    urgency      TEXT         NOT NULL DEFAULT 'info',
    status       TEXT         NOT NULL DEFAULT 'pending',
    fingerprint  TEXT         NOT NULL,
    embedding    vector(%d),
    metadata     JSONB        NOT NULL DEFAULT '{}',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    expires_at   TIMESTAMPTZ  NOT NULL,
    delivered_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_notifications_fingerprint
    ON notifications (fingerprint, created_at DESC);

CREATE INDEX IF NOT EXISTS idx_notifications_status
    ON notifications (status, expires_at);

CREATE TABLE IF NOT EXISTS suppression_rules (
    id         UUID             PRIMARY KEY,
    user_id    TEXT             NOT NULL,
    pattern    TEXT             NOT NULL DEFAULT '',
    embedding  vector(%[1]d)    NOT NULL,
    threshold  DOUBLE PRECISION NOT NULL DEFAULT 0.85,
    active     BOOLEAN          NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ      NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS reminders (
    id           UUID         PRIMARY KEY,
    user_id      TEXT         NOT NULL,
    title        TEXT         NOT NULL,
    body         TEXT         NOT NULL DEFAULT '',
    scheduled_at TIMESTAMPTZ  NOT NULL,
    status       TEXT         NOT NULL DEFAULT 'pending',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_reminders_due
    ON reminders (status, scheduled_at);
`, dims)
}

// ─────────────────────────────────────────────────────────────────────────────
// Rooms, output preferences, system settings
// ─────────────────────────────────────────────────────────────────────────────

const ddlRouting = `
CREATE TABLE IF NOT EXISTS rooms (
    name    TEXT   PRIMARY KEY,
    aliases TEXT[] NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS output_preferences (
    id                 BIGSERIAL PRIMARY KEY,
    room_name          TEXT      NOT NULL REFERENCES rooms (name) ON DELETE CASCADE,
    priority           INTEGER   NOT NULL,
    kind               TEXT      NOT NULL,
    target             TEXT      NOT NULL,
    allow_interruption BOOLEAN   NOT NULL DEFAULT FALSE,
    UNIQUE (room_name, priority)
);

CREATE TABLE IF NOT EXISTS system_settings (
    key        TEXT         PRIMARY KEY,
    value      TEXT         NOT NULL,
    updated_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates or ensures all required tables, indexes, and the pgvector
// extension. It is idempotent and safe to run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	return MigrateWithTextSearch(ctx, pool, embeddingDimensions, "simple")
}

// MigrateWithTextSearch is [Migrate] with an explicit text search
// configuration ("simple", "german", or "english") baked into the BM25
// tsvector column. Changing it after the first migration requires dropping
// the generated column manually.
func MigrateWithTextSearch(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int, textSearchConfig string) error {
	switch textSearchConfig {
	case "simple", "german", "english":
	default:
		return fmt.Errorf("store migrate: unsupported text search config %q", textSearchConfig)
	}

	statements := []string{
		"CREATE EXTENSION IF NOT EXISTS vector;",
		ddlConversations,
		ddlMemories(embeddingDimensions),
		ddlKnowledge(embeddingDimensions, textSearchConfig),
		ddlFeedback(embeddingDimensions),
		ddlNotifications(embeddingDimensions),
		ddlRouting,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store migrate: %w", err)
		}
	}
	return nil
}
