// Package memory implements the long-term memory store: per-user facts,
// preferences, and context snippets with embedding-based recall, duplicate
// collapsing, LLM-arbitrated contradiction handling, decay, and a bounded
// per-user budget.
//
// Every mutation writes a memory_history row, so "why did it forget that"
// is always answerable.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/renfield-ai/renfield/internal/clock"
	"github.com/renfield-ai/renfield/internal/config"
	"github.com/renfield-ai/renfield/internal/fault"
	"github.com/renfield-ai/renfield/internal/llm"
)

// Valid memory categories. Context memories decay; facts and preferences
// persist until contradicted or evicted.
const (
	CategoryFact       = "fact"
	CategoryPreference = "preference"
	CategoryContext    = "context"
)

// Memory is one stored item.
type Memory struct {
	ID           uuid.UUID
	UserID       string
	Content      string
	Category     string
	Importance   float64
	CreatedAt    time.Time
	LastAccessed time.Time

	// Similarity is populated by Retrieve (1.0 = identical).
	Similarity float64
}

// HistoryEntry is one audit record for a memory.
type HistoryEntry struct {
	MemoryID   uuid.UUID
	Action     string
	OldContent string
	NewContent string
	CreatedAt  time.Time
}

// History actions.
const (
	actionAdd    = "add"
	actionTouch  = "touch"
	actionUpdate = "update"
	actionDelete = "delete"
	actionEvict  = "evict"
	actionDecay  = "decay"
)

// Gateway is the slice of the LLM gateway the store needs.
type Gateway interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	CompleteJSON(ctx context.Context, req llm.Request, schema *llm.Schema, out any) error
}

// Store persists and recalls memories. Safe for concurrent use.
type Store struct {
	pool    *pgxpool.Pool
	gateway Gateway
	cfg     config.MemorySettings
	logger  *slog.Logger
	clk     clock.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock sets the time source, for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clk = c }
}

// NewStore creates a memory store on the shared pool.
func NewStore(pool *pgxpool.Pool, gateway Gateway, cfg config.MemorySettings, opts ...Option) *Store {
	s := &Store{
		pool:    pool,
		gateway: gateway,
		cfg:     cfg,
		logger:  slog.Default(),
		clk:     clock.System{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// reconcileSchema constrains the contradiction arbiter's output.
var reconcileSchema = llm.MustCompileSchema(`{
	"type": "object",
	"properties": {
		"action": {"type": "string", "enum": ["add", "update", "delete", "noop"]},
		"content": {"type": "string"}
	},
	"required": ["action"]
}`)

// reconcileDecision is the arbiter's verdict for a near-duplicate pair.
type reconcileDecision struct {
	Action  string `json:"action"`
	Content string `json:"content"`
}

// Insert stores content for a user, collapsing duplicates and arbitrating
// contradictions against the nearest existing memory:
//
//   - similarity ≥ DedupThreshold: the existing memory is touched (last
//     access bumped) and returned; nothing new is stored.
//   - similarity in [ContradictionThreshold, DedupThreshold) with
//     contradiction handling enabled: an LLM decides add / update / delete /
//     noop.
//   - otherwise: a plain insert.
//
// After an insert the per-user budget is enforced by evicting the
// lowest-importance, oldest memories.
func (s *Store) Insert(ctx context.Context, userID, content, category string, importance float64) (*Memory, error) {
	if content == "" {
		return nil, fault.New(fault.InputInvalid, "memory: empty content")
	}
	switch category {
	case CategoryFact, CategoryPreference, CategoryContext:
	case "":
		category = CategoryFact
	default:
		return nil, fault.New(fault.InputInvalid, "memory: unknown category %q", category)
	}
	if importance <= 0 {
		importance = 0.5
	}

	vec, err := s.gateway.Embed(ctx, content)
	if err != nil {
		return nil, err
	}

	nearest, sim, err := s.nearest(ctx, userID, vec)
	if err != nil {
		return nil, err
	}

	if nearest != nil {
		if sim >= s.cfg.DedupThreshold {
			return s.touch(ctx, nearest)
		}
		if s.cfg.ContradictionEnabled && sim >= s.cfg.ContradictionThreshold {
			return s.reconcile(ctx, userID, nearest, content, category, importance, vec)
		}
	}

	return s.add(ctx, userID, content, category, importance, vec)
}

// Retrieve returns up to limit memories for userID semantically similar to
// query, filtered by threshold. Returned memories have their last access
// bumped so decay and eviction favour what is actually used.
func (s *Store) Retrieve(ctx context.Context, userID, query string, limit int, threshold float64) ([]Memory, error) {
	if limit <= 0 {
		limit = s.cfg.RetrievalLimit
	}
	if threshold <= 0 {
		threshold = s.cfg.RetrievalThreshold
	}

	vec, err := s.gateway.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, content, category, importance, created_at, last_accessed,
		       1 - (embedding <=> $2) AS similarity
		FROM memories
		WHERE user_id = $1 AND deleted_at IS NULL
		  AND 1 - (embedding <=> $2) >= $3
		ORDER BY embedding <=> $2
		LIMIT $4`,
		userID, pgvector.NewVector(vec), threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: retrieve: %w", err)
	}
	memories, err := pgx.CollectRows(rows, scanMemory)
	if err != nil {
		return nil, fmt.Errorf("memory: retrieve: %w", err)
	}

	if len(memories) > 0 {
		ids := make([]uuid.UUID, len(memories))
		for i, m := range memories {
			ids[i] = m.ID
		}
		if _, err := s.pool.Exec(ctx,
			`UPDATE memories SET last_accessed = $2 WHERE id = ANY($1)`,
			ids, s.clk.Now()); err != nil {
			s.logger.Warn("memory: bump last_accessed failed", "error", err)
		}
	}
	return memories, nil
}

// List returns a user's active memories, newest first, for the REST surface.
func (s *Store) List(ctx context.Context, userID string, limit, offset int) ([]Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, content, category, importance, created_at, last_accessed, 0
		FROM memories
		WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("memory: list: %w", err)
	}
	memories, err := pgx.CollectRows(rows, scanMemory)
	if err != nil {
		return nil, fmt.Errorf("memory: list: %w", err)
	}
	return memories, nil
}

// Forget soft-deletes one memory owned by userID.
func (s *Store) Forget(ctx context.Context, userID string, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE memories SET deleted_at = $3
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`,
		id, userID, s.clk.Now())
	if err != nil {
		return fmt.Errorf("memory: forget: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.ResourceNotFound, "memory: %s not found", id)
	}
	s.audit(ctx, id, actionDelete, "", "")
	return nil
}

// DecayContext soft-deletes context-category memories whose last access is
// older than the configured decay window. Returns the number decayed. Meant
// to run periodically from the scheduler.
func (s *Store) DecayContext(ctx context.Context) (int, error) {
	if s.cfg.ContextDecayDays <= 0 {
		return 0, nil
	}
	cutoff := s.clk.Now().AddDate(0, 0, -s.cfg.ContextDecayDays)

	rows, err := s.pool.Query(ctx, `
		UPDATE memories SET deleted_at = $2
		WHERE category = 'context' AND deleted_at IS NULL AND last_accessed < $1
		RETURNING id`,
		cutoff, s.clk.Now())
	if err != nil {
		return 0, fmt.Errorf("memory: decay: %w", err)
	}
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (uuid.UUID, error) {
		var id uuid.UUID
		err := row.Scan(&id)
		return id, err
	})
	if err != nil {
		return 0, fmt.Errorf("memory: decay: %w", err)
	}
	for _, id := range ids {
		s.audit(ctx, id, actionDecay, "", "")
	}
	return len(ids), nil
}

// History returns the audit trail for one memory, oldest first.
func (s *Store) History(ctx context.Context, id uuid.UUID) ([]HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT memory_id, action, old_content, new_content, created_at
		FROM memory_history
		WHERE memory_id = $1
		ORDER BY created_at, id`,
		id)
	if err != nil {
		return nil, fmt.Errorf("memory: history: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (HistoryEntry, error) {
		var e HistoryEntry
		err := row.Scan(&e.MemoryID, &e.Action, &e.OldContent, &e.NewContent, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("memory: history: %w", err)
	}
	return entries, nil
}

// nearest returns the single most similar active memory for userID, or nil.
func (s *Store) nearest(ctx context.Context, userID string, vec []float32) (*Memory, float64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, content, category, importance, created_at, last_accessed,
		       1 - (embedding <=> $2) AS similarity
		FROM memories
		WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY embedding <=> $2
		LIMIT 1`,
		userID, pgvector.NewVector(vec))
	if err != nil {
		return nil, 0, fmt.Errorf("memory: nearest: %w", err)
	}
	memories, err := pgx.CollectRows(rows, scanMemory)
	if err != nil {
		return nil, 0, fmt.Errorf("memory: nearest: %w", err)
	}
	if len(memories) == 0 {
		return nil, 0, nil
	}
	return &memories[0], memories[0].Similarity, nil
}

// touch bumps an existing memory instead of inserting a duplicate.
func (s *Store) touch(ctx context.Context, m *Memory) (*Memory, error) {
	now := s.clk.Now()
	if _, err := s.pool.Exec(ctx,
		`UPDATE memories SET last_accessed = $2 WHERE id = $1`,
		m.ID, now); err != nil {
		return nil, fmt.Errorf("memory: touch: %w", err)
	}
	m.LastAccessed = now
	s.audit(ctx, m.ID, actionTouch, "", "")
	return m, nil
}

// reconcile asks the intent model to arbitrate a near-duplicate pair.
// An arbiter failure falls back to a plain add: losing a contradiction
// resolution is recoverable, losing the new fact is not.
func (s *Store) reconcile(ctx context.Context, userID string, existing *Memory, content, category string, importance float64, vec []float32) (*Memory, error) {
	prompt := fmt.Sprintf(
		"An assistant stores one memory per fact about a user.\nExisting memory: %q\nNew statement: %q\n\nDecide:\n- \"noop\" if the new statement adds nothing,\n- \"update\" if it supersedes the existing memory (put the merged text in \"content\"),\n- \"delete\" if it invalidates the existing memory and nothing should replace it,\n- \"add\" if both should be kept as separate memories.",
		existing.Content, content)

	var decision reconcileDecision
	err := s.gateway.CompleteJSON(ctx, llm.Request{
		Role:     llm.RoleIntent,
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	}, reconcileSchema, &decision)
	if err != nil {
		s.logger.Warn("memory: reconcile arbiter failed, adding as new",
			"user_id", userID, "error", err)
		return s.add(ctx, userID, content, category, importance, vec)
	}

	switch decision.Action {
	case "noop":
		return s.touch(ctx, existing)

	case "update":
		merged := decision.Content
		if merged == "" {
			merged = content
		}
		mergedVec, err := s.gateway.Embed(ctx, merged)
		if err != nil {
			return nil, err
		}
		now := s.clk.Now()
		if _, err := s.pool.Exec(ctx, `
			UPDATE memories SET content = $2, embedding = $3, last_accessed = $4
			WHERE id = $1`,
			existing.ID, merged, pgvector.NewVector(mergedVec), now); err != nil {
			return nil, fmt.Errorf("memory: update: %w", err)
		}
		s.audit(ctx, existing.ID, actionUpdate, existing.Content, merged)
		existing.Content = merged
		existing.LastAccessed = now
		return existing, nil

	case "delete":
		if _, err := s.pool.Exec(ctx,
			`UPDATE memories SET deleted_at = $2 WHERE id = $1`,
			existing.ID, s.clk.Now()); err != nil {
			return nil, fmt.Errorf("memory: reconcile delete: %w", err)
		}
		s.audit(ctx, existing.ID, actionDelete, existing.Content, "")
		return nil, nil

	default: // "add"
		return s.add(ctx, userID, content, category, importance, vec)
	}
}

// add performs the plain insert and enforces the per-user budget.
func (s *Store) add(ctx context.Context, userID, content, category string, importance float64, vec []float32) (*Memory, error) {
	m := &Memory{
		ID:           uuid.New(),
		UserID:       userID,
		Content:      content,
		Category:     category,
		Importance:   importance,
		CreatedAt:    s.clk.Now(),
		LastAccessed: s.clk.Now(),
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO memories (id, user_id, content, embedding, category, importance, created_at, last_accessed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		m.ID, userID, content, pgvector.NewVector(vec), category, importance, m.CreatedAt); err != nil {
		return nil, fmt.Errorf("memory: insert: %w", err)
	}
	s.audit(ctx, m.ID, actionAdd, "", content)

	if err := s.enforceBudget(ctx, userID); err != nil {
		s.logger.Warn("memory: budget enforcement failed", "user_id", userID, "error", err)
	}
	return m, nil
}

// enforceBudget evicts the lowest-importance, oldest memories above the
// per-user cap.
func (s *Store) enforceBudget(ctx context.Context, userID string) error {
	if s.cfg.MaxPerUser <= 0 {
		return nil
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE memories SET deleted_at = $3
		WHERE id IN (
			SELECT id FROM memories
			WHERE user_id = $1 AND deleted_at IS NULL
			ORDER BY importance DESC, created_at DESC
			OFFSET $2
		)
		RETURNING id`,
		userID, s.cfg.MaxPerUser, s.clk.Now())
	if err != nil {
		return fmt.Errorf("memory: evict: %w", err)
	}
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (uuid.UUID, error) {
		var id uuid.UUID
		err := row.Scan(&id)
		return id, err
	})
	if err != nil {
		return fmt.Errorf("memory: evict: %w", err)
	}
	for _, id := range ids {
		s.audit(ctx, id, actionEvict, "", "")
	}
	return nil
}

// audit records one history row. Audit failures are logged, never fatal.
func (s *Store) audit(ctx context.Context, id uuid.UUID, action, oldContent, newContent string) {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO memory_history (memory_id, action, old_content, new_content, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		id, action, oldContent, newContent, s.clk.Now()); err != nil {
		s.logger.Warn("memory: audit write failed", "memory_id", id, "action", action, "error", err)
	}
}

func scanMemory(row pgx.CollectableRow) (Memory, error) {
	var m Memory
	err := row.Scan(&m.ID, &m.UserID, &m.Content, &m.Category, &m.Importance,
		&m.CreatedAt, &m.LastAccessed, &m.Similarity)
	return m, err
}
