// Package feedback stores correction examples users gave after a wrong
// intent classification or tool pick, and serves them back as few-shot
// examples for later prompts. Lookups are embedding-similarity searches
// fronted by a small TTL cache, since the same phrasings recur within a
// conversation.
package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/renfield-ai/renfield/internal/fault"
)

// Kinds of correction examples.
const (
	KindIntent = "intent"
	KindTool   = "tool"
)

// Example is one stored correction: what the user said and what the right
// answer turned out to be.
type Example struct {
	ID         int64
	Kind       string
	UserText   string
	Correction string
	Similarity float64
	CreatedAt  time.Time
}

// Embedder is the slice of the LLM gateway the store needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

const (
	cacheSize = 256
	cacheTTL  = 5 * time.Minute
)

// Store persists and retrieves correction examples. Safe for concurrent
// use.
type Store struct {
	pool     *pgxpool.Pool
	embedder Embedder
	logger   *slog.Logger
	cache    *lru.LRU[string, []Example]
}

// NewStore creates a feedback store on the shared pool.
func NewStore(pool *pgxpool.Pool, embedder Embedder, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		pool:     pool,
		embedder: embedder,
		logger:   logger,
		cache:    lru.NewLRU[string, []Example](cacheSize, nil, cacheTTL),
	}
}

// Record stores a correction example and invalidates the lookup cache.
func (s *Store) Record(ctx context.Context, kind, userText, correction string) (int64, error) {
	switch kind {
	case KindIntent, KindTool:
	default:
		return 0, fault.New(fault.InputInvalid, "feedback: unknown kind %q", kind)
	}
	userText = strings.TrimSpace(userText)
	correction = strings.TrimSpace(correction)
	if userText == "" || correction == "" {
		return 0, fault.New(fault.InputInvalid, "feedback: user text and correction are required")
	}

	vec, err := s.embedder.Embed(ctx, userText)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO feedback_examples (kind, user_text, correction, embedding)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		kind, userText, correction, pgvector.NewVector(vec)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("feedback: record: %w", err)
	}

	s.cache.Purge()
	return id, nil
}

// Lookup returns up to limit examples of the given kind most similar to
// query, most similar first. Results are cached for a few minutes; Record
// invalidates the cache.
func (s *Store) Lookup(ctx context.Context, kind, query string, limit int) ([]Example, error) {
	query = strings.TrimSpace(query)
	if query == "" || limit <= 0 {
		return nil, nil
	}

	key := kind + "\x00" + query + "\x00" + strconv.Itoa(limit)
	if cached, ok := s.cache.Get(key); ok {
		return cached, nil
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, user_text, correction,
		       1 - (embedding <=> $2) AS similarity, created_at
		FROM feedback_examples
		WHERE kind = $1
		ORDER BY embedding <=> $2
		LIMIT $3`,
		kind, pgvector.NewVector(vec), limit)
	if err != nil {
		return nil, fmt.Errorf("feedback: lookup: %w", err)
	}
	examples, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Example, error) {
		var e Example
		err := row.Scan(&e.ID, &e.Kind, &e.UserText, &e.Correction, &e.Similarity, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("feedback: lookup: %w", err)
	}

	s.cache.Add(key, examples)
	return examples, nil
}

// Delete removes a stored example. Missing ids return ResourceNotFound.
func (s *Store) Delete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM feedback_examples WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("feedback: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.ResourceNotFound, "feedback: example %d not found", id)
	}
	s.cache.Purge()
	return nil
}

// FormatFewShots renders examples as prompt lines for the intent
// classifier. Empty input yields the empty string.
func FormatFewShots(examples []Example) string {
	if len(examples) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Past corrections from this user:\n")
	for _, e := range examples {
		fmt.Fprintf(&b, "- User said: %q → correct answer: %s\n", e.UserText, e.Correction)
	}
	return b.String()
}
