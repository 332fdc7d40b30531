// Package knowledge implements document retrieval over per-user knowledge
// bases: a dense vector arm, a BM25 full-text arm, reciprocal-rank-fusion
// of the two, and neighbor expansion so answers carry surrounding context.
//
// Access control happens inside the SQL: a chunk is visible when its
// knowledge base is public, owned by the caller, explicitly granted, or the
// caller holds blanket knowledge access.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/renfield-ai/renfield/internal/config"
)

// Chunk is one retrieved document fragment.
type Chunk struct {
	ID         int64
	DocumentID string
	Filename   string
	Page       int
	Section    string
	Ordinal    int
	Content    string

	// Score is the fused relevance score (hybrid) or cosine similarity
	// (dense-only).
	Score float64
}

// Embedder is the slice of the LLM gateway the retriever needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Retriever performs hybrid retrieval. Safe for concurrent use.
type Retriever struct {
	pool     *pgxpool.Pool
	embedder Embedder
	cfg      config.RAGSettings
	logger   *slog.Logger
}

// NewRetriever creates a retriever on the shared pool.
func NewRetriever(pool *pgxpool.Pool, embedder Embedder, cfg config.RAGSettings, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{pool: pool, embedder: embedder, cfg: cfg, logger: logger}
}

// accessFilter is the SQL predicate deciding chunk visibility. $1 = user
// id, $2 = blanket access.
const accessFilter = `($2 OR kb.is_public OR kb.owner_id = $1
	OR EXISTS (SELECT 1 FROM kb_grants g WHERE g.kb_id = kb.id AND g.user_id = $1))`

// Search retrieves up to topK chunks relevant to query that userID may
// read. allAccess bypasses the per-base permission filter (callers derive
// it from the permission token set).
//
// With hybrid retrieval enabled, dense and BM25 candidates (2×topK each)
// are fused by weighted reciprocal rank; otherwise the dense arm alone is
// used and the similarity threshold applies. The winners are expanded with
// neighboring chunks and returned in document order within each document.
func (r *Retriever) Search(ctx context.Context, userID string, allAccess bool, query string, topK int) ([]Chunk, error) {
	if !r.cfg.Enabled || query == "" {
		return nil, nil
	}
	if topK <= 0 {
		topK = r.cfg.TopK
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	dense, err := r.denseArm(ctx, userID, allAccess, vec, topK*2)
	if err != nil {
		return nil, err
	}

	var winners []Chunk
	if r.cfg.HybridEnabled {
		bm25, err := r.bm25Arm(ctx, userID, allAccess, query, topK*2)
		if err != nil {
			// BM25 is the refinement arm; dense results still answer.
			r.logger.Warn("knowledge: bm25 arm failed, using dense only", "error", err)
			bm25 = nil
		}
		winners = r.fuse(dense, bm25)
	} else {
		winners = dense[:0:0]
		for _, c := range dense {
			if c.Score >= r.cfg.SimilarityThreshold {
				winners = append(winners, c)
			}
		}
	}
	if len(winners) > topK {
		winners = winners[:topK]
	}
	if len(winners) == 0 {
		return nil, nil
	}

	return r.expand(ctx, winners)
}

func (r *Retriever) denseArm(ctx context.Context, userID string, allAccess bool, vec []float32, limit int) ([]Chunk, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT c.id, c.document_id, d.filename, c.page, c.section, c.ordinal, c.content,
		       1 - (c.embedding <=> $3) AS score
		FROM document_chunks c
		JOIN documents d ON d.id = c.document_id
		JOIN knowledge_bases kb ON kb.id = d.kb_id
		WHERE `+accessFilter+`
		ORDER BY c.embedding <=> $3
		LIMIT $4`,
		userID, allAccess, pgvector.NewVector(vec), limit)
	if err != nil {
		return nil, fmt.Errorf("knowledge: dense arm: %w", err)
	}
	chunks, err := pgx.CollectRows(rows, scanChunk)
	if err != nil {
		return nil, fmt.Errorf("knowledge: dense arm: %w", err)
	}
	return chunks, nil
}

func (r *Retriever) bm25Arm(ctx context.Context, userID string, allAccess bool, query string, limit int) ([]Chunk, error) {
	lang := r.cfg.TextSearchLanguage
	if lang == "" {
		lang = "simple"
	}
	rows, err := r.pool.Query(ctx, `
		SELECT c.id, c.document_id, d.filename, c.page, c.section, c.ordinal, c.content,
		       ts_rank(c.tsv, q)::float8 AS score
		FROM document_chunks c
		JOIN documents d ON d.id = c.document_id
		JOIN knowledge_bases kb ON kb.id = d.kb_id,
		     plainto_tsquery($3::regconfig, $4) q
		WHERE c.tsv @@ q AND `+accessFilter+`
		ORDER BY score DESC
		LIMIT $5`,
		userID, allAccess, lang, query, limit)
	if err != nil {
		return nil, fmt.Errorf("knowledge: bm25 arm: %w", err)
	}
	chunks, err := pgx.CollectRows(rows, scanChunk)
	if err != nil {
		return nil, fmt.Errorf("knowledge: bm25 arm: %w", err)
	}
	return chunks, nil
}

// fuse merges the two ranked candidate lists by weighted reciprocal rank:
// each chunk scores w/(k + rank) per arm it appears in.
func (r *Retriever) fuse(dense, bm25 []Chunk) []Chunk {
	k := float64(r.cfg.HybridRRFK)
	if k <= 0 {
		k = 60
	}

	byID := make(map[int64]*Chunk)
	scores := make(map[int64]float64)

	for rank, c := range dense {
		c := c
		byID[c.ID] = &c
		scores[c.ID] += r.cfg.HybridDenseWeight / (k + float64(rank+1))
	}
	for rank, c := range bm25 {
		if _, ok := byID[c.ID]; !ok {
			c := c
			byID[c.ID] = &c
		}
		scores[c.ID] += r.cfg.HybridBM25Weight / (k + float64(rank+1))
	}

	fused := make([]Chunk, 0, len(byID))
	for id, c := range byID {
		c.Score = scores[id]
		fused = append(fused, *c)
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].ID < fused[j].ID
	})
	return fused
}

// expand adds the chunks adjacent to each winner (±ContextWindowChunks by
// ordinal, same document), deduplicates, and orders results by document and
// ordinal. Neighbors inherit their seed's score.
func (r *Retriever) expand(ctx context.Context, winners []Chunk) ([]Chunk, error) {
	window := r.cfg.ContextWindowChunks
	if window <= 0 {
		window = 1
	}

	type key struct {
		doc     string
		ordinal int
	}
	seen := make(map[key]bool, len(winners))
	seedScore := make(map[key]float64)
	var docs []string
	var ordinals []int32

	add := func(doc string, ordinal int, score float64) {
		k := key{doc, ordinal}
		if seen[k] || ordinal < 0 {
			return
		}
		seen[k] = true
		seedScore[k] = score
		docs = append(docs, doc)
		ordinals = append(ordinals, int32(ordinal))
	}
	for _, w := range winners {
		for d := -window; d <= window; d++ {
			add(w.DocumentID, w.Ordinal+d, w.Score)
		}
	}

	rows, err := r.pool.Query(ctx, `
		SELECT c.id, c.document_id, d.filename, c.page, c.section, c.ordinal, c.content, 0::float8
		FROM document_chunks c
		JOIN documents d ON d.id = c.document_id
		JOIN unnest($1::text[], $2::int[]) AS want(document_id, ordinal)
		  ON want.document_id = c.document_id AND want.ordinal = c.ordinal
		ORDER BY c.document_id, c.ordinal`,
		docs, ordinals)
	if err != nil {
		return nil, fmt.Errorf("knowledge: expand: %w", err)
	}
	chunks, err := pgx.CollectRows(rows, scanChunk)
	if err != nil {
		return nil, fmt.Errorf("knowledge: expand: %w", err)
	}
	for i := range chunks {
		chunks[i].Score = seedScore[key{chunks[i].DocumentID, chunks[i].Ordinal}]
	}
	return chunks, nil
}

func scanChunk(row pgx.CollectableRow) (Chunk, error) {
	var c Chunk
	err := row.Scan(&c.ID, &c.DocumentID, &c.Filename, &c.Page, &c.Section,
		&c.Ordinal, &c.Content, &c.Score)
	return c, err
}
