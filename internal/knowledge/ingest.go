package knowledge

import (
	"context"
	"fmt"
	"strings"

	"github.com/pgvector/pgvector-go"

	"github.com/renfield-ai/renfield/internal/fault"
)

// EnsureBase creates a knowledge base if it does not exist yet.
func (r *Retriever) EnsureBase(ctx context.Context, id, name, ownerID string, public bool) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO knowledge_bases (id, name, owner_id, is_public)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		id, name, ownerID, public)
	if err != nil {
		return fmt.Errorf("knowledge: ensure base: %w", err)
	}
	return nil
}

// Grant gives userID read access to a knowledge base.
func (r *Retriever) Grant(ctx context.Context, kbID, userID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO kb_grants (kb_id, user_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`,
		kbID, userID)
	if err != nil {
		return fmt.Errorf("knowledge: grant: %w", err)
	}
	return nil
}

// IngestDocument splits text into overlapping chunks, embeds them in one
// batch, and stores document plus chunks atomically. Re-ingesting the same
// document id replaces its chunks.
func (r *Retriever) IngestDocument(ctx context.Context, kbID, docID, filename, text string) (int, error) {
	if strings.TrimSpace(text) == "" {
		return 0, fault.New(fault.InputInvalid, "knowledge: empty document")
	}

	chunks := splitChunks(text, r.cfg.ChunkSize, r.cfg.ChunkOverlap)
	vecs, err := r.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return 0, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("knowledge: ingest: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO documents (id, kb_id, filename) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET filename = EXCLUDED.filename`,
		docID, kbID, filename); err != nil {
		return 0, fmt.Errorf("knowledge: ingest: document: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM document_chunks WHERE document_id = $1`, docID); err != nil {
		return 0, fmt.Errorf("knowledge: ingest: clear chunks: %w", err)
	}

	for i, content := range chunks {
		if _, err := tx.Exec(ctx, `
			INSERT INTO document_chunks (document_id, ordinal, content, embedding)
			VALUES ($1, $2, $3, $4)`,
			docID, i, content, pgvector.NewVector(vecs[i])); err != nil {
			return 0, fmt.Errorf("knowledge: ingest: chunk %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("knowledge: ingest: commit: %w", err)
	}
	return len(chunks), nil
}

// splitChunks cuts text into rune windows of size with the given overlap,
// preferring to break at whitespace near the window edge.
func splitChunks(text string, size, overlap int) []string {
	if size <= 0 {
		size = 1000
	}
	// Overlap must leave forward progress even after backing up to a
	// word boundary (up to a quarter window).
	if overlap < 0 || overlap >= size/2 {
		overlap = size / 5
	}

	runes := []rune(text)
	var chunks []string
	for start := 0; start < len(runes); {
		end := start + size
		if end >= len(runes) {
			chunks = append(chunks, strings.TrimSpace(string(runes[start:])))
			break
		}
		// Back up to the nearest whitespace so words stay whole, within a
		// quarter-window tolerance.
		cut := end
		for cut > start+size*3/4 && !isSpace(runes[cut-1]) {
			cut--
		}
		if cut == start+size*3/4 {
			cut = end
		}
		chunk := strings.TrimSpace(string(runes[start:cut]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		start = cut - overlap
		if start < 0 {
			start = 0
		}
	}

	// Drop empty trailing artifacts.
	out := chunks[:0]
	for _, c := range chunks {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t' || r == '\r'
}
