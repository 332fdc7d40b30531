package knowledge

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/pgvector/pgvector-go"

	"github.com/renfield-ai/renfield/internal/config"
	"github.com/renfield-ai/renfield/internal/store"
)

const testDim = 4

// fakeEmbedder returns fixed vectors per text so similarity is controlled
// by the test.
type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 0, 1}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func testPool(t *testing.T) *store.Store {
	t.Helper()
	dsn := os.Getenv("RENFIELD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RENFIELD_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	ctx := context.Background()
	s, err := store.New(ctx, dsn, testDim)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(s.Close)
	if _, err := s.Pool().Exec(ctx, "TRUNCATE knowledge_bases CASCADE"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func testCfg() config.RAGSettings {
	return config.RAGSettings{
		Enabled:             true,
		ChunkSize:           1000,
		ChunkOverlap:        200,
		TopK:                5,
		SimilarityThreshold: 0.4,
		HybridEnabled:       false,
		HybridRRFK:          60,
		HybridDenseWeight:   0.7,
		HybridBM25Weight:    0.3,
		ContextWindowChunks: 1,
		TextSearchLanguage:  "simple",
	}
}

func seedChunk(t *testing.T, s *store.Store, docID string, ordinal int, content string, vec []float32) {
	t.Helper()
	_, err := s.Pool().Exec(context.Background(), `
		INSERT INTO document_chunks (document_id, ordinal, content, embedding)
		VALUES ($1, $2, $3, $4)`,
		docID, ordinal, content, pgvector.NewVector(vec))
	if err != nil {
		t.Fatalf("seed chunk: %v", err)
	}
}

func seedDoc(t *testing.T, s *store.Store, kbID, docID string) {
	t.Helper()
	_, err := s.Pool().Exec(context.Background(), `
		INSERT INTO documents (id, kb_id, filename) VALUES ($1, $2, $3)`,
		docID, kbID, docID+".txt")
	if err != nil {
		t.Fatalf("seed doc: %v", err)
	}
}

func TestSearch_Disabled(t *testing.T) {
	cfg := testCfg()
	cfg.Enabled = false
	r := NewRetriever(nil, &fakeEmbedder{}, cfg, nil)

	got, err := r.Search(context.Background(), "alice", false, "anything", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got != nil {
		t.Errorf("got %v, want nil while disabled", got)
	}
}

func TestSearch_AccessFilter(t *testing.T) {
	s := testPool(t)
	ctx := context.Background()
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"the topic": {1, 0, 0, 0},
	}}
	r := NewRetriever(s.Pool(), emb, testCfg(), nil)

	if err := r.EnsureBase(ctx, "kb-public", "Public", "", true); err != nil {
		t.Fatalf("EnsureBase: %v", err)
	}
	if err := r.EnsureBase(ctx, "kb-alice", "Alice's", "alice", false); err != nil {
		t.Fatalf("EnsureBase: %v", err)
	}
	if err := r.EnsureBase(ctx, "kb-bob", "Bob's", "bob", false); err != nil {
		t.Fatalf("EnsureBase: %v", err)
	}
	if err := r.Grant(ctx, "kb-bob", "carol"); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	seedDoc(t, s, "kb-public", "doc-pub")
	seedDoc(t, s, "kb-alice", "doc-alice")
	seedDoc(t, s, "kb-bob", "doc-bob")
	seedChunk(t, s, "doc-pub", 0, "public chunk", []float32{1, 0, 0, 0})
	seedChunk(t, s, "doc-alice", 0, "alice chunk", []float32{1, 0, 0, 0})
	seedChunk(t, s, "doc-bob", 0, "bob chunk", []float32{1, 0, 0, 0})

	visible := func(userID string, allAccess bool) map[string]bool {
		t.Helper()
		chunks, err := r.Search(ctx, userID, allAccess, "the topic", 10)
		if err != nil {
			t.Fatalf("Search(%s): %v", userID, err)
		}
		got := make(map[string]bool)
		for _, c := range chunks {
			got[c.Content] = true
		}
		return got
	}

	got := visible("alice", false)
	if !got["public chunk"] || !got["alice chunk"] || got["bob chunk"] {
		t.Errorf("alice sees %v", got)
	}
	got = visible("carol", false)
	if !got["public chunk"] || !got["bob chunk"] || got["alice chunk"] {
		t.Errorf("carol sees %v", got)
	}
	got = visible("dave", false)
	if len(got) != 1 || !got["public chunk"] {
		t.Errorf("dave sees %v", got)
	}
	got = visible("dave", true)
	if len(got) != 3 {
		t.Errorf("blanket access sees %v, want all three", got)
	}
}

func TestSearch_DenseThreshold(t *testing.T) {
	s := testPool(t)
	ctx := context.Background()
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"green tea": {1, 0, 0, 0},
	}}
	r := NewRetriever(s.Pool(), emb, testCfg(), nil)

	if err := r.EnsureBase(ctx, "kb", "KB", "", true); err != nil {
		t.Fatalf("EnsureBase: %v", err)
	}
	seedDoc(t, s, "kb", "doc-a")
	seedDoc(t, s, "kb", "doc-b")
	seedChunk(t, s, "doc-a", 0, "all about green tea", []float32{1, 0, 0, 0})
	seedChunk(t, s, "doc-b", 0, "bicycle repair", []float32{0, 1, 0, 0})

	got, err := r.Search(ctx, "alice", false, "green tea", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1 (orthogonal chunk below threshold): %+v", len(got), got)
	}
	if got[0].Content != "all about green tea" {
		t.Errorf("content = %q", got[0].Content)
	}
	if got[0].Score < 0.99 {
		t.Errorf("score = %v, want ≈1 cosine similarity", got[0].Score)
	}
}

func TestSearch_HybridBoostsKeywordMatch(t *testing.T) {
	s := testPool(t)
	ctx := context.Background()
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"unicorn maintenance": {1, 0, 0, 0},
	}}
	cfg := testCfg()
	cfg.HybridEnabled = true
	r := NewRetriever(s.Pool(), emb, cfg, nil)

	if err := r.EnsureBase(ctx, "kb", "KB", "", true); err != nil {
		t.Fatalf("EnsureBase: %v", err)
	}
	seedDoc(t, s, "kb", "doc-close")
	seedDoc(t, s, "kb", "doc-keyword")
	// Closest dense match but no query keywords.
	seedChunk(t, s, "doc-close", 0, "general care of magical horses", []float32{1, 0, 0, 0})
	// Second in the dense ranking, only BM25 hit.
	seedChunk(t, s, "doc-keyword", 0, "unicorn maintenance intervals", []float32{0.9, 0.4, 0, 0})

	got, err := r.Search(ctx, "alice", false, "unicorn maintenance", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(got), got)
	}

	scores := make(map[string]float64)
	for _, c := range got {
		scores[c.Content] = c.Score
	}
	if scores["unicorn maintenance intervals"] <= scores["general care of magical horses"] {
		t.Errorf("two-arm chunk should outscore dense-only chunk: %v", scores)
	}
}

func TestSearch_NeighborExpansion(t *testing.T) {
	s := testPool(t)
	ctx := context.Background()
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"the middle part": {1, 0, 0, 0},
	}}
	r := NewRetriever(s.Pool(), emb, testCfg(), nil)

	if err := r.EnsureBase(ctx, "kb", "KB", "", true); err != nil {
		t.Fatalf("EnsureBase: %v", err)
	}
	seedDoc(t, s, "kb", "doc")
	contents := []string{"intro", "before", "the middle part", "after", "outro"}
	for i, c := range contents {
		vec := []float32{0, 1, 0, 0}
		if c == "the middle part" {
			vec = []float32{1, 0, 0, 0}
		}
		seedChunk(t, s, "doc", i, c, vec)
	}

	got, err := r.Search(ctx, "alice", false, "the middle part", 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want winner plus two neighbors: %+v", len(got), got)
	}
	for i, want := range []string{"before", "the middle part", "after"} {
		if got[i].Content != want {
			t.Errorf("chunk %d = %q, want %q", i, got[i].Content, want)
		}
	}
	// Neighbors inherit the winner's score.
	if got[0].Score != got[1].Score || got[2].Score != got[1].Score {
		t.Errorf("neighbor scores %v / %v / %v, want equal", got[0].Score, got[1].Score, got[2].Score)
	}
}

func TestIngestDocument_Replaces(t *testing.T) {
	s := testPool(t)
	ctx := context.Background()
	emb := &fakeEmbedder{}
	cfg := testCfg()
	cfg.ChunkSize = 40
	cfg.ChunkOverlap = 8
	r := NewRetriever(s.Pool(), emb, cfg, nil)

	if err := r.EnsureBase(ctx, "kb", "KB", "", true); err != nil {
		t.Fatalf("EnsureBase: %v", err)
	}

	long := strings.Repeat("many words in a row ", 10)
	n, err := r.IngestDocument(ctx, "kb", "doc", "notes.txt", long)
	if err != nil {
		t.Fatalf("IngestDocument: %v", err)
	}
	if n < 2 {
		t.Fatalf("chunks = %d, want several", n)
	}

	n2, err := r.IngestDocument(ctx, "kb", "doc", "notes.txt", "short now")
	if err != nil {
		t.Fatalf("re-ingest: %v", err)
	}
	if n2 != 1 {
		t.Fatalf("chunks = %d, want 1", n2)
	}

	var count int
	if err := s.Pool().QueryRow(ctx,
		"SELECT count(*) FROM document_chunks WHERE document_id = 'doc'").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("stored chunks = %d, want old chunks replaced", count)
	}
}

func TestFuse(t *testing.T) {
	cfg := testCfg()
	r := NewRetriever(nil, nil, cfg, nil)

	dense := []Chunk{{ID: 1, Content: "a"}, {ID: 2, Content: "b"}}
	bm25 := []Chunk{{ID: 2, Content: "b"}, {ID: 3, Content: "c"}}

	fused := r.fuse(dense, bm25)
	if len(fused) != 3 {
		t.Fatalf("len = %d, want 3", len(fused))
	}
	// ID 2 appears in both arms and must lead.
	if fused[0].ID != 2 {
		t.Errorf("top = %d, want 2", fused[0].ID)
	}
	want := 0.7/61 + 0.3/61
	if diff := fused[0].Score - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("score = %v, want %v", fused[0].Score, want)
	}
	// Remaining order: dense rank 1 (0.7/61) beats bm25 rank 2 (0.3/62).
	if fused[1].ID != 1 || fused[2].ID != 3 {
		t.Errorf("order = %d, %d", fused[1].ID, fused[2].ID)
	}
}

func TestSplitChunks(t *testing.T) {
	t.Run("short text is one chunk", func(t *testing.T) {
		got := splitChunks("hello world", 100, 20)
		if len(got) != 1 || got[0] != "hello world" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("overlap repeats trailing words", func(t *testing.T) {
		text := strings.Repeat("alpha beta gamma delta ", 20)
		got := splitChunks(text, 60, 12)
		if len(got) < 2 {
			t.Fatalf("len = %d, want multiple chunks", len(got))
		}
		for i, c := range got {
			if len([]rune(c)) > 60 {
				t.Errorf("chunk %d length %d exceeds window", i, len([]rune(c)))
			}
			if strings.HasPrefix(c, " ") || strings.HasSuffix(c, " ") {
				t.Errorf("chunk %d not trimmed: %q", i, c)
			}
		}
	})

	t.Run("breaks at whitespace", func(t *testing.T) {
		text := strings.Repeat("word ", 50)
		for _, c := range splitChunks(text, 23, 5) {
			for _, piece := range strings.Fields(c) {
				if piece != "word" {
					t.Fatalf("split mid-word: %q", c)
				}
			}
		}
	})
}
