package feedback_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/renfield-ai/renfield/internal/feedback"
	"github.com/renfield-ai/renfield/internal/store"
)

const testDim = 4

type fakeEmbedder struct {
	vectors map[string][]float32
	calls   int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls++
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 0, 1}, nil
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
	if _, err := s.Pool().Exec(ctx, "TRUNCATE feedback_examples"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func TestRecordAndLookup(t *testing.T) {
	s := testPool(t)
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"turn on the light":   {1, 0, 0, 0},
		"lights on please":    {0.95, 0.3, 0, 0},
		"play some jazz":      {0, 1, 0, 0},
		"what is the weather": {0, 0, 1, 0},
	}}
	fs := feedback.NewStore(s.Pool(), emb, nil)
	ctx := context.Background()

	if _, err := fs.Record(ctx, feedback.KindIntent, "turn on the light", "light.turn_on"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := fs.Record(ctx, feedback.KindIntent, "play some jazz", "media.play"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := fs.Record(ctx, feedback.KindTool, "what is the weather", "mcp.weather.forecast"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := fs.Lookup(ctx, feedback.KindIntent, "lights on please", 3)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 intent examples (tool kind excluded)", len(got))
	}
	if got[0].Correction != "light.turn_on" {
		t.Errorf("top correction = %q, want the similar phrasing first", got[0].Correction)
	}
	if got[0].Similarity <= got[1].Similarity {
		t.Errorf("similarity order: %v then %v", got[0].Similarity, got[1].Similarity)
	}
}

func TestLookup_Cached(t *testing.T) {
	s := testPool(t)
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"turn on the light": {1, 0, 0, 0},
	}}
	fs := feedback.NewStore(s.Pool(), emb, nil)
	ctx := context.Background()

	if _, err := fs.Record(ctx, feedback.KindIntent, "turn on the light", "light.turn_on"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	if _, err := fs.Lookup(ctx, feedback.KindIntent, "turn on the light", 3); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	before := emb.calls
	if _, err := fs.Lookup(ctx, feedback.KindIntent, "turn on the light", 3); err != nil {
		t.Fatalf("cached Lookup: %v", err)
	}
	if emb.calls != before {
		t.Error("second lookup embedded again instead of hitting the cache")
	}

	// Recording invalidates.
	if _, err := fs.Record(ctx, feedback.KindIntent, "turn on the light", "switch.turn_on"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	before = emb.calls
	if _, err := fs.Lookup(ctx, feedback.KindIntent, "turn on the light", 3); err != nil {
		t.Fatalf("post-record Lookup: %v", err)
	}
	if emb.calls == before {
		t.Error("lookup after record served stale cache")
	}
}

func TestRecord_Validation(t *testing.T) {
	fs := feedback.NewStore(nil, &fakeEmbedder{}, nil)
	ctx := context.Background()

	if _, err := fs.Record(ctx, "bogus", "text", "fix"); err == nil {
		t.Error("unknown kind accepted")
	}
	if _, err := fs.Record(ctx, feedback.KindIntent, "  ", "fix"); err == nil {
		t.Error("blank user text accepted")
	}
	if _, err := fs.Record(ctx, feedback.KindIntent, "text", ""); err == nil {
		t.Error("blank correction accepted")
	}
}

func TestDelete(t *testing.T) {
	s := testPool(t)
	fs := feedback.NewStore(s.Pool(), &fakeEmbedder{}, nil)
	ctx := context.Background()

	id, err := fs.Record(ctx, feedback.KindIntent, "turn on the light", "light.turn_on")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := fs.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := fs.Delete(ctx, id); err == nil {
		t.Error("second delete should fail")
	}
}

func TestFormatFewShots(t *testing.T) {
	if got := feedback.FormatFewShots(nil); got != "" {
		t.Errorf("empty input: %q", got)
	}
	out := feedback.FormatFewShots([]feedback.Example{
		{UserText: "turn on the light", Correction: "light.turn_on"},
		{UserText: "play some jazz", Correction: "media.play"},
	})
	if !strings.Contains(out, "light.turn_on") || !strings.Contains(out, "media.play") {
		t.Errorf("missing corrections: %q", out)
	}
	if lines := strings.Count(out, "\n"); lines != 3 {
		t.Errorf("lines = %d, want header plus two examples", lines)
	}
}
