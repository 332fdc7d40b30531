package device

import (
	"context"
	"os"
	"testing"

	"github.com/renfield-ai/renfield/internal/store"
)

func testRooms(t *testing.T) *Rooms {
	t.Helper()
	dsn := os.Getenv("RENFIELD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RENFIELD_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	ctx := context.Background()
	s, err := store.New(ctx, dsn, 4)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(s.Close)
	if _, err := s.Pool().Exec(ctx, "TRUNCATE rooms CASCADE"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return NewRooms(s.Pool())
}

func TestRooms_Resolve(t *testing.T) {
	rooms := testRooms(t)
	ctx := context.Background()

	if err := rooms.Upsert(ctx, Room{Name: "wohnzimmer", Aliases: []string{"living room", "stube"}}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := rooms.Upsert(ctx, Room{Name: "büro", Aliases: []string{"office", "arbeitszimmer"}}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	cases := []struct {
		spoken, want string
	}{
		{"wohnzimmer", "wohnzimmer"},
		{"Living Room", "wohnzimmer"},
		{"stube", "wohnzimmer"},
		{"office", "büro"},
		// Transcription slip, close enough for fuzzy matching.
		{"wohnzimer", "wohnzimmer"},
		{"arbeitszimer", "büro"},
		// Nothing like any room.
		{"garage", ""},
		{"", ""},
	}
	for _, tc := range cases {
		got, err := rooms.Resolve(ctx, tc.spoken)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tc.spoken, err)
		}
		if got != tc.want {
			t.Errorf("Resolve(%q) = %q, want %q", tc.spoken, got, tc.want)
		}
	}
}

func TestRooms_Preferences(t *testing.T) {
	rooms := testRooms(t)
	ctx := context.Background()

	if err := rooms.Upsert(ctx, Room{Name: "kitchen"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	prefs := []OutputPreference{
		{Priority: 2, Kind: TargetDLNA, Target: "Kitchen Radio"},
		{Priority: 1, Kind: TargetMediaEntity, Target: "media_player.kitchen", AllowInterruption: true},
		{Priority: 3, Kind: TargetDevice, Target: "panel-1"},
	}
	if err := rooms.SetPreferences(ctx, "kitchen", prefs); err != nil {
		t.Fatalf("SetPreferences: %v", err)
	}

	got, err := rooms.Preferences(ctx, "kitchen")
	if err != nil {
		t.Fatalf("Preferences: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d", len(got))
	}
	for i, wantPriority := range []int{1, 2, 3} {
		if got[i].Priority != wantPriority {
			t.Errorf("position %d has priority %d", i, got[i].Priority)
		}
	}
	if got[0].Target != "media_player.kitchen" || !got[0].AllowInterruption {
		t.Errorf("top preference = %+v", got[0])
	}

	// Replacement clears the old list.
	if err := rooms.SetPreferences(ctx, "kitchen", prefs[:1]); err != nil {
		t.Fatalf("SetPreferences: %v", err)
	}
	got, _ = rooms.Preferences(ctx, "kitchen")
	if len(got) != 1 {
		t.Errorf("after replace len = %d, want 1", len(got))
	}
}
