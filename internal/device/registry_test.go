package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/renfield-ai/renfield/internal/clock"
)

// fakeTransport records sent envelopes.
type fakeTransport struct {
	mu   sync.Mutex
	sent []any
	err  error
}

func (f *fakeTransport) Send(_ context.Context, envelope any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, envelope)
	return nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testRegistry() (*Registry, *clock.Fake) {
	clk := clock.NewFake(time.Now())
	return NewRegistry(Config{HeartbeatTimeout: 60 * time.Second}, WithClock(clk)), clk
}

func speakerInfo(id, room string) Info {
	return Info{ID: id, Kind: KindWeb, Room: room,
		Capabilities: Capabilities{Speaker: true}}
}

func TestRegister_RoomInference(t *testing.T) {
	r, _ := testRegistry()
	ctx := context.Background()

	// First registration with an explicit room teaches the IP mapping.
	info := Info{ID: "panel-1", Kind: KindWeb, Room: "kitchen", ClientIP: "10.0.0.7"}
	if _, err := r.Register(ctx, info, &fakeTransport{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.Unregister(ctx, "panel-1")

	// Reconnect from the same IP without a room.
	got, err := r.Register(ctx, Info{ID: "panel-1", Kind: KindWeb, ClientIP: "10.0.0.7"}, &fakeTransport{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got.Room != "kitchen" {
		t.Errorf("room = %q, want inferred kitchen", got.Room)
	}

	// A roaming kind never inherits by IP.
	got, _ = r.Register(ctx, Info{ID: "phone-1", Kind: KindMobile, ClientIP: "10.0.0.7"}, &fakeTransport{})
	if got.Room != RoomUnassigned {
		t.Errorf("mobile room = %q, want unassigned", got.Room)
	}
}

func TestSendAndBroadcast(t *testing.T) {
	r, _ := testRegistry()
	ctx := context.Background()

	kitchen1, kitchen2, office := &fakeTransport{}, &fakeTransport{}, &fakeTransport{}
	r.Register(ctx, speakerInfo("k1", "kitchen"), kitchen1)
	r.Register(ctx, speakerInfo("k2", "kitchen"), kitchen2)
	r.Register(ctx, speakerInfo("o1", "office"), office)

	if err := r.SendTo(ctx, "o1", map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	if office.count() != 1 {
		t.Errorf("office sends = %d", office.count())
	}
	if err := r.SendTo(ctx, "ghost", nil); err == nil {
		t.Error("send to unknown device should fail")
	}

	sent := r.BroadcastToRoom(ctx, "kitchen", nil, map[string]any{"type": "notification"})
	if sent != 2 {
		t.Errorf("broadcast reached %d, want 2", sent)
	}
	if office.count() != 1 {
		t.Error("broadcast leaked into another room")
	}

	// Failing transports are skipped, not fatal.
	kitchen2.err = errors.New("gone")
	if sent := r.BroadcastToRoom(ctx, "kitchen", nil, "x"); sent != 1 {
		t.Errorf("broadcast with one dead transport = %d, want 1", sent)
	}
}

func TestHeartbeatStaleness(t *testing.T) {
	r, clk := testRegistry()
	ctx := context.Background()
	r.Register(ctx, speakerInfo("k1", "kitchen"), &fakeTransport{})

	if r.IsStale("k1") {
		t.Error("fresh device reported stale")
	}
	clk.Advance(61 * time.Second)
	if !r.IsStale("k1") {
		t.Error("silent device not stale after timeout")
	}
	r.Heartbeat("k1")
	if r.IsStale("k1") {
		t.Error("heartbeat did not refresh staleness")
	}
	if !r.IsStale("never-seen") {
		t.Error("unknown device must be stale")
	}
}

func TestFindSpeakersInRoom(t *testing.T) {
	r, clk := testRegistry()
	ctx := context.Background()

	r.Register(ctx, speakerInfo("k1", "kitchen"), &fakeTransport{})
	r.Register(ctx, Info{ID: "display", Kind: KindWeb, Room: "kitchen"}, &fakeTransport{})
	clk.Advance(61 * time.Second)
	r.Register(ctx, speakerInfo("k2", "kitchen"), &fakeTransport{})

	speakers := r.FindSpeakersInRoom("kitchen")
	if len(speakers) != 2 {
		t.Fatalf("speakers = %+v, want 2 (display has no speaker)", speakers)
	}
	// Fresh k2 ranks before stale k1.
	if speakers[0].DeviceID != "k2" || speakers[0].Stale {
		t.Errorf("first speaker = %+v, want fresh k2", speakers[0])
	}
	if speakers[1].DeviceID != "k1" || !speakers[1].Stale {
		t.Errorf("second speaker = %+v, want stale k1", speakers[1])
	}
}

func TestWakeWordDistribution(t *testing.T) {
	r, _ := testRegistry()
	ctx := context.Background()

	capable := Capabilities{Speaker: true, LocalWakeWord: true}
	t1, t2, plain := &fakeTransport{}, &fakeTransport{}, &fakeTransport{}
	r.Register(ctx, Info{ID: "sat-1", Kind: KindSatellite, Room: "kitchen", Capabilities: capable}, t1)
	r.Register(ctx, Info{ID: "sat-2", Kind: KindSatellite, Room: "office", Capabilities: capable}, t2)
	r.Register(ctx, speakerInfo("k1", "kitchen"), plain)

	version := r.UpdateWakeWordConfig(ctx, WakeWordConfig{Keyword: "renfield", Threshold: 0.6})
	if version != 1 {
		t.Errorf("version = %d", version)
	}
	if t1.count() != 1 || t2.count() != 1 {
		t.Errorf("capable devices got %d/%d updates", t1.count(), t2.count())
	}
	if plain.count() != 0 {
		t.Error("non-wake-word device received a config update")
	}

	r.AckWakeWordConfig("sat-1", version, []string{"renfield"}, nil)
	r.AckWakeWordConfig("sat-2", version, nil, []string{"renfield"})

	states := make(map[string]SyncState)
	for _, s := range r.WakeWordSyncStatus() {
		states[s.DeviceID] = s.State
	}
	if states["sat-1"] != SyncSynced {
		t.Errorf("sat-1 = %v", states["sat-1"])
	}
	if states["sat-2"] != SyncFailed {
		t.Errorf("sat-2 = %v", states["sat-2"])
	}

	// A new version resets everyone to pending until acked.
	r.UpdateWakeWordConfig(ctx, WakeWordConfig{Keyword: "igor", Threshold: 0.6})
	for _, s := range r.WakeWordSyncStatus() {
		if s.State != SyncPending {
			t.Errorf("%s = %v after new version, want pending", s.DeviceID, s.State)
		}
	}

	// A late registrant gets the current config on connect.
	late := &fakeTransport{}
	r.Register(ctx, Info{ID: "sat-3", Kind: KindSatellite, Capabilities: capable}, late)
	if late.count() != 1 {
		t.Error("late registrant did not receive the current config")
	}
}
