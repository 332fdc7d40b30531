// Package output routes synthesized audio to the best playback target of a
// room. Rooms carry an ordered output-preference list (renfield devices,
// smart-home media entities, DLNA renderers); the router walks it, maps
// each target to an availability state and emits a playback directive to
// the first usable one. At most one emission per room plays at a time.
package output

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/renfield-ai/renfield/internal/device"
	"github.com/renfield-ai/renfield/internal/fault"
)

// Playable is an opaque audio-content reference plus a preferred volume.
type Playable struct {
	URL    string  `json:"url"`
	Volume float64 `json:"volume"`
}

// Status of an emission.
type Status string

// Emission states.
const (
	StatusPlaying     Status = "playing"
	StatusInterrupted Status = "interrupted"
	StatusFinished    Status = "finished"
)

// Emission is the routing decision for one playable.
type Emission struct {
	Room   string                `json:"room"`
	Kind   device.PreferenceKind `json:"kind"`
	Target string                `json:"target"`
	Status Status                `json:"status"`
}

type availability int

const (
	available availability = iota
	busy
	unavailable
)

// Devices is the device-registry surface the router needs.
type Devices interface {
	Get(id string) (device.Info, bool)
	IsStale(id string) bool
	SendTo(ctx context.Context, id string, envelope any) error
}

// Preferences loads a room's ranked output targets.
type Preferences interface {
	Preferences(ctx context.Context, room string) ([]device.OutputPreference, error)
}

// MediaStates reports the playback state of a smart-home media entity.
// Implementations typically call a smart-home tool through the tool
// registry. State strings follow the smart-home convention (idle, paused,
// standby, playing, buffering, off).
type MediaStates interface {
	MediaState(ctx context.Context, entity string) (string, error)
}

// Player starts playback on a non-renfield target (smart-home media entity
// or DLNA renderer).
type Player interface {
	Play(ctx context.Context, kind device.PreferenceKind, target string, p Playable) error
}

// Router selects and drives playback targets.
type Router struct {
	devices Devices
	prefs   Preferences
	states  MediaStates
	player  Player
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]*Emission
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// NewRouter creates an output router. states and player may be nil when no
// smart-home collaborator is wired; media-entity and DLNA preferences then
// resolve as unavailable.
func NewRouter(devices Devices, prefs Preferences, states MediaStates, player Player, opts ...Option) *Router {
	r := &Router{
		devices: devices,
		prefs:   prefs,
		states:  states,
		player:  player,
		logger:  slog.Default(),
		active:  make(map[string]*Emission),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route plays p in room. originDevice is the session's device, used as the
// fallback target when no configured preference qualifies; it may be
// empty. Returns the emission, or nil with a nil error when the room has
// no usable audio output at all.
func (r *Router) Route(ctx context.Context, room, originDevice string, p Playable) (*Emission, error) {
	prefs, err := r.prefs.Preferences(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("output: load preferences: %w", err)
	}

	for _, pref := range prefs {
		state := r.resolve(ctx, pref)
		if state == available || (state == busy && pref.AllowInterruption) {
			return r.emit(ctx, room, pref.Kind, pref.Target, pref.AllowInterruption, p)
		}
	}

	// No configured target qualified; answer on the asking device when it
	// can speak.
	if originDevice != "" {
		if info, ok := r.devices.Get(originDevice); ok && info.Capabilities.Speaker && !r.devices.IsStale(originDevice) {
			return r.emit(ctx, room, device.TargetDevice, originDevice, false, p)
		}
	}
	r.logger.Info("no audio output target", "room", room)
	return nil, nil
}

// resolve maps one preference onto an availability state.
func (r *Router) resolve(ctx context.Context, pref device.OutputPreference) availability {
	switch pref.Kind {
	case device.TargetDevice:
		info, ok := r.devices.Get(pref.Target)
		if !ok || !info.Capabilities.Speaker || r.devices.IsStale(pref.Target) {
			return unavailable
		}
		return available
	case device.TargetMediaEntity:
		if r.states == nil {
			return unavailable
		}
		state, err := r.states.MediaState(ctx, pref.Target)
		if err != nil {
			return unavailable
		}
		switch strings.ToLower(state) {
		case "idle", "paused", "standby":
			return available
		case "playing", "buffering":
			return busy
		default:
			return unavailable
		}
	case device.TargetDLNA:
		// Probing a renderer costs more than the routing decision is
		// worth; playback errors surface on Play instead.
		if r.player == nil {
			return unavailable
		}
		return available
	default:
		return unavailable
	}
}

// emit claims the room's playback slot and dispatches the directive.
func (r *Router) emit(ctx context.Context, room string, kind device.PreferenceKind, target string, interrupt bool, p Playable) (*Emission, error) {
	r.mu.Lock()
	if current, ok := r.active[room]; ok && current.Status == StatusPlaying {
		if !interrupt {
			r.mu.Unlock()
			return nil, fault.New(fault.RateLimited, "output: room %q already playing on %s", room, current.Target)
		}
		current.Status = StatusInterrupted
	}
	emission := &Emission{Room: room, Kind: kind, Target: target, Status: StatusPlaying}
	r.active[room] = emission
	r.mu.Unlock()

	var err error
	switch kind {
	case device.TargetDevice:
		err = r.devices.SendTo(ctx, target, map[string]any{
			"type":   "play_audio",
			"url":    p.URL,
			"volume": p.Volume,
		})
	default:
		err = r.player.Play(ctx, kind, target, p)
	}
	if err != nil {
		r.finish(room, emission)
		return nil, fmt.Errorf("output: play on %s: %w", target, err)
	}
	r.logger.Debug("routed audio", "room", room, "kind", kind, "target", target)
	return emission, nil
}

// Finished releases a room's playback slot. Clients report completion over
// their transport; the server calls this on that signal or on disconnect.
func (r *Router) Finished(room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.active[room]; ok {
		current.Status = StatusFinished
		delete(r.active, room)
	}
}

// Active returns the room's current emission, if one is playing.
func (r *Router) Active(room string) (*Emission, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.active[room]
	return e, ok
}

func (r *Router) finish(room string, e *Emission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[room] == e {
		delete(r.active, room)
	}
}
