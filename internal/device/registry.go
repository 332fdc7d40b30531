// Package device tracks the connected output and input devices: the live
// registry keyed by device id, room placement (including inference from
// client IP for stationary kinds), heartbeat staleness, and versioned
// wake-word config distribution.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/renfield-ai/renfield/internal/clock"
	"github.com/renfield-ai/renfield/internal/fault"
	"github.com/renfield-ai/renfield/internal/observe"
)

// Kind classifies a device.
type Kind string

// Known device kinds. Web displays are stationary, so a returning client IP
// lets the room be inferred.
const (
	KindWeb       Kind = "web"
	KindSatellite Kind = "satellite"
	KindMobile    Kind = "mobile"
)

// stationary reports whether the kind stays in one room.
func (k Kind) stationary() bool { return k == KindWeb || k == KindSatellite }

// RoomUnassigned is the placement of devices no admin has placed yet.
const RoomUnassigned = "unassigned"

// Capabilities flags what a device can do.
type Capabilities struct {
	Speaker       bool `json:"speaker"`
	Microphone    bool `json:"microphone"`
	Display       bool `json:"display"`
	LocalWakeWord bool `json:"local_wake_word"`
}

// Transport is the live full-duplex connection to a device. Send marshals
// the envelope as JSON; implementations own their write serialization.
type Transport interface {
	Send(ctx context.Context, envelope any) error
}

// Info is the registration record for one device.
type Info struct {
	ID           string       `json:"id"`
	Kind         Kind         `json:"kind"`
	Room         string       `json:"room"`
	ClientIP     string       `json:"-"`
	Capabilities Capabilities `json:"capabilities"`
}

// Speaker is one playback candidate returned by FindSpeakersInRoom.
type Speaker struct {
	DeviceID string
	Priority int
	Stale    bool
}

type entry struct {
	info      Info
	transport Transport
	lastSeen  time.Time

	// Wake-word sync state.
	ackedVersion  int
	ackFailed     bool
	failedKeyword string
}

// Registry is the live device table. Safe for concurrent use: broadcasts
// take a read lock, registration a write lock.
type Registry struct {
	cfg    Config
	clk    clock.Clock
	logger *slog.Logger
	metrics *observe.Metrics

	mu      sync.RWMutex
	devices map[string]*entry

	// roomByIP remembers the last administratively assigned room per client
	// IP, for stationary-kind inference on reconnect.
	roomByIP map[string]string

	// Wake-word config state, broadcast on change.
	wwVersion int
	wwConfig  WakeWordConfig
}

// Config holds the registry's tuning knobs.
type Config struct {
	// HeartbeatTimeout marks a device stale when no liveness message
	// arrived for this long. Default 60s.
	HeartbeatTimeout time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the time source. Test hook.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clk = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics enables the connected-devices gauge.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 60 * time.Second
	}
	r := &Registry{
		cfg:      cfg,
		clk:      clock.System{},
		logger:   slog.Default(),
		devices:  make(map[string]*entry),
		roomByIP: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a device. A missing room is inferred from the client IP for
// stationary kinds when a previous placement is known, else the device
// lands in the unassigned room. Re-registering an id replaces the old
// transport.
func (r *Registry) Register(ctx context.Context, info Info, transport Transport) (Info, error) {
	if info.ID == "" {
		return Info{}, fault.New(fault.InputInvalid, "device: registration without id")
	}

	r.mu.Lock()
	if info.Room == "" {
		if room, ok := r.roomByIP[info.ClientIP]; ok && info.Kind.stationary() && info.ClientIP != "" {
			info.Room = room
		} else {
			info.Room = RoomUnassigned
		}
	} else if info.Kind.stationary() && info.ClientIP != "" {
		r.roomByIP[info.ClientIP] = info.Room
	}

	_, replaced := r.devices[info.ID]
	r.devices[info.ID] = &entry{
		info:      info,
		transport: transport,
		lastSeen:  r.clk.Now(),
	}
	wwVersion, wwConfig := r.wwVersion, r.wwConfig
	r.mu.Unlock()

	if r.metrics != nil && !replaced {
		r.metrics.ConnectedDevices.Add(ctx, 1)
	}
	r.logger.Info("device: registered",
		"device_id", info.ID, "kind", info.Kind, "room", info.Room)

	// New wake-word-capable devices get the current config immediately.
	if info.Capabilities.LocalWakeWord && wwVersion > 0 {
		if err := transport.Send(ctx, configUpdate(wwVersion, wwConfig)); err != nil {
			r.logger.Warn("device: initial config push failed",
				"device_id", info.ID, "error", err)
		}
	}
	return info, nil
}

// Unregister removes a device from active routing.
func (r *Registry) Unregister(ctx context.Context, deviceID string) {
	r.mu.Lock()
	_, ok := r.devices[deviceID]
	delete(r.devices, deviceID)
	r.mu.Unlock()

	if ok {
		if r.metrics != nil {
			r.metrics.ConnectedDevices.Add(ctx, -1)
		}
		r.logger.Info("device: unregistered", "device_id", deviceID)
	}
}

// Heartbeat records a liveness message.
func (r *Registry) Heartbeat(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.devices[deviceID]; ok {
		e.lastSeen = r.clk.Now()
	}
}

// AssignRoom places a device administratively and remembers the placement
// for its client IP.
func (r *Registry) AssignRoom(deviceID, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[deviceID]
	if !ok {
		return fault.New(fault.ResourceNotFound, "device: %q not connected", deviceID)
	}
	e.info.Room = room
	if e.info.Kind.stationary() && e.info.ClientIP != "" {
		r.roomByIP[e.info.ClientIP] = room
	}
	return nil
}

// Get returns a device's registration record.
func (r *Registry) Get(deviceID string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[deviceID]
	if !ok {
		return Info{}, false
	}
	return e.info, true
}

// IsStale reports whether the device missed its heartbeats. Unknown
// devices are stale.
func (r *Registry) IsStale(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[deviceID]
	if !ok {
		return true
	}
	return r.stale(e)
}

func (r *Registry) stale(e *entry) bool {
	return r.clk.Now().Sub(e.lastSeen) > r.cfg.HeartbeatTimeout
}

// SendTo delivers one envelope to one device.
func (r *Registry) SendTo(ctx context.Context, deviceID string, envelope any) error {
	r.mu.RLock()
	e, ok := r.devices[deviceID]
	r.mu.RUnlock()
	if !ok {
		return fault.New(fault.ResourceNotFound, "device: %q not connected", deviceID)
	}
	if err := e.transport.Send(ctx, envelope); err != nil {
		return fmt.Errorf("device: send to %q: %w", deviceID, err)
	}
	return nil
}

// BroadcastToRoom sends the envelope to every device in the room that
// matches pred (nil matches all). An empty room broadcasts to every
// device. Returns the number of successful sends; per-device failures are
// logged, not fatal.
func (r *Registry) BroadcastToRoom(ctx context.Context, room string, pred func(Info) bool, envelope any) int {
	r.mu.RLock()
	targets := make([]*entry, 0, len(r.devices))
	for _, e := range r.devices {
		if room != "" && e.info.Room != room {
			continue
		}
		if pred != nil && !pred(e.info) {
			continue
		}
		targets = append(targets, e)
	}
	r.mu.RUnlock()

	sent := 0
	for _, e := range targets {
		if err := e.transport.Send(ctx, envelope); err != nil {
			r.logger.Warn("device: broadcast send failed",
				"device_id", e.info.ID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// FindSpeakersInRoom returns the speaker-capable devices of a room, fresh
// ones first. Priority counts from zero in that order.
func (r *Registry) FindSpeakersInRoom(room string) []Speaker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var fresh, staleOnes []Speaker
	for _, e := range r.devices {
		if e.info.Room != room || !e.info.Capabilities.Speaker {
			continue
		}
		s := Speaker{DeviceID: e.info.ID, Stale: r.stale(e)}
		if s.Stale {
			staleOnes = append(staleOnes, s)
		} else {
			fresh = append(fresh, s)
		}
	}
	out := append(fresh, staleOnes...)
	for i := range out {
		out[i].Priority = i
	}
	return out
}

// List snapshots every connected device for the admin surface.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.devices))
	for _, e := range r.devices {
		out = append(out, e.info)
	}
	return out
}
