package device

import (
	"context"
	"time"
)

// WakeWordConfig is the globally distributed local-wake-word tuning.
type WakeWordConfig struct {
	Keyword   string        `json:"keyword"`
	Threshold float64       `json:"threshold"`
	Cooldown  time.Duration `json:"cooldown"`
}

// SyncState describes one device's wake-word config status.
type SyncState string

// Sync states reported by WakeWordSyncStatus.
const (
	SyncSynced  SyncState = "synced"
	SyncPending SyncState = "pending"
	SyncFailed  SyncState = "failed"
)

// DeviceSyncStatus is the per-device view for admin queries.
type DeviceSyncStatus struct {
	DeviceID      string    `json:"device_id"`
	State         SyncState `json:"state"`
	AckedVersion  int       `json:"acked_version"`
	FailedKeyword string    `json:"failed_keyword,omitempty"`
}

func configUpdate(version int, cfg WakeWordConfig) map[string]any {
	return map[string]any{
		"type":    "config_update",
		"version": version,
		"config":  cfg,
	}
}

// UpdateWakeWordConfig bumps the config version and broadcasts the new
// config to every connected device that supports local wake words. Returns
// the new version.
func (r *Registry) UpdateWakeWordConfig(ctx context.Context, cfg WakeWordConfig) int {
	r.mu.Lock()
	r.wwVersion++
	r.wwConfig = cfg
	version := r.wwVersion
	// Every capable device is pending again until it acks this version.
	for _, e := range r.devices {
		if e.info.Capabilities.LocalWakeWord {
			e.ackFailed = false
		}
	}
	r.mu.Unlock()

	sent := r.BroadcastToRoom(ctx, "", func(i Info) bool {
		return i.Capabilities.LocalWakeWord
	}, configUpdate(version, cfg))
	r.logger.Info("device: wake-word config broadcast",
		"version", version, "devices", sent)
	return version
}

// AckWakeWordConfig records a device's config_ack. Failed keywords mark the
// device's sync state failed.
func (r *Registry) AckWakeWordConfig(deviceID string, version int, appliedKeywords, failedKeywords []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[deviceID]
	if !ok {
		return
	}
	if version > e.ackedVersion {
		e.ackedVersion = version
	}
	e.ackFailed = len(failedKeywords) > 0
	if e.ackFailed {
		e.failedKeyword = failedKeywords[0]
	} else {
		e.failedKeyword = ""
	}
}

// WakeWordSyncStatus enumerates the sync state of every wake-word-capable
// device.
func (r *Registry) WakeWordSyncStatus() []DeviceSyncStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []DeviceSyncStatus
	for _, e := range r.devices {
		if !e.info.Capabilities.LocalWakeWord {
			continue
		}
		s := DeviceSyncStatus{
			DeviceID:      e.info.ID,
			AckedVersion:  e.ackedVersion,
			FailedKeyword: e.failedKeyword,
		}
		switch {
		case e.ackFailed:
			s.State = SyncFailed
		case e.ackedVersion >= r.wwVersion:
			s.State = SyncSynced
		default:
			s.State = SyncPending
		}
		out = append(out, s)
	}
	return out
}
