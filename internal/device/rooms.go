package device

import (
	"context"
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/renfield-ai/renfield/internal/fault"
)

// resolveSimilarity is the Jaro-Winkler floor for fuzzy room matching.
// Spoken room names arrive mangled by transcription, so exact matching is
// not enough.
const resolveSimilarity = 0.88

// Room is a named location with spoken-language aliases.
type Room struct {
	Name    string   `json:"name"`
	Aliases []string `json:"aliases"`
}

// PreferenceKind discriminates output preference targets.
type PreferenceKind string

// Output preference target kinds.
const (
	TargetDevice     PreferenceKind = "renfield_device"
	TargetMediaEntity PreferenceKind = "media_entity"
	TargetDLNA       PreferenceKind = "dlna"
)

// OutputPreference is one ranked playback target of a room.
type OutputPreference struct {
	Room              string         `json:"room"`
	Priority          int            `json:"priority"`
	Kind              PreferenceKind `json:"kind"`
	Target            string         `json:"target"`
	AllowInterruption bool           `json:"allow_interruption"`
}

// Rooms is the persistent room and output-preference store.
type Rooms struct {
	pool *pgxpool.Pool
}

// NewRooms creates the store on the shared pool.
func NewRooms(pool *pgxpool.Pool) *Rooms {
	return &Rooms{pool: pool}
}

// Upsert creates or replaces a room and its aliases.
func (r *Rooms) Upsert(ctx context.Context, room Room) error {
	if room.Name == "" {
		return fault.New(fault.InputInvalid, "device: room without name")
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO rooms (name, aliases) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET aliases = EXCLUDED.aliases`,
		room.Name, room.Aliases)
	if err != nil {
		return fmt.Errorf("device: upsert room: %w", err)
	}
	return nil
}

// List returns all rooms.
func (r *Rooms) List(ctx context.Context) ([]Room, error) {
	rows, err := r.pool.Query(ctx, "SELECT name, aliases FROM rooms ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("device: list rooms: %w", err)
	}
	rooms, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Room, error) {
		var room Room
		err := row.Scan(&room.Name, &room.Aliases)
		return room, err
	})
	if err != nil {
		return nil, fmt.Errorf("device: list rooms: %w", err)
	}
	return rooms, nil
}

// Resolve maps a spoken or typed room reference onto a canonical room
// name. Exact name and alias matches win; otherwise the best fuzzy match
// above the similarity floor. Empty result means no match.
func (r *Rooms) Resolve(ctx context.Context, spoken string) (string, error) {
	spoken = strings.ToLower(strings.TrimSpace(spoken))
	if spoken == "" {
		return "", nil
	}

	rooms, err := r.List(ctx)
	if err != nil {
		return "", err
	}

	bestName, bestScore := "", 0.0
	for _, room := range rooms {
		for _, candidate := range append([]string{room.Name}, room.Aliases...) {
			candidate = strings.ToLower(candidate)
			if candidate == spoken {
				return room.Name, nil
			}
			if score := matchr.JaroWinkler(spoken, candidate, false); score > bestScore {
				bestName, bestScore = room.Name, score
			}
		}
	}
	if bestScore >= resolveSimilarity {
		return bestName, nil
	}
	return "", nil
}

// SetPreferences replaces a room's output preference list.
func (r *Rooms) SetPreferences(ctx context.Context, room string, prefs []OutputPreference) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("device: set preferences: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		"DELETE FROM output_preferences WHERE room_name = $1", room); err != nil {
		return fmt.Errorf("device: set preferences: %w", err)
	}
	for _, p := range prefs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO output_preferences (room_name, priority, kind, target, allow_interruption)
			VALUES ($1, $2, $3, $4, $5)`,
			room, p.Priority, p.Kind, p.Target, p.AllowInterruption); err != nil {
			return fmt.Errorf("device: set preferences: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// Preferences returns a room's output targets sorted by priority
// ascending.
func (r *Rooms) Preferences(ctx context.Context, room string) ([]OutputPreference, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT room_name, priority, kind, target, allow_interruption
		FROM output_preferences
		WHERE room_name = $1
		ORDER BY priority`,
		room)
	if err != nil {
		return nil, fmt.Errorf("device: preferences: %w", err)
	}
	prefs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (OutputPreference, error) {
		var p OutputPreference
		err := row.Scan(&p.Room, &p.Priority, &p.Kind, &p.Target, &p.AllowInterruption)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("device: preferences: %w", err)
	}
	return prefs, nil
}
