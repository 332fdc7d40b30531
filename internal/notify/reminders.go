package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/renfield-ai/renfield/internal/clock"
	"github.com/renfield-ai/renfield/internal/fault"
)

// Reminder statuses.
const (
	ReminderPending   = "pending"
	ReminderFired     = "fired"
	ReminderCancelled = "cancelled"
)

// Reminder is one time-bound user notification.
type Reminder struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	Body        string    `json:"body,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// Reminders persists reminders and fires them when due.
type Reminders struct {
	pool *pgxpool.Pool
	clk  clock.Clock
}

// NewReminders creates the reminder store.
func NewReminders(pool *pgxpool.Pool, clk clock.Clock) *Reminders {
	if clk == nil {
		clk = clock.System{}
	}
	return &Reminders{pool: pool, clk: clk}
}

// Create schedules a reminder.
func (r *Reminders) Create(ctx context.Context, userID, title, body string, at time.Time) (*Reminder, error) {
	if title == "" {
		return nil, fault.New(fault.InputInvalid, "notify: reminder title must not be empty")
	}
	if !at.After(r.clk.Now()) {
		return nil, fault.New(fault.InputInvalid, "notify: reminder time %s is in the past", at.Format(time.RFC3339))
	}
	rem := &Reminder{
		ID:          uuid.NewString(),
		UserID:      userID,
		Title:       title,
		Body:        body,
		ScheduledAt: at,
		Status:      ReminderPending,
		CreatedAt:   r.clk.Now(),
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO reminders (id, user_id, title, body, scheduled_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rem.ID, rem.UserID, rem.Title, rem.Body, rem.ScheduledAt, rem.Status, rem.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("notify: create reminder: %w", err)
	}
	return rem, nil
}

// List returns a user's pending reminders soonest first.
func (r *Reminders) List(ctx context.Context, userID string) ([]Reminder, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, title, body, scheduled_at, status, created_at
		FROM reminders
		WHERE user_id = $1 AND status = $2
		ORDER BY scheduled_at`,
		userID, ReminderPending)
	if err != nil {
		return nil, fmt.Errorf("notify: list reminders: %w", err)
	}
	reminders, err := pgx.CollectRows(rows, scanReminder)
	if err != nil {
		return nil, fmt.Errorf("notify: list reminders: %w", err)
	}
	return reminders, nil
}

// Cancel marks a pending reminder cancelled.
func (r *Reminders) Cancel(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx,
		"UPDATE reminders SET status = $2 WHERE id = $1 AND status = $3",
		id, ReminderCancelled, ReminderPending)
	if err != nil {
		return fmt.Errorf("notify: cancel reminder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.ResourceNotFound, "notify: pending reminder %q not found", id)
	}
	return nil
}

// claimDue atomically transitions due reminders to fired and returns them.
// The single UPDATE guarantees each reminder fires once even when ticks
// from overlapping schedulers race.
func (r *Reminders) claimDue(ctx context.Context) ([]Reminder, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE reminders SET status = $1
		WHERE status = $2 AND scheduled_at <= $3
		RETURNING id, user_id, title, body, scheduled_at, status, created_at`,
		ReminderFired, ReminderPending, r.clk.Now())
	if err != nil {
		return nil, fmt.Errorf("notify: claim due reminders: %w", err)
	}
	reminders, err := pgx.CollectRows(rows, scanReminder)
	if err != nil {
		return nil, fmt.Errorf("notify: claim due reminders: %w", err)
	}
	return reminders, nil
}

func scanReminder(row pgx.CollectableRow) (Reminder, error) {
	var rem Reminder
	err := row.Scan(&rem.ID, &rem.UserID, &rem.Title, &rem.Body, &rem.ScheduledAt, &rem.Status, &rem.CreatedAt)
	return rem, err
}

// Scheduler fires due reminders as notifications.
type Scheduler struct {
	reminders *Reminders
	service   *Service
	interval  time.Duration
	clk       clock.Clock
	logger    *slog.Logger

	// roomOf maps a user to the room of their last active device. Empty
	// result broadcasts to every device.
	roomOf func(userID string) string
}

// NewScheduler creates the reminder scheduler. roomOf may be nil.
func NewScheduler(reminders *Reminders, service *Service, interval time.Duration, roomOf func(string) string, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		reminders: reminders,
		service:   service,
		interval:  interval,
		clk:       clock.System{},
		logger:    slog.Default(),
		roomOf:    roomOf,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock substitutes the scheduler's time source.
func WithSchedulerClock(clk clock.Clock) SchedulerOption {
	return func(s *Scheduler) { s.clk = clk }
}

// WithSchedulerLogger sets the scheduler's logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.clk.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
		s.fireDue(ctx)
	}
}

func (s *Scheduler) fireDue(ctx context.Context) {
	due, err := s.reminders.claimDue(ctx)
	if err != nil {
		s.logger.Warn("notify: reminder claim failed", "error", err)
		return
	}
	for _, rem := range due {
		room := ""
		if s.roomOf != nil {
			room = s.roomOf(rem.UserID)
		}
		_, err := s.service.Ingest(ctx, IngestRequest{
			EventType: "reminder.due",
			Title:     rem.Title,
			Message:   reminderMessage(rem),
			Urgency:   UrgencyInfo,
			Room:      room,
			DedupKey:  "reminder:" + rem.ID,
		})
		if err != nil {
			s.logger.Warn("notify: reminder delivery failed", "reminder", rem.ID, "error", err)
		}
	}
}

func reminderMessage(rem Reminder) string {
	if rem.Body != "" {
		return rem.Body
	}
	return rem.Title
}
