package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/renfield-ai/renfield/internal/fault"
)

// SuppressionRule mutes notifications semantically similar to its pattern.
type SuppressionRule struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Pattern   string    `json:"pattern"`
	Threshold float64   `json:"threshold"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// AddSuppressionRule creates an active rule from a natural-language
// pattern ("stop telling me about the dishwasher"). threshold <= 0 uses
// the configured semantic dedup threshold.
func (s *Service) AddSuppressionRule(ctx context.Context, userID, pattern string, threshold float64) (*SuppressionRule, error) {
	if pattern == "" {
		return nil, fault.New(fault.InputInvalid, "notify: suppression pattern must not be empty")
	}
	if threshold <= 0 {
		threshold = s.cfg.SemanticDedupThreshold
	}
	embedding, err := s.gateway.Embed(ctx, pattern)
	if err != nil {
		return nil, fmt.Errorf("notify: embed suppression pattern: %w", err)
	}

	rule := &SuppressionRule{
		ID:        uuid.NewString(),
		UserID:    userID,
		Pattern:   pattern,
		Threshold: threshold,
		Active:    true,
		CreatedAt: s.clk.Now(),
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO suppression_rules (id, user_id, pattern, embedding, threshold, active, created_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6)`,
		rule.ID, rule.UserID, rule.Pattern, pgvector.NewVector(embedding), rule.Threshold, rule.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("notify: insert suppression rule: %w", err)
	}
	return rule, nil
}

// SuppressionRules lists a user's rules, active first.
func (s *Service) SuppressionRules(ctx context.Context, userID string) ([]SuppressionRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, pattern, threshold, active, created_at
		FROM suppression_rules
		WHERE user_id = $1
		ORDER BY active DESC, created_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("notify: list suppression rules: %w", err)
	}
	defer rows.Close()

	var out []SuppressionRule
	for rows.Next() {
		var r SuppressionRule
		if err := rows.Scan(&r.ID, &r.UserID, &r.Pattern, &r.Threshold, &r.Active, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("notify: list suppression rules: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeactivateSuppressionRule switches a rule off without deleting it.
func (s *Service) DeactivateSuppressionRule(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE suppression_rules SET active = FALSE WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("notify: deactivate suppression rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.ResourceNotFound, "notify: suppression rule %q not found", id)
	}
	return nil
}
