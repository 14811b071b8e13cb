package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kkkkikiki/promo/internal/fault"
	"github.com/kkkkikiki/promo/internal/model"
)

// TierRepository handles reward tier data operations.
type TierRepository struct {
	db *sqlx.DB
}

// NewTierRepository creates a new tier repository
func NewTierRepository(db *sqlx.DB) *TierRepository {
	return &TierRepository{db: db}
}

const tierColumns = `id, activity_id, mechanism, tier_number, target_value,
	reward_kind, reward_value, max_winners, winners_so_far, is_active,
	valid_days, created_at, updated_at`

// Create inserts a tier. The (activity_id, mechanism, tier_number)
// unique constraint rejects duplicates with Conflict.
func (r *TierRepository) Create(ctx context.Context, tier *model.RewardTier) error {
	query := `
		INSERT INTO reward_tiers (activity_id, mechanism, tier_number, target_value,
			reward_kind, reward_value, max_winners, winners_so_far, is_active,
			valid_days, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $11)
		RETURNING id
	`
	now := time.Now()
	tier.WinnersSoFar = 0
	tier.CreatedAt = now
	tier.UpdatedAt = now

	err := r.db.GetContext(ctx, &tier.ID, query,
		tier.ActivityID, tier.Mechanism, tier.TierNumber, tier.TargetValue,
		tier.RewardKind, tier.RewardValue, tier.MaxWinners, tier.IsActive,
		tier.ValidDays, tier.CreatedAt, tier.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fault.New(fault.Conflict, "tier %d already exists for activity %d %s",
				tier.TierNumber, tier.ActivityID, tier.Mechanism)
		}
		return fmt.Errorf("failed to create tier: %w", err)
	}
	return nil
}

// GetByID retrieves a tier by ID.
func (r *TierRepository) GetByID(ctx context.Context, id int64) (*model.RewardTier, error) {
	query := fmt.Sprintf(`SELECT %s FROM reward_tiers WHERE id = $1`, tierColumns)

	var tier model.RewardTier
	err := r.db.GetContext(ctx, &tier, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.New(fault.NotFound, "tier %d not found", id)
		}
		return nil, fmt.Errorf("failed to get tier: %w", err)
	}
	return &tier, nil
}

// List returns every tier for (activity, mechanism), tier number
// ascending, active or not.
func (r *TierRepository) List(ctx context.Context, activityID int64, mechanism model.Mechanism) ([]model.RewardTier, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM reward_tiers
		WHERE activity_id = $1 AND mechanism = $2
		ORDER BY tier_number ASC
	`, tierColumns)

	tiers := []model.RewardTier{}
	if err := r.db.SelectContext(ctx, &tiers, query, activityID, mechanism); err != nil {
		return nil, fmt.Errorf("failed to list tiers: %w", err)
	}
	return tiers, nil
}

// ListActive returns the active tiers for (activity, mechanism), tier
// number ascending — the evaluator's working set.
func (r *TierRepository) ListActive(ctx context.Context, activityID int64, mechanism model.Mechanism) ([]model.RewardTier, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM reward_tiers
		WHERE activity_id = $1 AND mechanism = $2 AND is_active
		ORDER BY tier_number ASC
	`, tierColumns)

	tiers := []model.RewardTier{}
	if err := r.db.SelectContext(ctx, &tiers, query, activityID, mechanism); err != nil {
		return nil, fmt.Errorf("failed to list active tiers: %w", err)
	}
	return tiers, nil
}

// SetActive flips a tier's is_active flag.
func (r *TierRepository) SetActive(ctx context.Context, id int64, active bool) error {
	query := `UPDATE reward_tiers SET is_active = $2, updated_at = $3 WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id, active, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update tier: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fault.New(fault.NotFound, "tier %d not found", id)
	}
	return nil
}
