package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/kkkkikiki/promo/internal/fault"
	"github.com/kkkkikiki/promo/internal/model"
)

// ActivityRepository is the read-only view onto the activity catalog.
type ActivityRepository struct {
	db *sqlx.DB
}

// NewActivityRepository creates a new activity repository
func NewActivityRepository(db *sqlx.DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// Get retrieves an activity with its mechanism configuration.
func (r *ActivityRepository) Get(ctx context.Context, id int64) (*model.Activity, error) {
	query := `
		SELECT id, name, group_purchase_enabled, referral_enabled,
		       default_target_count, default_max_count, default_deadline_hours,
		       created_at
		FROM activities
		WHERE id = $1
	`
	var activity model.Activity
	err := r.db.GetContext(ctx, &activity, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.New(fault.NotFound, "activity %d not found", id)
		}
		return nil, fmt.Errorf("failed to get activity: %w", err)
	}
	return &activity, nil
}
