package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/kkkkikiki/promo/internal/model"
)

// CounterRepository is the shared counter store for counters that live
// outside any single campaign, e.g. an activity's cumulative
// registration count. Increment-and-fetch is one upsert; the returned
// value belongs to this caller's increment alone.
type CounterRepository struct {
	db *sqlx.DB
}

// NewCounterRepository creates a new counter repository
func NewCounterRepository(db *sqlx.DB) *CounterRepository {
	return &CounterRepository{db: db}
}

// Increment atomically bumps the (activity, kind) counter and returns
// the post-increment value.
func (r *CounterRepository) Increment(ctx context.Context, activityID int64, kind model.Mechanism) (int64, error) {
	query := `
		INSERT INTO activity_counters (activity_id, kind, value)
		VALUES ($1, $2, 1)
		ON CONFLICT (activity_id, kind)
		DO UPDATE SET value = activity_counters.value + 1
		RETURNING value
	`
	var value int64
	if err := r.db.GetContext(ctx, &value, query, activityID, kind); err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return value, nil
}

// Get reads the current counter value; missing counters read as zero.
func (r *CounterRepository) Get(ctx context.Context, activityID int64, kind model.Mechanism) (int64, error) {
	query := `
		SELECT COALESCE(
			(SELECT value FROM activity_counters WHERE activity_id = $1 AND kind = $2), 0)
	`
	var value int64
	if err := r.db.GetContext(ctx, &value, query, activityID, kind); err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}
	return value, nil
}
