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

// RewardRecordRepository handles issued-reward data operations. Award
// is the only writer that creates records; the (tier_id,
// beneficiary_id) unique constraint is the at-most-once guard.
type RewardRecordRepository struct {
	db *sqlx.DB
}

// NewRewardRecordRepository creates a new reward record repository
func NewRewardRecordRepository(db *sqlx.DB) *RewardRecordRepository {
	return &RewardRecordRepository{db: db}
}

const recordColumns = `id, tier_id, beneficiary_id, status, awarded_at,
	expires_at, used_at, created_at`

// Award claims a winner slot on the tier and inserts the reward record
// in a single transaction. Either step failing rolls both back:
//   - slot claim refused (tier inactive or max_winners reached) -> Conflict
//   - record insert refused (beneficiary already awarded)        -> Conflict
//
// Claiming the slot first takes the tier's row lock, so concurrent
// awards on a bounded tier serialize and winners_so_far never passes
// max_winners.
func (r *RewardRecordRepository) Award(ctx context.Context, tierID, beneficiaryID int64, now time.Time, expiresAt *time.Time) (*model.RewardRecord, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	claimQuery := `
		UPDATE reward_tiers
		SET winners_so_far = winners_so_far + 1, updated_at = $2
		WHERE id = $1 AND is_active
		  AND (max_winners IS NULL OR winners_so_far < max_winners)
	`
	result, err := tx.ExecContext(ctx, claimQuery, tierID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to claim winner slot: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, fault.New(fault.Conflict, "tier %d has no winner slot left", tierID)
	}

	record := &model.RewardRecord{
		TierID:        tierID,
		BeneficiaryID: beneficiaryID,
		Status:        model.RewardAwarded,
		AwardedAt:     now,
		CreatedAt:     now,
	}
	if expiresAt != nil {
		record.ExpiresAt = sql.NullTime{Time: *expiresAt, Valid: true}
	}

	insertQuery := `
		INSERT INTO reward_records (tier_id, beneficiary_id, status, awarded_at, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err = tx.GetContext(ctx, &record.ID, insertQuery,
		record.TierID, record.BeneficiaryID, record.Status,
		record.AwardedAt, record.ExpiresAt, record.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fault.New(fault.Conflict, "beneficiary %d already awarded on tier %d", beneficiaryID, tierID)
		}
		return nil, fmt.Errorf("failed to create reward record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return record, nil
}

// ListByBeneficiary returns the beneficiary's reward records joined
// with their tier payloads, newest first.
func (r *RewardRecordRepository) ListByBeneficiary(ctx context.Context, beneficiaryID int64) ([]model.UserReward, error) {
	query := `
		SELECT r.id, r.tier_id, r.beneficiary_id, r.status, r.awarded_at,
		       r.expires_at, r.used_at, r.created_at,
		       t.activity_id, t.mechanism, t.tier_number, t.target_value,
		       t.reward_kind, t.reward_value
		FROM reward_records r
		JOIN reward_tiers t ON t.id = r.tier_id
		WHERE r.beneficiary_id = $1
		ORDER BY r.awarded_at DESC
	`
	rewards := []model.UserReward{}
	if err := r.db.SelectContext(ctx, &rewards, query, beneficiaryID); err != nil {
		return nil, fmt.Errorf("failed to list rewards: %w", err)
	}
	return rewards, nil
}

// Use redeems a record: awarded -> used, refused once expired. The
// whole decision rides on one conditional UPDATE; the follow-up read
// only picks the failure reason.
func (r *RewardRecordRepository) Use(ctx context.Context, recordID, beneficiaryID int64, now time.Time) error {
	query := `
		UPDATE reward_records
		SET status = 'used', used_at = $3
		WHERE id = $1 AND beneficiary_id = $2 AND status = 'awarded'
		  AND (expires_at IS NULL OR expires_at > $3)
	`
	result, err := r.db.ExecContext(ctx, query, recordID, beneficiaryID, now)
	if err != nil {
		return fmt.Errorf("failed to use reward: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 1 {
		return nil
	}

	var record model.RewardRecord
	readQuery := fmt.Sprintf(`SELECT %s FROM reward_records WHERE id = $1 AND beneficiary_id = $2`, recordColumns)
	err = r.db.GetContext(ctx, &record, readQuery, recordID, beneficiaryID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fault.New(fault.NotFound, "reward record %d not found", recordID)
		}
		return fmt.Errorf("failed to inspect refused redemption: %w", err)
	}
	switch {
	case record.Status == model.RewardUsed:
		return fault.New(fault.PreconditionFailed, "reward record %d already used", recordID)
	case record.Status == model.RewardExpired,
		record.ExpiresAt.Valid && !record.ExpiresAt.Time.After(now):
		return fault.New(fault.PreconditionFailed, "reward record %d has expired", recordID)
	default:
		return fault.New(fault.PreconditionFailed, "reward record %d is %s, not awarded", recordID, record.Status)
	}
}

// ExpireDue sweeps awarded records past their expiry into expired and
// returns how many moved.
func (r *RewardRecordRepository) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE reward_records
		SET status = 'expired'
		WHERE status = 'awarded' AND expires_at IS NOT NULL AND expires_at <= $1
	`
	result, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire reward records: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}
