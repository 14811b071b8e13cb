package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kkkkikiki/promo/internal/fault"
	"github.com/kkkkikiki/promo/internal/model"
)

// CampaignRepository handles campaign and member data operations. All
// counter movement goes through conditional UPDATE ... RETURNING so
// the post-increment value is observed by exactly one caller.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository creates a new campaign repository
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

const campaignColumns = `id, activity_id, mechanism, initiator_id, join_code,
	target_count, current_count, max_count, deadline, status,
	reward_kind, reward_value, created_at, updated_at`

// CreateWithInitiator inserts the campaign and the initiator's own
// member record in one transaction. The campaign starts active with
// current_count = 1 (the initiator counts as the first participant).
// newCode is retried on the rare join-code collision.
func (r *CampaignRepository) CreateWithInitiator(ctx context.Context, campaign *model.Campaign, newCode func() (string, error)) error {
	const maxCodeAttempts = 3

	now := time.Now()
	campaign.Status = model.CampaignActive
	campaign.CurrentCount = 1
	campaign.CreatedAt = now
	campaign.UpdatedAt = now

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := newCode()
		if err != nil {
			return fmt.Errorf("failed to generate join code: %w", err)
		}
		campaign.JoinCode = code

		err = r.tryCreateWithInitiator(ctx, campaign)
		if err == nil {
			return nil
		}
		if isUniqueViolation(err) {
			// The one-open-campaign partial index beats the service's
			// pre-check when two creates race; no retry will fix it.
			if uniqueViolationConstraint(err) == "campaigns_one_open_per_initiator" {
				return fault.New(fault.PreconditionFailed,
					"initiator %d already has an open %s campaign for activity %d",
					campaign.InitiatorID, campaign.Mechanism, campaign.ActivityID)
			}
			continue // join-code collision, mint another
		}
		return err
	}
	return fmt.Errorf("failed to allocate a unique join code after %d attempts", maxCodeAttempts)
}

func (r *CampaignRepository) tryCreateWithInitiator(ctx context.Context, campaign *model.Campaign) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO campaigns (activity_id, mechanism, initiator_id, join_code,
			target_count, current_count, max_count, deadline, status,
			reward_kind, reward_value, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`
	err = tx.GetContext(ctx, &campaign.ID, query,
		campaign.ActivityID, campaign.Mechanism, campaign.InitiatorID, campaign.JoinCode,
		campaign.TargetCount, campaign.CurrentCount, campaign.MaxCount, campaign.Deadline,
		campaign.Status, campaign.RewardKind, campaign.RewardValue,
		campaign.CreatedAt, campaign.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return err
		}
		return fmt.Errorf("failed to create campaign: %w", err)
	}

	memberQuery := `
		INSERT INTO campaign_members (campaign_id, participant_id, payment_status, joined_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := tx.ExecContext(ctx, memberQuery,
		campaign.ID, campaign.InitiatorID, model.PaymentUnpaid, campaign.CreatedAt, campaign.CreatedAt); err != nil {
		return fmt.Errorf("failed to create initiator member: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetByID retrieves a campaign by ID.
func (r *CampaignRepository) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	query := fmt.Sprintf(`SELECT %s FROM campaigns WHERE id = $1`, campaignColumns)

	var campaign model.Campaign
	err := r.db.GetContext(ctx, &campaign, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.New(fault.NotFound, "campaign %d not found", id)
		}
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return &campaign, nil
}

// GetByCode retrieves a campaign by its shareable join code.
func (r *CampaignRepository) GetByCode(ctx context.Context, code string) (*model.Campaign, error) {
	query := fmt.Sprintf(`SELECT %s FROM campaigns WHERE join_code = $1`, campaignColumns)

	var campaign model.Campaign
	err := r.db.GetContext(ctx, &campaign, query, code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.New(fault.NotFound, "no campaign matches code %q", code)
		}
		return nil, fmt.Errorf("failed to get campaign by code: %w", err)
	}
	return &campaign, nil
}

// CampaignFilter narrows List. Zero values mean "no constraint".
type CampaignFilter struct {
	ActivityID  int64
	InitiatorID int64
	Mechanism   model.Mechanism
	Status      model.CampaignStatus
	Limit       int
}

// List retrieves campaigns matching the filter, newest first.
func (r *CampaignRepository) List(ctx context.Context, f CampaignFilter) ([]model.Campaign, error) {
	where := make([]string, 0, 4)
	args := make([]interface{}, 0, 5)

	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.ActivityID != 0 {
		add("activity_id = $%d", f.ActivityID)
	}
	if f.InitiatorID != 0 {
		add("initiator_id = $%d", f.InitiatorID)
	}
	if f.Mechanism != "" {
		add("mechanism = $%d", f.Mechanism)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}

	query := fmt.Sprintf(`SELECT %s FROM campaigns`, campaignColumns)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	campaigns := []model.Campaign{}
	if err := r.db.SelectContext(ctx, &campaigns, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	return campaigns, nil
}

// HasOpenCampaign reports whether the initiator already has a
// pending/active campaign for the activity and mechanism.
func (r *CampaignRepository) HasOpenCampaign(ctx context.Context, activityID, initiatorID int64, mechanism model.Mechanism) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM campaigns
			WHERE activity_id = $1 AND initiator_id = $2 AND mechanism = $3
			  AND status IN ('pending', 'active')
		)
	`
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, activityID, initiatorID, mechanism); err != nil {
		return false, fmt.Errorf("failed to check open campaign: %w", err)
	}
	return exists, nil
}

// Join inserts the member record and performs the atomic
// increment-and-fetch in one transaction. The returned value is the
// post-increment count observed by this caller alone; the max_count
// ceiling and the deadline are enforced inside the same UPDATE.
func (r *CampaignRepository) Join(ctx context.Context, campaignID, participantID int64, referrerID *int64, now time.Time) (int32, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var referrer sql.NullInt64
	if referrerID != nil {
		referrer = sql.NullInt64{Int64: *referrerID, Valid: true}
	}

	memberQuery := `
		INSERT INTO campaign_members (campaign_id, participant_id, referrer_id, payment_status, joined_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := tx.ExecContext(ctx, memberQuery,
		campaignID, participantID, referrer, model.PaymentUnpaid, now, now); err != nil {
		if isUniqueViolation(err) {
			return 0, fault.New(fault.Conflict, "participant %d already joined campaign %d", participantID, campaignID)
		}
		return 0, fmt.Errorf("failed to create member: %w", err)
	}

	incrementQuery := `
		UPDATE campaigns
		SET current_count = current_count + 1, updated_at = $2
		WHERE id = $1 AND status = 'active' AND deadline > $2 AND current_count < max_count
		RETURNING current_count
	`
	var postCount int32
	err = tx.GetContext(ctx, &postCount, incrementQuery, campaignID, now)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, r.classifyJoinRejection(ctx, tx, campaignID, now)
		}
		return 0, fmt.Errorf("failed to increment campaign counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return postCount, nil
}

// classifyJoinRejection turns a refused conditional increment into the
// precise taxonomy failure. The surrounding transaction is rolled back
// by the caller, so the member insert never lands.
func (r *CampaignRepository) classifyJoinRejection(ctx context.Context, db DBExecutor, campaignID int64, now time.Time) error {
	var c model.Campaign
	query := fmt.Sprintf(`SELECT %s FROM campaigns WHERE id = $1`, campaignColumns)
	if err := db.GetContext(ctx, &c, query, campaignID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fault.New(fault.NotFound, "campaign %d not found", campaignID)
		}
		return fmt.Errorf("failed to inspect refused join: %w", err)
	}
	switch {
	case c.Status != model.CampaignActive:
		return fault.New(fault.PreconditionFailed, "campaign %d is %s, not active", campaignID, c.Status)
	case !c.Deadline.After(now):
		return fault.New(fault.PreconditionFailed, "campaign %d deadline has passed", campaignID)
	case c.CurrentCount >= c.MaxCount:
		return fault.New(fault.Conflict, "campaign %d is full", campaignID)
	default:
		return fmt.Errorf("campaign %d refused increment in unexpected state", campaignID)
	}
}

// Complete transitions pending/active -> completed. Idempotent: a
// second call finds no qualifying row and reports false.
func (r *CampaignRepository) Complete(ctx context.Context, id int64) (bool, error) {
	query := `
		UPDATE campaigns
		SET status = 'completed', updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'active')
	`
	result, err := r.db.ExecContext(ctx, query, id, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to complete campaign: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// Expire transitions active -> expired, but only if the deadline has
// really passed. A sweep racing a threshold-crossing join loses here
// and reports false; whichever conditional update ran first sticks.
func (r *CampaignRepository) Expire(ctx context.Context, id int64, now time.Time) (bool, error) {
	query := `
		UPDATE campaigns
		SET status = 'expired', updated_at = $2
		WHERE id = $1 AND status = 'active' AND deadline < $2
	`
	result, err := r.db.ExecContext(ctx, query, id, now)
	if err != nil {
		return false, fmt.Errorf("failed to expire campaign: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// Cancel transitions pending/active -> cancelled, only while the
// initiator is still the sole participant.
func (r *CampaignRepository) Cancel(ctx context.Context, id int64) (bool, error) {
	query := `
		UPDATE campaigns
		SET status = 'cancelled', updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'active') AND current_count <= 1
	`
	result, err := r.db.ExecContext(ctx, query, id, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to cancel campaign: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// ListExpiredActive returns active campaigns whose deadline has passed,
// oldest deadline first, for the sweeper.
func (r *CampaignRepository) ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]model.Campaign, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM campaigns
		WHERE status = 'active' AND deadline < $1
		ORDER BY deadline ASC
		LIMIT $2
	`, campaignColumns)

	campaigns := []model.Campaign{}
	if err := r.db.SelectContext(ctx, &campaigns, query, now, limit); err != nil {
		return nil, fmt.Errorf("failed to list expired campaigns: %w", err)
	}
	return campaigns, nil
}
