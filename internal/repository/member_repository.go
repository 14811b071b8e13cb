package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/kkkkikiki/promo/internal/model"
)

// MemberRepository handles member payment-state operations. Member
// creation happens inside CampaignRepository's transactions; this
// repository only reads members and moves their payment status.
type MemberRepository struct {
	db *sqlx.DB
}

// NewMemberRepository creates a new member repository
func NewMemberRepository(db *sqlx.DB) *MemberRepository {
	return &MemberRepository{db: db}
}

const memberColumns = `id, campaign_id, participant_id, referrer_id,
	payment_status, paid_amount, joined_at, created_at`

// ListByCampaign returns all members of a campaign in join order.
func (r *MemberRepository) ListByCampaign(ctx context.Context, campaignID int64) ([]model.Member, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM campaign_members
		WHERE campaign_id = $1
		ORDER BY joined_at ASC
	`, memberColumns)

	members := []model.Member{}
	if err := r.db.SelectContext(ctx, &members, query, campaignID); err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	return members, nil
}

// ListPaidInExpired returns members still holding a paid balance on an
// expired campaign — the sweeper's outstanding refund obligations.
// Members whose refund failed on an earlier pass show up again here.
func (r *MemberRepository) ListPaidInExpired(ctx context.Context, limit int) ([]model.Member, error) {
	query := `
		SELECT m.id, m.campaign_id, m.participant_id, m.referrer_id,
		       m.payment_status, m.paid_amount, m.joined_at, m.created_at
		FROM campaign_members m
		JOIN campaigns c ON c.id = m.campaign_id
		WHERE c.status = 'expired' AND m.payment_status = 'paid'
		ORDER BY m.joined_at ASC
		LIMIT $1
	`
	members := []model.Member{}
	if err := r.db.SelectContext(ctx, &members, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list outstanding refunds: %w", err)
	}
	return members, nil
}

// MarkPaid records a captured payment: unpaid -> paid with the amount.
// Reports false when the member was not unpaid (double capture).
func (r *MemberRepository) MarkPaid(ctx context.Context, campaignID, participantID, amountCents int64) (bool, error) {
	query := `
		UPDATE campaign_members
		SET payment_status = 'paid', paid_amount = $3
		WHERE campaign_id = $1 AND participant_id = $2 AND payment_status = 'unpaid'
	`
	result, err := r.db.ExecContext(ctx, query, campaignID, participantID, amountCents)
	if err != nil {
		return false, fmt.Errorf("failed to mark member paid: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// MarkRefunded moves paid -> refunded. Called only after the refund
// gateway has confirmed; a member whose refund never confirms stays
// paid and is retried on the next sweep.
func (r *MemberRepository) MarkRefunded(ctx context.Context, memberID int64) (bool, error) {
	query := `
		UPDATE campaign_members
		SET payment_status = 'refunded'
		WHERE id = $1 AND payment_status = 'paid'
	`
	result, err := r.db.ExecContext(ctx, query, memberID)
	if err != nil {
		return false, fmt.Errorf("failed to mark member refunded: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// Exists reports whether the participant has a member record on the
// campaign, regardless of payment state.
func (r *MemberRepository) Exists(ctx context.Context, campaignID, participantID int64) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM campaign_members
			WHERE campaign_id = $1 AND participant_id = $2
		)
	`
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, campaignID, participantID); err != nil {
		return false, fmt.Errorf("failed to check member: %w", err)
	}
	return exists, nil
}
