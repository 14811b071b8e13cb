package service

import (
	"context"
	"time"

	"github.com/kkkkikiki/promo/internal/model"
	"github.com/kkkkikiki/promo/internal/repository"
)

// The services depend on these narrow store interfaces rather than on
// the sqlx repositories directly. The repository types satisfy them;
// tests substitute in-memory implementations that honor the same
// atomicity contracts.

// CampaignStore persists campaigns and owns the atomic counter
// primitives. Join must perform member insert and increment-and-fetch
// in one transaction; the returned post-increment value is seen by the
// one caller that performed that increment. Complete/Expire/Cancel are
// conditional updates: at most one of them ever wins on a campaign.
type CampaignStore interface {
	CreateWithInitiator(ctx context.Context, campaign *model.Campaign, newCode func() (string, error)) error
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
	GetByCode(ctx context.Context, code string) (*model.Campaign, error)
	List(ctx context.Context, f repository.CampaignFilter) ([]model.Campaign, error)
	HasOpenCampaign(ctx context.Context, activityID, initiatorID int64, mechanism model.Mechanism) (bool, error)
	Join(ctx context.Context, campaignID, participantID int64, referrerID *int64, now time.Time) (int32, error)
	Complete(ctx context.Context, id int64) (bool, error)
	Expire(ctx context.Context, id int64, now time.Time) (bool, error)
	Cancel(ctx context.Context, id int64) (bool, error)
	ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]model.Campaign, error)
}

// MemberStore reads members and moves their payment status.
type MemberStore interface {
	ListByCampaign(ctx context.Context, campaignID int64) ([]model.Member, error)
	ListPaidInExpired(ctx context.Context, limit int) ([]model.Member, error)
	MarkPaid(ctx context.Context, campaignID, participantID, amountCents int64) (bool, error)
	MarkRefunded(ctx context.Context, memberID int64) (bool, error)
	Exists(ctx context.Context, campaignID, participantID int64) (bool, error)
}

// TierStore persists the reward tier registry.
type TierStore interface {
	Create(ctx context.Context, tier *model.RewardTier) error
	GetByID(ctx context.Context, id int64) (*model.RewardTier, error)
	List(ctx context.Context, activityID int64, mechanism model.Mechanism) ([]model.RewardTier, error)
	ListActive(ctx context.Context, activityID int64, mechanism model.Mechanism) ([]model.RewardTier, error)
	SetActive(ctx context.Context, id int64, active bool) error
}

// RewardStore persists issued rewards. Award must couple the bounded
// winner-slot claim and the unique (tier, beneficiary) insert in one
// transaction, returning a Conflict-tagged error when either refuses.
type RewardStore interface {
	Award(ctx context.Context, tierID, beneficiaryID int64, now time.Time, expiresAt *time.Time) (*model.RewardRecord, error)
	ListByBeneficiary(ctx context.Context, beneficiaryID int64) ([]model.UserReward, error)
	Use(ctx context.Context, recordID, beneficiaryID int64, now time.Time) error
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
}

// CounterStore is the shared counter store for cross-campaign counters.
type CounterStore interface {
	Increment(ctx context.Context, activityID int64, kind model.Mechanism) (int64, error)
	Get(ctx context.Context, activityID int64, kind model.Mechanism) (int64, error)
}

// ActivityCatalog looks up activities and their mechanism config.
type ActivityCatalog interface {
	Get(ctx context.Context, id int64) (*model.Activity, error)
}
