package model

import (
	"database/sql"
	"time"
)

// Mechanism identifies which promotion machinery a campaign or reward
// tier belongs to.
type Mechanism string

const (
	MechanismGroupPurchase      Mechanism = "group_purchase"
	MechanismReferralCollection Mechanism = "referral_collection"

	// MechanismRegistration is not a campaign mechanism: it keys the
	// shared per-activity registration counter and its reward tiers.
	MechanismRegistration Mechanism = "registration"
)

// ValidCampaignMechanism reports whether m may back a campaign.
func (m Mechanism) ValidCampaignMechanism() bool {
	return m == MechanismGroupPurchase || m == MechanismReferralCollection
}

// CampaignStatus is the campaign lifecycle state.
type CampaignStatus string

const (
	CampaignPending   CampaignStatus = "pending"
	CampaignActive    CampaignStatus = "active"
	CampaignCompleted CampaignStatus = "completed"
	CampaignExpired   CampaignStatus = "expired"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Terminal reports whether the status can never change again.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignCompleted || s == CampaignExpired || s == CampaignCancelled
}

// Campaign represents a group-purchase or referral-collection promotion
// in the database. CurrentCount only moves through the atomic increment
// in the repository; it is never written back from a read value.
type Campaign struct {
	ID           int64          `db:"id" json:"id"`
	ActivityID   int64          `db:"activity_id" json:"activity_id"`
	Mechanism    Mechanism      `db:"mechanism" json:"mechanism"`
	InitiatorID  int64          `db:"initiator_id" json:"initiator_id"`
	JoinCode     string         `db:"join_code" json:"join_code"`
	TargetCount  int32          `db:"target_count" json:"target_count"`
	CurrentCount int32          `db:"current_count" json:"current_count"`
	MaxCount     int32          `db:"max_count" json:"max_count"`
	Deadline     time.Time      `db:"deadline" json:"deadline"`
	Status       CampaignStatus `db:"status" json:"status"`
	RewardKind   RewardKind     `db:"reward_kind" json:"reward_kind"`
	RewardValue  string         `db:"reward_value" json:"reward_value"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
}

// PaymentStatus tracks a member's payment lifecycle.
type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
)

// Member represents one participant on one campaign. Uniqueness is
// enforced on (campaign_id, participant_id).
type Member struct {
	ID            int64         `db:"id" json:"id"`
	CampaignID    int64         `db:"campaign_id" json:"campaign_id"`
	ParticipantID int64         `db:"participant_id" json:"participant_id"`
	ReferrerID    sql.NullInt64 `db:"referrer_id" json:"referrer_id,omitempty"`
	PaymentStatus PaymentStatus `db:"payment_status" json:"payment_status"`
	PaidAmount    int64         `db:"paid_amount" json:"paid_amount"` // cents
	JoinedAt      time.Time     `db:"joined_at" json:"joined_at"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
}
