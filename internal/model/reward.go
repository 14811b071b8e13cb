package model

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// RewardKind is the closed set of reward variants. Adding a kind means
// adding a constant and a rewardKinds entry; unknown strings are
// rejected at tier/campaign creation time.
type RewardKind string

const (
	RewardTuitionDiscount RewardKind = "tuition_discount"
	RewardGift            RewardKind = "gift"
	RewardCourseHours     RewardKind = "course_hours"
	RewardVoucher         RewardKind = "voucher"
)

type rewardKindSpec struct {
	// Validate checks the stored value for this kind.
	Validate func(value string) error
	// Describe renders a human-readable payload for notifications.
	Describe func(value string) string
}

func numericValue(name string) func(string) error {
	return func(value string) error {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s must be a positive integer, got %q", name, value)
		}
		return nil
	}
}

var rewardKinds = map[RewardKind]rewardKindSpec{
	RewardTuitionDiscount: {
		Validate: numericValue("discount cents"),
		Describe: func(v string) string { return fmt.Sprintf("tuition discount of %s cents", v) },
	},
	RewardGift: {
		Validate: func(value string) error {
			if value == "" {
				return fmt.Errorf("gift reward requires an item name")
			}
			return nil
		},
		Describe: func(v string) string { return fmt.Sprintf("gift: %s", v) },
	},
	RewardCourseHours: {
		Validate: numericValue("course hours"),
		Describe: func(v string) string { return fmt.Sprintf("%s free course hours", v) },
	},
	RewardVoucher: {
		Validate: numericValue("voucher cents"),
		Describe: func(v string) string { return fmt.Sprintf("voucher worth %s cents", v) },
	},
}

// ValidateReward checks a (kind, value) pair against the dispatch table.
func ValidateReward(kind RewardKind, value string) error {
	spec, ok := rewardKinds[kind]
	if !ok {
		return fmt.Errorf("unknown reward kind %q", kind)
	}
	return spec.Validate(value)
}

// DescribeReward renders the reward payload for notifications. Unknown
// kinds fall back to the raw value so a notification never drops.
func DescribeReward(kind RewardKind, value string) string {
	spec, ok := rewardKinds[kind]
	if !ok {
		return value
	}
	return spec.Describe(value)
}

// RewardTier is one rung of an activity's reward ladder. Uniqueness is
// enforced on (activity_id, mechanism, tier_number). WinnersSoFar only
// moves through the conditional claim in the repository.
type RewardTier struct {
	ID           int64         `db:"id" json:"id"`
	ActivityID   int64         `db:"activity_id" json:"activity_id"`
	Mechanism    Mechanism     `db:"mechanism" json:"mechanism"`
	TierNumber   int32         `db:"tier_number" json:"tier_number"`
	TargetValue  int64         `db:"target_value" json:"target_value"`
	RewardKind   RewardKind    `db:"reward_kind" json:"reward_kind"`
	RewardValue  string        `db:"reward_value" json:"reward_value"`
	MaxWinners   sql.NullInt32 `db:"max_winners" json:"max_winners"` // NULL = unbounded
	WinnersSoFar int32         `db:"winners_so_far" json:"winners_so_far"`
	IsActive     bool          `db:"is_active" json:"is_active"`
	ValidDays    sql.NullInt32 `db:"valid_days" json:"valid_days"` // NULL = never expires
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updated_at"`
}

// RewardRecordStatus is the issued-reward lifecycle state.
type RewardRecordStatus string

const (
	RewardPending RewardRecordStatus = "pending"
	RewardAwarded RewardRecordStatus = "awarded"
	RewardUsed    RewardRecordStatus = "used"
	RewardExpired RewardRecordStatus = "expired"
)

// UserReward is a reward record joined with its tier payload, the
// shape handed back to "my rewards" queries.
type UserReward struct {
	RewardRecord
	ActivityID  int64      `db:"activity_id" json:"activity_id"`
	Mechanism   Mechanism  `db:"mechanism" json:"mechanism"`
	TierNumber  int32      `db:"tier_number" json:"tier_number"`
	TargetValue int64      `db:"target_value" json:"target_value"`
	RewardKind  RewardKind `db:"reward_kind" json:"reward_kind"`
	RewardValue string     `db:"reward_value" json:"reward_value"`
}

// RewardRecord is one issuance of one tier to one beneficiary.
// Uniqueness on (tier_id, beneficiary_id) is the at-most-once guard.
type RewardRecord struct {
	ID            int64              `db:"id" json:"id"`
	TierID        int64              `db:"tier_id" json:"tier_id"`
	BeneficiaryID int64              `db:"beneficiary_id" json:"beneficiary_id"`
	Status        RewardRecordStatus `db:"status" json:"status"`
	AwardedAt     time.Time          `db:"awarded_at" json:"awarded_at"`
	ExpiresAt     sql.NullTime       `db:"expires_at" json:"expires_at"`
	UsedAt        sql.NullTime       `db:"used_at" json:"used_at"`
	CreatedAt     time.Time          `db:"created_at" json:"created_at"`
}
