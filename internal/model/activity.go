package model

import "time"

// Activity is the owning marketing activity a campaign runs under. The
// catalog is maintained elsewhere; this subsystem only reads it to
// validate mechanisms and pick up defaults.
type Activity struct {
	ID                   int64     `db:"id" json:"id"`
	Name                 string    `db:"name" json:"name"`
	GroupPurchaseEnabled bool      `db:"group_purchase_enabled" json:"group_purchase_enabled"`
	ReferralEnabled      bool      `db:"referral_enabled" json:"referral_enabled"`
	DefaultTargetCount   int32     `db:"default_target_count" json:"default_target_count"`
	DefaultMaxCount      int32     `db:"default_max_count" json:"default_max_count"`
	DefaultDeadlineHours int32     `db:"default_deadline_hours" json:"default_deadline_hours"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
}

// MechanismEnabled reports whether the given campaign mechanism is
// switched on for this activity.
func (a *Activity) MechanismEnabled(m Mechanism) bool {
	switch m {
	case MechanismGroupPurchase:
		return a.GroupPurchaseEnabled
	case MechanismReferralCollection:
		return a.ReferralEnabled
	default:
		return false
	}
}
