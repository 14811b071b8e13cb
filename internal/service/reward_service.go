package service

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/kkkkikiki/promo/internal/fault"
	"github.com/kkkkikiki/promo/internal/gateway"
	"github.com/kkkkikiki/promo/internal/metrics"
	"github.com/kkkkikiki/promo/internal/model"
)

// RewardService owns the reward tier registry and the tiered reward
// evaluator. Evaluation is safe to run redundantly: the bounded
// winner-slot claim and the (tier, beneficiary) unique insert decide
// issuance atomically in the store, so a repeat run with an unchanged
// counter issues nothing.
type RewardService struct {
	tiers      TierStore
	records    RewardStore
	counters   CounterStore
	activities ActivityCatalog
	notifier   gateway.Notifier
	logger     *zap.Logger
}

// NewRewardService creates a new RewardService instance
func NewRewardService(
	tiers TierStore,
	records RewardStore,
	counters CounterStore,
	activities ActivityCatalog,
	notifier gateway.Notifier,
	logger *zap.Logger,
) *RewardService {
	return &RewardService{
		tiers:      tiers,
		records:    records,
		counters:   counters,
		activities: activities,
		notifier:   notifier,
		logger:     logger,
	}
}

// CreateTierInput carries tier creation parameters.
type CreateTierInput struct {
	ActivityID  int64
	Mechanism   model.Mechanism
	TierNumber  int32
	TargetValue int64
	RewardKind  model.RewardKind
	RewardValue string
	MaxWinners  *int32 // nil = unbounded
	ValidDays   *int32 // nil = issued rewards never expire
}

// CreateTier registers a rung on an activity's reward ladder.
func (s *RewardService) CreateTier(ctx context.Context, in CreateTierInput) (*model.RewardTier, error) {
	if in.Mechanism != model.MechanismGroupPurchase &&
		in.Mechanism != model.MechanismReferralCollection &&
		in.Mechanism != model.MechanismRegistration {
		return nil, fault.New(fault.PreconditionFailed, "unknown tier mechanism %q", in.Mechanism)
	}
	if in.TierNumber < 1 || in.TargetValue < 1 {
		return nil, fault.New(fault.PreconditionFailed, "tier number and target value must be positive")
	}
	if in.MaxWinners != nil && *in.MaxWinners < 1 {
		return nil, fault.New(fault.PreconditionFailed, "max winners must be positive when set")
	}
	if in.ValidDays != nil && *in.ValidDays < 1 {
		return nil, fault.New(fault.PreconditionFailed, "valid days must be positive when set")
	}
	if err := model.ValidateReward(in.RewardKind, in.RewardValue); err != nil {
		return nil, fault.Wrap(fault.PreconditionFailed, err, "invalid reward")
	}
	if _, err := s.activities.Get(ctx, in.ActivityID); err != nil {
		return nil, err
	}

	tier := &model.RewardTier{
		ActivityID:  in.ActivityID,
		Mechanism:   in.Mechanism,
		TierNumber:  in.TierNumber,
		TargetValue: in.TargetValue,
		RewardKind:  in.RewardKind,
		RewardValue: in.RewardValue,
		IsActive:    true,
	}
	if in.MaxWinners != nil {
		tier.MaxWinners = sql.NullInt32{Int32: *in.MaxWinners, Valid: true}
	}
	if in.ValidDays != nil {
		tier.ValidDays = sql.NullInt32{Int32: *in.ValidDays, Valid: true}
	}
	if err := s.tiers.Create(ctx, tier); err != nil {
		return nil, err
	}

	s.logger.Info("reward tier created",
		zap.Int64("tier_id", tier.ID),
		zap.Int64("activity_id", tier.ActivityID),
		zap.String("mechanism", string(tier.Mechanism)),
		zap.Int64("target_value", tier.TargetValue))
	return tier, nil
}

// ListTiers returns an activity's ladder for one mechanism.
func (s *RewardService) ListTiers(ctx context.Context, activityID int64, mechanism model.Mechanism) ([]model.RewardTier, error) {
	if _, err := s.activities.Get(ctx, activityID); err != nil {
		return nil, err
	}
	return s.tiers.List(ctx, activityID, mechanism)
}

// Evaluate checks every active tier of (activity, mechanism) against
// the counter value and issues at most one award per (tier,
// beneficiary). Conflict answers from the store are the expected
// idempotency signal, not failures.
func (s *RewardService) Evaluate(ctx context.Context, activityID int64, mechanism model.Mechanism, counterValue int64, beneficiaryID int64) ([]model.RewardRecord, error) {
	tiers, err := s.tiers.ListActive(ctx, activityID, mechanism)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var issued []model.RewardRecord
	for _, tier := range tiers {
		if tier.TargetValue > counterValue {
			continue
		}
		// Advisory fast path; the claim inside Award is authoritative.
		if tier.MaxWinners.Valid && tier.WinnersSoFar >= tier.MaxWinners.Int32 {
			continue
		}

		var expiresAt *time.Time
		if tier.ValidDays.Valid {
			t := now.Add(time.Duration(tier.ValidDays.Int32) * 24 * time.Hour)
			expiresAt = &t
		}

		record, err := s.records.Award(ctx, tier.ID, beneficiaryID, now, expiresAt)
		if err != nil {
			if fault.IsKind(err, fault.Conflict) {
				continue
			}
			return issued, err
		}
		issued = append(issued, *record)

		metrics.RewardsIssued.WithLabelValues(string(tier.RewardKind)).Inc()
		s.logger.Info("reward issued",
			zap.Int64("tier_id", tier.ID),
			zap.Int64("beneficiary_id", beneficiaryID),
			zap.Int64("counter_value", counterValue))
		s.notifier.Notify(ctx, beneficiaryID, gateway.EventRewardAwarded, map[string]any{
			"tier_id":   tier.ID,
			"record_id": record.ID,
			"reward":    model.DescribeReward(tier.RewardKind, tier.RewardValue),
		})
	}
	return issued, nil
}

// RecordRegistration bumps the activity's cumulative registration
// counter for one new registrant and evaluates the registration
// ladder. Campaign joins funnel through here too.
func (s *RewardService) RecordRegistration(ctx context.Context, activityID, registrantID int64) ([]model.RewardRecord, error) {
	if _, err := s.activities.Get(ctx, activityID); err != nil {
		return nil, err
	}
	total, err := s.counters.Increment(ctx, activityID, model.MechanismRegistration)
	if err != nil {
		return nil, err
	}
	return s.Evaluate(ctx, activityID, model.MechanismRegistration, total, registrantID)
}

// UserRewards returns the beneficiary's reward records with payloads.
func (s *RewardService) UserRewards(ctx context.Context, beneficiaryID int64) ([]model.UserReward, error) {
	return s.records.ListByBeneficiary(ctx, beneficiaryID)
}

// UseReward redeems an awarded record for its beneficiary.
func (s *RewardService) UseReward(ctx context.Context, recordID, beneficiaryID int64) error {
	if err := s.records.Use(ctx, recordID, beneficiaryID, time.Now()); err != nil {
		return err
	}
	s.logger.Info("reward used",
		zap.Int64("record_id", recordID),
		zap.Int64("beneficiary_id", beneficiaryID))
	return nil
}
