package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kkkkikiki/promo/internal/fault"
	"github.com/kkkkikiki/promo/internal/gateway"
	"github.com/kkkkikiki/promo/internal/metrics"
	"github.com/kkkkikiki/promo/internal/model"
	"github.com/kkkkikiki/promo/internal/repository"
)

// CampaignService drives the group-purchase and referral-collection
// state machines. The two mechanisms share one implementation; the
// mechanism field only decides which activity switch and which reward
// tiers apply. All coordination is store-level: the service keeps no
// mutable state and may run as many concurrent instances.
type CampaignService struct {
	campaigns  CampaignStore
	members    MemberStore
	counters   CounterStore
	activities ActivityCatalog
	rewards    *RewardService
	notifier   gateway.Notifier
	codes      *JoinCodeGenerator
	logger     *zap.Logger
}

// NewCampaignService creates a new CampaignService instance
func NewCampaignService(
	campaigns CampaignStore,
	members MemberStore,
	counters CounterStore,
	activities ActivityCatalog,
	rewards *RewardService,
	notifier gateway.Notifier,
	codes *JoinCodeGenerator,
	logger *zap.Logger,
) *CampaignService {
	return &CampaignService{
		campaigns:  campaigns,
		members:    members,
		counters:   counters,
		activities: activities,
		rewards:    rewards,
		notifier:   notifier,
		codes:      codes,
		logger:     logger,
	}
}

// CreateCampaignInput carries the creation parameters. Zero counts and
// a zero deadline fall back to the activity's defaults.
type CreateCampaignInput struct {
	ActivityID  int64
	InitiatorID int64
	Mechanism   model.Mechanism
	TargetCount int32
	MaxCount    int32
	Deadline    time.Time
	RewardKind  model.RewardKind
	RewardValue string
}

// Create validates the activity and initiator, then creates the
// campaign in active state with the initiator as its first member.
func (s *CampaignService) Create(ctx context.Context, in CreateCampaignInput) (*model.Campaign, error) {
	if !in.Mechanism.ValidCampaignMechanism() {
		return nil, fault.New(fault.PreconditionFailed, "unsupported campaign mechanism %q", in.Mechanism)
	}

	activity, err := s.activities.Get(ctx, in.ActivityID)
	if err != nil {
		return nil, err
	}
	if !activity.MechanismEnabled(in.Mechanism) {
		return nil, fault.New(fault.PreconditionFailed, "%s is disabled for activity %d", in.Mechanism, in.ActivityID)
	}

	if err := model.ValidateReward(in.RewardKind, in.RewardValue); err != nil {
		return nil, fault.Wrap(fault.PreconditionFailed, err, "invalid reward")
	}

	target := in.TargetCount
	if target == 0 {
		target = activity.DefaultTargetCount
	}
	maxCount := in.MaxCount
	if maxCount == 0 {
		maxCount = activity.DefaultMaxCount
	}
	deadline := in.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(time.Duration(activity.DefaultDeadlineHours) * time.Hour)
	}
	if target < 1 || maxCount < target {
		return nil, fault.New(fault.PreconditionFailed,
			"invalid counts: target %d, max %d", target, maxCount)
	}
	if !deadline.After(time.Now()) {
		return nil, fault.New(fault.PreconditionFailed, "deadline must be in the future")
	}

	open, err := s.campaigns.HasOpenCampaign(ctx, in.ActivityID, in.InitiatorID, in.Mechanism)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, fault.New(fault.PreconditionFailed,
			"initiator %d already has an open %s campaign for activity %d",
			in.InitiatorID, in.Mechanism, in.ActivityID)
	}

	campaign := &model.Campaign{
		ActivityID:  in.ActivityID,
		Mechanism:   in.Mechanism,
		InitiatorID: in.InitiatorID,
		TargetCount: target,
		MaxCount:    maxCount,
		Deadline:    deadline,
		RewardKind:  in.RewardKind,
		RewardValue: in.RewardValue,
	}
	if err := s.campaigns.CreateWithInitiator(ctx, campaign, s.codes.Generate); err != nil {
		return nil, err
	}

	s.logger.Info("campaign created",
		zap.Int64("campaign_id", campaign.ID),
		zap.String("mechanism", string(campaign.Mechanism)),
		zap.String("join_code", campaign.JoinCode),
		zap.Int32("target_count", campaign.TargetCount))

	// A target of 1 is satisfied by the initiator's own self-join.
	if campaign.CurrentCount >= campaign.TargetCount {
		s.complete(ctx, campaign, campaign.CurrentCount)
	}
	return campaign, nil
}

// JoinResult reports what a successful join did.
type JoinResult struct {
	Campaign   *model.Campaign      `json:"campaign"`
	PostCount  int32                `json:"post_count"`
	Completed  bool                 `json:"completed"`
	NewRewards []model.RewardRecord `json:"new_rewards,omitempty"`
}

// Join adds a participant to the campaign behind the code. The member
// insert and the counter increment commit atomically; the decision
// whether this join crossed the threshold is made from the returned
// post-increment value, so exactly one joiner runs completion even
// when several arrive together at the boundary.
func (s *CampaignService) Join(ctx context.Context, code string, participantID int64, referrerID *int64) (*JoinResult, error) {
	start := time.Now()
	status := "failure"
	defer func() {
		metrics.RecordJoinDuration(status, time.Since(start).Seconds())
	}()

	campaign, err := s.campaigns.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	postCount, err := s.campaigns.Join(ctx, campaign.ID, participantID, referrerID, now)
	if err != nil {
		return nil, err
	}
	status = "success"
	campaign.CurrentCount = postCount

	result := &JoinResult{Campaign: campaign, PostCount: postCount}

	// This caller alone observed the first value reaching the target.
	if postCount == campaign.TargetCount {
		s.complete(ctx, campaign, postCount)
		result.Completed = true
	}

	// Post-commit reward evaluation. The join already stuck; an
	// evaluation failure is logged and the awards are picked up by the
	// next evaluation of the same beneficiary.
	result.NewRewards = append(result.NewRewards,
		s.evaluateAfterJoin(ctx, campaign, participantID, postCount)...)

	return result, nil
}

func (s *CampaignService) evaluateAfterJoin(ctx context.Context, campaign *model.Campaign, participantID int64, postCount int32) []model.RewardRecord {
	var issued []model.RewardRecord

	// Shared activity-wide registration counter, fed by every campaign
	// of the activity.
	total, err := s.counters.Increment(ctx, campaign.ActivityID, model.MechanismRegistration)
	if err != nil {
		s.logger.Error("registration counter increment failed",
			zap.Int64("activity_id", campaign.ActivityID), zap.Error(err))
	} else {
		recs, err := s.rewards.Evaluate(ctx, campaign.ActivityID, model.MechanismRegistration, total, participantID)
		if err != nil {
			s.logger.Error("registration tier evaluation failed",
				zap.Int64("activity_id", campaign.ActivityID), zap.Error(err))
		}
		issued = append(issued, recs...)
	}

	// The campaign's own mechanism ladder at the joiner's post value.
	recs, err := s.rewards.Evaluate(ctx, campaign.ActivityID, campaign.Mechanism, int64(postCount), participantID)
	if err != nil {
		s.logger.Error("mechanism tier evaluation failed",
			zap.Int64("campaign_id", campaign.ID), zap.Error(err))
	}
	return append(issued, recs...)
}

// complete runs the completion side effects once. The conditional
// status update is the idempotency gate: a loser (or a second call)
// sees false and does nothing.
func (s *CampaignService) complete(ctx context.Context, campaign *model.Campaign, finalCount int32) {
	won, err := s.campaigns.Complete(ctx, campaign.ID)
	if err != nil {
		s.logger.Error("campaign completion failed",
			zap.Int64("campaign_id", campaign.ID), zap.Error(err))
		return
	}
	if !won {
		return
	}
	campaign.Status = model.CampaignCompleted
	metrics.CampaignsCompleted.WithLabelValues(string(campaign.Mechanism)).Inc()
	s.logger.Info("campaign completed",
		zap.Int64("campaign_id", campaign.ID),
		zap.Int32("final_count", finalCount))

	members, err := s.members.ListByCampaign(ctx, campaign.ID)
	if err != nil {
		s.logger.Error("failed to list members for completion",
			zap.Int64("campaign_id", campaign.ID), zap.Error(err))
		return
	}
	payload := map[string]any{
		"campaign_id": campaign.ID,
		"mechanism":   campaign.Mechanism,
		"reward":      model.DescribeReward(campaign.RewardKind, campaign.RewardValue),
	}
	for _, m := range members {
		s.notifier.Notify(ctx, m.ParticipantID, gateway.EventCampaignCompleted, payload)

		// Every member gets an evaluation at the final count; the
		// (tier, beneficiary) guard absorbs the ones already covered
		// by their own join.
		if _, err := s.rewards.Evaluate(ctx, campaign.ActivityID, campaign.Mechanism, int64(finalCount), m.ParticipantID); err != nil {
			s.logger.Error("completion tier evaluation failed",
				zap.Int64("campaign_id", campaign.ID),
				zap.Int64("participant_id", m.ParticipantID),
				zap.Error(err))
		}
	}
}

// Cancel administratively cancels a campaign. Only the initiator may
// cancel, and only while nobody else has joined.
func (s *CampaignService) Cancel(ctx context.Context, campaignID, actorID int64) error {
	campaign, err := s.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.InitiatorID != actorID {
		return fault.New(fault.PreconditionFailed, "only the initiator may cancel campaign %d", campaignID)
	}

	ok, err := s.campaigns.Cancel(ctx, campaignID)
	if err != nil {
		return err
	}
	if !ok {
		if campaign.Status.Terminal() {
			return fault.New(fault.PreconditionFailed, "campaign %d is already %s", campaignID, campaign.Status)
		}
		return fault.New(fault.PreconditionFailed, "campaign %d has participants and must run out", campaignID)
	}
	s.logger.Info("campaign cancelled", zap.Int64("campaign_id", campaignID))
	return nil
}

// RecordPayment marks a member's obligation captured. The capture
// itself happens in the payment system; this only moves the member
// unpaid -> paid so an eventual expiry knows what to refund.
func (s *CampaignService) RecordPayment(ctx context.Context, campaignID, participantID, amountCents int64) error {
	if amountCents <= 0 {
		return fault.New(fault.PreconditionFailed, "payment amount must be positive")
	}
	ok, err := s.members.MarkPaid(ctx, campaignID, participantID, amountCents)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	exists, err := s.members.Exists(ctx, campaignID, participantID)
	if err != nil {
		return err
	}
	if !exists {
		return fault.New(fault.NotFound, "participant %d is not a member of campaign %d", participantID, campaignID)
	}
	return fault.New(fault.PreconditionFailed, "member is not unpaid")
}

// CampaignDetail is a campaign with its member list.
type CampaignDetail struct {
	Campaign *model.Campaign `json:"campaign"`
	Members  []model.Member  `json:"members"`
}

// GetDetail returns the campaign and its members.
func (s *CampaignService) GetDetail(ctx context.Context, campaignID int64) (*CampaignDetail, error) {
	campaign, err := s.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	members, err := s.members.ListByCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return &CampaignDetail{Campaign: campaign, Members: members}, nil
}

// List returns campaigns matching the filter.
func (s *CampaignService) List(ctx context.Context, f repository.CampaignFilter) ([]model.Campaign, error) {
	return s.campaigns.List(ctx, f)
}
