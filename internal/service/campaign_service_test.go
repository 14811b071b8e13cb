package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkkkikiki/promo/internal/fault"
	"github.com/kkkkikiki/promo/internal/gateway"
	"github.com/kkkkikiki/promo/internal/model"
	"github.com/kkkkikiki/promo/internal/repository"
)

func createCampaign(t *testing.T, env *testEnv, in CreateCampaignInput) *model.Campaign {
	t.Helper()
	campaign, err := env.campaigns.Create(context.Background(), in)
	require.NoError(t, err)
	return campaign
}

func groupPurchaseInput(activityID, initiatorID int64, target, max int32) CreateCampaignInput {
	return CreateCampaignInput{
		ActivityID:  activityID,
		InitiatorID: initiatorID,
		Mechanism:   model.MechanismGroupPurchase,
		TargetCount: target,
		MaxCount:    max,
		Deadline:    time.Now().Add(24 * time.Hour),
		RewardKind:  model.RewardTuitionDiscount,
		RewardValue: "5000",
	}
}

func TestCreateCampaign(t *testing.T) {
	env := newTestEnv()
	env.addActivity(1)

	campaign := createCampaign(t, env, groupPurchaseInput(1, 100, 3, 5))

	assert.Equal(t, model.CampaignActive, campaign.Status)
	assert.Equal(t, int32(1), campaign.CurrentCount, "initiator counts as the first participant")
	assert.Len(t, campaign.JoinCode, 10)

	members, err := env.store.ListByCampaign(context.Background(), campaign.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, int64(100), members[0].ParticipantID)
	assert.Equal(t, model.PaymentUnpaid, members[0].PaymentStatus)
}

func TestCreateCampaignUsesActivityDefaults(t *testing.T) {
	env := newTestEnv()
	env.addActivity(1)

	in := groupPurchaseInput(1, 100, 0, 0)
	in.Deadline = time.Time{}
	campaign := createCampaign(t, env, in)

	assert.Equal(t, int32(3), campaign.TargetCount)
	assert.Equal(t, int32(5), campaign.MaxCount)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), campaign.Deadline, time.Minute)
}

func TestCreateCampaignValidation(t *testing.T) {
	env := newTestEnv()
	env.addActivity(1)
	env.store.addActivity(model.Activity{
		ID: 2, Name: "referral-off", GroupPurchaseEnabled: true,
		DefaultTargetCount: 3, DefaultMaxCount: 5, DefaultDeadlineHours: 24,
	})

	tests := []struct {
		name   string
		mutate func(*CreateCampaignInput)
		kind   fault.Kind
	}{
		{
			name:   "registration is not a campaign mechanism",
			mutate: func(in *CreateCampaignInput) { in.Mechanism = model.MechanismRegistration },
			kind:   fault.PreconditionFailed,
		},
		{
			name:   "unknown activity",
			mutate: func(in *CreateCampaignInput) { in.ActivityID = 999 },
			kind:   fault.NotFound,
		},
		{
			name: "mechanism disabled on activity",
			mutate: func(in *CreateCampaignInput) {
				in.ActivityID = 2
				in.Mechanism = model.MechanismReferralCollection
			},
			kind: fault.PreconditionFailed,
		},
		{
			name:   "invalid reward value",
			mutate: func(in *CreateCampaignInput) { in.RewardValue = "free stuff" },
			kind:   fault.PreconditionFailed,
		},
		{
			name:   "max below target",
			mutate: func(in *CreateCampaignInput) { in.TargetCount = 5; in.MaxCount = 3 },
			kind:   fault.PreconditionFailed,
		},
		{
			name:   "deadline in the past",
			mutate: func(in *CreateCampaignInput) { in.Deadline = time.Now().Add(-time.Hour) },
			kind:   fault.PreconditionFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := groupPurchaseInput(1, 100, 3, 5)
			tt.mutate(&in)
			_, err := env.campaigns.Create(context.Background(), in)
			require.Error(t, err)
			assert.Equal(t, tt.kind, fault.KindOf(err))
		})
	}
}

func TestCreateCampaignRejectsSecondOpen(t *testing.T) {
	env := newTestEnv()
	env.addActivity(1)

	createCampaign(t, env, groupPurchaseInput(1, 100, 3, 5))

	_, err := env.campaigns.Create(context.Background(), groupPurchaseInput(1, 100, 3, 5))
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.PreconditionFailed))

	// A different mechanism is an independent slot.
	in := groupPurchaseInput(1, 100, 3, 5)
	in.Mechanism = model.MechanismReferralCollection
	_, err = env.campaigns.Create(context.Background(), in)
	assert.NoError(t, err)
}

func TestCreateCampaignTargetOneCompletesImmediately(t *testing.T) {
	env := newTestEnv()
	env.addActivity(1)

	campaign := createCampaign(t, env, groupPurchaseInput(1, 100, 1, 5))

	stored, err := env.store.GetByID(context.Background(), campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCompleted, stored.Status)
	assert.Len(t, env.notifier.byEvent(gateway.EventCampaignCompleted), 1)
}

func TestJoin(t *testing.T) {
	env := newTestEnv()
	env.addActivity(1)
	campaign := createCampaign(t, env, groupPurchaseInput(1, 100, 3, 5))

	result, err := env.campaigns.Join(context.Background(), campaign.JoinCode, 101, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), result.PostCount)
	assert.False(t, result.Completed)

	referrer := int64(100)
	result, err = env.campaigns.Join(context.Background(), campaign.JoinCode, 102, &referrer)
	require.NoError(t, err)
	assert.Equal(t, int32(3), result.PostCount)
	assert.True(t, result.Completed, "the join that reaches the target reports completion")

	stored, err := env.store.GetByID(context.Background(), campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCompleted, stored.Status)

	// every member is told once
	assert.Len(t, env.notifier.byEvent(gateway.EventCampaignCompleted), 3)
}

func TestJoinRejections(t *testing.T) {
	env := newTestEnv()
	env.addActivity(1)
	campaign := createCampaign(t, env, groupPurchaseInput(1, 100, 4, 4))

	_, err := env.campaigns.Join(context.Background(), "0Z00000000", 101, nil)
	assert.True(t, fault.IsKind(err, fault.NotFound), "unknown code")

	_, err = env.campaigns.Join(context.Background(), campaign.JoinCode, 100, nil)
	assert.True(t, fault.IsKind(err, fault.Conflict), "initiator joining twice")

	for _, p := range []int64{101, 102, 103} {
		_, err = env.campaigns.Join(context.Background(), campaign.JoinCode, p, nil)
		require.NoError(t, err)
	}

	// campaign completed at 4 of 4; further joins are refused on status
	_, err = env.campaigns.Join(context.Background(), campaign.JoinCode, 104, nil)
	assert.True(t, fault.IsKind(err, fault.PreconditionFailed))
}

func TestJoinStopsAtMaxCount(t *testing.T) {
	env := newTestEnv()
	env.addActivity(1)
	campaign := createCampaign(t, env, groupPurchaseInput(1, 100, 3, 5))

	// Keep the campaign active past its target so the ceiling is what
	// refuses the join, not the completed status.
	env.store.mu.Lock()
	env.store.campaigns[campaign.ID].TargetCount = 100
	env.store.campaigns[campaign.ID].MaxCount = 3
	env.store.mu.Unlock()

	for _, p := range []int64{101, 102} {
		_, err := env.campaigns.Join(context.Background(), campaign.JoinCode, p, nil)
		require.NoError(t, err)
	}

	_, err := env.campaigns.Join(context.Background(), campaign.JoinCode, 103, nil)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.Conflict))

	stored, err := env.store.GetByID(context.Background(), campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(3), stored.CurrentCount, "counter never exceeds max_count")
}

func TestConcurrentJoinsCompleteExactlyOnce(t *testing.T) {
	env := newTestEnv()
	env.addActivity(1)
	campaign := createCampaign(t, env, groupPurchaseInput(1, 100, 20, 30))

	const joiners = 40
	var wg sync.WaitGroup
	var mu sync.Mutex
	completions := 0
	successes := 0

	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(participant int64) {
			defer wg.Done()
			result, err := env.campaigns.Join(context.Background(), campaign.JoinCode, participant, nil)
			if err != nil {
				return
			}
			mu.Lock()
			successes++
			if result.Completed {
				completions++
			}
			mu.Unlock()
		}(int64(1000 + i))
	}
	wg.Wait()

	assert.Equal(t, 1, completions, "exactly one joiner observes the threshold crossing")

	stored, err := env.store.GetByID(context.Background(), campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCompleted, stored.Status)

	// Joins may still land between the threshold crossing and the
	// status flip, but never past the ceiling, and every success is
	// accounted for in the final count.
	assert.Equal(t, int32(successes)+1, stored.CurrentCount)
	assert.GreaterOrEqual(t, stored.CurrentCount, stored.TargetCount)
	assert.LessOrEqual(t, stored.CurrentCount, stored.MaxCount)
}

func TestJoinFeedsRegistrationCounter(t *testing.T) {
	env := newTestEnv()
	env.addActivity(1)

	// Two campaigns of the same activity share one registration counter.
	first := createCampaign(t, env, groupPurchaseInput(1, 100, 3, 5))
	second := createCampaign(t, env, groupPurchaseInput(1, 200, 3, 5))

	_, err := env.campaigns.Join(context.Background(), first.JoinCode, 101, nil)
	require.NoError(t, err)
	_, err = env.campaigns.Join(context.Background(), second.JoinCode, 102, nil)
	require.NoError(t, err)

	total, err := env.store.GetCounter(context.Background(), 1, model.MechanismRegistration)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}

func TestJoinIssuesTierRewards(t *testing.T) {
	env := newTestEnv()
	env.addActivity(1)

	_, err := env.rewards.CreateTier(context.Background(), CreateTierInput{
		ActivityID:  1,
		Mechanism:   model.MechanismGroupPurchase,
		TierNumber:  1,
		TargetValue: 2,
		RewardKind:  model.RewardCourseHours,
		RewardValue: "4",
	})
	require.NoError(t, err)

	campaign := createCampaign(t, env, groupPurchaseInput(1, 100, 3, 5))

	result, err := env.campaigns.Join(context.Background(), campaign.JoinCode, 101, nil)
	require.NoError(t, err)
	require.Len(t, result.NewRewards, 1, "post count 2 crosses the tier at 2")

	rewards, err := env.rewards.UserRewards(context.Background(), 101)
	require.NoError(t, err)
	require.Len(t, rewards, 1)
	assert.Equal(t, model.RewardAwarded, rewards[0].Status)
	assert.Equal(t, model.RewardCourseHours, rewards[0].RewardKind)
}

func TestCompletionEvaluatesEveryMemberOnce(t *testing.T) {
	env := newTestEnv()
	env.addActivity(1)

	_, err := env.rewards.CreateTier(context.Background(), CreateTierInput{
		ActivityID:  1,
		Mechanism:   model.MechanismGroupPurchase,
		TierNumber:  1,
		TargetValue: 3,
		RewardKind:  model.RewardVoucher,
		RewardValue: "1000",
	})
	require.NoError(t, err)

	campaign := createCampaign(t, env, groupPurchaseInput(1, 100, 3, 5))
	for _, p := range []int64{101, 102} {
		_, err := env.campaigns.Join(context.Background(), campaign.JoinCode, p, nil)
		require.NoError(t, err)
	}

	// Completion sweeps all three members through the ladder at the
	// final count. The joiner who crossed it was already awarded by
	// their own join; the unique guard keeps them at one record.
	for _, p := range []int64{100, 101, 102} {
		rewards, err := env.rewards.UserRewards(context.Background(), p)
		require.NoError(t, err)
		assert.Len(t, rewards, 1, "participant %d", p)
	}
}

func TestCancel(t *testing.T) {
	env := newTestEnv()
	env.addActivity(1)
	campaign := createCampaign(t, env, groupPurchaseInput(1, 100, 3, 5))

	err := env.campaigns.Cancel(context.Background(), campaign.ID, 999)
	assert.True(t, fault.IsKind(err, fault.PreconditionFailed), "only the initiator may cancel")

	require.NoError(t, env.campaigns.Cancel(context.Background(), campaign.ID, 100))

	stored, err := env.store.GetByID(context.Background(), campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCancelled, stored.Status)

	err = env.campaigns.Cancel(context.Background(), campaign.ID, 100)
	assert.True(t, fault.IsKind(err, fault.PreconditionFailed), "already terminal")
}

func TestCancelBlockedByParticipants(t *testing.T) {
	env := newTestEnv()
	env.addActivity(1)
	campaign := createCampaign(t, env, groupPurchaseInput(1, 100, 3, 5))

	_, err := env.campaigns.Join(context.Background(), campaign.JoinCode, 101, nil)
	require.NoError(t, err)

	err = env.campaigns.Cancel(context.Background(), campaign.ID, 100)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.PreconditionFailed))

	stored, err := env.store.GetByID(context.Background(), campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignActive, stored.Status)
}

func TestRecordPayment(t *testing.T) {
	env := newTestEnv()
	env.addActivity(1)
	campaign := createCampaign(t, env, groupPurchaseInput(1, 100, 3, 5))

	require.NoError(t, env.campaigns.RecordPayment(context.Background(), campaign.ID, 100, 9900))

	members, err := env.store.ListByCampaign(context.Background(), campaign.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, model.PaymentPaid, members[0].PaymentStatus)
	assert.Equal(t, int64(9900), members[0].PaidAmount)

	err = env.campaigns.RecordPayment(context.Background(), campaign.ID, 100, 9900)
	assert.True(t, fault.IsKind(err, fault.PreconditionFailed), "double capture")

	err = env.campaigns.RecordPayment(context.Background(), campaign.ID, 999, 9900)
	assert.True(t, fault.IsKind(err, fault.NotFound), "not a member")

	err = env.campaigns.RecordPayment(context.Background(), campaign.ID, 100, 0)
	assert.True(t, fault.IsKind(err, fault.PreconditionFailed), "non-positive amount")
}

func TestGetDetailAndList(t *testing.T) {
	env := newTestEnv()
	env.addActivity(1)
	campaign := createCampaign(t, env, groupPurchaseInput(1, 100, 3, 5))
	_, err := env.campaigns.Join(context.Background(), campaign.JoinCode, 101, nil)
	require.NoError(t, err)

	detail, err := env.campaigns.GetDetail(context.Background(), campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.ID, detail.Campaign.ID)
	assert.Len(t, detail.Members, 2)

	for i := 0; i < 3; i++ {
		createCampaign(t, env, groupPurchaseInput(1, int64(200+i), 3, 5))
	}
	listed, err := env.campaigns.List(context.Background(), repository.CampaignFilter{
		ActivityID: 1,
		Status:     model.CampaignActive,
	})
	require.NoError(t, err)
	assert.Len(t, listed, 4)
}
