package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kkkkikiki/promo/internal/fault"
	"github.com/kkkkikiki/promo/internal/gateway"
	"github.com/kkkkikiki/promo/internal/model"
	"github.com/kkkkikiki/promo/internal/repository"
)

type counterKey struct {
	activityID int64
	kind       model.Mechanism
}

// memStore is an in-memory implementation of every store interface.
// One mutex stands in for the database's transaction isolation, so the
// atomicity contracts hold: Join couples the member insert with the
// increment, Award couples the slot claim with the unique insert.
type memStore struct {
	mu sync.Mutex

	campaigns  map[int64]*model.Campaign
	members    map[int64]*model.Member
	tiers      map[int64]*model.RewardTier
	records    map[int64]*model.RewardRecord
	counters   map[counterKey]int64
	activities map[int64]*model.Activity

	nextCampaignID int64
	nextMemberID   int64
	nextTierID     int64
	nextRecordID   int64
}

func newMemStore() *memStore {
	return &memStore{
		campaigns:  make(map[int64]*model.Campaign),
		members:    make(map[int64]*model.Member),
		tiers:      make(map[int64]*model.RewardTier),
		records:    make(map[int64]*model.RewardRecord),
		counters:   make(map[counterKey]int64),
		activities: make(map[int64]*model.Activity),
	}
}

func (s *memStore) addActivity(a model.Activity) *model.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := a
	s.activities[cp.ID] = &cp
	return &cp
}

// --- ActivityCatalog ---

func (s *memStore) Get(ctx context.Context, id int64) (*model.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.activities[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "activity %d not found", id)
	}
	cp := *a
	return &cp, nil
}

// --- CampaignStore ---

func (s *memStore) CreateWithInitiator(ctx context.Context, campaign *model.Campaign, newCode func() (string, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.campaigns {
		if c.ActivityID == campaign.ActivityID && c.InitiatorID == campaign.InitiatorID &&
			c.Mechanism == campaign.Mechanism &&
			(c.Status == model.CampaignPending || c.Status == model.CampaignActive) {
			return fault.New(fault.PreconditionFailed,
				"initiator %d already has an open %s campaign for activity %d",
				campaign.InitiatorID, campaign.Mechanism, campaign.ActivityID)
		}
	}

	code, err := newCode()
	if err != nil {
		return fmt.Errorf("failed to generate join code: %w", err)
	}

	now := time.Now()
	s.nextCampaignID++
	campaign.ID = s.nextCampaignID
	campaign.JoinCode = code
	campaign.Status = model.CampaignActive
	campaign.CurrentCount = 1
	campaign.CreatedAt = now
	campaign.UpdatedAt = now
	cp := *campaign
	s.campaigns[cp.ID] = &cp

	s.nextMemberID++
	s.members[s.nextMemberID] = &model.Member{
		ID:            s.nextMemberID,
		CampaignID:    cp.ID,
		ParticipantID: cp.InitiatorID,
		PaymentStatus: model.PaymentUnpaid,
		JoinedAt:      now,
		CreatedAt:     now,
	}
	return nil
}

func (s *memStore) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "campaign %d not found", id)
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) GetByCode(ctx context.Context, code string) (*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.campaigns {
		if c.JoinCode == code {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fault.New(fault.NotFound, "no campaign matches code %q", code)
}

func (s *memStore) List(ctx context.Context, f repository.CampaignFilter) ([]model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.Campaign{}
	for _, c := range s.campaigns {
		if f.ActivityID != 0 && c.ActivityID != f.ActivityID {
			continue
		}
		if f.InitiatorID != 0 && c.InitiatorID != f.InitiatorID {
			continue
		}
		if f.Mechanism != "" && c.Mechanism != f.Mechanism {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memStore) HasOpenCampaign(ctx context.Context, activityID, initiatorID int64, mechanism model.Mechanism) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.campaigns {
		if c.ActivityID == activityID && c.InitiatorID == initiatorID && c.Mechanism == mechanism &&
			(c.Status == model.CampaignPending || c.Status == model.CampaignActive) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) Join(ctx context.Context, campaignID, participantID int64, referrerID *int64, now time.Time) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[campaignID]
	if !ok {
		return 0, fault.New(fault.NotFound, "campaign %d not found", campaignID)
	}
	for _, m := range s.members {
		if m.CampaignID == campaignID && m.ParticipantID == participantID {
			return 0, fault.New(fault.Conflict, "participant %d already joined campaign %d", participantID, campaignID)
		}
	}
	switch {
	case c.Status != model.CampaignActive:
		return 0, fault.New(fault.PreconditionFailed, "campaign %d is %s, not active", campaignID, c.Status)
	case !c.Deadline.After(now):
		return 0, fault.New(fault.PreconditionFailed, "campaign %d deadline has passed", campaignID)
	case c.CurrentCount >= c.MaxCount:
		return 0, fault.New(fault.Conflict, "campaign %d is full", campaignID)
	}

	member := &model.Member{
		CampaignID:    campaignID,
		ParticipantID: participantID,
		PaymentStatus: model.PaymentUnpaid,
		JoinedAt:      now,
		CreatedAt:     now,
	}
	if referrerID != nil {
		member.ReferrerID.Int64 = *referrerID
		member.ReferrerID.Valid = true
	}
	s.nextMemberID++
	member.ID = s.nextMemberID
	s.members[member.ID] = member

	c.CurrentCount++
	c.UpdatedAt = now
	return c.CurrentCount, nil
}

func (s *memStore) Complete(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok || (c.Status != model.CampaignPending && c.Status != model.CampaignActive) {
		return false, nil
	}
	c.Status = model.CampaignCompleted
	c.UpdatedAt = time.Now()
	return true, nil
}

func (s *memStore) Expire(ctx context.Context, id int64, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok || c.Status != model.CampaignActive || !c.Deadline.Before(now) {
		return false, nil
	}
	c.Status = model.CampaignExpired
	c.UpdatedAt = now
	return true, nil
}

func (s *memStore) Cancel(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok || (c.Status != model.CampaignPending && c.Status != model.CampaignActive) || c.CurrentCount > 1 {
		return false, nil
	}
	c.Status = model.CampaignCancelled
	c.UpdatedAt = time.Now()
	return true, nil
}

func (s *memStore) ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.Campaign{}
	for _, c := range s.campaigns {
		if c.Status == model.CampaignActive && c.Deadline.Before(now) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- MemberStore ---

func (s *memStore) ListByCampaign(ctx context.Context, campaignID int64) ([]model.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.Member{}
	for _, m := range s.members {
		if m.CampaignID == campaignID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) ListPaidInExpired(ctx context.Context, limit int) ([]model.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.Member{}
	for _, m := range s.members {
		c, ok := s.campaigns[m.CampaignID]
		if ok && c.Status == model.CampaignExpired && m.PaymentStatus == model.PaymentPaid {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) MarkPaid(ctx context.Context, campaignID, participantID, amountCents int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members {
		if m.CampaignID == campaignID && m.ParticipantID == participantID {
			if m.PaymentStatus != model.PaymentUnpaid {
				return false, nil
			}
			m.PaymentStatus = model.PaymentPaid
			m.PaidAmount = amountCents
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) MarkRefunded(ctx context.Context, memberID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberID]
	if !ok || m.PaymentStatus != model.PaymentPaid {
		return false, nil
	}
	m.PaymentStatus = model.PaymentRefunded
	return true, nil
}

func (s *memStore) Exists(ctx context.Context, campaignID, participantID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members {
		if m.CampaignID == campaignID && m.ParticipantID == participantID {
			return true, nil
		}
	}
	return false, nil
}

// --- TierStore ---

func (s *memStore) Create(ctx context.Context, tier *model.RewardTier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tiers {
		if t.ActivityID == tier.ActivityID && t.Mechanism == tier.Mechanism && t.TierNumber == tier.TierNumber {
			return fault.New(fault.Conflict, "tier %d already exists for activity %d %s",
				tier.TierNumber, tier.ActivityID, tier.Mechanism)
		}
	}
	now := time.Now()
	s.nextTierID++
	tier.ID = s.nextTierID
	tier.CreatedAt = now
	tier.UpdatedAt = now
	cp := *tier
	s.tiers[cp.ID] = &cp
	return nil
}

func (s *memStore) getTierByID(ctx context.Context, id int64) (*model.RewardTier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tiers[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "reward tier %d not found", id)
	}
	cp := *t
	return &cp, nil
}

func (s *memStore) listTiers(activityID int64, mechanism model.Mechanism, activeOnly bool) []model.RewardTier {
	out := []model.RewardTier{}
	for _, t := range s.tiers {
		if t.ActivityID != activityID || t.Mechanism != mechanism {
			continue
		}
		if activeOnly && !t.IsActive {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TierNumber < out[j].TierNumber })
	return out
}

func (s *memStore) ListTiers(ctx context.Context, activityID int64, mechanism model.Mechanism) ([]model.RewardTier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listTiers(activityID, mechanism, false), nil
}

func (s *memStore) ListActive(ctx context.Context, activityID int64, mechanism model.Mechanism) ([]model.RewardTier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listTiers(activityID, mechanism, true), nil
}

func (s *memStore) SetActive(ctx context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tiers[id]
	if !ok {
		return fault.New(fault.NotFound, "reward tier %d not found", id)
	}
	t.IsActive = active
	return nil
}

// --- RewardStore ---

func (s *memStore) Award(ctx context.Context, tierID, beneficiaryID int64, now time.Time, expiresAt *time.Time) (*model.RewardRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tiers[tierID]
	if !ok {
		return nil, fault.New(fault.NotFound, "reward tier %d not found", tierID)
	}
	if !t.IsActive || (t.MaxWinners.Valid && t.WinnersSoFar >= t.MaxWinners.Int32) {
		return nil, fault.New(fault.Conflict, "no winner slot left on tier %d", tierID)
	}
	for _, r := range s.records {
		if r.TierID == tierID && r.BeneficiaryID == beneficiaryID {
			return nil, fault.New(fault.Conflict, "tier %d already awarded to %d", tierID, beneficiaryID)
		}
	}

	t.WinnersSoFar++
	s.nextRecordID++
	record := &model.RewardRecord{
		ID:            s.nextRecordID,
		TierID:        tierID,
		BeneficiaryID: beneficiaryID,
		Status:        model.RewardAwarded,
		AwardedAt:     now,
		CreatedAt:     now,
	}
	if expiresAt != nil {
		record.ExpiresAt.Time = *expiresAt
		record.ExpiresAt.Valid = true
	}
	s.records[record.ID] = record
	cp := *record
	return &cp, nil
}

func (s *memStore) ListByBeneficiary(ctx context.Context, beneficiaryID int64) ([]model.UserReward, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.UserReward{}
	for _, r := range s.records {
		if r.BeneficiaryID != beneficiaryID {
			continue
		}
		t, ok := s.tiers[r.TierID]
		if !ok {
			continue
		}
		out = append(out, model.UserReward{
			RewardRecord: *r,
			ActivityID:   t.ActivityID,
			Mechanism:    t.Mechanism,
			TierNumber:   t.TierNumber,
			TargetValue:  t.TargetValue,
			RewardKind:   t.RewardKind,
			RewardValue:  t.RewardValue,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) Use(ctx context.Context, recordID, beneficiaryID int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[recordID]
	if !ok || r.BeneficiaryID != beneficiaryID {
		return fault.New(fault.NotFound, "reward record %d not found for beneficiary %d", recordID, beneficiaryID)
	}
	if r.Status != model.RewardAwarded {
		return fault.New(fault.PreconditionFailed, "reward record %d is %s, not awarded", recordID, r.Status)
	}
	if r.ExpiresAt.Valid && !r.ExpiresAt.Time.After(now) {
		return fault.New(fault.PreconditionFailed, "reward record %d has expired", recordID)
	}
	r.Status = model.RewardUsed
	r.UsedAt.Time = now
	r.UsedAt.Valid = true
	return nil
}

func (s *memStore) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.records {
		if r.Status == model.RewardAwarded && r.ExpiresAt.Valid && !r.ExpiresAt.Time.After(now) {
			r.Status = model.RewardExpired
			n++
		}
	}
	return n, nil
}

// --- CounterStore ---

func (s *memStore) Increment(ctx context.Context, activityID int64, kind model.Mechanism) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := counterKey{activityID, kind}
	s.counters[k]++
	return s.counters[k], nil
}

func (s *memStore) GetCounter(ctx context.Context, activityID int64, kind model.Mechanism) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[counterKey{activityID, kind}], nil
}

// tierStoreView and counterStoreView pick out the interface methods
// whose names collide on memStore (Get/GetByID serve campaigns and the
// activity catalog directly).
type tierStoreView struct{ *memStore }

func (v tierStoreView) GetByID(ctx context.Context, id int64) (*model.RewardTier, error) {
	return v.memStore.getTierByID(ctx, id)
}

func (v tierStoreView) List(ctx context.Context, activityID int64, mechanism model.Mechanism) ([]model.RewardTier, error) {
	return v.memStore.ListTiers(ctx, activityID, mechanism)
}

type counterStoreView struct{ *memStore }

func (v counterStoreView) Get(ctx context.Context, activityID int64, kind model.Mechanism) (int64, error) {
	return v.memStore.GetCounter(ctx, activityID, kind)
}

// notification is one captured Notify call.
type notification struct {
	BeneficiaryID int64
	Event         gateway.EventKind
	Payload       map[string]any
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *fakeNotifier) Notify(ctx context.Context, beneficiaryID int64, event gateway.EventKind, payload map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{BeneficiaryID: beneficiaryID, Event: event, Payload: payload})
}

func (n *fakeNotifier) byEvent(event gateway.EventKind) []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notification
	for _, s := range n.sent {
		if s.Event == event {
			out = append(out, s)
		}
	}
	return out
}

// fakeRefunder confirms refunds unless the member is listed in fail.
type fakeRefunder struct {
	mu    sync.Mutex
	fail  map[int64]bool
	calls []string // idempotency keys, in order
}

func newFakeRefunder() *fakeRefunder {
	return &fakeRefunder{fail: make(map[int64]bool)}
}

func (r *fakeRefunder) Refund(ctx context.Context, memberID, amountCents int64, idempotencyKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, idempotencyKey)
	if r.fail[memberID] {
		return fault.New(fault.ExternalDependencyFailed, "refund gateway returned 503 for member %d", memberID)
	}
	return nil
}

func (r *fakeRefunder) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// testEnv wires the services over one memStore.
type testEnv struct {
	store     *memStore
	notifier  *fakeNotifier
	rewards   *RewardService
	campaigns *CampaignService
}

func newTestEnv() *testEnv {
	store := newMemStore()
	notifier := &fakeNotifier{}
	logger := zap.NewNop()

	rewards := NewRewardService(tierStoreView{store}, store, counterStoreView{store}, store, notifier, logger)

	codes, err := NewJoinCodeGenerator("test-join-code-secret")
	if err != nil {
		panic(err)
	}
	campaigns := NewCampaignService(store, store, counterStoreView{store}, store, rewards, notifier, codes, logger)

	return &testEnv{store: store, notifier: notifier, rewards: rewards, campaigns: campaigns}
}

func (e *testEnv) addActivity(id int64) *model.Activity {
	return e.store.addActivity(model.Activity{
		ID:                   id,
		Name:                 fmt.Sprintf("activity-%d", id),
		GroupPurchaseEnabled: true,
		ReferralEnabled:      true,
		DefaultTargetCount:   3,
		DefaultMaxCount:      5,
		DefaultDeadlineHours: 24,
	})
}
