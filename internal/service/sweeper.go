package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kkkkikiki/promo/internal/config"
	"github.com/kkkkikiki/promo/internal/gateway"
	"github.com/kkkkikiki/promo/internal/metrics"
)

// Sweeper reconciles time-based expiry independent of request traffic.
// It races live joins on the same campaigns; the conditional Expire
// update makes the race safe — whichever terminal transition commits
// first sticks and the loser is a no-op.
type Sweeper struct {
	campaigns CampaignStore
	members   MemberStore
	records   RewardStore
	refunder  gateway.Refunder
	notifier  gateway.Notifier
	cfg       config.SweepConfig
	logger    *zap.Logger

	now func() time.Time
}

// NewSweeper creates a new Sweeper instance
func NewSweeper(
	campaigns CampaignStore,
	members MemberStore,
	records RewardStore,
	refunder gateway.Refunder,
	notifier gateway.Notifier,
	cfg config.SweepConfig,
	logger *zap.Logger,
) *Sweeper {
	return &Sweeper{
		campaigns: campaigns,
		members:   members,
		records:   records,
		refunder:  refunder,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Run sweeps on the configured interval until the context ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("expiry sweeper started", zap.Duration("interval", s.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep pass failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one full pass. Per-campaign failures are logged and the
// batch continues; only a failure to list the batch aborts the pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	now := s.now()
	expired, err := s.campaigns.ListExpiredActive(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list expiry candidates: %w", err)
	}

	for _, campaign := range expired {
		won, err := s.campaigns.Expire(ctx, campaign.ID, now)
		if err != nil {
			s.logger.Error("failed to expire campaign",
				zap.Int64("campaign_id", campaign.ID), zap.Error(err))
			continue
		}
		if !won {
			// A threshold-crossing join completed it under us.
			continue
		}
		metrics.CampaignsExpired.Inc()
		s.logger.Info("campaign expired",
			zap.Int64("campaign_id", campaign.ID),
			zap.Time("deadline", campaign.Deadline))

		s.notifyExpiry(ctx, campaign.ID)
	}

	// Refund obligations cover every expired campaign, not only the
	// ones this pass expired: a member whose refund never confirmed
	// last time is still paid and shows up again here.
	s.refundOutstanding(ctx)

	if n, err := s.records.ExpireDue(ctx, now); err != nil {
		s.logger.Error("failed to expire reward records", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("reward records expired", zap.Int64("count", n))
	}
	return nil
}

// refundOutstanding requests a compensating refund for every paid
// member of an expired campaign. A member is marked refunded only
// after the gateway confirms; an unconfirmed member stays paid and the
// next sweep pass picks it up again.
func (s *Sweeper) refundOutstanding(ctx context.Context) {
	paid, err := s.members.ListPaidInExpired(ctx, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to list outstanding refunds", zap.Error(err))
		return
	}

	for _, member := range paid {
		// Stable across retries and sweep passes, so the gateway can
		// deduplicate.
		key := fmt.Sprintf("refund-%d-%d", member.CampaignID, member.ID)

		if err := s.refundWithRetry(ctx, member.ID, member.PaidAmount, key); err != nil {
			s.logger.Warn("refund unconfirmed, member left paid for next sweep",
				zap.Int64("campaign_id", member.CampaignID),
				zap.Int64("member_id", member.ID),
				zap.Error(err))
			continue
		}

		if _, err := s.members.MarkRefunded(ctx, member.ID); err != nil {
			s.logger.Error("failed to mark member refunded",
				zap.Int64("member_id", member.ID), zap.Error(err))
			continue
		}
		s.notifier.Notify(ctx, member.ParticipantID, gateway.EventRefundProcessed, map[string]any{
			"campaign_id":  member.CampaignID,
			"amount_cents": member.PaidAmount,
		})
	}
}

// refundWithRetry calls the gateway with capped exponential backoff.
func (s *Sweeper) refundWithRetry(ctx context.Context, memberID, amountCents int64, key string) error {
	var lastErr error
	backoff := s.cfg.RefundBackoffBase

	for attempt := 0; attempt < s.cfg.RefundAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		lastErr = s.refunder.Refund(ctx, memberID, amountCents, key)
		if lastErr == nil {
			metrics.RefundAttempts.WithLabelValues("confirmed").Inc()
			return nil
		}
		metrics.RefundAttempts.WithLabelValues("failed").Inc()
	}
	return lastErr
}

func (s *Sweeper) notifyExpiry(ctx context.Context, campaignID int64) {
	members, err := s.members.ListByCampaign(ctx, campaignID)
	if err != nil {
		s.logger.Error("failed to list members for expiry notification",
			zap.Int64("campaign_id", campaignID), zap.Error(err))
		return
	}
	payload := map[string]any{"campaign_id": campaignID}
	for _, m := range members {
		s.notifier.Notify(ctx, m.ParticipantID, gateway.EventCampaignExpired, payload)
	}
}
