// Package gateway holds the HTTP clients for the external
// collaborators: the notification service and the refund processor.
// The service layer depends on the interfaces, not on these clients.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kkkkikiki/promo/internal/config"
	"github.com/kkkkikiki/promo/internal/fault"
)

// EventKind names a notification event.
type EventKind string

const (
	EventCampaignCompleted EventKind = "campaign_completed"
	EventCampaignExpired   EventKind = "campaign_expired"
	EventRewardAwarded     EventKind = "reward_awarded"
	EventRefundProcessed   EventKind = "refund_processed"
)

// Notifier delivers beneficiary notifications. Fire-and-forget:
// implementations log failures and never block the triggering
// operation on delivery.
type Notifier interface {
	Notify(ctx context.Context, beneficiaryID int64, event EventKind, payload map[string]any)
}

// Refunder requests a compensating refund and reports whether the
// gateway confirmed it. Calls must be retry-safe: the idempotency key
// is stable across retries for the same member.
type Refunder interface {
	Refund(ctx context.Context, memberID, amountCents int64, idempotencyKey string) error
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// HTTPNotifier posts notification events to the notification service.
type HTTPNotifier struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewHTTPNotifier builds a notifier from config.
func NewHTTPNotifier(cfg *config.GatewayConfig, logger *zap.Logger) *HTTPNotifier {
	return &HTTPNotifier{
		url:    cfg.NotificationURL,
		client: newHTTPClient(cfg.Timeout),
		logger: logger,
	}
}

type notifyRequest struct {
	EventID       string         `json:"event_id"`
	BeneficiaryID int64          `json:"beneficiary_id"`
	Event         EventKind      `json:"event"`
	Payload       map[string]any `json:"payload,omitempty"`
	SentAt        time.Time      `json:"sent_at"`
}

// Notify posts the event. Failures are logged and swallowed; a missed
// notification never fails the state transition that triggered it.
func (n *HTTPNotifier) Notify(ctx context.Context, beneficiaryID int64, event EventKind, payload map[string]any) {
	body, err := json.Marshal(notifyRequest{
		EventID:       uuid.NewString(),
		BeneficiaryID: beneficiaryID,
		Event:         event,
		Payload:       payload,
		SentAt:        time.Now(),
	})
	if err != nil {
		n.logger.Error("failed to encode notification", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("failed to build notification request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("notification delivery failed",
			zap.Int64("beneficiary_id", beneficiaryID),
			zap.String("event", string(event)),
			zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.logger.Warn("notification rejected",
			zap.Int64("beneficiary_id", beneficiaryID),
			zap.String("event", string(event)),
			zap.Int("status", resp.StatusCode))
	}
}

// HTTPRefunder posts refund requests to the payment processor.
type HTTPRefunder struct {
	url    string
	client *http.Client
}

// NewHTTPRefunder builds a refunder from config.
func NewHTTPRefunder(cfg *config.GatewayConfig) *HTTPRefunder {
	return &HTTPRefunder{
		url:    cfg.RefundURL,
		client: newHTTPClient(cfg.Timeout),
	}
}

type refundRequest struct {
	MemberID       int64  `json:"member_id"`
	AmountCents    int64  `json:"amount_cents"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Refund posts the request and treats any non-2xx answer as an
// unconfirmed refund. The caller leaves the member paid and retries.
func (r *HTTPRefunder) Refund(ctx context.Context, memberID, amountCents int64, idempotencyKey string) error {
	body, err := json.Marshal(refundRequest{
		MemberID:       memberID,
		AmountCents:    amountCents,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return fmt.Errorf("failed to encode refund request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build refund request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return fault.Wrap(fault.ExternalDependencyFailed, err, "refund gateway unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fault.New(fault.ExternalDependencyFailed, "refund gateway returned %d for member %d",
			resp.StatusCode, memberID)
	}
	return nil
}
