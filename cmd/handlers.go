package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kkkkikiki/promo/internal/fault"
	"github.com/kkkkikiki/promo/internal/model"
	"github.com/kkkkikiki/promo/internal/repository"
	"github.com/kkkkikiki/promo/internal/service"
)

// registerHandlers wires the JSON API onto the mux. The handlers stay
// thin: decode, call the service, map the fault kind to a status code.
func registerHandlers(mux *http.ServeMux, campaigns *service.CampaignService, rewards *service.RewardService, logger *zap.Logger) {
	h := &apiHandlers{campaigns: campaigns, rewards: rewards, logger: logger}

	mux.HandleFunc("POST /v1/campaigns", h.createCampaign)
	mux.HandleFunc("GET /v1/campaigns", h.listCampaigns)
	mux.HandleFunc("GET /v1/campaigns/{id}", h.getCampaign)
	mux.HandleFunc("POST /v1/campaigns/{code}/join", h.joinCampaign)
	mux.HandleFunc("POST /v1/campaigns/{id}/cancel", h.cancelCampaign)
	mux.HandleFunc("POST /v1/campaigns/{id}/payments", h.recordPayment)
	mux.HandleFunc("POST /v1/tiers", h.createTier)
	mux.HandleFunc("GET /v1/activities/{id}/tiers", h.listTiers)
	mux.HandleFunc("POST /v1/activities/{id}/registrations", h.recordRegistration)
	mux.HandleFunc("GET /v1/users/{id}/rewards", h.userRewards)
	mux.HandleFunc("POST /v1/rewards/{id}/use", h.useReward)
}

type apiHandlers struct {
	campaigns *service.CampaignService
	rewards   *service.RewardService
	logger    *zap.Logger
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func statusForKind(kind fault.Kind) int {
	switch kind {
	case fault.NotFound:
		return http.StatusNotFound
	case fault.Conflict:
		return http.StatusConflict
	case fault.PreconditionFailed:
		return http.StatusPreconditionFailed
	case fault.ExternalDependencyFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *apiHandlers) writeError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	status := statusForKind(kind)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
		writeJSON(w, status, errorBody{Error: "internal error", Kind: kind.String()})
		return
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind.String()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	return id, err == nil && id > 0
}

type createCampaignRequest struct {
	ActivityID  int64            `json:"activity_id"`
	InitiatorID int64            `json:"initiator_id"`
	Mechanism   model.Mechanism  `json:"mechanism"`
	TargetCount int32            `json:"target_count"`
	MaxCount    int32            `json:"max_count"`
	Deadline    time.Time        `json:"deadline"`
	RewardKind  model.RewardKind `json:"reward_kind"`
	RewardValue string           `json:"reward_value"`
}

func (h *apiHandlers) createCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body", Kind: "bad_request"})
		return
	}
	campaign, err := h.campaigns.Create(r.Context(), service.CreateCampaignInput{
		ActivityID:  req.ActivityID,
		InitiatorID: req.InitiatorID,
		Mechanism:   req.Mechanism,
		TargetCount: req.TargetCount,
		MaxCount:    req.MaxCount,
		Deadline:    req.Deadline,
		RewardKind:  req.RewardKind,
		RewardValue: req.RewardValue,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, campaign)
}

func (h *apiHandlers) listCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := repository.CampaignFilter{
		Mechanism: model.Mechanism(q.Get("mechanism")),
		Status:    model.CampaignStatus(q.Get("status")),
	}
	f.ActivityID, _ = strconv.ParseInt(q.Get("activity_id"), 10, 64)
	f.InitiatorID, _ = strconv.ParseInt(q.Get("initiator_id"), 10, 64)
	f.Limit, _ = strconv.Atoi(q.Get("limit"))

	campaigns, err := h.campaigns.List(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, campaigns)
}

func (h *apiHandlers) getCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid campaign id", Kind: "bad_request"})
		return
	}
	detail, err := h.campaigns.GetDetail(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

type joinRequest struct {
	ParticipantID int64  `json:"participant_id"`
	ReferrerID    *int64 `json:"referrer_id,omitempty"`
}

func (h *apiHandlers) joinCampaign(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ParticipantID <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid join body", Kind: "bad_request"})
		return
	}
	result, err := h.campaigns.Join(r.Context(), code, req.ParticipantID, req.ReferrerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type cancelRequest struct {
	ActorID int64 `json:"actor_id"`
}

func (h *apiHandlers) cancelCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid campaign id", Kind: "bad_request"})
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ActorID <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid cancel body", Kind: "bad_request"})
		return
	}
	if err := h.campaigns.Cancel(r.Context(), id, req.ActorID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type paymentRequest struct {
	ParticipantID int64 `json:"participant_id"`
	AmountCents   int64 `json:"amount_cents"`
}

func (h *apiHandlers) recordPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid campaign id", Kind: "bad_request"})
		return
	}
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ParticipantID <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid payment body", Kind: "bad_request"})
		return
	}
	if err := h.campaigns.RecordPayment(r.Context(), id, req.ParticipantID, req.AmountCents); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paid"})
}

type createTierRequest struct {
	ActivityID  int64            `json:"activity_id"`
	Mechanism   model.Mechanism  `json:"mechanism"`
	TierNumber  int32            `json:"tier_number"`
	TargetValue int64            `json:"target_value"`
	RewardKind  model.RewardKind `json:"reward_kind"`
	RewardValue string           `json:"reward_value"`
	MaxWinners  *int32           `json:"max_winners,omitempty"`
	ValidDays   *int32           `json:"valid_days,omitempty"`
}

func (h *apiHandlers) createTier(w http.ResponseWriter, r *http.Request) {
	var req createTierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body", Kind: "bad_request"})
		return
	}
	tier, err := h.rewards.CreateTier(r.Context(), service.CreateTierInput{
		ActivityID:  req.ActivityID,
		Mechanism:   req.Mechanism,
		TierNumber:  req.TierNumber,
		TargetValue: req.TargetValue,
		RewardKind:  req.RewardKind,
		RewardValue: req.RewardValue,
		MaxWinners:  req.MaxWinners,
		ValidDays:   req.ValidDays,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tier)
}

func (h *apiHandlers) listTiers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid activity id", Kind: "bad_request"})
		return
	}
	mechanism := model.Mechanism(r.URL.Query().Get("mechanism"))
	tiers, err := h.rewards.ListTiers(r.Context(), id, mechanism)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tiers)
}

type registrationRequest struct {
	RegistrantID int64 `json:"registrant_id"`
}

func (h *apiHandlers) recordRegistration(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid activity id", Kind: "bad_request"})
		return
	}
	var req registrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RegistrantID <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid registration body", Kind: "bad_request"})
		return
	}
	issued, err := h.rewards.RecordRegistration(r.Context(), id, req.RegistrantID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"new_rewards": issued})
}

func (h *apiHandlers) userRewards(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid user id", Kind: "bad_request"})
		return
	}
	rewards, err := h.rewards.UserRewards(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rewards)
}

type useRewardRequest struct {
	BeneficiaryID int64 `json:"beneficiary_id"`
}

func (h *apiHandlers) useReward(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid reward id", Kind: "bad_request"})
		return
	}
	var req useRewardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BeneficiaryID <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid use body", Kind: "bad_request"})
		return
	}
	if err := h.rewards.UseReward(r.Context(), id, req.BeneficiaryID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "used"})
}
