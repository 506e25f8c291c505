package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"intentcast/internal/apperr"
	"intentcast/internal/lifecycle"
	"intentcast/internal/storage"
	"intentcast/internal/types"
)

type createIntentRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`

	Category     string         `json:"category"`
	Requirements map[string]any `json:"requirements"`

	Input    *types.InputSpec            `json:"input"`
	Output   *types.OutputSpec           `json:"output"`
	Requires *types.RequiredCapabilities `json:"requires"`

	Tags    []string      `json:"tags"`
	Urgency types.Urgency `json:"urgency"`

	MaxPrice decimal.Decimal `json:"maxPriceUsdc"`
	Deadline time.Time       `json:"deadline"`

	StakeAmount decimal.Decimal `json:"stakeAmount"`
	StakeTxHash string          `json:"stakeTxHash"`
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	var req createIntentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	intent, err := s.lifecycle.CreateIntent(r.Context(), lifecycle.CreateIntentInput{
		Title:           req.Title,
		Description:     req.Description,
		Category:        req.Category,
		Requirements:    req.Requirements,
		Input:           req.Input,
		Output:          req.Output,
		Requires:        req.Requires,
		Tags:            req.Tags,
		Urgency:         req.Urgency,
		MaxPrice:        req.MaxPrice,
		Deadline:        req.Deadline,
		StakeAmount:     req.StakeAmount,
		StakeTxHash:     req.StakeTxHash,
		RequesterWallet: callerWallet(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, intent)
}

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	intents, err := s.lifecycle.ListIntents(storage.IntentFilter{
		Status:   types.IntentStatus(q.Get("status")),
		Category: q.Get("category"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"intents": intents, "count": len(intents)})
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := s.lifecycle.GetIntent(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleCancelIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := s.lifecycle.CancelIntent(r.Context(), r.PathValue("id"), callerWallet(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

type submitOfferRequest struct {
	ProviderID string          `json:"providerId"`
	Price      decimal.Decimal `json:"priceUsdc"`

	EstimatedDeliveryMinutes int    `json:"estimatedDeliveryMinutes"`
	Message                  string `json:"message"`

	Commitment     *types.DeliveryCommitment `json:"commitment"`
	Breakdown      *types.PriceBreakdown     `json:"priceBreakdown"`
	Qualifications string                    `json:"qualifications"`

	ExpiresAt *time.Time `json:"expiresAt"`
}

func (s *Server) handleSubmitOffer(w http.ResponseWriter, r *http.Request) {
	var req submitOfferRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	// The bid must come from the wallet the provider registered with.
	if req.ProviderID != "" {
		provider, err := s.lifecycle.GetProvider(req.ProviderID)
		if err != nil {
			writeError(w, err)
			return
		}
		if !strings.EqualFold(provider.Wallet, callerWallet(r)) {
			writeError(w, apperr.Unauthorizedf("offer must be signed by the provider's wallet"))
			return
		}
	}

	offer, err := s.lifecycle.SubmitOffer(r.Context(), lifecycle.SubmitOfferInput{
		IntentID:                 r.PathValue("id"),
		ProviderID:               req.ProviderID,
		Price:                    req.Price,
		EstimatedDeliveryMinutes: req.EstimatedDeliveryMinutes,
		Message:                  req.Message,
		Commitment:               req.Commitment,
		Breakdown:                req.Breakdown,
		Qualifications:           req.Qualifications,
		ExpiresAt:                req.ExpiresAt,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, offer)
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := s.lifecycle.ListOffers(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": offers, "count": len(offers)})
}

type acceptOfferRequest struct {
	OfferID string `json:"offerId"`
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	var req acceptOfferRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.OfferID == "" {
		writeError(w, apperr.Validation("offerId required", "offerId"))
		return
	}
	intent, offer, err := s.lifecycle.AcceptOffer(r.Context(), r.PathValue("id"), req.OfferID, callerWallet(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"intent": intent, "offer": offer})
}

func (s *Server) handleIntentMatches(w http.ResponseWriter, r *http.Request) {
	matches, err := s.matching.MatchProvidersForIntent(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches, "count": len(matches)})
}

type fulfillRequest struct {
	Input json.RawMessage `json:"input"`
}

func (s *Server) handleFulfill(w http.ResponseWriter, r *http.Request) {
	intentID := r.PathValue("id")

	intent, err := s.lifecycle.GetIntent(intentID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !strings.EqualFold(intent.RequesterWallet, callerWallet(r)) {
		writeError(w, apperr.Unauthorizedf("only the requester may trigger fulfillment for intent %s", intentID))
		return
	}

	var req fulfillRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.settlement.Fulfill(r.Context(), intentID, req.Input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReleasePayment(w http.ResponseWriter, r *http.Request) {
	intent, txHash, err := s.lifecycle.ReleasePayment(r.Context(), r.PathValue("id"), callerWallet(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"intent": intent, "paymentTxHash": txHash})
}
