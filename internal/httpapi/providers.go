package httpapi

import (
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"intentcast/internal/apperr"
	"intentcast/internal/lifecycle"
	"intentcast/internal/storage"
	"intentcast/internal/types"
)

type registerProviderRequest struct {
	AgentID     string `json:"agentId"`
	Name        string `json:"name"`
	Description string `json:"description"`

	Categories []string                   `json:"capabilities"`
	Pricing    map[string]decimal.Decimal `json:"pricing"`

	Capabilities   []types.CapabilityDeclaration `json:"capabilityDetails"`
	PricingDetails []types.PricingDeclaration    `json:"pricingDetails"`

	APIEndpoint string                 `json:"apiEndpoint"`
	X402        *types.PaymentEndpoint `json:"x402"`
}

func (s *Server) handleRegisterProvider(w http.ResponseWriter, r *http.Request) {
	var req registerProviderRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	provider, err := s.lifecycle.RegisterProvider(r.Context(), lifecycle.RegisterProviderInput{
		AgentID:        req.AgentID,
		Name:           req.Name,
		Description:    req.Description,
		Categories:     req.Categories,
		Pricing:        req.Pricing,
		Capabilities:   req.Capabilities,
		PricingDetails: req.PricingDetails,
		Wallet:         callerWallet(r),
		APIEndpoint:    req.APIEndpoint,
		X402:           req.X402,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, provider)
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	providers, err := s.lifecycle.ListProviders(storage.ProviderFilter{
		Status:   types.ProviderStatus(q.Get("status")),
		Category: q.Get("category"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": providers, "count": len(providers)})
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	provider, err := s.lifecycle.GetProvider(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, provider)
}

// requireProviderWallet loads the provider and checks the caller signs
// with its registered wallet.
func (s *Server) requireProviderWallet(r *http.Request, providerID string) (*types.Provider, error) {
	provider, err := s.lifecycle.GetProvider(providerID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(provider.Wallet, callerWallet(r)) {
		return nil, apperr.Unauthorizedf("request must be signed by the provider's wallet")
	}
	return provider, nil
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	provider, err := s.requireProviderWallet(r, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.lifecycle.Heartbeat(provider.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleOffline(w http.ResponseWriter, r *http.Request) {
	provider, err := s.requireProviderWallet(r, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.lifecycle.MarkOffline(provider.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type rateProviderRequest struct {
	Rating float64 `json:"rating"`
}

func (s *Server) handleRateProvider(w http.ResponseWriter, r *http.Request) {
	var req rateProviderRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	provider, err := s.lifecycle.RateProvider(r.PathValue("id"), req.Rating)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, provider)
}

func (s *Server) handleProviderMatches(w http.ResponseWriter, r *http.Request) {
	matches, err := s.matching.MatchIntentsForProvider(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches, "count": len(matches)})
}

func (s *Server) handleProviderOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := s.lifecycle.ListProviderOffers(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": offers, "count": len(offers)})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, apperr.Upstream("ledger not configured", nil))
		return
	}
	wallet := r.URL.Query().Get("wallet")
	if wallet == "" {
		writeError(w, apperr.Validation("wallet query parameter required", "wallet"))
		return
	}
	balance, err := s.ledger.Balance(r.Context(), wallet)
	if err != nil {
		writeError(w, apperr.Upstream("balance lookup failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"wallet": wallet, "balance": balance})
}
