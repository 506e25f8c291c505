// Package httpapi exposes the marketplace over JSON HTTP. Handlers stay
// thin: decode, delegate to a service, encode. Mutating routes sit
// behind wallet-signature auth middleware.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"

	"intentcast/internal/apperr"
	"intentcast/internal/auth"
	"intentcast/internal/lifecycle"
	"intentcast/internal/logging"
	"intentcast/internal/matching"
	"intentcast/internal/settlement"
	"intentcast/internal/storage"
)

// BalanceReader is the ledger surface the balance endpoint needs; nil
// when the deployment has no ledger.
type BalanceReader interface {
	Balance(ctx context.Context, wallet string) (decimal.Decimal, error)
}

type Server struct {
	lifecycle  *lifecycle.Service
	matching   *matching.Engine
	settlement *settlement.Service
	store      storage.Store
	ledger     BalanceReader
	auth       *auth.Authenticator
	logger     logging.Logger
}

func NewServer(
	lc *lifecycle.Service,
	eng *matching.Engine,
	st *settlement.Service,
	store storage.Store,
	ledger BalanceReader,
	authn *auth.Authenticator,
	logger logging.Logger,
) *Server {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Server{
		lifecycle:  lc,
		matching:   eng,
		settlement: st,
		store:      store,
		ledger:     ledger,
		auth:       authn,
		logger:     logger,
	}
}

// Handler builds the route table with auth middleware around it.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	mux.HandleFunc("POST /intents", s.handleCreateIntent)
	mux.HandleFunc("GET /intents", s.handleListIntents)
	mux.HandleFunc("GET /intents/{id}", s.handleGetIntent)
	mux.HandleFunc("POST /intents/{id}/cancel", s.handleCancelIntent)
	mux.HandleFunc("GET /intents/{id}/offers", s.handleListOffers)
	mux.HandleFunc("POST /intents/{id}/offers", s.handleSubmitOffer)
	mux.HandleFunc("POST /intents/{id}/accept", s.handleAcceptOffer)
	mux.HandleFunc("GET /intents/{id}/matches", s.handleIntentMatches)
	mux.HandleFunc("POST /intents/{id}/fulfill", s.handleFulfill)
	mux.HandleFunc("POST /intents/{id}/release", s.handleReleasePayment)

	mux.HandleFunc("POST /providers", s.handleRegisterProvider)
	mux.HandleFunc("GET /providers", s.handleListProviders)
	mux.HandleFunc("GET /providers/{id}", s.handleGetProvider)
	mux.HandleFunc("POST /providers/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /providers/{id}/offline", s.handleOffline)
	mux.HandleFunc("POST /providers/{id}/rating", s.handleRateProvider)
	mux.HandleFunc("GET /providers/{id}/matches", s.handleProviderMatches)
	mux.HandleFunc("GET /providers/{id}/offers", s.handleProviderOffers)

	mux.HandleFunc("GET /payments/balance", s.handleBalance)

	return s.auth.Middleware(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		body := map[string]any{
			"code":    ae.Code,
			"message": ae.Message,
		}
		if len(ae.Fields) > 0 {
			body["fields"] = ae.Fields
		}
		if len(ae.Details) > 0 {
			body["details"] = ae.Details
		}
		writeJSON(w, ae.HTTPStatus(), map[string]any{"error": body})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{
		"error": map[string]any{
			"code":    apperr.CodeInternal,
			"message": "internal error",
		},
	})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 4<<20))
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("malformed JSON body")
	}
	return nil
}

// callerWallet returns the authenticated wallet; mutating routes always
// have one because the middleware rejects unauthenticated mutations.
func callerWallet(r *http.Request) string {
	if id, ok := auth.FromContext(r.Context()); ok {
		return id.Wallet
	}
	return ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := storage.CollectStats(s.store)
	if err != nil {
		writeError(w, err)
		return
	}
	matchStats, err := s.matching.Stats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records":  stats,
		"matching": matchStats,
	})
}
