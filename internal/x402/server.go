package x402

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"intentcast/internal/auth"
	"intentcast/internal/logging"
)

// Settler decides whether a presented payment is good. Implementations
// must be fail-closed: when in doubt, reject.
type Settler interface {
	Settle(ctx context.Context, payload *PaymentPayload, req PaymentRequirements) SettleResponse
}

// TransferVerifier is the ledger surface LedgerSettler needs.
type TransferVerifier interface {
	VerifyTransfer(ctx context.Context, txHash, from, to string, amount decimal.Decimal) (bool, error)
}

// LedgerSettler accepts a payment only when the authorization signature
// recovers to the payer and the referenced transfer is confirmed on
// chain.
type LedgerSettler struct {
	Ledger   TransferVerifier
	Decimals int32
}

func (s *LedgerSettler) Settle(ctx context.Context, payload *PaymentPayload, req PaymentRequirements) SettleResponse {
	authz := payload.Payload.Authorization

	recovered, err := auth.RecoverSigner(authz.SigningMessage(), payload.Payload.Signature)
	if err != nil {
		return SettleResponse{Success: false, ErrorReason: "invalid payment signature"}
	}
	if !common.IsHexAddress(authz.From) || recovered != common.HexToAddress(authz.From) {
		return SettleResponse{Success: false, ErrorReason: "signer does not match payer"}
	}

	now := time.Now().Unix()
	if now < authz.ValidAfter || now >= authz.ValidBefore {
		return SettleResponse{Success: false, ErrorReason: "authorization outside validity window"}
	}
	if !strings.EqualFold(authz.To, req.PayTo) {
		return SettleResponse{Success: false, ErrorReason: "authorization recipient mismatch"}
	}

	need, err := AmountFromAtomic(req.MaxAmountRequired, s.Decimals)
	if err != nil {
		return SettleResponse{Success: false, ErrorReason: "unparseable requirement amount"}
	}
	got, err := AmountFromAtomic(authz.Value, s.Decimals)
	if err != nil || got.LessThan(need) {
		return SettleResponse{Success: false, ErrorReason: "authorized amount below required"}
	}

	if payload.Payload.Transaction == "" {
		return SettleResponse{Success: false, ErrorReason: "no settlement transaction"}
	}
	ok, err := s.Ledger.VerifyTransfer(ctx, payload.Payload.Transaction, authz.From, authz.To, need)
	if err != nil || !ok {
		return SettleResponse{Success: false, ErrorReason: "transfer not confirmed on chain"}
	}

	return SettleResponse{
		Success:     true,
		Transaction: payload.Payload.Transaction,
		Network:     payload.Network,
		Payer:       recovered.Hex(),
	}
}

// StaticSettler verifies the signature and window but trusts the payment
// without touching a chain. For demos and tests.
type StaticSettler struct{}

func (StaticSettler) Settle(_ context.Context, payload *PaymentPayload, req PaymentRequirements) SettleResponse {
	authz := payload.Payload.Authorization
	recovered, err := auth.RecoverSigner(authz.SigningMessage(), payload.Payload.Signature)
	if err != nil || !common.IsHexAddress(authz.From) || recovered != common.HexToAddress(authz.From) {
		return SettleResponse{Success: false, ErrorReason: "invalid payment signature"}
	}
	if !strings.EqualFold(authz.To, req.PayTo) {
		return SettleResponse{Success: false, ErrorReason: "authorization recipient mismatch"}
	}
	return SettleResponse{
		Success:     true,
		Transaction: payload.Payload.Transaction,
		Network:     payload.Network,
		Payer:       recovered.Hex(),
	}
}

// ResourceServer guards an HTTP handler behind a payment requirement.
type ResourceServer struct {
	Requirements PaymentRequirements
	Settler      Settler
	Logger       logging.Logger

	mu         sync.Mutex
	usedNonces map[string]struct{}
}

func NewResourceServer(req PaymentRequirements, settler Settler, logger logging.Logger) *ResourceServer {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	if req.Scheme == "" {
		req.Scheme = SchemeExact
	}
	return &ResourceServer{
		Requirements: req,
		Settler:      settler,
		Logger:       logger,
		usedNonces:   make(map[string]struct{}),
	}
}

func (rs *ResourceServer) markNonce(nonce string) bool {
	key := strings.ToLower(nonce)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.usedNonces[key]; ok {
		return false
	}
	rs.usedNonces[key] = struct{}{}
	return true
}

// Middleware returns 402 with a challenge until a valid payment arrives,
// then serves the wrapped handler with the receipt in
// X-Payment-Response.
func (rs *ResourceServer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(HeaderPayment)
		if header == "" {
			rs.challenge(w, "payment required")
			return
		}

		var payload PaymentPayload
		if err := DecodeHeader(header, &payload); err != nil {
			rs.challenge(w, "malformed payment header")
			return
		}
		if payload.Scheme != rs.Requirements.Scheme || !strings.EqualFold(payload.Network, rs.Requirements.Network) {
			rs.challenge(w, "unsupported payment scheme or network")
			return
		}
		if !rs.markNonce(payload.Payload.Authorization.Nonce) {
			rs.challenge(w, "payment nonce already used")
			return
		}

		receipt := rs.Settler.Settle(r.Context(), &payload, rs.Requirements)
		if !receipt.Success {
			rs.Logger.Warnf("payment rejected for %s: %s", r.URL.Path, receipt.ErrorReason)
			rs.challenge(w, receipt.ErrorReason)
			return
		}

		encoded, err := EncodeHeader(receipt)
		if err == nil {
			w.Header().Set(HeaderPaymentResponse, encoded)
		}
		next.ServeHTTP(w, r)
	})
}

func (rs *ResourceServer) challenge(w http.ResponseWriter, reason string) {
	body := PaymentRequired{
		X402Version: Version,
		Error:       reason,
		Accepts:     []PaymentRequirements{rs.Requirements},
	}
	if encoded, err := EncodeHeader(body); err == nil {
		w.Header().Set(HeaderPaymentRequired, encoded)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(body)
}
