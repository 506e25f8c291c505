// Package settlement drives fulfillment of a matched intent: it calls
// the winning provider's resource endpoint, satisfies the payment
// challenge through the x402 handshake, and returns the provider's
// result together with the settlement evidence. It never advances the
// intent's status; completion stays with the lifecycle service so a
// failed delivery can be retried or disputed.
package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"intentcast/internal/apperr"
	"intentcast/internal/logging"
	"intentcast/internal/storage"
	"intentcast/internal/types"
	"intentcast/internal/x402"
)

// FulfillResult is the outcome reported back to the requester.
type FulfillResult struct {
	Success       bool            `json:"success"`
	Data          json.RawMessage `json:"data,omitempty"`
	PaymentTxHash string          `json:"paymentTxHash,omitempty"`
	Status        int             `json:"status"`
	Error         string          `json:"error,omitempty"`
}

type fulfillRequest struct {
	IntentID string          `json:"intentId"`
	Category string          `json:"category"`
	Input    json.RawMessage `json:"input,omitempty"`
}

type Service struct {
	store  storage.Store
	client *x402.Client
	logger logging.Logger
}

func NewService(store storage.Store, client *x402.Client, logger logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Service{store: store, client: client, logger: logger}
}

// FulfillEndpoint derives the provider's fulfillment URL from its
// declared API endpoint. Endpoints already pointing at /fulfill are used
// as-is.
func FulfillEndpoint(apiEndpoint string) string {
	trimmed := strings.TrimRight(apiEndpoint, "/")
	if strings.HasSuffix(trimmed, "/fulfill") {
		return trimmed
	}
	return trimmed + "/fulfill"
}

// Fulfill calls the matched provider with the requester's input, paying
// the provider's 402 challenge along the way.
func (s *Service) Fulfill(ctx context.Context, intentID string, input json.RawMessage) (*FulfillResult, error) {
	intent, err := s.store.GetIntent(intentID)
	if err != nil {
		return nil, err
	}
	if intent.Status != types.IntentMatched {
		return nil, apperr.Conflictf("intent %s is %s", intentID, intent.Status).
			WithDetail("status", string(intent.Status))
	}
	if intent.AcceptedOfferID == "" {
		return nil, apperr.Conflictf("intent %s has no accepted offer", intentID)
	}

	offer, err := s.store.GetOffer(intent.AcceptedOfferID)
	if err != nil {
		return nil, err
	}
	provider, err := s.store.GetProvider(offer.ProviderID)
	if err != nil {
		return nil, err
	}
	if provider.APIEndpoint == "" {
		return nil, apperr.Validation("provider declares no API endpoint", "apiEndpoint")
	}

	url := FulfillEndpoint(provider.APIEndpoint)
	body, err := json.Marshal(fulfillRequest{
		IntentID: intent.ID,
		Category: intent.RequiredCategory(),
		Input:    input,
	})
	if err != nil {
		return nil, apperr.Internal("encode fulfillment request", err)
	}

	observeFulfillment("attempt")
	res, err := s.client.Call(ctx, http.MethodPost, url, body)
	if err != nil {
		observeFulfillment("error")
		return nil, apperr.Upstream(fmt.Sprintf("provider call to %s failed", url), err)
	}

	result := &FulfillResult{Status: res.StatusCode}
	if res.Receipt != nil {
		result.PaymentTxHash = res.Receipt.Transaction
	}
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		result.Success = true
		result.Data = json.RawMessage(res.Body)
		observeFulfillment("success")
	} else {
		result.Error = strings.TrimSpace(string(res.Body))
		if result.Error == "" {
			result.Error = http.StatusText(res.StatusCode)
		}
		observeFulfillment("rejected")
	}

	s.logger.Infof("fulfillment intent=%s provider=%s status=%d paid=%t tx=%s",
		intent.ID, provider.ID, res.StatusCode, res.Paid, result.PaymentTxHash)
	return result, nil
}
