// Package lifecycle owns the marketplace state machine: intent creation
// through matching to completion, offer submission and acceptance, and
// provider registration. Every status change funnels through the store's
// compare-and-swap transitions, so concurrent callers race safely and
// losers get a conflict naming the status they lost to.
package lifecycle

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"intentcast/internal/apperr"
	"intentcast/internal/logging"
	"intentcast/internal/storage"
	"intentcast/internal/types"
)

// StakeVerifier checks a requester's committed funds. Implemented by the
// ledger client; tests substitute a stub.
type StakeVerifier interface {
	VerifyStake(ctx context.Context, wallet string, amount decimal.Decimal) (bool, error)
}

// PaymentExecutor moves funds to a provider on release. Implemented by
// the ledger client.
type PaymentExecutor interface {
	ExecuteTransfer(ctx context.Context, to string, amount decimal.Decimal) (string, error)
}

type Service struct {
	store    storage.Store
	stakes   StakeVerifier
	payments PaymentExecutor
	logger   logging.Logger
}

// NewService wires the state machine. stakes and payments may be nil for
// deployments without a ledger; stakes then stay unverified and payment
// release is unavailable.
func NewService(store storage.Store, stakes StakeVerifier, payments PaymentExecutor, logger logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Service{store: store, stakes: stakes, payments: payments, logger: logger}
}

// CreateIntentInput carries everything a requester posts. RequesterWallet
// comes from the authenticated identity, never the body.
type CreateIntentInput struct {
	Title       string
	Description string

	Category     string
	Requirements map[string]any

	Input    *types.InputSpec
	Output   *types.OutputSpec
	Requires *types.RequiredCapabilities

	Tags    []string
	Urgency types.Urgency

	MaxPrice decimal.Decimal
	Deadline time.Time

	StakeAmount decimal.Decimal
	StakeTxHash string

	RequesterWallet string
}

func (in *CreateIntentInput) schema() types.Schema {
	if in.Input != nil || in.Output != nil || in.Requires != nil {
		return types.SchemaContract
	}
	return types.SchemaLegacy
}

func (in *CreateIntentInput) category() string {
	if in.Requires != nil && in.Requires.Category != "" {
		return in.Requires.Category
	}
	return in.Category
}

// CreateIntent validates the whole input in one pass, verifies the stake
// when one is declared, and stores the intent as active. Stake
// verification is fail-closed toward "not verified": a ledger error or an
// insufficient balance leaves Verified false, it never rejects the
// intent.
func (s *Service) CreateIntent(ctx context.Context, in CreateIntentInput) (*types.Intent, error) {
	var violations []string
	if strings.TrimSpace(in.category()) == "" {
		violations = append(violations, "category")
	}
	if !in.MaxPrice.IsPositive() {
		violations = append(violations, "maxPriceUsdc")
	}
	if in.Deadline.IsZero() || !in.Deadline.After(time.Now()) {
		violations = append(violations, "deadline")
	}
	if in.RequesterWallet == "" {
		violations = append(violations, "requesterWallet")
	}
	if in.schema() == types.SchemaContract && (in.Input == nil || in.Output == nil) {
		violations = append(violations, "input", "output")
	}
	if len(violations) > 0 {
		return nil, apperr.Validation("invalid intent", violations...)
	}

	stake := types.StakeRef{TxHash: in.StakeTxHash, Amount: in.StakeAmount}
	if in.StakeAmount.IsPositive() && s.stakes != nil {
		ok, err := s.stakes.VerifyStake(ctx, in.RequesterWallet, in.StakeAmount)
		if err != nil {
			s.logger.Warnf("stake check degraded to unverified wallet=%s: %v", in.RequesterWallet, err)
			ok = false
		}
		stake.Verified = ok
	}

	now := time.Now().UTC()
	intent := &types.Intent{
		ID:              types.NewID("int"),
		Title:           in.Title,
		Description:     in.Description,
		Schema:          in.schema(),
		Category:        in.Category,
		Requirements:    in.Requirements,
		Input:           in.Input,
		Output:          in.Output,
		Requires:        in.Requires,
		Tags:            in.Tags,
		Urgency:         in.Urgency,
		MaxPrice:        in.MaxPrice,
		Stake:           stake,
		Deadline:        in.Deadline,
		RequesterWallet: in.RequesterWallet,
		Status:          types.IntentActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateIntent(intent); err != nil {
		return nil, err
	}
	s.logger.Infof("intent created id=%s category=%s maxPrice=%s stakeVerified=%t",
		intent.ID, intent.RequiredCategory(), intent.MaxPrice, stake.Verified)
	return intent, nil
}

func (s *Service) GetIntent(id string) (*types.Intent, error) {
	return s.store.GetIntent(id)
}

func (s *Service) ListIntents(f storage.IntentFilter) ([]*types.Intent, error) {
	return s.store.ListIntents(f)
}

// CancelIntent is owner-only and valid only while the intent is still
// active.
func (s *Service) CancelIntent(ctx context.Context, intentID, callerWallet string) (*types.Intent, error) {
	intent, err := s.store.GetIntent(intentID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(intent.RequesterWallet, callerWallet) {
		return nil, apperr.Unauthorizedf("only the requester may cancel intent %s", intentID)
	}
	return s.store.TransitionIntent(intentID, types.IntentActive, func(in *types.Intent) {
		in.Status = types.IntentCancelled
	})
}

// SubmitOfferInput carries a provider's bid.
type SubmitOfferInput struct {
	IntentID   string
	ProviderID string
	Price      decimal.Decimal

	EstimatedDeliveryMinutes int
	Message                  string

	Commitment     *types.DeliveryCommitment
	Breakdown      *types.PriceBreakdown
	Qualifications string

	ExpiresAt *time.Time
}

// SubmitOffer records a bid against an active intent. The price ceiling
// is inclusive: a bid equal to maxPrice is accepted. A provider gets one
// pending offer per intent, enforced atomically by the store; later bids
// are rejected rather than replacing the first.
func (s *Service) SubmitOffer(ctx context.Context, in SubmitOfferInput) (*types.Offer, error) {
	var violations []string
	if in.IntentID == "" {
		violations = append(violations, "intentId")
	}
	if in.ProviderID == "" {
		violations = append(violations, "providerId")
	}
	if !in.Price.IsPositive() {
		violations = append(violations, "priceUsdc")
	}
	if len(violations) > 0 {
		return nil, apperr.Validation("invalid offer", violations...)
	}

	intent, err := s.store.GetIntent(in.IntentID)
	if err != nil {
		return nil, err
	}
	if intent.Status != types.IntentActive {
		return nil, apperr.Conflictf("intent %s is %s", intent.ID, intent.Status).
			WithDetail("status", string(intent.Status))
	}
	if in.Price.GreaterThan(intent.MaxPrice) {
		return nil, apperr.Validation("price exceeds intent ceiling", "priceUsdc").
			WithDetail("maxPriceUsdc", intent.MaxPrice)
	}

	provider, err := s.store.GetProvider(in.ProviderID)
	if err != nil {
		return nil, err
	}

	schema := types.SchemaLegacy
	if in.Commitment != nil {
		schema = types.SchemaContract
	}
	now := time.Now().UTC()
	offer := &types.Offer{
		ID:                       types.NewID("off"),
		IntentID:                 intent.ID,
		ProviderID:               provider.ID,
		Price:                    in.Price,
		Schema:                   schema,
		EstimatedDeliveryMinutes: in.EstimatedDeliveryMinutes,
		Message:                  in.Message,
		Commitment:               in.Commitment,
		Breakdown:                in.Breakdown,
		Qualifications:           in.Qualifications,
		Status:                   types.OfferPending,
		CreatedAt:                now,
		UpdatedAt:                now,
		ExpiresAt:                in.ExpiresAt,
	}
	if err := s.store.CreateOffer(offer); err != nil {
		return nil, err
	}
	s.logger.Infof("offer submitted id=%s intent=%s provider=%s price=%s",
		offer.ID, intent.ID, provider.ID, offer.Price)
	return offer, nil
}

func (s *Service) GetOffer(id string) (*types.Offer, error) {
	return s.store.GetOffer(id)
}

func (s *Service) ListOffers(intentID string) ([]*types.Offer, error) {
	return s.store.ListOffersByIntent(intentID)
}

func (s *Service) ListProviderOffers(providerID string) ([]*types.Offer, error) {
	return s.store.ListOffersByProvider(providerID)
}

// AcceptOffer matches an intent with exactly one offer. The intent's
// active-to-matched transition is the linearization point: of two
// concurrent accepts, one wins and the other gets a conflict. Sibling
// pending offers are rejected after the match commits.
func (s *Service) AcceptOffer(ctx context.Context, intentID, offerID, callerWallet string) (*types.Intent, *types.Offer, error) {
	intent, err := s.store.GetIntent(intentID)
	if err != nil {
		return nil, nil, err
	}
	if !strings.EqualFold(intent.RequesterWallet, callerWallet) {
		return nil, nil, apperr.Unauthorizedf("only the requester may accept offers on intent %s", intentID)
	}

	offer, err := s.store.GetOffer(offerID)
	if err != nil {
		return nil, nil, err
	}
	if offer.IntentID != intentID {
		return nil, nil, apperr.Validation("offer does not belong to intent", "offerId")
	}
	if offer.Status != types.OfferPending {
		return nil, nil, apperr.Conflictf("offer %s is %s", offer.ID, offer.Status).
			WithDetail("status", string(offer.Status))
	}

	matched, err := s.store.TransitionIntent(intentID, types.IntentActive, func(in *types.Intent) {
		in.Status = types.IntentMatched
		in.AcceptedOfferID = offerID
	})
	if err != nil {
		return nil, nil, err
	}

	accepted, err := s.store.TransitionOffer(offerID, types.OfferPending, func(o *types.Offer) {
		o.Status = types.OfferAccepted
	})
	if err != nil {
		// The offer changed under us (withdrawn or expired). Undo the
		// match so the intent stays biddable.
		if _, undoErr := s.store.TransitionIntent(intentID, types.IntentMatched, func(in *types.Intent) {
			in.Status = types.IntentActive
			in.AcceptedOfferID = ""
		}); undoErr != nil {
			s.logger.Errorf("accept rollback failed intent=%s: %v", intentID, undoErr)
		}
		return nil, nil, err
	}

	siblings, listErr := s.store.ListOffersByIntent(intentID)
	if listErr == nil {
		for _, o := range siblings {
			if o.ID == offerID || o.Status != types.OfferPending {
				continue
			}
			if _, err := s.store.TransitionOffer(o.ID, types.OfferPending, func(sib *types.Offer) {
				sib.Status = types.OfferRejected
			}); err != nil {
				s.logger.Warnf("sibling rejection skipped offer=%s: %v", o.ID, err)
			}
		}
	}

	s.logger.Infof("offer accepted intent=%s offer=%s provider=%s", intentID, offerID, accepted.ProviderID)
	return matched, accepted, nil
}

// CompleteIntent moves a matched (or in-progress) intent to completed
// and credits the winning provider with a finished job.
func (s *Service) CompleteIntent(ctx context.Context, intentID string) (*types.Intent, error) {
	finish := func(in *types.Intent) { in.Status = types.IntentCompleted }
	done, err := s.store.TransitionIntent(intentID, types.IntentMatched, finish)
	if apperr.IsCode(err, apperr.CodeConflict) {
		done, err = s.store.TransitionIntent(intentID, types.IntentInProgress, finish)
	}
	if err != nil {
		return nil, err
	}
	s.creditProvider(done)
	return done, nil
}

func (s *Service) creditProvider(intent *types.Intent) {
	if intent.AcceptedOfferID == "" {
		return
	}
	offer, err := s.store.GetOffer(intent.AcceptedOfferID)
	if err != nil {
		s.logger.Warnf("completed intent %s references missing offer %s", intent.ID, intent.AcceptedOfferID)
		return
	}
	provider, err := s.store.GetProvider(offer.ProviderID)
	if err != nil {
		return
	}
	provider.CompletedJobs++
	if err := s.store.UpdateProvider(provider); err != nil {
		s.logger.Warnf("job credit failed provider=%s: %v", provider.ID, err)
	}
}

// ReleasePayment pays the winning provider for a matched intent and
// completes it. The transfer happens before the completion transition;
// if completion then conflicts, funds have moved and the conflict is
// surfaced for operator attention rather than silently retried.
func (s *Service) ReleasePayment(ctx context.Context, intentID, callerWallet string) (*types.Intent, string, error) {
	if s.payments == nil {
		return nil, "", apperr.Upstream("payment release unavailable", nil)
	}

	intent, err := s.store.GetIntent(intentID)
	if err != nil {
		return nil, "", err
	}
	if !strings.EqualFold(intent.RequesterWallet, callerWallet) {
		return nil, "", apperr.Unauthorizedf("only the requester may release payment for intent %s", intentID)
	}
	if intent.Status != types.IntentMatched {
		return nil, "", apperr.Conflictf("intent %s is %s", intentID, intent.Status).
			WithDetail("status", string(intent.Status))
	}
	if intent.AcceptedOfferID == "" {
		return nil, "", apperr.Conflictf("intent %s has no accepted offer", intentID)
	}

	offer, err := s.store.GetOffer(intent.AcceptedOfferID)
	if err != nil {
		return nil, "", err
	}
	provider, err := s.store.GetProvider(offer.ProviderID)
	if err != nil {
		return nil, "", err
	}
	payTo := provider.Wallet
	if provider.X402 != nil && provider.X402.PayTo != "" {
		payTo = provider.X402.PayTo
	}
	if payTo == "" {
		return nil, "", apperr.Validation("provider has no payout wallet", "wallet")
	}

	txHash, err := s.payments.ExecuteTransfer(ctx, payTo, offer.Price)
	if err != nil {
		return nil, "", apperr.Upstream("payment transfer failed", err)
	}

	done, err := s.store.TransitionIntent(intentID, types.IntentMatched, func(in *types.Intent) {
		in.Status = types.IntentCompleted
	})
	if err != nil {
		s.logger.Errorf("payment released but completion conflicted intent=%s tx=%s: %v", intentID, txHash, err)
		return nil, txHash, err
	}
	s.creditProvider(done)
	s.logger.Infof("payment released intent=%s provider=%s amount=%s tx=%s",
		intentID, provider.ID, offer.Price, txHash)
	return done, txHash, nil
}

// ExpireDue sweeps active intents whose deadline has passed. Returns the
// number expired; racing transitions are skipped, not errors.
func (s *Service) ExpireDue(now time.Time) (int, error) {
	active, err := s.store.ListIntents(storage.IntentFilter{Status: types.IntentActive})
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, in := range active {
		if in.Deadline.IsZero() || in.Deadline.After(now) {
			continue
		}
		if _, err := s.store.TransitionIntent(in.ID, types.IntentActive, func(i *types.Intent) {
			i.Status = types.IntentExpired
		}); err == nil {
			expired++
		}
	}
	if expired > 0 {
		s.logger.Infof("expired %d overdue intents", expired)
	}
	return expired, nil
}

// RegisterProviderInput carries a provider's self-registration.
type RegisterProviderInput struct {
	AgentID     string
	Name        string
	Description string

	Categories []string
	Pricing    map[string]decimal.Decimal

	Capabilities   []types.CapabilityDeclaration
	PricingDetails []types.PricingDeclaration

	Wallet      string
	APIEndpoint string
	X402        *types.PaymentEndpoint
}

// RegisterProvider is idempotent on AgentID: re-registration updates the
// record, marks the provider online, and doubles as a heartbeat.
func (s *Service) RegisterProvider(ctx context.Context, in RegisterProviderInput) (*types.Provider, error) {
	var violations []string
	if strings.TrimSpace(in.AgentID) == "" {
		violations = append(violations, "agentId")
	}
	if len(in.Categories) == 0 && len(in.Capabilities) == 0 {
		violations = append(violations, "capabilities")
	}
	if in.Wallet == "" {
		violations = append(violations, "wallet")
	}
	if len(violations) > 0 {
		return nil, apperr.Validation("invalid provider registration", violations...)
	}

	schema := types.SchemaLegacy
	if len(in.Capabilities) > 0 || len(in.PricingDetails) > 0 {
		schema = types.SchemaContract
	}

	if existing, err := s.store.GetProviderByAgentID(in.AgentID); err == nil {
		existing.Name = in.Name
		existing.Description = in.Description
		existing.Schema = schema
		existing.Categories = in.Categories
		existing.Pricing = in.Pricing
		existing.Capabilities = in.Capabilities
		existing.PricingDetails = in.PricingDetails
		existing.Wallet = in.Wallet
		existing.APIEndpoint = in.APIEndpoint
		existing.X402 = in.X402
		existing.Status = types.ProviderOnline
		if err := s.store.UpdateProvider(existing); err != nil {
			return nil, err
		}
		s.logger.Infof("provider re-registered id=%s agent=%s", existing.ID, existing.AgentID)
		return s.store.GetProvider(existing.ID)
	}

	now := time.Now().UTC()
	provider := &types.Provider{
		ID:             types.NewID("prov"),
		AgentID:        in.AgentID,
		Name:           in.Name,
		Description:    in.Description,
		Schema:         schema,
		Categories:     in.Categories,
		Pricing:        in.Pricing,
		Capabilities:   in.Capabilities,
		PricingDetails: in.PricingDetails,
		Wallet:         in.Wallet,
		Status:         types.ProviderOnline,
		APIEndpoint:    in.APIEndpoint,
		X402:           in.X402,
		RegisteredAt:   now,
		LastSeen:       now,
	}
	if err := s.store.CreateProvider(provider); err != nil {
		return nil, err
	}
	s.logger.Infof("provider registered id=%s agent=%s categories=%v",
		provider.ID, provider.AgentID, provider.CategorySet())
	return provider, nil
}

func (s *Service) GetProvider(id string) (*types.Provider, error) {
	return s.store.GetProvider(id)
}

func (s *Service) ListProviders(f storage.ProviderFilter) ([]*types.Provider, error) {
	return s.store.ListProviders(f)
}

// Heartbeat marks a provider online and refreshes its last-seen time.
func (s *Service) Heartbeat(providerID string) (*types.Provider, error) {
	p, err := s.store.GetProvider(providerID)
	if err != nil {
		return nil, err
	}
	p.Status = types.ProviderOnline
	if err := s.store.UpdateProvider(p); err != nil {
		return nil, err
	}
	return s.store.GetProvider(p.ID)
}

// MarkOffline takes a provider out of the matching pool.
func (s *Service) MarkOffline(providerID string) (*types.Provider, error) {
	p, err := s.store.GetProvider(providerID)
	if err != nil {
		return nil, err
	}
	p.Status = types.ProviderOffline
	if err := s.store.UpdateProvider(p); err != nil {
		return nil, err
	}
	return s.store.GetProvider(p.ID)
}

// RateProvider folds a new rating into the provider's running average.
func (s *Service) RateProvider(providerID string, rating float64) (*types.Provider, error) {
	if rating < 0 || rating > 5 {
		return nil, apperr.Validation("rating must be between 0 and 5", "rating")
	}
	p, err := s.store.GetProvider(providerID)
	if err != nil {
		return nil, err
	}
	total := p.Rating*float64(p.RatingCount) + rating
	p.RatingCount++
	p.Rating = total / float64(p.RatingCount)
	if err := s.store.UpdateProvider(p); err != nil {
		return nil, err
	}
	return s.store.GetProvider(p.ID)
}
