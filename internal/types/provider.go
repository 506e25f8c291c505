package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type ProviderStatus string

const (
	ProviderOnline      ProviderStatus = "online"
	ProviderOffline     ProviderStatus = "offline"
	ProviderBusy        ProviderStatus = "busy"
	ProviderMaintenance ProviderStatus = "maintenance"
)

// CapabilityDeclaration describes one service a provider offers
// (contract shape).
type CapabilityDeclaration struct {
	Category              string         `json:"category"`
	Name                  string         `json:"name"`
	Description           string         `json:"description,omitempty"`
	AcceptsInputTypes     []InputType    `json:"acceptsInputTypes,omitempty"`
	AcceptsMimeTypes      []string       `json:"acceptsMimeTypes,omitempty"`
	MaxInputSize          *SizeSpec      `json:"maxInputSize,omitempty"`
	ProducesOutputFormats []OutputFormat `json:"producesOutputFormats,omitempty"`
	Guarantees            *Guarantees    `json:"guarantees,omitempty"`
}

type VolumeDiscount struct {
	MinUnits        int     `json:"minUnits"`
	DiscountPercent float64 `json:"discountPercent"`
}

// PricingDeclaration quotes one capability category (contract shape).
type PricingDeclaration struct {
	Category        string           `json:"category"`
	BasePrice       decimal.Decimal  `json:"basePrice"`
	Unit            string           `json:"unit"` // per_task | per_word | per_token | per_request | flat
	MinimumCharge   *decimal.Decimal `json:"minimumCharge,omitempty"`
	VolumeDiscounts []VolumeDiscount `json:"volumeDiscounts,omitempty"`
}

// PaymentEndpoint is the provider's payment-protocol declaration: where
// and how the platform pays for fulfilled work.
type PaymentEndpoint struct {
	Network      string          `json:"network"` // CAIP-2, e.g. "eip155:84532"
	Scheme       string          `json:"scheme"`  // "exact"
	PayTo        string          `json:"payTo"`
	DefaultPrice decimal.Decimal `json:"defaultPrice,omitempty"`
}

// Provider is a registered service agent. AgentID is chosen by the agent
// itself and is the idempotency key for re-registration.
type Provider struct {
	ID          string `json:"id"`
	AgentID     string `json:"agentId"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`

	Schema Schema `json:"schemaVersion"`

	// Legacy shape
	Categories []string                   `json:"capabilities,omitempty"`
	Pricing    map[string]decimal.Decimal `json:"pricing,omitempty"`

	// Contract shape
	Capabilities   []CapabilityDeclaration `json:"capabilityDetails,omitempty"`
	PricingDetails []PricingDeclaration    `json:"pricingDetails,omitempty"`

	Wallet string         `json:"wallet"`
	Status ProviderStatus `json:"status"`

	CompletedJobs int     `json:"completedJobs"`
	Rating        float64 `json:"rating,omitempty"`
	RatingCount   int     `json:"ratingCount"`

	APIEndpoint string           `json:"apiEndpoint,omitempty"`
	X402        *PaymentEndpoint `json:"x402,omitempty"`

	RegisteredAt time.Time `json:"registeredAt"`
	LastSeen     time.Time `json:"lastSeen"`
}

// CategorySet returns every category the provider declares, merged across
// both shapes, order preserved, duplicates dropped.
func (p *Provider) CategorySet() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(c string) {
		key := strings.ToLower(c)
		if c == "" {
			return
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	for _, c := range p.Categories {
		add(c)
	}
	for _, cap := range p.Capabilities {
		add(cap.Category)
	}
	return out
}

// PriceFor resolves the provider's quote for a category, checking explicit
// pricing declarations before the legacy pricing map.
func (p *Provider) PriceFor(category string) (decimal.Decimal, bool) {
	for _, pd := range p.PricingDetails {
		if strings.EqualFold(pd.Category, category) {
			return pd.BasePrice, true
		}
	}
	for cat, price := range p.Pricing {
		if strings.EqualFold(cat, category) {
			return price, true
		}
	}
	return decimal.Decimal{}, false
}

func (p *Provider) Clone() *Provider {
	cp := *p
	cp.Categories = append([]string(nil), p.Categories...)
	if p.Pricing != nil {
		cp.Pricing = make(map[string]decimal.Decimal, len(p.Pricing))
		for k, v := range p.Pricing {
			cp.Pricing[k] = v
		}
	}
	if p.Capabilities != nil {
		cp.Capabilities = make([]CapabilityDeclaration, len(p.Capabilities))
		copy(cp.Capabilities, p.Capabilities)
	}
	if p.PricingDetails != nil {
		cp.PricingDetails = make([]PricingDeclaration, len(p.PricingDetails))
		copy(cp.PricingDetails, p.PricingDetails)
	}
	if p.X402 != nil {
		x := *p.X402
		cp.X402 = &x
	}
	return &cp
}
