package types

import (
	"time"

	"github.com/shopspring/decimal"
)

type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferAccepted  OfferStatus = "accepted"
	OfferRejected  OfferStatus = "rejected"
	OfferWithdrawn OfferStatus = "withdrawn"
	OfferExpired   OfferStatus = "expired"
)

type DeliveryEstimate struct {
	Value int    `json:"value"`
	Unit  string `json:"unit"` // minutes | hours | days
}

// DeliveryCommitment is the provider's explicit promise for an offer
// (contract shape).
type DeliveryCommitment struct {
	OutputFormat      OutputFormat     `json:"outputFormat"`
	OutputMimeType    string           `json:"outputMimeType,omitempty"`
	EstimatedDelivery DeliveryEstimate `json:"estimatedDelivery"`
	Guarantees        *Guarantees      `json:"guarantees,omitempty"`
	Limitations       []string         `json:"limitations,omitempty"`
}

type PriceBreakdown struct {
	BasePrice      decimal.Decimal `json:"basePrice"`
	RushFee        decimal.Decimal `json:"rushFee,omitempty"`
	VolumeDiscount decimal.Decimal `json:"volumeDiscount,omitempty"`
	FinalPrice     decimal.Decimal `json:"finalPrice"`
}

// Offer is a provider's bid against one intent.
type Offer struct {
	ID         string `json:"id"`
	IntentID   string `json:"intentId"`
	ProviderID string `json:"providerId"`

	Price decimal.Decimal `json:"priceUsdc"`

	Schema Schema `json:"schemaVersion"`

	// Legacy shape
	EstimatedDeliveryMinutes int    `json:"estimatedDeliveryMinutes,omitempty"`
	Message                  string `json:"message,omitempty"`

	// Contract shape
	Commitment     *DeliveryCommitment `json:"commitment,omitempty"`
	Breakdown      *PriceBreakdown     `json:"priceBreakdown,omitempty"`
	Qualifications string              `json:"qualifications,omitempty"`

	Status    OfferStatus `json:"status"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
	ExpiresAt *time.Time  `json:"expiresAt,omitempty"`
}

func (o *Offer) Clone() *Offer {
	cp := *o
	if o.Commitment != nil {
		c := *o.Commitment
		if o.Commitment.Guarantees != nil {
			g := *o.Commitment.Guarantees
			c.Guarantees = &g
		}
		c.Limitations = append([]string(nil), o.Commitment.Limitations...)
		cp.Commitment = &c
	}
	if o.Breakdown != nil {
		b := *o.Breakdown
		cp.Breakdown = &b
	}
	if o.ExpiresAt != nil {
		t := *o.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}
