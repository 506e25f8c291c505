// Package x402 implements the HTTP 402 payment handshake used between
// the platform and provider resource endpoints. Payment material rides
// in headers as base64-encoded JSON: the challenge in X-Payment-Required,
// the signed payment in X-Payment, and the settlement receipt in
// X-Payment-Response.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	HeaderPayment         = "X-Payment"
	HeaderPaymentRequired = "X-Payment-Required"
	HeaderPaymentResponse = "X-Payment-Response"
)

// Version is the protocol version carried in every envelope.
const Version = 1

// SchemeExact is the only supported scheme: pay the exact quoted amount
// up front.
const SchemeExact = "exact"

// PaymentRequirements is one way a resource server accepts payment.
// MaxAmountRequired is in atomic token units as a decimal string.
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	Description       string `json:"description,omitempty"`
	MimeType          string `json:"mimeType,omitempty"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds,omitempty"`
	Asset             string `json:"asset"`
}

// PaymentRequired is the 402 challenge envelope.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// Authorization is the transfer the payer signs: who pays whom, how much
// in atomic units, inside which validity window. Nonce is 32 random bytes
// hex-encoded; servers reject reuse.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// SigningMessage is the canonical string the payer personal-signs over
// the authorization. Addresses are lower-cased so checksum casing never
// changes the signature.
func (a Authorization) SigningMessage() string {
	return fmt.Sprintf("x402-exact:%s:%s:%s:%d:%d:%s",
		strings.ToLower(a.From), strings.ToLower(a.To), a.Value,
		a.ValidAfter, a.ValidBefore, strings.ToLower(a.Nonce))
}

// ExactEvidence is the payload body for the exact scheme: the signed
// authorization plus the hash of the settlement transfer the payer
// already submitted.
type ExactEvidence struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
	Transaction   string        `json:"transaction,omitempty"`
}

// PaymentPayload is the X-Payment envelope.
type PaymentPayload struct {
	X402Version int           `json:"x402Version"`
	Scheme      string        `json:"scheme"`
	Network     string        `json:"network"`
	Payload     ExactEvidence `json:"payload"`
}

// SettleResponse is the X-Payment-Response receipt.
type SettleResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// EncodeHeader marshals v to JSON and base64-encodes it for header
// transport.
func EncodeHeader(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// DecodeHeader reverses EncodeHeader into v.
func DecodeHeader(header string, v any) error {
	b, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return fmt.Errorf("decode payment header: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse payment header: %w", err)
	}
	return nil
}

// AtomicString converts a token amount to atomic units (decimal string).
func AtomicString(amount decimal.Decimal, decimals int32) string {
	return amount.Shift(decimals).BigInt().String()
}

// AmountFromAtomic parses an atomic-unit string back into a token amount.
func AmountFromAtomic(atomic string, decimals int32) (decimal.Decimal, error) {
	v, ok := new(big.Int).SetString(atomic, 10)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("invalid atomic amount %q", atomic)
	}
	return decimal.NewFromBigInt(v, -decimals), nil
}
