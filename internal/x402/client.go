package x402

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"intentcast/internal/auth"
	"intentcast/internal/logging"
)

// Payer produces a signed payment for a challenge, settling funds as a
// side effect where the scheme requires it.
type Payer interface {
	Pay(ctx context.Context, req PaymentRequirements) (*PaymentPayload, error)
}

// TransferExecutor is the ledger surface LedgerPayer needs.
type TransferExecutor interface {
	ExecuteTransfer(ctx context.Context, to string, amount decimal.Decimal) (string, error)
}

// LedgerPayer settles challenges with real token transfers from the
// platform wallet, then signs an authorization referencing the transfer.
type LedgerPayer struct {
	Ledger   TransferExecutor
	Wallet   string
	Key      string
	Decimals int32
}

func (p *LedgerPayer) Pay(ctx context.Context, req PaymentRequirements) (*PaymentPayload, error) {
	amount, err := AmountFromAtomic(req.MaxAmountRequired, p.Decimals)
	if err != nil {
		return nil, fmt.Errorf("x402: challenge amount: %w", err)
	}

	txHash, err := p.Ledger.ExecuteTransfer(ctx, req.PayTo, amount)
	if err != nil {
		return nil, fmt.Errorf("x402: settle payment: %w", err)
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("x402: payment nonce: %w", err)
	}

	timeout := req.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = 300
	}
	now := time.Now().Unix()
	authz := Authorization{
		From:        p.Wallet,
		To:          req.PayTo,
		Value:       req.MaxAmountRequired,
		ValidAfter:  now - 60,
		ValidBefore: now + int64(timeout),
		Nonce:       "0x" + hex.EncodeToString(nonce),
	}
	signature, err := auth.SignMessage(authz.SigningMessage(), p.Key)
	if err != nil {
		return nil, fmt.Errorf("x402: sign authorization: %w", err)
	}

	return &PaymentPayload{
		X402Version: Version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: ExactEvidence{
			Signature:     signature,
			Authorization: authz,
			Transaction:   txHash,
		},
	}, nil
}

// StaticPayer signs authorizations without moving funds. Pairs with
// StaticSettler for demos and tests that run without a chain.
type StaticPayer struct {
	Wallet string
	Key    string
}

func (p *StaticPayer) Pay(_ context.Context, req PaymentRequirements) (*PaymentPayload, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("x402: payment nonce: %w", err)
	}
	timeout := req.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = 300
	}
	now := time.Now().Unix()
	authz := Authorization{
		From:        p.Wallet,
		To:          req.PayTo,
		Value:       req.MaxAmountRequired,
		ValidAfter:  now - 60,
		ValidBefore: now + int64(timeout),
		Nonce:       "0x" + hex.EncodeToString(nonce),
	}
	signature, err := auth.SignMessage(authz.SigningMessage(), p.Key)
	if err != nil {
		return nil, fmt.Errorf("x402: sign authorization: %w", err)
	}
	return &PaymentPayload{
		X402Version: Version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload:     ExactEvidence{Signature: signature, Authorization: authz},
	}, nil
}

// Result is the outcome of a paid call.
type Result struct {
	StatusCode int
	Body       []byte
	Paid       bool
	Receipt    *SettleResponse

	challengeHeader string
}

// Client performs HTTP calls that transparently satisfy 402 challenges:
// bare request first, then on 402 decode the challenge, pay it, and
// retry once with the payment attached.
//
// Network, when set, restricts which challenge options the client will
// pay; an empty Network accepts any exact-scheme option.
type Client struct {
	http   *http.Client
	payer  Payer
	logger logging.Logger

	Network string
}

func NewClient(httpClient *http.Client, payer Payer, logger logging.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Client{http: httpClient, payer: payer, logger: logger}
}

// Call posts body to url, paying a 402 challenge at most once.
func (c *Client) Call(ctx context.Context, method, url string, body []byte) (*Result, error) {
	res, err := c.do(ctx, method, url, body, "")
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusPaymentRequired {
		return res, nil
	}

	challenge, err := c.decodeChallenge(res)
	if err != nil {
		return nil, err
	}
	req, err := pickOption(challenge.Accepts, c.Network)
	if err != nil {
		return nil, err
	}
	c.logger.Infof("paying challenge for %s: %s %s to %s", url, req.MaxAmountRequired, req.Asset, req.PayTo)

	payload, err := c.payer.Pay(ctx, req)
	if err != nil {
		return nil, err
	}
	encoded, err := EncodeHeader(payload)
	if err != nil {
		return nil, fmt.Errorf("x402: encode payment: %w", err)
	}

	res, err = c.do(ctx, method, url, body, encoded)
	if err != nil {
		return nil, err
	}
	if res.StatusCode == http.StatusPaymentRequired {
		return res, fmt.Errorf("x402: payment rejected after settlement")
	}
	res.Paid = true
	return res, nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, payment string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if payment != "" {
		req.Header.Set(HeaderPayment, payment)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("x402: call %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("x402: read response: %w", err)
	}

	res := &Result{StatusCode: resp.StatusCode, Body: data}
	if header := resp.Header.Get(HeaderPaymentResponse); header != "" {
		var receipt SettleResponse
		if err := DecodeHeader(header, &receipt); err == nil {
			res.Receipt = &receipt
		}
	}
	if resp.StatusCode == http.StatusPaymentRequired {
		// keep header copy for challenge decoding
		res.challengeHeader = resp.Header.Get(HeaderPaymentRequired)
	}
	return res, nil
}

// pickOption selects the first exact-scheme option the payer can sign,
// skipping schemes we do not speak and, when network is set, options on
// other networks.
func pickOption(accepts []PaymentRequirements, network string) (PaymentRequirements, error) {
	for _, opt := range accepts {
		if opt.Scheme != SchemeExact {
			continue
		}
		if network != "" && !strings.EqualFold(opt.Network, network) {
			continue
		}
		return opt, nil
	}
	return PaymentRequirements{}, fmt.Errorf("x402: no exact-scheme payment option offered")
}

func (c *Client) decodeChallenge(res *Result) (*PaymentRequired, error) {
	var challenge PaymentRequired
	if res.challengeHeader != "" {
		if err := DecodeHeader(res.challengeHeader, &challenge); err == nil {
			return &challenge, nil
		}
	}
	if err := json.Unmarshal(res.Body, &challenge); err != nil {
		return nil, fmt.Errorf("x402: unparseable challenge")
	}
	return &challenge, nil
}
