package x402

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intentcast/internal/auth"
)

func newWallet(t *testing.T) (string, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return hex.EncodeToString(crypto.FromECDSA(key)), crypto.PubkeyToAddress(key.PublicKey).Hex()
}

func testRequirements(payTo string) PaymentRequirements {
	return PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           "eip155:84532",
		MaxAmountRequired: "1500000",
		Resource:          "http://provider.local/fulfill",
		PayTo:             payTo,
		MaxTimeoutSeconds: 300,
		Asset:             "USDC",
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	in := PaymentRequired{
		X402Version: Version,
		Accepts:     []PaymentRequirements{testRequirements("0x1234567890123456789012345678901234567890")},
	}
	encoded, err := EncodeHeader(in)
	require.NoError(t, err)

	var out PaymentRequired
	require.NoError(t, DecodeHeader(encoded, &out))
	assert.Equal(t, in, out)

	assert.Error(t, DecodeHeader("not base64!!!", &out))
	assert.Error(t, DecodeHeader("bm90IGpzb24=", &out))
}

func TestAtomicConversion(t *testing.T) {
	assert.Equal(t, "1500000", AtomicString(decimal.RequireFromString("1.5"), 6))

	amount, err := AmountFromAtomic("1500000", 6)
	require.NoError(t, err)
	assert.True(t, amount.Equal(decimal.RequireFromString("1.5")))

	_, err = AmountFromAtomic("garbage", 6)
	assert.Error(t, err)
}

func TestSigningMessageIgnoresChecksumCasing(t *testing.T) {
	a := Authorization{
		From:  "0xAbCd000000000000000000000000000000000001",
		To:    "0x1234567890123456789012345678901234567890",
		Value: "100", ValidAfter: 1, ValidBefore: 2, Nonce: "0xFF",
	}
	b := a
	b.From = "0xabcd000000000000000000000000000000000001"
	assert.Equal(t, a.SigningMessage(), b.SigningMessage())
}

func signedPayload(t *testing.T, key, wallet string, req PaymentRequirements, tx string) *PaymentPayload {
	t.Helper()
	now := time.Now().Unix()
	authz := Authorization{
		From:        wallet,
		To:          req.PayTo,
		Value:       req.MaxAmountRequired,
		ValidAfter:  now - 60,
		ValidBefore: now + 300,
		Nonce:       "0x" + hex.EncodeToString([]byte(t.Name()+tx)),
	}
	sig, err := auth.SignMessage(authz.SigningMessage(), key)
	require.NoError(t, err)
	return &PaymentPayload{
		X402Version: Version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload:     ExactEvidence{Signature: sig, Authorization: authz, Transaction: tx},
	}
}

type fakeVerifier struct {
	ok   bool
	err  error
	seen []string
}

func (v *fakeVerifier) VerifyTransfer(_ context.Context, txHash, from, to string, amount decimal.Decimal) (bool, error) {
	v.seen = append(v.seen, txHash)
	return v.ok, v.err
}

func TestLedgerSettlerAcceptsConfirmedTransfer(t *testing.T) {
	key, wallet := newWallet(t)
	_, payTo := newWallet(t)
	req := testRequirements(payTo)
	verifier := &fakeVerifier{ok: true}
	settler := &LedgerSettler{Ledger: verifier, Decimals: 6}

	receipt := settler.Settle(context.Background(), signedPayload(t, key, wallet, req, "0xabc"), req)
	require.True(t, receipt.Success, receipt.ErrorReason)
	assert.Equal(t, "0xabc", receipt.Transaction)
	assert.Equal(t, wallet, receipt.Payer)
	assert.Equal(t, []string{"0xabc"}, verifier.seen)
}

func TestLedgerSettlerRejections(t *testing.T) {
	key, wallet := newWallet(t)
	otherKey, _ := newWallet(t)
	_, payTo := newWallet(t)
	req := testRequirements(payTo)

	t.Run("signature from another key", func(t *testing.T) {
		settler := &LedgerSettler{Ledger: &fakeVerifier{ok: true}, Decimals: 6}
		payload := signedPayload(t, otherKey, wallet, req, "0xabc")
		receipt := settler.Settle(context.Background(), payload, req)
		assert.False(t, receipt.Success)
	})

	t.Run("expired window", func(t *testing.T) {
		settler := &LedgerSettler{Ledger: &fakeVerifier{ok: true}, Decimals: 6}
		payload := signedPayload(t, key, wallet, req, "0xabc")
		payload.Payload.Authorization.ValidBefore = time.Now().Unix() - 10
		sig, err := auth.SignMessage(payload.Payload.Authorization.SigningMessage(), key)
		require.NoError(t, err)
		payload.Payload.Signature = sig
		receipt := settler.Settle(context.Background(), payload, req)
		assert.False(t, receipt.Success)
	})

	t.Run("underpaid authorization", func(t *testing.T) {
		settler := &LedgerSettler{Ledger: &fakeVerifier{ok: true}, Decimals: 6}
		payload := signedPayload(t, key, wallet, req, "0xabc")
		payload.Payload.Authorization.Value = "1"
		sig, err := auth.SignMessage(payload.Payload.Authorization.SigningMessage(), key)
		require.NoError(t, err)
		payload.Payload.Signature = sig
		receipt := settler.Settle(context.Background(), payload, req)
		assert.False(t, receipt.Success)
	})

	t.Run("missing settlement transaction", func(t *testing.T) {
		settler := &LedgerSettler{Ledger: &fakeVerifier{ok: true}, Decimals: 6}
		receipt := settler.Settle(context.Background(), signedPayload(t, key, wallet, req, ""), req)
		assert.False(t, receipt.Success)
	})

	t.Run("unconfirmed transfer", func(t *testing.T) {
		settler := &LedgerSettler{Ledger: &fakeVerifier{ok: false}, Decimals: 6}
		receipt := settler.Settle(context.Background(), signedPayload(t, key, wallet, req, "0xabc"), req)
		assert.False(t, receipt.Success)
	})

	t.Run("verifier error fails closed", func(t *testing.T) {
		settler := &LedgerSettler{Ledger: &fakeVerifier{err: errors.New("rpc down")}, Decimals: 6}
		receipt := settler.Settle(context.Background(), signedPayload(t, key, wallet, req, "0xabc"), req)
		assert.False(t, receipt.Success)
	})
}

func TestResourceServerChallengeShape(t *testing.T) {
	_, payTo := newWallet(t)
	rs := NewResourceServer(testRequirements(payTo), StaticSettler{}, nil)
	handler := rs.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("unpaid request must not reach the handler")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/fulfill", nil))
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var challenge PaymentRequired
	require.NoError(t, DecodeHeader(rec.Header().Get(HeaderPaymentRequired), &challenge))
	require.Len(t, challenge.Accepts, 1)
	assert.Equal(t, payTo, challenge.Accepts[0].PayTo)

	// Body carries the same envelope for clients that skip the header.
	var body PaymentRequired
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, challenge.Accepts, body.Accepts)
}

func TestResourceServerRejectsReplayedNonce(t *testing.T) {
	key, wallet := newWallet(t)
	_, payTo := newWallet(t)
	req := testRequirements(payTo)
	rs := NewResourceServer(req, StaticSettler{}, nil)
	handler := rs.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	encoded, err := EncodeHeader(signedPayload(t, key, wallet, req, "0xabc"))
	require.NoError(t, err)

	first := httptest.NewRequest(http.MethodPost, "/fulfill", nil)
	first.Header.Set(HeaderPayment, encoded)
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, first)
	require.Equal(t, http.StatusOK, rec1.Code)

	replay := httptest.NewRequest(http.MethodPost, "/fulfill", nil)
	replay.Header.Set(HeaderPayment, encoded)
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, replay)
	assert.Equal(t, http.StatusPaymentRequired, rec2.Code)
}

func TestClientPaysChallengeEndToEnd(t *testing.T) {
	key, wallet := newWallet(t)
	_, payTo := newWallet(t)
	req := testRequirements(payTo)
	rs := NewResourceServer(req, StaticSettler{}, nil)

	served := 0
	srv := httptest.NewServer(rs.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"result": "done"})
	})))
	defer srv.Close()

	client := NewClient(srv.Client(), &StaticPayer{Wallet: wallet, Key: key}, nil)
	res, err := client.Call(context.Background(), http.MethodPost, srv.URL+"/fulfill", []byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, res.Paid)
	assert.Equal(t, 1, served, "handler runs exactly once, after payment")
	require.NotNil(t, res.Receipt)
	assert.True(t, res.Receipt.Success)
	assert.Equal(t, wallet, res.Receipt.Payer)
	assert.Contains(t, string(res.Body), "done")
}

// challengeServer serves a hand-built challenge so tests can control the
// option list; paid retries echo the payload scheme back.
func challengeServer(t *testing.T, accepts []PaymentRequirements) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(HeaderPayment)
		if header == "" {
			encoded, err := EncodeHeader(PaymentRequired{X402Version: Version, Accepts: accepts})
			require.NoError(t, err)
			w.Header().Set(HeaderPaymentRequired, encoded)
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		var payload PaymentPayload
		require.NoError(t, DecodeHeader(header, &payload))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"scheme": payload.Scheme, "network": payload.Network})
	}))
}

func TestClientSkipsUnsupportedSchemes(t *testing.T) {
	key, wallet := newWallet(t)
	_, payTo := newWallet(t)

	deferred := testRequirements(payTo)
	deferred.Scheme = "deferred"
	exact := testRequirements(payTo)

	srv := challengeServer(t, []PaymentRequirements{deferred, exact})
	defer srv.Close()

	client := NewClient(srv.Client(), &StaticPayer{Wallet: wallet, Key: key}, nil)
	res, err := client.Call(context.Background(), http.MethodPost, srv.URL+"/fulfill", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, res.Paid)
	assert.Contains(t, string(res.Body), `"scheme":"exact"`)
}

func TestClientRefusesChallengeWithoutUsableOption(t *testing.T) {
	key, wallet := newWallet(t)
	_, payTo := newWallet(t)

	deferred := testRequirements(payTo)
	deferred.Scheme = "deferred"

	srv := challengeServer(t, []PaymentRequirements{deferred})
	defer srv.Close()

	payer := &countingPayer{inner: &StaticPayer{Wallet: wallet, Key: key}}
	client := NewClient(srv.Client(), payer, nil)
	_, err := client.Call(context.Background(), http.MethodPost, srv.URL+"/fulfill", []byte(`{}`))
	require.Error(t, err)
	assert.Zero(t, payer.calls, "no funds move when the challenge is unusable")
}

func TestClientFiltersByNetwork(t *testing.T) {
	key, wallet := newWallet(t)
	_, payTo := newWallet(t)

	mainnet := testRequirements(payTo)
	mainnet.Network = "eip155:1"
	base := testRequirements(payTo)

	srv := challengeServer(t, []PaymentRequirements{mainnet, base})
	defer srv.Close()

	client := NewClient(srv.Client(), &StaticPayer{Wallet: wallet, Key: key}, nil)
	client.Network = "eip155:84532"
	res, err := client.Call(context.Background(), http.MethodPost, srv.URL+"/fulfill", []byte(`{}`))
	require.NoError(t, err)
	assert.Contains(t, string(res.Body), `"network":"eip155:84532"`)

	strict := NewClient(srv.Client(), &StaticPayer{Wallet: wallet, Key: key}, nil)
	strict.Network = "eip155:10"
	_, err = strict.Call(context.Background(), http.MethodPost, srv.URL+"/fulfill", []byte(`{}`))
	require.Error(t, err, "no option on the configured network")
}

type countingPayer struct {
	inner Payer
	calls int
}

func (p *countingPayer) Pay(ctx context.Context, req PaymentRequirements) (*PaymentPayload, error) {
	p.calls++
	return p.inner.Pay(ctx, req)
}

func TestClientReturnsNonChallengeResponsesUntouched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), &StaticPayer{}, nil)
	res, err := client.Call(context.Background(), http.MethodPost, srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, res.StatusCode)
	assert.False(t, res.Paid)
}

func TestLedgerPayerSettlesThenSigns(t *testing.T) {
	key, wallet := newWallet(t)
	_, payTo := newWallet(t)
	req := testRequirements(payTo)

	exec := &fakeExecutor{txHash: "0xfeed"}
	payer := &LedgerPayer{Ledger: exec, Wallet: wallet, Key: key, Decimals: 6}

	payload, err := payer.Pay(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", payload.Payload.Transaction)
	assert.Equal(t, payTo, exec.to)
	assert.True(t, exec.amount.Equal(decimal.RequireFromString("1.5")))

	recovered, err := auth.RecoverSigner(payload.Payload.Authorization.SigningMessage(), payload.Payload.Signature)
	require.NoError(t, err)
	assert.Equal(t, wallet, recovered.Hex())
}

type fakeExecutor struct {
	txHash string
	to     string
	amount decimal.Decimal
}

func (f *fakeExecutor) ExecuteTransfer(_ context.Context, to string, amount decimal.Decimal) (string, error) {
	f.to = to
	f.amount = amount
	return f.txHash, nil
}
