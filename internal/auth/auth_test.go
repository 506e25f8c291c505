package auth

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKey(t *testing.T) (string, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return hex.EncodeToString(crypto.FromECDSA(key)), crypto.PubkeyToAddress(key.PublicKey).Hex()
}

func TestMessageCanonicalization(t *testing.T) {
	msg := Message("IntentCast", "n1", "post", "/intents?debug=1")
	assert.Equal(t, "IntentCast:n1:POST:/intents", msg)

	assert.Equal(t, "IntentCast:n1:GET:/", Message("IntentCast", "n1", "GET", ""))
	assert.Equal(t, "IntentCast:n1:GET:/intents", Message("IntentCast", "n1", "GET", "intents"))
}

func TestVerifyRoundTrip(t *testing.T) {
	key, wallet := newTestKey(t)
	a := New("", NewMemoryNonces())

	msg := Message(a.Prefix(), "nonce-1", http.MethodPost, "/intents")
	sig, err := SignMessage(msg, key)
	require.NoError(t, err)

	recovered, err := a.Verify(wallet, sig, "nonce-1", http.MethodPost, "/intents")
	require.NoError(t, err)
	assert.Equal(t, wallet, recovered)
}

func TestVerifyAcceptsEthereumRecoveryID(t *testing.T) {
	key, wallet := newTestKey(t)
	a := New("", NewMemoryNonces())

	msg := Message(a.Prefix(), "nonce-27", http.MethodPost, "/intents")
	sig, err := SignMessage(msg, key)
	require.NoError(t, err)

	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	require.NoError(t, err)
	raw[64] += 27

	recovered, err := a.Verify(wallet, "0x"+hex.EncodeToString(raw), "nonce-27", http.MethodPost, "/intents")
	require.NoError(t, err)
	assert.Equal(t, wallet, recovered)
}

func TestVerifyRejectsWrongWallet(t *testing.T) {
	key, _ := newTestKey(t)
	_, otherWallet := newTestKey(t)
	a := New("", NewMemoryNonces())

	msg := Message(a.Prefix(), "nonce-2", http.MethodPost, "/intents")
	sig, err := SignMessage(msg, key)
	require.NoError(t, err)

	_, err = a.Verify(otherWallet, sig, "nonce-2", http.MethodPost, "/intents")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid signature")
}

func TestVerifyRejectsTamperedPath(t *testing.T) {
	key, wallet := newTestKey(t)
	a := New("", NewMemoryNonces())

	msg := Message(a.Prefix(), "nonce-3", http.MethodPost, "/intents")
	sig, err := SignMessage(msg, key)
	require.NoError(t, err)

	_, err = a.Verify(wallet, sig, "nonce-3", http.MethodPost, "/providers")
	require.Error(t, err)
}

func TestNonceReplayRejected(t *testing.T) {
	key, wallet := newTestKey(t)
	a := New("", NewMemoryNonces())

	msg := Message(a.Prefix(), "nonce-4", http.MethodPost, "/intents")
	sig, err := SignMessage(msg, key)
	require.NoError(t, err)

	_, err = a.Verify(wallet, sig, "nonce-4", http.MethodPost, "/intents")
	require.NoError(t, err)

	_, err = a.Verify(wallet, sig, "nonce-4", http.MethodPost, "/intents")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonce already used")
}

func TestFailedVerificationStillBurnsNonce(t *testing.T) {
	key, wallet := newTestKey(t)
	a := New("", NewMemoryNonces())

	// Signature over the wrong path fails, but the nonce is consumed.
	wrongMsg := Message(a.Prefix(), "nonce-5", http.MethodPost, "/other")
	sig, err := SignMessage(wrongMsg, key)
	require.NoError(t, err)

	_, err = a.Verify(wallet, sig, "nonce-5", http.MethodPost, "/intents")
	require.Error(t, err)

	// Even a now-correct signature cannot reuse the nonce.
	goodMsg := Message(a.Prefix(), "nonce-5", http.MethodPost, "/intents")
	goodSig, err := SignMessage(goodMsg, key)
	require.NoError(t, err)

	_, err = a.Verify(wallet, goodSig, "nonce-5", http.MethodPost, "/intents")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonce already used")
}

func TestConcurrentNonceUseAdmitsExactlyOne(t *testing.T) {
	key, wallet := newTestKey(t)
	a := New("", NewMemoryNonces())

	msg := Message(a.Prefix(), "nonce-race", http.MethodPost, "/intents")
	sig, err := SignMessage(msg, key)
	require.NoError(t, err)

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Verify(wallet, sig, "nonce-race", http.MethodPost, "/intents")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestMiddlewarePassesReadsThrough(t *testing.T) {
	a := New("", NewMemoryNonces())
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/intents", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareRejectsUnsignedMutation(t *testing.T) {
	a := New("", NewMemoryNonces())
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/intents", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var body struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "UNAUTHORIZED", body.Error.Code)
	assert.Contains(t, body.Error.Details, "messageFormat")
}

func TestMiddlewareAttachesIdentity(t *testing.T) {
	key, wallet := newTestKey(t)
	a := New("", NewMemoryNonces())

	var seen Identity
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		require.True(t, ok)
		seen = id
	}))

	msg := Message(a.Prefix(), "nonce-mw", http.MethodPost, "/intents")
	sig, err := SignMessage(msg, key)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/intents?verbose=1", nil)
	req.Header.Set(HeaderWallet, wallet)
	req.Header.Set(HeaderSignature, sig)
	req.Header.Set(HeaderNonce, "nonce-mw")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, wallet, seen.Wallet)
	assert.Equal(t, "nonce-mw", seen.Nonce)
}
