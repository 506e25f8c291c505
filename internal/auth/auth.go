// Package auth implements wallet-signature authentication for mutating
// requests: a canonical message is signed by the caller's wallet, the
// service recovers the signing address and compares it to the claimed one,
// and single-use nonces block replays.
package auth

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"intentcast/internal/apperr"
)

// DefaultPrefix is the application tag in the canonical message.
const DefaultPrefix = "IntentCast"

// Message builds the canonical string a wallet must sign:
// "<prefix>:<nonce>:<METHOD>:<path>". The method is upper-cased and the
// path loses its query string so clients never sign volatile params.
func Message(prefix, nonce, method, path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s:%s:%s:%s", prefix, nonce, strings.ToUpper(method), path)
}

// NonceRegistry tracks used (wallet, nonce) pairs. MarkUsed must be
// atomic: of two concurrent calls with the same pair, exactly one wins.
type NonceRegistry interface {
	MarkUsed(wallet, nonce string) bool
}

// MemoryNonces is the in-process registry. Append-only; entries are never
// released within a process lifetime.
type MemoryNonces struct {
	mu   sync.Mutex
	used map[string]struct{}
}

func NewMemoryNonces() *MemoryNonces {
	return &MemoryNonces{used: make(map[string]struct{})}
}

func (m *MemoryNonces) MarkUsed(wallet, nonce string) bool {
	key := strings.ToLower(wallet) + ":" + nonce
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.used[key]; ok {
		return false
	}
	m.used[key] = struct{}{}
	return true
}

// Authenticator verifies request signatures against claimed wallets.
type Authenticator struct {
	prefix string
	nonces NonceRegistry
}

func New(prefix string, nonces NonceRegistry) *Authenticator {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if nonces == nil {
		nonces = NewMemoryNonces()
	}
	return &Authenticator{prefix: prefix, nonces: nonces}
}

func (a *Authenticator) Prefix() string { return a.prefix }

// Verify checks the signature over the canonical message and burns the
// nonce. On success it returns the recovered, checksummed wallet address.
// The nonce is consumed as soon as the pair is first seen, so a failed
// request still invalidates it for replay.
func (a *Authenticator) Verify(wallet, signature, nonce, method, path string) (string, error) {
	if wallet == "" || signature == "" || nonce == "" {
		return "", apperr.Unauthorizedf("missing credentials").
			WithDetail("requiredHeaders", []string{HeaderWallet, HeaderSignature, HeaderNonce}).
			WithDetail("messageFormat", a.prefix+":{nonce}:{method}:{path}")
	}
	if !common.IsHexAddress(wallet) {
		return "", apperr.Unauthorizedf("invalid wallet address")
	}
	if !a.nonces.MarkUsed(wallet, nonce) {
		return "", apperr.Unauthorizedf("nonce already used").
			WithDetail("hint", "generate a fresh nonce for every mutation request")
	}

	msg := Message(a.prefix, nonce, method, path)
	recovered, err := RecoverSigner(msg, signature)
	if err != nil {
		return "", apperr.Unauthorizedf("invalid signature").
			WithDetail("messageToSign", msg)
	}
	claimed := common.HexToAddress(wallet)
	if recovered != claimed {
		return "", apperr.Unauthorizedf("invalid signature").
			WithDetail("messageToSign", msg)
	}
	return recovered.Hex(), nil
}

// RecoverSigner recovers the address that personal-signed msg. Accepts
// both the raw {0,1} and the Ethereum {27,28} recovery-id conventions.
func RecoverSigner(msg, signature string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	if sig[64] >= 27 {
		sig = append(append([]byte(nil), sig...), 0)[:65]
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(msg)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignMessage produces a personal-sign signature for msg with the given
// hex private key. Used by clients and tests; the recovery id stays in
// the {0,1} convention.
func SignMessage(msg, privKeyHex string) (string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privKeyHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), key)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return "0x" + hex.EncodeToString(sig), nil
}
