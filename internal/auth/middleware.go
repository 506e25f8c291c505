package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"intentcast/internal/apperr"
)

// Header names carried on every mutating call.
const (
	HeaderWallet    = "X-Wallet-Address"
	HeaderSignature = "X-Signature"
	HeaderNonce     = "X-Nonce"
)

type contextKey struct{}

// Identity is attached to the request context after a successful
// verification, so handlers can authorize against the caller's wallet.
type Identity struct {
	Wallet string
	Nonce  string
}

// FromContext returns the authenticated identity, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

// WithIdentity is used by tests and internal callers to pre-authenticate
// a context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Middleware enforces wallet-signature auth on mutating requests. Reads
// pass through untouched. Failure responses explain the expected message
// format but never whether a wallet is known to the system.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isMutation(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		wallet := r.Header.Get(HeaderWallet)
		signature := r.Header.Get(HeaderSignature)
		nonce := r.Header.Get(HeaderNonce)

		recovered, err := a.Verify(wallet, signature, nonce, r.Method, r.URL.Path)
		if err != nil {
			writeAuthError(w, err)
			return
		}

		ctx := WithIdentity(r.Context(), Identity{Wallet: recovered, Nonce: nonce})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeAuthError(w http.ResponseWriter, err error) {
	status := http.StatusUnauthorized
	body := map[string]any{
		"error": map[string]any{
			"code":    apperr.CodeOf(err),
			"message": err.Error(),
		},
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		body["error"] = map[string]any{
			"code":    ae.Code,
			"message": ae.Message,
			"details": ae.Details,
		}
		status = ae.HTTPStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
