package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// SecretHeader carries the shared secret on HTTP requests
const SecretHeader = "X-Personakit-Secret"

// AuthHandler checks the shared secret presented by a request
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates an auth handler. An empty secret disables auth.
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// Enabled reports whether requests must present the secret
func (a *AuthHandler) Enabled() bool {
	return a.sharedSecret != ""
}

// VerifySecret compares a presented secret in constant time
func (a *AuthHandler) VerifySecret(presented string) bool {
	if !a.Enabled() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(a.sharedSecret), []byte(presented)) == 1
}

// Authenticate accepts the secret from the X-Personakit-Secret header, a
// bearer token, or a token query parameter for browser WebSocket clients
func (a *AuthHandler) Authenticate(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}
	if secret := r.Header.Get(SecretHeader); secret != "" {
		return a.VerifySecret(secret)
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return a.VerifySecret(strings.TrimPrefix(auth, "Bearer "))
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return a.VerifySecret(token)
	}
	return false
}
