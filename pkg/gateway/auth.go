package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Authenticator checks the shared secret carried as a bearer token or a
// "token" query parameter. An empty secret disables the check.
type Authenticator struct {
	secret string
}

// NewAuthenticator creates an authenticator for secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: secret}
}

// Enabled reports whether a secret is configured.
func (a *Authenticator) Enabled() bool {
	return a.secret != ""
}

// Verify compares token with the secret in constant time.
func (a *Authenticator) Verify(token string) bool {
	if !a.Enabled() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.secret)) == 1
}

// Token extracts the presented credential from r.
func Token(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}
	return r.URL.Query().Get("token")
}

// Middleware rejects unauthenticated requests except for the exempt paths.
func (a *Authenticator) Middleware(next http.Handler, exempt ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range exempt {
			if r.URL.Path == p {
				next.ServeHTTP(w, r)
				return
			}
		}
		if !a.Verify(Token(r)) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
