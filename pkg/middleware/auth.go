package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/platinummonkey/creditd/pkg/contextkeys"
	"github.com/platinummonkey/creditd/pkg/httputil"
)

// ServiceToken is a bearer token accepted from an internal caller
type ServiceToken struct {
	Caller string
	Token  string
}

// ServiceTokenAuth authenticates internal callers by bearer token. Several
// tokens may be configured at once so they can be rotated.
type ServiceTokenAuth struct {
	tokens []hashedToken
}

type hashedToken struct {
	caller string
	sum    [sha256.Size]byte
}

// NewServiceTokenAuth creates the middleware. Empty tokens are ignored.
func NewServiceTokenAuth(tokens ...ServiceToken) *ServiceTokenAuth {
	a := &ServiceTokenAuth{}
	for _, t := range tokens {
		if t.Token == "" {
			continue
		}
		caller := t.Caller
		if caller == "" {
			caller = "service"
		}
		a.tokens = append(a.tokens, hashedToken{caller: caller, sum: sha256.Sum256([]byte(t.Token))})
	}
	return a
}

// Enabled reports whether any token is configured
func (a *ServiceTokenAuth) Enabled() bool {
	return len(a.tokens) > 0
}

// Handler wraps an HTTP handler with bearer token authentication
func (a *ServiceTokenAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			httputil.WriteUnauthorized(w, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			httputil.WriteUnauthorized(w, "invalid authorization header format")
			return
		}

		caller, ok := a.authenticate(parts[1])
		if !ok {
			httputil.WriteUnauthorized(w, "invalid service token")
			return
		}

		next.ServeHTTP(w, r.WithContext(contextkeys.WithCaller(r.Context(), caller)))
	})
}

// authenticate compares against every configured token in constant time
func (a *ServiceTokenAuth) authenticate(token string) (string, bool) {
	sum := sha256.Sum256([]byte(token))
	var caller string
	for _, t := range a.tokens {
		if subtle.ConstantTimeCompare(sum[:], t.sum[:]) == 1 {
			caller = t.caller
		}
	}
	return caller, caller != ""
}
