package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"slices"
	"strings"

	"github.com/sells-group/kpledger/internal/model"
)

// Scopes granted to API keys.
const (
	ScopeRead  = "read"
	ScopeWrite = "write"
	ScopeAdmin = "admin"
)

// APIKey maps a bearer token to the agent it authenticates.
type APIKey struct {
	Token   string
	AgentID string
	Scopes  []string
	Tier    model.Tier
}

// Principal is the authenticated caller of a request.
type Principal struct {
	AgentID string
	Scopes  []string
	Tier    model.Tier
}

// Has reports whether the principal holds any of the given scopes.
func (p Principal) Has(scopes ...string) bool {
	for _, s := range scopes {
		if slices.Contains(p.Scopes, s) {
			return true
		}
	}
	return false
}

type principalKey struct{}

// PrincipalFrom returns the principal stored by the auth middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// authenticate resolves the bearer token against keys and rejects the
// request with 401 when it matches none.
func authenticate(keys []APIKey) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeMessage(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			for _, k := range keys {
				if subtle.ConstantTimeCompare([]byte(token), []byte(k.Token)) == 1 {
					p := Principal{AgentID: k.AgentID, Scopes: k.Scopes, Tier: k.Tier.Normalize()}
					next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
					return
				}
			}
			writeMessage(w, http.StatusUnauthorized, "invalid API key")
		})
	}
}

// requireScope rejects principals holding none of scopes with 403.
func requireScope(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, _ := PrincipalFrom(r.Context())
			if !p.Has(scopes...) {
				writeMessage(w, http.StatusForbidden, "requires scope: "+strings.Join(scopes, " or "))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
