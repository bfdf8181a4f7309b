// Package authmw provides HTTP middleware for bearer token authentication
// scoped to organizations.
package authmw

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
)

// AllOrgs grants a token access to every organization.
const AllOrgs = "*"

// Tokens maps each accepted bearer token to the organizations it may act on.
type Tokens map[string][]string

// ParseTokens reads "token=org1,org2;token2=*". A token without "=" gets
// access to every organization.
func ParseTokens(s string) (Tokens, error) {
	out := make(Tokens)
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		tok, orgs, found := strings.Cut(entry, "=")
		tok = strings.TrimSpace(tok)
		if tok == "" {
			return nil, fmt.Errorf("auth token entry %q has no token", entry)
		}
		if _, dup := out[tok]; dup {
			return nil, errors.New("auth token listed twice")
		}
		if !found {
			out[tok] = []string{AllOrgs}
			continue
		}
		var list []string
		for _, o := range strings.Split(orgs, ",") {
			if o = strings.TrimSpace(o); o != "" {
				list = append(list, o)
			}
		}
		if len(list) == 0 {
			return nil, errors.New("auth token entry has no organizations")
		}
		out[tok] = list
	}
	return out, nil
}

type ctxKey struct{}

// OrgsFromContext returns the organizations granted to the request's token.
func OrgsFromContext(ctx context.Context) []string {
	orgs, _ := ctx.Value(ctxKey{}).([]string)
	return orgs
}

// Allowed reports whether the request's token may act on orgID.
func Allowed(ctx context.Context, orgID string) bool {
	orgs := OrgsFromContext(ctx)
	return slices.Contains(orgs, AllOrgs) || slices.Contains(orgs, orgID)
}

// BearerToken returns middleware that validates the Authorization header
// against tokens and records the token's organizations on the request
// context. Every configured token is compared in constant time.
func BearerToken(tokens Tokens) func(http.Handler) http.Handler {
	type entry struct {
		token []byte
		orgs  []string
	}
	entries := make([]entry, 0, len(tokens))
	for tok, orgs := range tokens {
		entries = append(entries, entry{token: []byte(tok), orgs: orgs})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}

			got := []byte(auth[len("Bearer "):])

			var orgs []string
			for _, e := range entries {
				if subtle.ConstantTimeCompare(got, e.token) == 1 {
					orgs = e.orgs
				}
			}
			if orgs == nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, orgs)))
		})
	}
}

// RequireOrg returns middleware that rejects requests whose token is not
// granted the organization named by orgOf. It must run after BearerToken.
func RequireOrg(orgOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !Allowed(r.Context(), orgOf(r)) {
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
