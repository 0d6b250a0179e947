// Package auth authenticates callers of the adapter host.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/bturcanu/plugwire/pkg/invoke"
	"github.com/bturcanu/plugwire/pkg/types"
)

type contextKey string

const internalKey contextKey = "internal"

// InternalHeader carries the shared secret that lets trusted callers supply
// credentials inline instead of through the credential store.
const InternalHeader = "X-Internal-Token"

var skipPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// TenantFromContext returns the authenticated tenant ID.
func TenantFromContext(ctx context.Context) string {
	return invoke.TenantFrom(ctx)
}

// IsInternal reports whether the request presented a valid internal token.
func IsInternal(ctx context.Context) bool {
	v, _ := ctx.Value(internalKey).(bool)
	return v
}

// APIKeyAuth validates the API key (X-API-Key or Authorization: Bearer) and
// tags the request context with its tenant. When internalToken is set, a
// matching X-Internal-Token marks the request as internal.
func APIKeyAuth(keys *KeyStore, internalToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
					apiKey = strings.TrimSpace(bearer)
				}
			}
			if apiKey == "" {
				types.ErrUnauthorized("missing API key").WriteJSON(w)
				return
			}

			tenantID, ok := keys.Lookup(apiKey)
			if !ok {
				types.ErrUnauthorized("invalid API key").WriteJSON(w)
				return
			}

			ctx := invoke.WithTenant(r.Context(), tenantID)
			if tok := r.Header.Get(InternalHeader); tok != "" && internalToken != "" &&
				subtle.ConstantTimeCompare([]byte(tok), []byte(internalToken)) == 1 {
				ctx = context.WithValue(ctx, internalKey, true)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
