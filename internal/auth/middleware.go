package auth

import (
	"context"
	"net/http"
	"strings"

	"litepost/pkg/interfaces"
	"litepost/pkg/types"
)

type contextKey struct{}

// TokenFromRequest reads a bearer token from the Authorization header, falling back
// to the "token" query parameter used by browser websocket clients.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// Middleware attaches the verified principal, if any, to the request context.
// Invalid tokens are not rejected here; handlers that need a principal check PrincipalFrom.
func Middleware(verifier interfaces.TokenVerifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := TokenFromRequest(r); token != "" {
			if principal, err := verifier.Verify(token); err == nil {
				r = r.WithContext(WithPrincipal(r.Context(), principal))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// WithPrincipal stores principal in ctx.
func WithPrincipal(ctx context.Context, principal *types.Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, principal)
}

// PrincipalFrom returns the principal stored by Middleware.
func PrincipalFrom(ctx context.Context) (*types.Principal, bool) {
	principal, ok := ctx.Value(contextKey{}).(*types.Principal)
	return principal, ok && principal != nil
}
