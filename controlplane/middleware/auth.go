package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/edgemesh-io/edgemesh/controlplane/auth"
)

type claimsContextKey struct{}

// RequireRole parses and verifies the bearer token, rejecting the request
// unless its role is one of allowed. The verified Claims are attached to
// the request context for handlers that need the bound nodeId/taskId.
func RequireRole(allowed ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				http.Error(w, "missing_node_token", http.StatusUnauthorized)
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := auth.Parse(parts[1])
			if err != nil {
				http.Error(w, errCode(err), http.StatusUnauthorized)
				return
			}

			ok := false
			for _, role := range allowed {
				if claims.Role == role {
					ok = true
					break
				}
			}
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext retrieves the verified Claims a RequireRole middleware
// attached to the request.
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*auth.Claims)
	return claims, ok
}

func errCode(err error) string {
	switch err {
	case auth.ErrTokenExpired:
		return "token_expired"
	case auth.ErrSignatureInvalid:
		return "token_signature_invalid"
	case auth.ErrTokenReplay:
		return "token_replay"
	default:
		return "unauthorized"
	}
}
