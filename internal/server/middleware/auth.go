package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/keygatehq/keygate/internal/keys"
	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/service"
)

type contextKeyAuth string

const (
	// AdminKey is the context key for the authenticated admin session.
	AdminKey contextKeyAuth = "auth_admin"
	// APIKeyKey is the context key for the resolved API key.
	APIKeyKey contextKeyAuth = "auth_api_key"
)

// RequireAdmin validates the Authorization bearer token against the auth
// service and attaches the admin principal to the request context. Used on
// the management API.
func RequireAdmin(authSvc *service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeAuthError(w, http.StatusUnauthorized, "UNAUTHENTICATED",
					"Authentication required. Provide a Bearer session token.")
				return
			}
			principal, err := authSvc.ValidateSession(r.Context(), strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Invalid session token")
				return
			}
			ctx := context.WithValue(r.Context(), AdminKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAPIKey verifies the credential in the configured header and
// enforces the given (scope, action) pair. The resolved key is attached to
// the request context on success. Verification itself consumes quota, so a
// rejected request has no quota side effects while an accepted one does.
func RequireAPIKey(verifier *keys.Verifier, headerName, scope, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(headerName)
			if presented == "" {
				writeAuthError(w, http.StatusUnauthorized, "UNAUTHENTICATED",
					"Authentication required. Provide the "+headerName+" header.")
				return
			}

			resolved, err := verifier.Verify(r.Context(), presented, keys.Check{Scope: scope, Action: action})
			if err != nil {
				rej, ok := keys.AsRejection(err)
				if !ok {
					writeAuthError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE",
						"Verification temporarily unavailable")
					return
				}
				writeAuthError(w, RejectStatus(rej.Code), rej.Code, rej.Message)
				return
			}

			ctx := context.WithValue(r.Context(), APIKeyKey, resolved)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RejectStatus maps a rejection code to its HTTP status.
func RejectStatus(code string) int {
	switch code {
	case keys.CodeRateLimitExceeded, keys.CodeNoRemaining:
		return http.StatusTooManyRequests
	case keys.CodeInsufficientPermissions:
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}

// GetAdmin extracts the authenticated admin from the context, or nil.
func GetAdmin(ctx context.Context) *service.AdminPrincipal {
	if p, ok := ctx.Value(AdminKey).(*service.AdminPrincipal); ok {
		return p
	}
	return nil
}

// GetAPIKey extracts the resolved API key from the context, or nil.
func GetAPIKey(ctx context.Context) *model.ResolvedKey {
	if k, ok := ctx.Value(APIKeyKey).(*model.ResolvedKey); ok {
		return k
	}
	return nil
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Small local struct to avoid an import cycle with the handler package.
	json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck
		"error": map[string]string{"code": code, "message": message},
	})
}
