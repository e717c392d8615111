package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tollcounter/tollcounter/internal/model"
	"github.com/tollcounter/tollcounter/internal/service"
)

type contextKeyAuth string

// AuthPrincipalKey is the context key for the authenticated principal.
const AuthPrincipalKey contextKeyAuth = "auth_principal"

// APIKeyHeader carries the opaque API key secret.
const APIKeyHeader = "X-API-Key"

// Principal is the resolved identity attached to the request context, the
// only thing the gateway hands across to downstream handlers. UserID comes
// from a session token, APIKeyID from a validated key; either may be absent
// under an optional-auth policy.
type Principal struct {
	UserID   string
	IsAdmin  bool
	APIKeyID int64 // 0 when no key was presented
}

// RequireToken returns a middleware enforcing the bearer-token policy: a
// request without a valid signed session token is rejected with 401. The
// error reason distinguishes a missing credential from an invalid or expired
// one, and nothing finer.
func RequireToken(authSvc *service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, model.ReasonMissingCredential,
					"Authentication required. Provide a Bearer token.")
				return
			}

			claims, err := authSvc.VerifyToken(token)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, model.ReasonInvalidCredential,
					"Invalid or expired token")
				return
			}

			principal := &Principal{UserID: claims.Subject, IsAdmin: claims.IsAdmin}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
		})
	}
}

// RequireKey returns a middleware enforcing the API-key policy: a request
// without a valid, active key in the X-API-Key header is rejected with 401.
func RequireKey(authSvc *service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(APIKeyHeader)
			if presented == "" {
				writeAuthError(w, http.StatusUnauthorized, model.ReasonMissingCredential,
					"Authentication required. Provide the "+APIKeyHeader+" header.")
				return
			}

			key, err := authSvc.ValidateKey(r.Context(), presented)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, model.ReasonInvalidCredential,
					"Invalid API key")
				return
			}

			principal := &Principal{APIKeyID: key.ID}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
		})
	}
}

// OptionalAuth returns a middleware that attaches an identity when either
// credential scheme is present and valid, and lets the request through
// anonymously otherwise. The API key is tried first, then the bearer token;
// a presented-but-invalid credential is ignored rather than rejected.
func OptionalAuth(authSvc *service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var principal *Principal

			if presented := r.Header.Get(APIKeyHeader); presented != "" {
				if key, err := authSvc.ValidateKey(r.Context(), presented); err == nil {
					principal = &Principal{APIKeyID: key.ID}
				}
			}

			if principal == nil {
				if token, ok := bearerToken(r); ok {
					if claims, err := authSvc.VerifyToken(token); err == nil {
						principal = &Principal{UserID: claims.Subject, IsAdmin: claims.IsAdmin}
					}
				}
			}

			if principal != nil {
				r = r.WithContext(withPrincipal(r.Context(), principal))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin returns a middleware enforcing admin-level access. It must run
// after RequireToken; an authenticated principal without the admin flag gets
// 403, which is deliberately distinct from the 401 an unauthenticated request
// would have received earlier in the chain.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetPrincipal(r.Context())
			if principal == nil || !principal.IsAdmin {
				writeAuthError(w, http.StatusForbidden, model.ReasonForbidden,
					"Admin access required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetPrincipal extracts the authenticated principal from the context.
// Returns nil for an anonymous request.
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(AuthPrincipalKey).(*Principal); ok {
		return p
	}
	return nil
}

func withPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, AuthPrincipalKey, p)
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	return strings.TrimPrefix(authHeader, "Bearer "), true
}

func writeAuthError(w http.ResponseWriter, status int, reason, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.ErrorResponse{
		Error: model.ErrorDetail{Code: status, Reason: reason, Message: message},
	})
}
