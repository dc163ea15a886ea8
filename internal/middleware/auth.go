package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/rollcall/ble-attendance/internal/audit"
	"github.com/rollcall/ble-attendance/internal/auth"
	apperrors "github.com/rollcall/ble-attendance/internal/errors"
	"github.com/rollcall/ble-attendance/internal/httputil"
)

// TokenVerifier turns a bearer token into the caller it was issued to.
type TokenVerifier interface {
	Verify(token string) (*auth.Principal, error)
}

type AuthMiddleware struct {
	verifier TokenVerifier
}

func NewAuthMiddleware(verifier TokenVerifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			httputil.WriteError(w, apperrors.Unauthorized("Missing authentication token"))
			return
		}

		principal, err := m.verifier.Verify(token)
		if err != nil {
			log.Warn().Err(err).Str("path", r.URL.Path).Msg("auth middleware: invalid token attempt")
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventAuthFailure,
				Details: map[string]interface{}{"path": r.URL.Path},
			})
			httputil.WriteError(w, apperrors.Unauthorized("Invalid token"))
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

// extractToken reads the Authorization header, falling back to the query
// string for EventSource clients that cannot set headers.
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}

	return r.URL.Query().Get("token")
}
