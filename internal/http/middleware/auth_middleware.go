package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/adminbridge/secure-session-core/internal/domain"
	"github.com/adminbridge/secure-session-core/internal/http/response"
	"github.com/adminbridge/secure-session-core/internal/observability"
	"github.com/adminbridge/secure-session-core/internal/repository"
	"github.com/adminbridge/secure-session-core/internal/security"
	"github.com/adminbridge/secure-session-core/internal/service"
)

type contextKey string

const (
	ClaimsContextKey  contextKey = "claims"
	SessionContextKey contextKey = "session"
)

// ExpiryWarningHeader is set on authenticated responses when the
// session is inside the warning window of either deadline.
const ExpiryWarningHeader = "X-Session-Expiry-Warning"

// SessionAuth authenticates the request and enforces session liveness.
// Beyond the signature check it verifies the token is not blacklisted,
// the backing session is still active and neither timeout has passed.
// Expired sessions are revoked on the spot; live ones get their idle
// deadline slid forward.
func SessionAuth(tokens *service.TokenService, sessions repository.SessionRepository, tracker *service.TimeoutTracker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := security.GetCookie(r, security.AccessCookieName)
			source := "cookie"
			if raw == "" {
				auth := r.Header.Get("Authorization")
				if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
					raw = strings.TrimSpace(auth[7:])
					source = "bearer"
				}
			}
			if raw == "" {
				observability.RecordAccessTokenValidation(r.Context(), "missing", "none")
				response.Error(w, r, http.StatusUnauthorized, response.CodeUnauthorized, "missing access token", nil)
				return
			}

			claims, err := tokens.VerifyAccess(r.Context(), raw)
			if err != nil {
				switch {
				case errors.Is(err, repository.ErrStoreUnavailable):
					observability.RecordAccessTokenValidation(r.Context(), "store_error", source)
					response.Error(w, r, http.StatusServiceUnavailable, response.CodeStoreUnavailable, "token store unavailable", nil)
				case errors.Is(err, service.ErrTokenRevoked):
					observability.RecordAccessTokenValidation(r.Context(), "revoked", source)
					response.Error(w, r, http.StatusUnauthorized, response.CodeUnauthorized, "access token revoked", nil)
				default:
					observability.RecordAccessTokenValidation(r.Context(), "invalid", source)
					response.Error(w, r, http.StatusUnauthorized, response.CodeUnauthorized, "invalid access token", nil)
				}
				return
			}

			session, err := sessions.FindByID(claims.SessionID)
			if err != nil {
				if errors.Is(err, repository.ErrSessionNotFound) {
					observability.RecordAccessTokenValidation(r.Context(), "orphaned", source)
					response.Error(w, r, http.StatusUnauthorized, response.CodeUnauthorized, "session not found", nil)
					return
				}
				response.Error(w, r, http.StatusServiceUnavailable, response.CodeStoreUnavailable, "session store unavailable", nil)
				return
			}
			if !session.IsActive {
				observability.RecordAccessTokenValidation(r.Context(), "revoked_session", source)
				response.Error(w, r, http.StatusUnauthorized, response.CodeSessionRevoked, "session revoked", nil)
				return
			}

			status, err := tracker.EnforceTimeout(r.Context(), session)
			if err != nil {
				response.Error(w, r, http.StatusServiceUnavailable, response.CodeStoreUnavailable, "session store unavailable", nil)
				return
			}
			if status.Liveness != service.SessionAlive {
				observability.RecordAccessTokenValidation(r.Context(), "expired_session", source)
				response.Error(w, r, http.StatusUnauthorized, response.CodeSessionRevoked, "session expired", map[string]string{
					"kind": string(status.Liveness),
				})
				return
			}
			if status.WarnExpiry {
				w.Header().Set(ExpiryWarningHeader, "true")
			}
			if err := tracker.Touch(session.SessionID); err != nil {
				response.Error(w, r, http.StatusServiceUnavailable, response.CodeStoreUnavailable, "session store unavailable", nil)
				return
			}

			observability.RecordAccessTokenValidation(r.Context(), "valid", source)
			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			ctx = context.WithValue(ctx, SessionContextKey, session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func ClaimsFromContext(ctx context.Context) (*security.Claims, bool) {
	c, ok := ctx.Value(ClaimsContextKey).(*security.Claims)
	return c, ok
}

func SessionFromContext(ctx context.Context) (*domain.Session, bool) {
	s, ok := ctx.Value(SessionContextKey).(*domain.Session)
	return s, ok
}

// RequireRole gates a route on the role claim minted into the access
// token at login.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				response.Error(w, r, http.StatusUnauthorized, response.CodeUnauthorized, "missing auth context", nil)
				return
			}
			if claims.Role != role {
				response.Error(w, r, http.StatusForbidden, response.CodeForbidden, "insufficient role", map[string]string{"required": role})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
