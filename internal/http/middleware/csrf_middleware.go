package middleware

import (
	"errors"
	"net/http"

	"github.com/adminbridge/secure-session-core/internal/domain"
	"github.com/adminbridge/secure-session-core/internal/http/response"
	"github.com/adminbridge/secure-session-core/internal/security"
	"github.com/adminbridge/secure-session-core/internal/service"
)

const CSRFHeaderName = "X-CSRF-Token"

// CSRFProtect enforces double-submit validation on mutating methods.
// Must run after SessionAuth: the expected token is derived from the
// authenticated session's stored secret. Rejections are audited with
// the reason; the client only sees the stable code.
func CSRFProtect(guard *service.CSRFGuard, audit service.AuditAppender) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}
			session, ok := SessionFromContext(r.Context())
			if !ok {
				response.Error(w, r, http.StatusUnauthorized, response.CodeUnauthorized, "missing auth context", nil)
				return
			}
			err := guard.Validate(
				r.Context(),
				session,
				r.Header.Get(CSRFHeaderName),
				security.GetCookie(r, security.CSRFCookieName),
				r.Header.Get("Origin"),
				r.Header.Get("Referer"),
			)
			if err != nil {
				reason := "unknown"
				var csrfErr *service.CSRFError
				if errors.As(err, &csrfErr) {
					reason = csrfErr.Reason
				}
				if _, err := audit.Append(r.Context(), domain.AuditEventCSRFRejected, "session:"+session.SessionID, service.CSRFRejectionPayload{
					SessionID: session.SessionID,
					Path:      r.URL.Path,
					Reason:    reason,
				}); err != nil {
					response.Error(w, r, http.StatusServiceUnavailable, response.CodeStoreUnavailable, "audit store unavailable", nil)
					return
				}
				response.Error(w, r, http.StatusForbidden, response.CodeCSRFRejected, "csrf validation failed", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
