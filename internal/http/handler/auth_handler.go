package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/adminbridge/secure-session-core/internal/http/middleware"
	"github.com/adminbridge/secure-session-core/internal/http/response"
	"github.com/adminbridge/secure-session-core/internal/repository"
	"github.com/adminbridge/secure-session-core/internal/security"
	"github.com/adminbridge/secure-session-core/internal/service"
)

// AuthHandler owns the login/refresh/verify/logout endpoints. Tokens
// travel in HttpOnly cookies; the CSRF token is the only value exposed
// to scripts.
type AuthHandler struct {
	auth     *service.AuthService
	tokens   *service.TokenService
	sessions repository.SessionRepository
	tracker  *service.TimeoutTracker
	guard    *service.CSRFGuard
	cookies  security.CookiePolicy
}

func NewAuthHandler(
	auth *service.AuthService,
	tokens *service.TokenService,
	sessions repository.SessionRepository,
	tracker *service.TimeoutTracker,
	guard *service.CSRFGuard,
	cookies security.CookiePolicy,
) *AuthHandler {
	return &AuthHandler{
		auth:     auth,
		tokens:   tokens,
		sessions: sessions,
		tracker:  tracker,
		guard:    guard,
		cookies:  cookies,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenExpiryData struct {
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type loginData struct {
	SessionID string   `json:"session_id"`
	CSRFToken string   `json:"csrf_token"`
	Evicted   []string `json:"evicted_sessions,omitempty"`
	tokenExpiryData
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		response.Error(w, r, http.StatusBadRequest, response.CodeValidation, "email and password are required", nil)
		return
	}

	result, err := h.auth.Login(r.Context(), service.LoginInput{
		Email:     req.Email,
		Password:  req.Password,
		IP:        middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
		DeviceID:  security.GetCookie(r, security.DeviceCookieName),
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAccountLocked):
			response.Error(w, r, http.StatusLocked, response.CodeAccountLocked, "too many failed attempts, try again later", nil)
		case errors.Is(err, service.ErrInvalidCredentials):
			response.Error(w, r, http.StatusUnauthorized, response.CodeInvalidCredentials, "invalid email or password", nil)
		case errors.Is(err, service.ErrSessionLimitExceeded):
			response.Error(w, r, http.StatusConflict, response.CodeSessionLimit, "active session limit reached", nil)
		case errors.Is(err, repository.ErrStoreUnavailable):
			response.Error(w, r, http.StatusServiceUnavailable, response.CodeStoreUnavailable, "session store unavailable", nil)
		default:
			response.Error(w, r, http.StatusInternalServerError, response.CodeInternal, "login failed", nil)
		}
		return
	}

	csrfToken := h.guard.TokenFor(result.Session)
	h.cookies.SetAccessCookie(w, result.Pair.AccessToken, h.tokens.AccessTTL())
	h.cookies.SetRefreshCookie(w, result.Pair.RefreshToken, h.tokens.RefreshTTL())
	h.cookies.SetCSRFCookie(w, csrfToken, h.tokens.RefreshTTL())
	h.cookies.SetDeviceCookie(w, result.Session.DeviceID)

	response.JSON(w, r, http.StatusOK, loginData{
		SessionID: result.Session.SessionID,
		CSRFToken: csrfToken,
		Evicted:   result.Evicted,
		tokenExpiryData: tokenExpiryData{
			AccessExpiresAt:  result.Pair.AccessExpiresAt,
			RefreshExpiresAt: result.Pair.RefreshExpiresAt,
		},
	})
}

// Refresh rotates the token pair. The three failure codes are part of
// the client contract: missing cookie, bad token, dead session. Reuse
// detection lands on SESSION_REVOKED because by then the session is.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	raw := security.GetCookie(r, security.RefreshCookieName)
	if raw == "" {
		response.Error(w, r, http.StatusUnauthorized, response.CodeRefreshTokenMissing, "missing refresh token", nil)
		return
	}

	result, err := h.auth.Refresh(r.Context(), raw)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrReuseDetected), errors.Is(err, service.ErrSessionRevoked):
			h.cookies.ClearAuthCookies(w)
			response.Error(w, r, http.StatusUnauthorized, response.CodeSessionRevoked, "session revoked", nil)
		case errors.Is(err, service.ErrInvalidRefreshToken),
			errors.Is(err, security.ErrTokenExpired),
			errors.Is(err, security.ErrTokenMalformed),
			errors.Is(err, security.ErrBadSignature):
			h.cookies.ClearAuthCookies(w)
			response.Error(w, r, http.StatusUnauthorized, response.CodeRefreshTokenInvalid, "invalid refresh token", nil)
		case errors.Is(err, repository.ErrStoreUnavailable):
			response.Error(w, r, http.StatusServiceUnavailable, response.CodeStoreUnavailable, "token store unavailable", nil)
		default:
			response.Error(w, r, http.StatusInternalServerError, response.CodeInternal, "refresh failed", nil)
		}
		return
	}

	csrfToken := h.guard.TokenFor(result.Session)
	h.cookies.SetAccessCookie(w, result.Pair.AccessToken, h.tokens.AccessTTL())
	h.cookies.SetRefreshCookie(w, result.Pair.RefreshToken, h.tokens.RefreshTTL())
	h.cookies.SetCSRFCookie(w, csrfToken, h.tokens.RefreshTTL())

	response.JSON(w, r, http.StatusOK, loginData{
		SessionID: result.Session.SessionID,
		CSRFToken: csrfToken,
		tokenExpiryData: tokenExpiryData{
			AccessExpiresAt:  result.Pair.AccessExpiresAt,
			RefreshExpiresAt: result.Pair.RefreshExpiresAt,
		},
	})
}

// Verify reports the session status without side effects: no activity
// touch, no deadline slide, no revocation. It answers "am I still
// logged in and for how long" and nothing else, which is why it does
// its own token check instead of going through the auth middleware.
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	raw := security.GetCookie(r, security.AccessCookieName)
	if raw == "" {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			raw = strings.TrimSpace(auth[7:])
		}
	}
	if raw == "" {
		response.Error(w, r, http.StatusUnauthorized, response.CodeUnauthorized, "missing access token", nil)
		return
	}
	claims, err := h.tokens.VerifyAccess(r.Context(), raw)
	if err != nil {
		if errors.Is(err, repository.ErrStoreUnavailable) {
			response.Error(w, r, http.StatusServiceUnavailable, response.CodeStoreUnavailable, "token store unavailable", nil)
			return
		}
		response.Error(w, r, http.StatusUnauthorized, response.CodeUnauthorized, "invalid access token", nil)
		return
	}
	session, err := h.sessions.FindByID(claims.SessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			response.Error(w, r, http.StatusUnauthorized, response.CodeUnauthorized, "session not found", nil)
			return
		}
		response.Error(w, r, http.StatusServiceUnavailable, response.CodeStoreUnavailable, "session store unavailable", nil)
		return
	}
	status := h.tracker.Check(session)
	if !session.IsActive || status.Liveness != service.SessionAlive {
		response.Error(w, r, http.StatusUnauthorized, response.CodeSessionRevoked, "session no longer active", nil)
		return
	}
	view, err := h.auth.VerifyStatus(session, status)
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, response.CodeInternal, "status lookup failed", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, view)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	session, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, response.CodeUnauthorized, "missing auth context", nil)
		return
	}
	if err := h.auth.Logout(r.Context(), session); err != nil {
		if errors.Is(err, repository.ErrStoreUnavailable) {
			response.Error(w, r, http.StatusServiceUnavailable, response.CodeStoreUnavailable, "session store unavailable", nil)
			return
		}
		response.Error(w, r, http.StatusInternalServerError, response.CodeInternal, "logout failed", nil)
		return
	}
	h.cookies.ClearAuthCookies(w)
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "logged_out"})
}
