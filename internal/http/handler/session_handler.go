package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/adminbridge/secure-session-core/internal/domain"
	"github.com/adminbridge/secure-session-core/internal/http/middleware"
	"github.com/adminbridge/secure-session-core/internal/http/response"
	"github.com/adminbridge/secure-session-core/internal/repository"
	"github.com/adminbridge/secure-session-core/internal/service"
)

// SessionHandler is the self-service session surface: see your own
// sessions, kill one, kill all but this one.
type SessionHandler struct {
	directory  *service.SessionDirectory
	controller *service.SessionController
}

func NewSessionHandler(directory *service.SessionDirectory, controller *service.SessionController) *SessionHandler {
	return &SessionHandler{directory: directory, controller: controller}
}

func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	session, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, response.CodeUnauthorized, "missing auth context", nil)
		return
	}
	views, err := h.directory.ListForUser(session.UserID, session.SessionID)
	if err != nil {
		response.Error(w, r, http.StatusServiceUnavailable, response.CodeStoreUnavailable, "session store unavailable", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"sessions": views})
}

// Revoke terminates one of the caller's own sessions. A session id
// belonging to someone else reads as not found, deliberately.
func (h *SessionHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	current, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, response.CodeUnauthorized, "missing auth context", nil)
		return
	}
	targetID := chi.URLParam(r, "session_id")
	views, err := h.directory.ListForUser(current.UserID, current.SessionID)
	if err != nil {
		response.Error(w, r, http.StatusServiceUnavailable, response.CodeStoreUnavailable, "session store unavailable", nil)
		return
	}
	owned := false
	for _, v := range views {
		if v.SessionID == targetID {
			owned = true
			break
		}
	}
	if !owned {
		response.Error(w, r, http.StatusNotFound, response.CodeNotFound, "session not found", nil)
		return
	}
	if err := h.controller.Terminate(r.Context(), targetID, domain.RevokedReasonLogout, actorFor(r)); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			response.Error(w, r, http.StatusNotFound, response.CodeNotFound, "session not found", nil)
			return
		}
		response.Error(w, r, http.StatusServiceUnavailable, response.CodeStoreUnavailable, "session store unavailable", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "terminated", "session_id": targetID})
}

func (h *SessionHandler) RevokeOthers(w http.ResponseWriter, r *http.Request) {
	current, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, response.CodeUnauthorized, "missing auth context", nil)
		return
	}
	terminated, err := h.controller.TerminateAll(r.Context(), current.UserID, current.SessionID, domain.RevokedReasonForcedLogout, actorFor(r))
	if err != nil {
		response.Error(w, r, http.StatusServiceUnavailable, response.CodeStoreUnavailable, "session store unavailable", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"status": "terminated", "count": terminated})
}

func actorFor(r *http.Request) string {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		return "unknown"
	}
	return "user:" + claims.Subject
}

func parseUserID(raw string) (uint, bool) {
	id64, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id64 == 0 {
		return 0, false
	}
	return uint(id64), true
}
