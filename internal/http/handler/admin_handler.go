package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/adminbridge/secure-session-core/internal/clock"
	"github.com/adminbridge/secure-session-core/internal/domain"
	"github.com/adminbridge/secure-session-core/internal/http/response"
	"github.com/adminbridge/secure-session-core/internal/repository"
	"github.com/adminbridge/secure-session-core/internal/service"
)

// AdminHandler exposes cross-user session control and audit chain
// verification. Every route behind it requires the admin role.
type AdminHandler struct {
	directory  *service.SessionDirectory
	controller *service.SessionController
	chain      *service.AuditChain
	clk        clock.Clock
}

func NewAdminHandler(directory *service.SessionDirectory, controller *service.SessionController, chain *service.AuditChain, clk clock.Clock) *AdminHandler {
	return &AdminHandler{directory: directory, controller: controller, chain: chain, clk: clk}
}

// ListSessions lists sessions for one user, device and network hints
// included. ?active_only=true hides revoked and expired rows.
func (h *AdminHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(r.URL.Query().Get("user_id"))
	if !ok {
		response.Error(w, r, http.StatusBadRequest, response.CodeValidation, "user_id query parameter is required", nil)
		return
	}
	var (
		views []service.SessionView
		err   error
	)
	if r.URL.Query().Get("active_only") == "true" {
		views, err = h.directory.ListActiveForUser(userID)
	} else {
		views, err = h.directory.ListForUser(userID, "")
	}
	if err != nil {
		response.Error(w, r, http.StatusServiceUnavailable, response.CodeStoreUnavailable, "session store unavailable", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"user_id": userID, "sessions": views})
}

func (h *AdminHandler) TerminateSession(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "session_id")
	if targetID == "" {
		response.Error(w, r, http.StatusBadRequest, response.CodeValidation, "session_id is required", nil)
		return
	}
	err := h.controller.Terminate(r.Context(), targetID, domain.RevokedReasonAdmin, actorFor(r))
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			response.Error(w, r, http.StatusNotFound, response.CodeNotFound, "session not found", nil)
			return
		}
		response.Error(w, r, http.StatusServiceUnavailable, response.CodeStoreUnavailable, "session store unavailable", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "terminated", "session_id": targetID})
}

type terminateAllRequest struct {
	UserID uint `json:"user_id"`
}

// TerminateAllSessions force-logs-out every session a user has.
func (h *AdminHandler) TerminateAllSessions(w http.ResponseWriter, r *http.Request) {
	var req terminateAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 {
		response.Error(w, r, http.StatusBadRequest, response.CodeValidation, "user_id is required", nil)
		return
	}
	terminated, err := h.controller.TerminateAll(r.Context(), req.UserID, "", domain.RevokedReasonForcedLogout, actorFor(r))
	if err != nil {
		response.Error(w, r, http.StatusServiceUnavailable, response.CodeStoreUnavailable, "session store unavailable", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"status": "terminated", "user_id": req.UserID, "count": terminated})
}

type verifyChainRequest struct {
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	FromSeq uint64    `json:"from_seq"`
	ToSeq   uint64    `json:"to_seq"`
}

// VerifyAuditChain runs integrity verification over a time range, or
// over an explicit sequence window when to_seq is set, and returns the
// full break list. The run itself is recorded on the chain, tampering
// or not.
func (h *AdminHandler) VerifyAuditChain(w http.ResponseWriter, r *http.Request) {
	var req verifyChainRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, r, http.StatusBadRequest, response.CodeValidation, "invalid time range", nil)
			return
		}
	}

	var (
		report *service.VerificationReport
		err    error
	)
	if req.ToSeq > 0 {
		report, err = h.chain.VerifyChainSequence(r.Context(), req.FromSeq, req.ToSeq)
	} else {
		if req.To.IsZero() {
			req.To = h.clk.Now().UTC()
		}
		report, err = h.chain.VerifyChain(r.Context(), req.From, req.To)
	}
	if err != nil {
		response.Error(w, r, http.StatusServiceUnavailable, response.CodeStoreUnavailable, "audit store unavailable", nil)
		return
	}
	if _, err := h.chain.Append(r.Context(), domain.AuditEventVerifyRun, actorFor(r), map[string]any{
		"status":  report.Status,
		"valid":   report.Valid,
		"invalid": report.Invalid,
	}); err != nil {
		response.Error(w, r, http.StatusServiceUnavailable, response.CodeStoreUnavailable, "audit store unavailable", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, report)
}
