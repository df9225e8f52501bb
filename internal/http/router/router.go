package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/adminbridge/secure-session-core/internal/domain"
	"github.com/adminbridge/secure-session-core/internal/health"
	"github.com/adminbridge/secure-session-core/internal/http/handler"
	"github.com/adminbridge/secure-session-core/internal/http/middleware"
	"github.com/adminbridge/secure-session-core/internal/http/response"
	"github.com/adminbridge/secure-session-core/internal/repository"
	"github.com/adminbridge/secure-session-core/internal/service"
)

type Dependencies struct {
	AuthHandler    *handler.AuthHandler
	SessionHandler *handler.SessionHandler
	AdminHandler   *handler.AdminHandler

	TokenService   *service.TokenService
	SessionRepo    repository.SessionRepository
	TimeoutTracker *service.TimeoutTracker
	CSRFGuard      *service.CSRFGuard
	AuditChain     service.AuditAppender

	APIRateLimitRPM  int
	AuthRateLimitRPM int
	GlobalLimiter    func(http.Handler) http.Handler
	AuthLimiter      func(http.Handler) http.Handler

	Readiness      *health.ProbeRunner
	EnableOTelHTTP bool
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.StructuredRequestLogger)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.BodyLimit(1 << 20))
	if dep.GlobalLimiter != nil {
		r.Use(dep.GlobalLimiter)
	} else {
		r.Use(middleware.NewRateLimiter(dep.APIRateLimitRPM, time.Minute).Middleware())
	}

	authLimiter := dep.AuthLimiter
	if authLimiter == nil {
		authLimiter = middleware.NewRateLimiter(dep.AuthRateLimitRPM, time.Minute).Middleware()
	}
	sessionAuth := middleware.SessionAuth(dep.TokenService, dep.SessionRepo, dep.TimeoutTracker)
	csrf := middleware.CSRFProtect(dep.CSRFGuard, dep.AuditChain)

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if dep.Readiness == nil {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": []any{}})
			return
		}
		ready, results := dep.Readiness.Ready(r.Context())
		if ready {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": results})
			return
		}
		response.Error(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", "dependencies are not ready", map[string]any{"checks": results})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(authLimiter).Post("/login", dep.AuthHandler.Login)
			// Refresh authenticates with the refresh cookie itself; no
			// access token or CSRF proof exists yet on a cold client.
			r.With(authLimiter).Post("/refresh", dep.AuthHandler.Refresh)
			r.Get("/verify", dep.AuthHandler.Verify)
			r.With(sessionAuth, csrf).Post("/logout", dep.AuthHandler.Logout)
		})

		r.Group(func(r chi.Router) {
			r.Use(sessionAuth)
			r.Get("/me/sessions", dep.SessionHandler.List)
			r.Group(func(r chi.Router) {
				r.Use(csrf)
				r.Delete("/me/sessions/{session_id}", dep.SessionHandler.Revoke)
				r.Post("/me/sessions/revoke-others", dep.SessionHandler.RevokeOthers)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(sessionAuth)
			r.Use(middleware.RequireRole(domain.RoleAdmin))
			r.Get("/sessions", dep.AdminHandler.ListSessions)
			r.Group(func(r chi.Router) {
				r.Use(csrf)
				r.Delete("/sessions/{session_id}", dep.AdminHandler.TerminateSession)
				r.Post("/sessions/terminate-all", dep.AdminHandler.TerminateAllSessions)
				r.Post("/audit/verify", dep.AdminHandler.VerifyAuditChain)
			})
		})
	})

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server")
	}
	return h
}
