package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/adminbridge/secure-session-core/internal/clock"
	"github.com/adminbridge/secure-session-core/internal/domain"
	"github.com/adminbridge/secure-session-core/internal/http/middleware"
	"github.com/adminbridge/secure-session-core/internal/repository"
	"github.com/adminbridge/secure-session-core/internal/security"
	"github.com/adminbridge/secure-session-core/internal/service"
)

var handlerDBSeq atomic.Int64

const (
	handlerAccessTTL  = 15 * time.Minute
	handlerRefreshTTL = 24 * time.Hour
	handlerIdle       = 30 * time.Minute
	handlerWarn       = 5 * time.Minute
	handlerAbsolute   = 8 * time.Hour
	handlerPassword   = "correct horse battery staple"
)

// handlerFixture wires the full stack over an in-memory database, the
// same shape the server assembles at startup.
type handlerFixture struct {
	clk        *clock.FakeClock
	sessions   repository.SessionRepository
	users      repository.UserRepository
	auditRepo  repository.AuditRepository
	chain      *service.AuditChain
	tokens     *service.TokenService
	controller *service.SessionController
	tracker    *service.TimeoutTracker
	guard      *service.CSRFGuard
	directory  *service.SessionDirectory
	auth       *service.AuthService
	jwtMgr     *security.JWTManager

	authHandler    *AuthHandler
	sessionHandler *SessionHandler
	adminHandler   *AdminHandler

	adminID uint
}

func newHandlerFixture(t *testing.T, maxSessions int) *handlerFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:handler_test_%d?mode=memory&cache=shared", handlerDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Discard,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.User{}, &domain.Session{}, &domain.AuditEntry{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	sessions := repository.NewSessionRepository(db)
	users := repository.NewUserRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	blacklist := service.NewInMemoryTokenBlacklistStore(clk.Now)
	attempts := service.NewInMemoryLoginAttemptStore(clk.Now)
	chain := service.NewAuditChain(auditRepo, clk, "global")
	jwtMgr := security.NewJWTManager("issuer-test", "audience-test",
		[]byte("access-secret-0123456789abcdef00"),
		[]byte("refresh-secret-0123456789abcdef0"),
		clk.Now)
	tokens := service.NewTokenService(jwtMgr, sessions, blacklist, chain, clk, handlerAccessTTL, handlerRefreshTTL)
	controller := service.NewSessionController(sessions, blacklist, chain, clk, maxSessions, "", handlerRefreshTTL)
	tracker := service.NewTimeoutTracker(sessions, blacklist, chain, clk, handlerIdle, handlerWarn, handlerRefreshTTL)
	guard := service.NewCSRFGuard([]byte("csrf-key-0123456789abcdef0123456"), "")
	directory := service.NewSessionDirectory(sessions)
	auth := service.NewAuthService(users, sessions, tokens, controller, attempts, chain, clk, 5, 15*time.Minute, handlerAbsolute)

	hash, err := security.HashPassword(handlerPassword)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	admin := &domain.User{Email: "ada@example.com", Name: "Ada", PasswordHash: hash, Role: domain.RoleAdmin}
	if err := users.Create(admin); err != nil {
		t.Fatalf("create user: %v", err)
	}

	return &handlerFixture{
		clk:        clk,
		sessions:   sessions,
		users:      users,
		auditRepo:  auditRepo,
		chain:      chain,
		tokens:     tokens,
		controller: controller,
		tracker:    tracker,
		guard:      guard,
		directory:  directory,
		auth:       auth,
		jwtMgr:     jwtMgr,

		authHandler:    NewAuthHandler(auth, tokens, sessions, tracker, guard, security.CookiePolicy{}),
		sessionHandler: NewSessionHandler(directory, controller),
		adminHandler:   NewAdminHandler(directory, controller, chain, clk),

		adminID: admin.ID,
	}
}

func (f *handlerFixture) login(t *testing.T) *service.LoginResult {
	t.Helper()
	result, err := f.auth.Login(context.Background(), service.LoginInput{
		Email: "ada@example.com", Password: handlerPassword, IP: "203.0.113.9", UserAgent: "test-agent",
	})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return result
}

// withAuthContext mimics the session auth middleware's contribution.
func withAuthContext(r *http.Request, session *domain.Session, userID uint, role string) *http.Request {
	ctx := context.WithValue(r.Context(), middleware.SessionContextKey, session)
	ctx = context.WithValue(ctx, middleware.ClaimsContextKey, &security.Claims{
		Role:             role,
		SessionID:        session.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{Subject: fmt.Sprintf("%d", userID)},
	})
	return r.WithContext(ctx)
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

type apiBody struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) apiBody {
	t.Helper()
	var body apiBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return body
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	body := decodeBody(t, rec)
	if !body.Success {
		t.Fatalf("error response: %s", rec.Body.String())
	}
	if err := json.Unmarshal(body.Data, out); err != nil {
		t.Fatalf("decode data %q: %v", body.Data, err)
	}
}

func cookieValue(rec *httptest.ResponseRecorder, name string) (string, bool) {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c.Value, true
		}
	}
	return "", false
}

func cookieCleared(rec *httptest.ResponseRecorder, name string) bool {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name && c.MaxAge < 0 {
			return true
		}
	}
	return false
}
