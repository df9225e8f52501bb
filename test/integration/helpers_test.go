package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/adminbridge/secure-session-core/internal/clock"
	"github.com/adminbridge/secure-session-core/internal/domain"
	"github.com/adminbridge/secure-session-core/internal/http/handler"
	"github.com/adminbridge/secure-session-core/internal/http/router"
	"github.com/adminbridge/secure-session-core/internal/repository"
	"github.com/adminbridge/secure-session-core/internal/security"
	"github.com/adminbridge/secure-session-core/internal/service"
)

const (
	testEmail    = "ada@example.com"
	testPassword = "correct horse battery staple"
)

var integrationDBSeq atomic.Int64

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

type sessionTestServer struct {
	baseURL string
	clk     *clock.FakeClock
	closeFn func()
}

// newSessionTestServer boots the full HTTP stack over an in-memory
// database and returns a running server plus the fake clock driving
// every deadline in it.
func newSessionTestServer(t *testing.T) *sessionTestServer {
	t.Helper()
	dsn := fmt.Sprintf("file:integration_test_%d?mode=memory&cache=shared", integrationDBSeq.Add(1))
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
	tokens := service.NewTokenService(jwtMgr, sessions, blacklist, chain, clk, 15*time.Minute, 24*time.Hour)
	controller := service.NewSessionController(sessions, blacklist, chain, clk, 3, "", 24*time.Hour)
	tracker := service.NewTimeoutTracker(sessions, blacklist, chain, clk, 30*time.Minute, 5*time.Minute, 24*time.Hour)
	guard := service.NewCSRFGuard([]byte("csrf-key-0123456789abcdef0123456"), "")
	directory := service.NewSessionDirectory(sessions)
	auth := service.NewAuthService(users, sessions, tokens, controller, attempts, chain, clk, 5, 15*time.Minute, 8*time.Hour)

	hash, err := security.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if err := users.Create(&domain.User{Email: testEmail, Name: "Ada", PasswordHash: hash, Role: domain.RoleAdmin}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	h := router.NewRouter(router.Dependencies{
		AuthHandler:      handler.NewAuthHandler(auth, tokens, sessions, tracker, guard, security.CookiePolicy{}),
		SessionHandler:   handler.NewSessionHandler(directory, controller),
		AdminHandler:     handler.NewAdminHandler(directory, controller, chain, clk),
		TokenService:     tokens,
		SessionRepo:      sessions,
		TimeoutTracker:   tracker,
		CSRFGuard:        guard,
		AuditChain:       chain,
		APIRateLimitRPM:  1000,
		AuthRateLimitRPM: 100,
	})
	srv := httptest.NewServer(h)

	return &sessionTestServer{
		baseURL: srv.URL,
		clk:     clk,
		closeFn: func() {
			srv.Close()
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		},
	}
}

// newClient returns a cookie-jarred client, one per simulated device.
func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &http.Client{Jar: jar}
}

func doJSON(t *testing.T, client *http.Client, method, rawURL string, body any, headers map[string]string) (*http.Response, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, rawURL, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, rawURL, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("%s %s: decode envelope: %v", method, rawURL, err)
	}
	return resp, env
}

// cookieValue reads a cookie from the client's jar as it would be sent
// to rawURL, honouring cookie paths.
func cookieValue(t *testing.T, client *http.Client, rawURL, name string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	for _, c := range client.Jar.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

func login(t *testing.T, client *http.Client, baseURL string) (sessionID, csrfToken string) {
	t.Helper()
	resp, env := doJSON(t, client, http.MethodPost, baseURL+"/api/v1/auth/login", map[string]string{
		"email":    testEmail,
		"password": testPassword,
	}, nil)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("login failed: status=%d body=%s", resp.StatusCode, env.Data)
	}
	var data struct {
		SessionID string `json:"session_id"`
		CSRFToken string `json:"csrf_token"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode login data: %v", err)
	}
	return data.SessionID, data.CSRFToken
}
