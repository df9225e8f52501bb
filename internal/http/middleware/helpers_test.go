package middleware

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/adminbridge/secure-session-core/internal/clock"
	"github.com/adminbridge/secure-session-core/internal/domain"
	"github.com/adminbridge/secure-session-core/internal/repository"
	"github.com/adminbridge/secure-session-core/internal/security"
	"github.com/adminbridge/secure-session-core/internal/service"
)

// memSessionRepo is an in-memory stand-in with the same semantics as
// the Gorm repository, enough for exercising the middleware chain.
type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[string]*domain.Session)}
}

func (r *memSessionRepo) Create(s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.sessions[s.SessionID] = &cp
	return nil
}

func (r *memSessionRepo) FindByID(sessionID string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memSessionRepo) ListActiveByUserID(userID uint) ([]domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Session
	for _, s := range r.sessions {
		if s.UserID == userID && s.IsActive {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.Before(out[j].LastActivityAt) })
	return out, nil
}

func (r *memSessionRepo) ListByUserID(userID uint) ([]domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Session
	for _, s := range r.sessions {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *memSessionRepo) CountActiveByUserID(userID uint) (int64, error) {
	active, _ := r.ListActiveByUserID(userID)
	return int64(len(active)), nil
}

func (r *memSessionRepo) TouchActivity(sessionID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok && s.IsActive && s.LastActivityAt.Before(at) {
		s.LastActivityAt = at
	}
	return nil
}

func (r *memSessionRepo) SwapRefreshGeneration(sessionID, oldGeneration, newGeneration string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return false, repository.ErrSessionNotFound
	}
	if !s.IsActive || s.RefreshTokenID != oldGeneration {
		return false, nil
	}
	s.RefreshTokenID = newGeneration
	return true, nil
}

func (r *memSessionRepo) Deactivate(sessionID, reason string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || !s.IsActive {
		return false, nil
	}
	s.IsActive = false
	s.RevokedReason = reason
	revokedAt := at
	s.RevokedAt = &revokedAt
	return true, nil
}

func (r *memSessionRepo) DeactivateAllForUser(userID uint, reason string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.sessions {
		if s.UserID == userID && s.IsActive {
			s.IsActive = false
			s.RevokedReason = reason
			revokedAt := at
			s.RevokedAt = &revokedAt
			n++
		}
	}
	return n, nil
}

func (r *memSessionRepo) DeleteExpiredBefore(cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.sessions {
		if !s.AbsoluteExpiresAt.After(cutoff) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

// recordingAudit captures appended events without a backing chain.
type recordingAudit struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	EventType string
	ActorID   string
	Payload   any
}

func (a *recordingAudit) Append(_ context.Context, eventType, actorID string, payload any) (*domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, recordedEvent{EventType: eventType, ActorID: actorID, Payload: payload})
	return &domain.AuditEntry{EventType: eventType}, nil
}

func (a *recordingAudit) byType(eventType string) []recordedEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []recordedEvent
	for _, e := range a.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type middlewareFixture struct {
	clk      *clock.FakeClock
	sessions *memSessionRepo
	audit    *recordingAudit
	jwtMgr   *security.JWTManager
	tokens   *service.TokenService
	tracker  *service.TimeoutTracker
	guard    *service.CSRFGuard
}

const (
	fixtureAccessTTL  = 15 * time.Minute
	fixtureRefreshTTL = 24 * time.Hour
	fixtureIdle       = 30 * time.Minute
	fixtureWarn       = 5 * time.Minute
)

func newMiddlewareFixture() *middlewareFixture {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	sessions := newMemSessionRepo()
	audit := &recordingAudit{}
	blacklist := service.NewInMemoryTokenBlacklistStore(clk.Now)
	jwtMgr := security.NewJWTManager("issuer-test", "audience-test",
		[]byte("access-secret-0123456789abcdef00"),
		[]byte("refresh-secret-0123456789abcdef0"),
		clk.Now)
	return &middlewareFixture{
		clk:      clk,
		sessions: sessions,
		audit:    audit,
		jwtMgr:   jwtMgr,
		tokens:   service.NewTokenService(jwtMgr, sessions, blacklist, audit, clk, fixtureAccessTTL, fixtureRefreshTTL),
		tracker:  service.NewTimeoutTracker(sessions, blacklist, audit, clk, fixtureIdle, fixtureWarn, fixtureRefreshTTL),
		guard:    service.NewCSRFGuard([]byte("csrf-key-0123456789abcdef0123456"), ""),
	}
}

// seedAuthed creates an active session and a matching access token.
func (f *middlewareFixture) seedAuthed(t *testing.T, sessionID string, userID uint, role string) (*domain.Session, string) {
	t.Helper()
	now := f.clk.Now()
	s := &domain.Session{
		SessionID:         sessionID,
		UserID:            userID,
		RefreshTokenID:    "gen-" + sessionID,
		CSRFSecret:        "secret-" + sessionID,
		CreatedAt:         now,
		LastActivityAt:    now,
		AbsoluteExpiresAt: now.Add(8 * time.Hour),
		IsActive:          true,
	}
	if err := f.sessions.Create(s); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	access, err := f.jwtMgr.SignAccessToken(userID, role, sessionID, fixtureAccessTTL)
	if err != nil {
		t.Fatalf("sign access token: %v", err)
	}
	return s, access
}

type errorBody struct {
	Success bool `json:"success"`
	Error   *struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Details map[string]string `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return body
}
