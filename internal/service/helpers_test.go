package service

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adminbridge/secure-session-core/internal/clock"
	"github.com/adminbridge/secure-session-core/internal/domain"
	"github.com/adminbridge/secure-session-core/internal/repository"
	"github.com/adminbridge/secure-session-core/internal/security"
)

// In-memory repository fakes with the same ordering and conflict
// semantics as the Gorm implementations.

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string]*domain.Session)}
}

func (r *fakeSessionRepo) Create(s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.sessions[s.SessionID] = &cp
	return nil
}

func (r *fakeSessionRepo) FindByID(sessionID string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *fakeSessionRepo) ListActiveByUserID(userID uint) ([]domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Session
	for _, s := range r.sessions {
		if s.UserID == userID && s.IsActive {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.Before(out[j].LastActivityAt)
	})
	return out, nil
}

func (r *fakeSessionRepo) ListByUserID(userID uint) ([]domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Session
	for _, s := range r.sessions {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsActive != out[j].IsActive {
			return out[i].IsActive
		}
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out, nil
}

func (r *fakeSessionRepo) CountActiveByUserID(userID uint) (int64, error) {
	active, _ := r.ListActiveByUserID(userID)
	return int64(len(active)), nil
}

func (r *fakeSessionRepo) TouchActivity(sessionID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok && s.IsActive && s.LastActivityAt.Before(at) {
		s.LastActivityAt = at
	}
	return nil
}

func (r *fakeSessionRepo) SwapRefreshGeneration(sessionID, oldGeneration, newGeneration string) (bool, error) {
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

func (r *fakeSessionRepo) Deactivate(sessionID, reason string, at time.Time) (bool, error) {
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

func (r *fakeSessionRepo) DeactivateAllForUser(userID uint, reason string, at time.Time) (int64, error) {
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

func (r *fakeSessionRepo) DeleteExpiredBefore(cutoff time.Time) (int64, error) {
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

type fakeAuditRepo struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func newFakeAuditRepo() *fakeAuditRepo { return &fakeAuditRepo{} }

func (r *fakeAuditRepo) Append(e *domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.entries {
		if existing.ChainID == e.ChainID && existing.SequenceNo == e.SequenceNo {
			return repository.ErrSequenceConflict
		}
	}
	e.ID = uint(len(r.entries) + 1)
	r.entries = append(r.entries, *e)
	return nil
}

func (r *fakeAuditRepo) Last(chainID string) (*domain.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var last *domain.AuditEntry
	for i := range r.entries {
		e := &r.entries[i]
		if e.ChainID != chainID {
			continue
		}
		if last == nil || e.SequenceNo > last.SequenceNo {
			last = e
		}
	}
	if last == nil {
		return nil, repository.ErrAuditEntryNotFound
	}
	cp := *last
	return &cp, nil
}

func (r *fakeAuditRepo) GetBySequence(chainID string, seq uint64) (*domain.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].ChainID == chainID && r.entries[i].SequenceNo == seq {
			cp := r.entries[i]
			return &cp, nil
		}
	}
	return nil, repository.ErrAuditEntryNotFound
}

func (r *fakeAuditRepo) RangeByTime(chainID string, from, to time.Time) ([]domain.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range r.entries {
		if e.ChainID == chainID && e.Timestamp >= from.UnixNano() && e.Timestamp <= to.UnixNano() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNo < out[j].SequenceNo })
	return out, nil
}

func (r *fakeAuditRepo) RangeBySequence(chainID string, from, to uint64) ([]domain.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range r.entries {
		if e.ChainID == chainID && e.SequenceNo >= from && e.SequenceNo <= to {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNo < out[j].SequenceNo })
	return out, nil
}

// mutate edits a stored entry in place, simulating out-of-band
// database tampering.
func (r *fakeAuditRepo) mutate(seq uint64, fn func(*domain.AuditEntry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].SequenceNo == seq {
			fn(&r.entries[i])
			return
		}
	}
}

type fakeUserRepo struct {
	mu    sync.Mutex
	users map[uint]*domain.User
}

func newFakeUserRepo(users ...*domain.User) *fakeUserRepo {
	r := &fakeUserRepo{users: make(map[uint]*domain.User)}
	for _, u := range users {
		r.users[u.ID] = u
	}
	return r
}

func (r *fakeUserRepo) Create(u *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u.ID = uint(len(r.users) + 1)
	r.users[u.ID] = u
	return nil
}

func (r *fakeUserRepo) FindByEmail(email string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == strings.ToLower(strings.TrimSpace(email)) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (r *fakeUserRepo) FindByID(id uint) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// testFixture bundles the full service stack over fakes and a fake
// clock, the way the server wires it over real stores.
type testFixture struct {
	clk        *clock.FakeClock
	sessions   *fakeSessionRepo
	auditRepo  *fakeAuditRepo
	users      *fakeUserRepo
	blacklist  *InMemoryTokenBlacklistStore
	attempts   *InMemoryLoginAttemptStore
	chain      *AuditChain
	tokens     *TokenService
	controller *SessionController
	tracker    *TimeoutTracker
	auth       *AuthService
	jwtMgr     *security.JWTManager
}

const (
	testAccessTTL  = 15 * time.Minute
	testRefreshTTL = 24 * time.Hour
	testIdle       = 30 * time.Minute
	testAbsolute   = 8 * time.Hour
	testWarn       = 5 * time.Minute
)

func newTestFixture(maxSessions int, policy string) *testFixture {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	sessions := newFakeSessionRepo()
	auditRepo := newFakeAuditRepo()
	blacklist := NewInMemoryTokenBlacklistStore(clk.Now)
	attempts := NewInMemoryLoginAttemptStore(clk.Now)
	chain := NewAuditChain(auditRepo, clk, "test")
	jwtMgr := security.NewJWTManager("issuer-test", "audience-test",
		[]byte("access-secret-0123456789abcdef00"),
		[]byte("refresh-secret-0123456789abcdef0"),
		clk.Now)
	tokens := NewTokenService(jwtMgr, sessions, blacklist, chain, clk, testAccessTTL, testRefreshTTL)
	controller := NewSessionController(sessions, blacklist, chain, clk, maxSessions, policy, testRefreshTTL)
	tracker := NewTimeoutTracker(sessions, blacklist, chain, clk, testIdle, testWarn, testRefreshTTL)

	hash, err := security.HashPassword("correct horse battery staple")
	if err != nil {
		panic(err)
	}
	users := newFakeUserRepo(&domain.User{
		ID: 1, Email: "ada@example.com", Name: "Ada", PasswordHash: hash, Role: domain.RoleAdmin,
	})
	auth := NewAuthService(users, sessions, tokens, controller, attempts, chain, clk, 5, 15*time.Minute, testAbsolute)

	return &testFixture{
		clk:        clk,
		sessions:   sessions,
		auditRepo:  auditRepo,
		users:      users,
		blacklist:  blacklist,
		attempts:   attempts,
		chain:      chain,
		tokens:     tokens,
		controller: controller,
		tracker:    tracker,
		auth:       auth,
		jwtMgr:     jwtMgr,
	}
}

func (f *testFixture) seedSession(sessionID string, userID uint, generation string, lastActivity time.Time) *domain.Session {
	s := &domain.Session{
		SessionID:         sessionID,
		UserID:            userID,
		DeviceID:          "device-" + sessionID,
		RefreshTokenID:    generation,
		CSRFSecret:        "secret-" + sessionID,
		CreatedAt:         lastActivity,
		LastActivityAt:    lastActivity,
		AbsoluteExpiresAt: lastActivity.Add(testAbsolute),
		IsActive:          true,
	}
	if err := f.sessions.Create(s); err != nil {
		panic(err)
	}
	return s
}

func (f *testFixture) auditEvents(eventType string) []domain.AuditEntry {
	entries, _ := f.auditRepo.RangeBySequence("test", 0, ^uint64(0))
	var out []domain.AuditEntry
	for _, e := range entries {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}
