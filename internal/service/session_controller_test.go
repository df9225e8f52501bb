package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/adminbridge/secure-session-core/internal/config"
	"github.com/adminbridge/secure-session-core/internal/domain"
)

func TestAdmitUnderLimit(t *testing.T) {
	f := newTestFixture(3, "")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s := &domain.Session{
			SessionID:         fmt.Sprintf("s%d", i),
			UserID:            1,
			RefreshTokenID:    fmt.Sprintf("gen%d", i),
			LastActivityAt:    f.clk.Now().Add(time.Duration(i) * time.Minute),
			AbsoluteExpiresAt: f.clk.Now().Add(testAbsolute),
			IsActive:          true,
		}
		result, err := f.controller.Admit(ctx, s)
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		if !result.Accepted || len(result.EvictedSessionIDs) != 0 {
			t.Fatalf("admit %d: unexpected result %+v", i, result)
		}
	}
	count, _ := f.sessions.CountActiveByUserID(1)
	if count != 3 {
		t.Fatalf("active count %d, want 3", count)
	}
}

func TestAdmitEvictsLeastRecentlyActive(t *testing.T) {
	f := newTestFixture(2, "")
	ctx := context.Background()

	base := f.clk.Now()
	f.seedSession("old", 1, "gen-old", base.Add(-2*time.Hour))
	f.seedSession("recent", 1, "gen-recent", base.Add(-10*time.Minute))

	newcomer := &domain.Session{
		SessionID:         "new",
		UserID:            1,
		RefreshTokenID:    "gen-new",
		LastActivityAt:    base,
		AbsoluteExpiresAt: base.Add(testAbsolute),
		IsActive:          true,
	}
	result, err := f.controller.Admit(ctx, newcomer)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !result.Accepted {
		t.Fatal("newest session was not accepted")
	}
	if len(result.EvictedSessionIDs) != 1 || result.EvictedSessionIDs[0] != "old" {
		t.Fatalf("evicted %v, want [old]", result.EvictedSessionIDs)
	}

	evicted, _ := f.sessions.FindByID("old")
	if evicted.IsActive || evicted.RevokedReason != domain.RevokedReasonEvicted {
		t.Fatalf("old session state: active=%v reason=%q", evicted.IsActive, evicted.RevokedReason)
	}
	revoked, err := f.blacklist.IsRevoked(ctx, "gen-old")
	if err != nil || !revoked {
		t.Fatalf("evicted generation not blacklisted: %v %v", revoked, err)
	}
	kept, _ := f.sessions.FindByID("recent")
	if !kept.IsActive {
		t.Fatal("recent session should have survived")
	}
	if events := f.auditEvents(domain.AuditEventSessionEvicted); len(events) != 1 {
		t.Fatalf("expected 1 eviction audit event, got %d", len(events))
	}
}

func TestAdmitRejectNewPolicy(t *testing.T) {
	f := newTestFixture(1, config.SessionLimitRejectNew)
	ctx := context.Background()

	f.seedSession("existing", 1, "gen-1", f.clk.Now())

	newcomer := &domain.Session{
		SessionID:         "new",
		UserID:            1,
		RefreshTokenID:    "gen-2",
		LastActivityAt:    f.clk.Now(),
		AbsoluteExpiresAt: f.clk.Now().Add(testAbsolute),
		IsActive:          true,
	}
	result, err := f.controller.Admit(ctx, newcomer)
	if !errors.Is(err, ErrSessionLimitExceeded) {
		t.Fatalf("expected ErrSessionLimitExceeded, got %v", err)
	}
	if result.Accepted {
		t.Fatal("rejected admission reported accepted")
	}
	if _, err := f.sessions.FindByID("new"); err == nil {
		t.Fatal("rejected session was persisted")
	}
	existing, _ := f.sessions.FindByID("existing")
	if !existing.IsActive {
		t.Fatal("existing session disturbed by rejected admission")
	}
}

func TestConcurrentAdmissionNeverExceedsLimit(t *testing.T) {
	const limit = 3
	const logins = 20
	f := newTestFixture(limit, "")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < logins; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := &domain.Session{
				SessionID:         fmt.Sprintf("s%02d", i),
				UserID:            1,
				RefreshTokenID:    fmt.Sprintf("gen%02d", i),
				LastActivityAt:    f.clk.Now().Add(time.Duration(i) * time.Second),
				AbsoluteExpiresAt: f.clk.Now().Add(testAbsolute),
				IsActive:          true,
			}
			if _, err := f.controller.Admit(ctx, s); err != nil {
				t.Errorf("admit %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	count, _ := f.sessions.CountActiveByUserID(1)
	if count != limit {
		t.Fatalf("active count %d, want %d", count, limit)
	}
}

func TestTerminateBlacklistsGeneration(t *testing.T) {
	f := newTestFixture(5, "")
	ctx := context.Background()

	f.seedSession("s1", 1, "gen-1", f.clk.Now())
	if err := f.controller.Terminate(ctx, "s1", domain.RevokedReasonAdmin, "user:99"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	s, _ := f.sessions.FindByID("s1")
	if s.IsActive || s.RevokedReason != domain.RevokedReasonAdmin {
		t.Fatalf("session state: active=%v reason=%q", s.IsActive, s.RevokedReason)
	}
	revoked, _ := f.blacklist.IsRevoked(ctx, "gen-1")
	if !revoked {
		t.Fatal("generation not blacklisted")
	}
	if events := f.auditEvents(domain.AuditEventAdminTermination); len(events) != 1 {
		t.Fatalf("expected admin termination audit event, got %d", len(events))
	}
}

func TestTerminateUnknownSession(t *testing.T) {
	f := newTestFixture(5, "")
	if err := f.controller.Terminate(context.Background(), "nope", domain.RevokedReasonAdmin, "user:99"); err == nil {
		t.Fatal("expected an error for unknown session")
	}
}

func TestTerminateAllKeepsCurrent(t *testing.T) {
	f := newTestFixture(5, "")
	ctx := context.Background()

	f.seedSession("a", 1, "gen-a", f.clk.Now())
	f.seedSession("b", 1, "gen-b", f.clk.Now())
	f.seedSession("c", 1, "gen-c", f.clk.Now())

	n, err := f.controller.TerminateAll(ctx, 1, "b", domain.RevokedReasonForcedLogout, "user:1")
	if err != nil {
		t.Fatalf("terminate all: %v", err)
	}
	if n != 2 {
		t.Fatalf("terminated %d, want 2", n)
	}
	kept, _ := f.sessions.FindByID("b")
	if !kept.IsActive {
		t.Fatal("kept session was terminated")
	}
	for _, id := range []string{"a", "c"} {
		s, _ := f.sessions.FindByID(id)
		if s.IsActive {
			t.Fatalf("session %s still active", id)
		}
	}
}

func TestTerminateAllWithoutKeeper(t *testing.T) {
	f := newTestFixture(5, "")
	ctx := context.Background()

	f.seedSession("a", 1, "gen-a", f.clk.Now())
	f.seedSession("b", 1, "gen-b", f.clk.Now())
	f.seedSession("c", 1, "gen-c", f.clk.Now())
	f.seedSession("other", 2, "gen-other", f.clk.Now())

	n, err := f.controller.TerminateAll(ctx, 1, "", domain.RevokedReasonForcedLogout, "user:99")
	if err != nil {
		t.Fatalf("terminate all: %v", err)
	}
	if n != 3 {
		t.Fatalf("terminated %d, want 3", n)
	}
	for _, id := range []string{"a", "b", "c"} {
		s, _ := f.sessions.FindByID(id)
		if s.IsActive || s.RevokedReason != domain.RevokedReasonForcedLogout {
			t.Fatalf("session %s: active=%v reason=%q", id, s.IsActive, s.RevokedReason)
		}
	}
	for _, gen := range []string{"gen-a", "gen-b", "gen-c"} {
		revoked, _ := f.blacklist.IsRevoked(ctx, gen)
		if !revoked {
			t.Fatalf("generation %s not blacklisted", gen)
		}
	}
	other, _ := f.sessions.FindByID("other")
	if !other.IsActive {
		t.Fatal("another user's session was terminated")
	}
}
