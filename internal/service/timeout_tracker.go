package service

import (
	"context"
	"time"

	"github.com/adminbridge/secure-session-core/internal/clock"
	"github.com/adminbridge/secure-session-core/internal/domain"
	"github.com/adminbridge/secure-session-core/internal/observability"
	"github.com/adminbridge/secure-session-core/internal/repository"
)

// SessionLiveness is the verdict of a timeout check.
type SessionLiveness string

const (
	SessionAlive           SessionLiveness = "alive"
	SessionIdleExpired     SessionLiveness = "idle_expired"
	SessionAbsoluteExpired SessionLiveness = "absolute_expired"
)

// TimeoutStatus reports both the liveness verdict and how close the
// session is to each deadline, so callers can surface an expiry
// warning before the cutoff hits.
type TimeoutStatus struct {
	Liveness          SessionLiveness
	IdleExpiresAt     time.Time
	AbsoluteExpiresAt time.Time
	WarnExpiry        bool
}

// TimeoutTracker applies the idle and absolute deadlines. The absolute
// deadline is fixed at session creation and never extended; the idle
// deadline slides with last activity. Absolute wins when both have
// passed.
type TimeoutTracker struct {
	sessions    repository.SessionRepository
	blacklist   TokenBlacklistStore
	audit       AuditAppender
	clk         clock.Clock
	idleTimeout time.Duration
	warnWindow  time.Duration
	refreshTTL  time.Duration
}

func NewTimeoutTracker(
	sessions repository.SessionRepository,
	blacklist TokenBlacklistStore,
	audit AuditAppender,
	clk clock.Clock,
	idleTimeout, warnWindow, refreshTTL time.Duration,
) *TimeoutTracker {
	return &TimeoutTracker{
		sessions:    sessions,
		blacklist:   blacklist,
		audit:       audit,
		clk:         clk,
		idleTimeout: idleTimeout,
		warnWindow:  warnWindow,
		refreshTTL:  refreshTTL,
	}
}

// Check is a pure deadline computation against the injected clock. It
// does not touch the store.
func (t *TimeoutTracker) Check(session *domain.Session) TimeoutStatus {
	now := t.clk.Now()
	status := TimeoutStatus{
		Liveness:          SessionAlive,
		IdleExpiresAt:     session.LastActivityAt.Add(t.idleTimeout),
		AbsoluteExpiresAt: session.AbsoluteExpiresAt,
	}
	switch {
	case !now.Before(session.AbsoluteExpiresAt):
		status.Liveness = SessionAbsoluteExpired
	case !now.Before(status.IdleExpiresAt):
		status.Liveness = SessionIdleExpired
	default:
		nearest := status.IdleExpiresAt
		if status.AbsoluteExpiresAt.Before(nearest) {
			nearest = status.AbsoluteExpiresAt
		}
		status.WarnExpiry = nearest.Sub(now) <= t.warnWindow
	}
	return status
}

// EnforceTimeout checks the deadlines and, on expiry, deactivates the
// session, blacklists its refresh generation and writes the audit
// record. Returns the status either way; the store is only touched on
// an expired verdict.
func (t *TimeoutTracker) EnforceTimeout(ctx context.Context, session *domain.Session) (TimeoutStatus, error) {
	status := t.Check(session)
	if status.Liveness == SessionAlive {
		return status, nil
	}

	reason := domain.RevokedReasonIdleTimeout
	kind := "idle"
	if status.Liveness == SessionAbsoluteExpired {
		reason = domain.RevokedReasonAbsTimeout
		kind = "absolute"
	}

	deactivated, err := t.sessions.Deactivate(session.SessionID, reason, t.clk.Now())
	if err != nil {
		return status, err
	}
	if !deactivated {
		// Someone else already expired or revoked it.
		return status, nil
	}
	if session.RefreshTokenID != "" {
		if err := t.blacklist.Revoke(ctx, session.RefreshTokenID, "refresh", reason, t.refreshTTL); err != nil {
			return status, err
		}
	}
	observability.RecordSessionTimeout(ctx, kind)
	if _, err := t.audit.Append(ctx, domain.AuditEventSessionExpired, sessionActor(session.SessionID), TimeoutPayload{
		SessionID: session.SessionID,
		UserID:    session.UserID,
		Kind:      kind,
	}); err != nil {
		return status, err
	}
	return status, nil
}

// Touch records activity, sliding the idle deadline. The repository
// write is monotonic so out-of-order touches cannot rewind it.
func (t *TimeoutTracker) Touch(sessionID string) error {
	return t.sessions.TouchActivity(sessionID, t.clk.Now())
}

// Sweep hard-deletes rows whose absolute deadline passed more than
// retention ago. Expired sessions stay listable until then.
func (t *TimeoutTracker) Sweep(retention time.Duration) (int64, error) {
	return t.sessions.DeleteExpiredBefore(t.clk.Now().Add(-retention))
}
