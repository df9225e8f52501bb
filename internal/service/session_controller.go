package service

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/adminbridge/secure-session-core/internal/clock"
	"github.com/adminbridge/secure-session-core/internal/config"
	"github.com/adminbridge/secure-session-core/internal/domain"
	"github.com/adminbridge/secure-session-core/internal/observability"
	"github.com/adminbridge/secure-session-core/internal/repository"
)

const admissionStripes = 64

// SessionController enforces the per-user concurrent session cap.
// Admission runs under a per-user striped mutex and recounts inside
// the critical section, so two simultaneous logins for the same user
// can never both slip under the limit. The default policy evicts the
// least recently active sessions to make room; reject_new refuses the
// incoming login instead.
type SessionController struct {
	sessions   repository.SessionRepository
	blacklist  TokenBlacklistStore
	audit      AuditAppender
	clk        clock.Clock
	maxPerUser int
	policy     string
	refreshTTL time.Duration

	stripes [admissionStripes]sync.Mutex
}

func NewSessionController(
	sessions repository.SessionRepository,
	blacklist TokenBlacklistStore,
	audit AuditAppender,
	clk clock.Clock,
	maxPerUser int,
	policy string,
	refreshTTL time.Duration,
) *SessionController {
	if maxPerUser <= 0 {
		maxPerUser = 1
	}
	if policy == "" {
		policy = config.SessionLimitEvictOldest
	}
	return &SessionController{
		sessions:   sessions,
		blacklist:  blacklist,
		audit:      audit,
		clk:        clk,
		maxPerUser: maxPerUser,
		policy:     policy,
		refreshTTL: refreshTTL,
	}
}

type AdmissionResult struct {
	Accepted          bool
	EvictedSessionIDs []string
}

// Admit persists the candidate session if the user is under the cap,
// evicting least-recently-active sessions first under the default
// policy. The candidate must not have been persisted yet; the create
// happens inside the critical section so the recount stays accurate.
func (c *SessionController) Admit(ctx context.Context, candidate *domain.Session) (*AdmissionResult, error) {
	stripe := c.stripeFor(candidate.UserID)
	stripe.Lock()
	defer stripe.Unlock()

	result := &AdmissionResult{Accepted: true}
	if c.policy == config.SessionLimitRejectNew {
		// No eviction candidates needed; a count settles admission.
		active, err := c.sessions.CountActiveByUserID(candidate.UserID)
		if err != nil {
			observability.RecordSessionAdmission(ctx, c.policy, "error")
			return nil, err
		}
		if active >= int64(c.maxPerUser) {
			observability.RecordSessionAdmission(ctx, c.policy, "rejected")
			return &AdmissionResult{Accepted: false}, ErrSessionLimitExceeded
		}
	} else {
		active, err := c.sessions.ListActiveByUserID(candidate.UserID)
		if err != nil {
			observability.RecordSessionAdmission(ctx, c.policy, "error")
			return nil, err
		}
		if len(active) >= c.maxPerUser {
			// active is ordered least recently active first.
			overflow := len(active) - c.maxPerUser + 1
			for _, victim := range active[:overflow] {
				if err := c.evict(ctx, &victim); err != nil {
					observability.RecordSessionAdmission(ctx, c.policy, "error")
					return nil, err
				}
				result.EvictedSessionIDs = append(result.EvictedSessionIDs, victim.SessionID)
			}
		}
	}

	if err := c.sessions.Create(candidate); err != nil {
		observability.RecordSessionAdmission(ctx, c.policy, "error")
		return nil, err
	}

	if len(result.EvictedSessionIDs) > 0 {
		observability.RecordSessionEviction(ctx, domain.RevokedReasonEvicted, int64(len(result.EvictedSessionIDs)))
		if _, err := c.audit.Append(ctx, domain.AuditEventSessionEvicted, userActor(candidate.UserID), EvictionPayload{
			UserID:            candidate.UserID,
			AdmittedSessionID: candidate.SessionID,
			EvictedSessionIDs: result.EvictedSessionIDs,
			Policy:            c.policy,
		}); err != nil {
			return nil, err
		}
	}
	observability.RecordSessionAdmission(ctx, c.policy, "accepted")
	return result, nil
}

// evict deactivates the victim and blacklists its refresh generation
// so the evicted device cannot rotate its way back in.
func (c *SessionController) evict(ctx context.Context, victim *domain.Session) error {
	if _, err := c.sessions.Deactivate(victim.SessionID, domain.RevokedReasonEvicted, c.clk.Now()); err != nil {
		return fmt.Errorf("evict session %s: %w", victim.SessionID, err)
	}
	if victim.RefreshTokenID != "" {
		if err := c.blacklist.Revoke(ctx, victim.RefreshTokenID, "refresh", domain.RevokedReasonEvicted, c.refreshTTL); err != nil {
			return err
		}
	}
	return nil
}

// Terminate revokes one session. Safe to call on an already inactive
// session; returns repository.ErrSessionNotFound for unknown ids.
func (c *SessionController) Terminate(ctx context.Context, sessionID, reason, actorID string) error {
	session, err := c.sessions.FindByID(sessionID)
	if err != nil {
		return err
	}
	deactivated, err := c.sessions.Deactivate(sessionID, reason, c.clk.Now())
	if err != nil {
		return err
	}
	if !deactivated {
		return nil
	}
	if session.RefreshTokenID != "" {
		if err := c.blacklist.Revoke(ctx, session.RefreshTokenID, "refresh", reason, c.refreshTTL); err != nil {
			return err
		}
	}
	event := domain.AuditEventSessionRevoked
	if reason == domain.RevokedReasonAdmin {
		event = domain.AuditEventAdminTermination
	}
	if _, err := c.audit.Append(ctx, event, actorID, TerminationPayload{
		SessionID: sessionID,
		UserID:    session.UserID,
		Reason:    reason,
	}); err != nil {
		return err
	}
	return nil
}

// TerminateAll revokes every active session for a user except the one
// named in keepSessionID (empty keeps nothing). Used by "log out other
// devices" and by the admin forced logout.
func (c *SessionController) TerminateAll(ctx context.Context, userID uint, keepSessionID, reason, actorID string) (int, error) {
	stripe := c.stripeFor(userID)
	stripe.Lock()
	defer stripe.Unlock()

	active, err := c.sessions.ListActiveByUserID(userID)
	if err != nil {
		return 0, err
	}
	terminated := 0
	if keepSessionID == "" {
		// Nothing survives, so one bulk update replaces the per-session
		// writes. Generations still get blacklisted individually.
		n, err := c.sessions.DeactivateAllForUser(userID, reason, c.clk.Now())
		if err != nil {
			return 0, err
		}
		terminated = int(n)
		for i := range active {
			if active[i].RefreshTokenID == "" {
				continue
			}
			if err := c.blacklist.Revoke(ctx, active[i].RefreshTokenID, "refresh", reason, c.refreshTTL); err != nil {
				return terminated, err
			}
		}
	} else {
		for i := range active {
			s := &active[i]
			if s.SessionID == keepSessionID {
				continue
			}
			if _, err := c.sessions.Deactivate(s.SessionID, reason, c.clk.Now()); err != nil {
				return terminated, err
			}
			if s.RefreshTokenID != "" {
				if err := c.blacklist.Revoke(ctx, s.RefreshTokenID, "refresh", reason, c.refreshTTL); err != nil {
					return terminated, err
				}
			}
			terminated++
		}
	}
	if terminated > 0 {
		if _, err := c.audit.Append(ctx, domain.AuditEventForcedLogout, actorID, map[string]any{
			"user_id":    userID,
			"kept":       keepSessionID,
			"terminated": terminated,
			"reason":     reason,
		}); err != nil {
			return terminated, err
		}
	}
	return terminated, nil
}

func (c *SessionController) MaxPerUser() int { return c.maxPerUser }
func (c *SessionController) Policy() string  { return c.policy }

func (c *SessionController) stripeFor(userID uint) *sync.Mutex {
	h := fnv.New32a()
	fmt.Fprintf(h, "%d", userID)
	return &c.stripes[h.Sum32()%admissionStripes]
}
