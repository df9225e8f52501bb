package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/adminbridge/secure-session-core/internal/clock"
	"github.com/adminbridge/secure-session-core/internal/domain"
	"github.com/adminbridge/secure-session-core/internal/observability"
	"github.com/adminbridge/secure-session-core/internal/repository"
	"github.com/adminbridge/secure-session-core/internal/security"

	"github.com/google/uuid"
)

// TokenService mints, verifies and rotates the signed token pair. All
// expiry math goes through the injected clock; revocation state lives
// in the blacklist store and on the session row's refresh generation.
type TokenService struct {
	jwtMgr     *security.JWTManager
	sessions   repository.SessionRepository
	blacklist  TokenBlacklistStore
	audit      AuditAppender
	clk        clock.Clock
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewTokenService(
	jwtMgr *security.JWTManager,
	sessions repository.SessionRepository,
	blacklist TokenBlacklistStore,
	audit AuditAppender,
	clk clock.Clock,
	accessTTL, refreshTTL time.Duration,
) *TokenService {
	return &TokenService{
		jwtMgr:     jwtMgr,
		sessions:   sessions,
		blacklist:  blacklist,
		audit:      audit,
		clk:        clk,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	GenerationID     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Issue mints an access/refresh pair bound to sessionID. The refresh
// token's jti is the generation id the caller must record on the
// session row before the pair is handed out.
func (s *TokenService) Issue(userID uint, role, sessionID string) (*TokenPair, error) {
	generation := uuid.NewString()
	refresh, err := s.jwtMgr.SignRefreshToken(userID, sessionID, generation, s.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}
	access, err := s.jwtMgr.SignAccessToken(userID, role, sessionID, s.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	now := s.clk.Now()
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		GenerationID:     generation,
		AccessExpiresAt:  now.Add(s.accessTTL),
		RefreshExpiresAt: now.Add(s.refreshTTL),
	}, nil
}

// VerifyAccess checks signature, expiry and blacklist membership.
// Returns security.ErrTokenExpired, security.ErrBadSignature,
// security.ErrTokenMalformed or ErrTokenRevoked.
func (s *TokenService) VerifyAccess(ctx context.Context, raw string) (*security.Claims, error) {
	claims, err := s.jwtMgr.ParseAccessToken(raw)
	if err != nil {
		return nil, err
	}
	revoked, err := s.blacklist.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

type RotationResult struct {
	Pair    *TokenPair
	Session *domain.Session
	UserID  uint
	Role    string
}

// Rotate exchanges a refresh token for a new pair. The commit point is
// a conditional swap of the session's refresh generation, so of two
// concurrent rotations with the same token exactly one succeeds and
// the other lands on the reuse path. Presenting a superseded
// generation revokes the entire session, not just the token: reuse
// means either the old or the current token is in an attacker's hands.
func (s *TokenService) Rotate(ctx context.Context, rawRefresh string, fetchUser func(id uint) (*domain.User, error)) (*RotationResult, error) {
	claims, err := s.jwtMgr.ParseRefreshToken(rawRefresh)
	if err != nil {
		observability.RecordTokenRotation(ctx, "invalid")
		return nil, fmt.Errorf("%w: %v", ErrInvalidRefreshToken, err)
	}
	userID, err := parseSubject(claims.Subject)
	if err != nil {
		observability.RecordTokenRotation(ctx, "invalid")
		return nil, fmt.Errorf("%w: bad subject", ErrInvalidRefreshToken)
	}

	revoked, err := s.blacklist.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, err
	}

	session, err := s.sessions.FindByID(claims.SessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			observability.RecordTokenRotation(ctx, "invalid")
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}
	if session.UserID != userID {
		observability.RecordTokenRotation(ctx, "invalid")
		return nil, ErrInvalidRefreshToken
	}

	if revoked || session.RefreshTokenID != claims.ID {
		return nil, s.handleReuse(ctx, session, claims)
	}
	if !session.IsActive {
		observability.RecordTokenRotation(ctx, "revoked")
		return nil, ErrSessionRevoked
	}

	newGeneration := uuid.NewString()
	swapped, err := s.sessions.SwapRefreshGeneration(session.SessionID, claims.ID, newGeneration)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			observability.RecordTokenRotation(ctx, "invalid")
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}
	if !swapped {
		// Lost the swap race: someone rotated this generation first.
		return nil, s.handleReuse(ctx, session, claims)
	}

	if err := s.Revoke(ctx, claims.ID, "refresh", "rotated", s.remainingTTL(claims)); err != nil {
		return nil, err
	}

	user, err := fetchUser(userID)
	if err != nil {
		return nil, err
	}

	refresh, err := s.jwtMgr.SignRefreshToken(userID, session.SessionID, newGeneration, s.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}
	access, err := s.jwtMgr.SignAccessToken(userID, user.Role, session.SessionID, s.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	now := s.clk.Now()
	session.RefreshTokenID = newGeneration
	if _, err := s.audit.Append(ctx, domain.AuditEventTokenRotated, sessionActor(session.SessionID), RotationPayload{
		SessionID:     session.SessionID,
		UserID:        userID,
		OldGeneration: claims.ID,
		NewGeneration: newGeneration,
	}); err != nil {
		return nil, err
	}
	observability.RecordTokenRotation(ctx, "rotated")
	return &RotationResult{
		Pair: &TokenPair{
			AccessToken:      access,
			RefreshToken:     refresh,
			GenerationID:     newGeneration,
			AccessExpiresAt:  now.Add(s.accessTTL),
			RefreshExpiresAt: now.Add(s.refreshTTL),
		},
		Session: session,
		UserID:  userID,
		Role:    user.Role,
	}, nil
}

// Revoke inserts a blacklist record. Idempotent: re-revoking an
// already listed id is a no-op.
func (s *TokenService) Revoke(ctx context.Context, tokenID, tokenType, reason string, ttl time.Duration) error {
	return s.blacklist.Revoke(ctx, tokenID, tokenType, reason, ttl)
}

// handleReuse revokes the whole session family: the session row, the
// presented token and the currently recorded generation. The audit
// alert is written before returning to the caller.
func (s *TokenService) handleReuse(ctx context.Context, session *domain.Session, claims *security.Claims) error {
	now := s.clk.Now()
	if _, err := s.sessions.Deactivate(session.SessionID, domain.RevokedReasonReuseDetected, now); err != nil {
		return err
	}
	if err := s.Revoke(ctx, claims.ID, "refresh", domain.RevokedReasonReuseDetected, s.remainingTTL(claims)); err != nil {
		return err
	}
	if session.RefreshTokenID != "" && session.RefreshTokenID != claims.ID {
		if err := s.Revoke(ctx, session.RefreshTokenID, "refresh", domain.RevokedReasonReuseDetected, s.refreshTTL); err != nil {
			return err
		}
	}
	if _, err := s.audit.Append(ctx, domain.AuditEventReuseDetected, sessionActor(session.SessionID), ReusePayload{
		SessionID:           session.SessionID,
		UserID:              session.UserID,
		PresentedGeneration: claims.ID,
		CurrentGeneration:   session.RefreshTokenID,
	}); err != nil {
		return err
	}
	observability.RecordTokenRotation(ctx, "reuse_detected")
	return ErrReuseDetected
}

func (s *TokenService) remainingTTL(claims *security.Claims) time.Duration {
	if claims.ExpiresAt == nil {
		return s.refreshTTL
	}
	remaining := claims.ExpiresAt.Time.Sub(s.clk.Now())
	if remaining <= 0 {
		remaining = time.Minute
	}
	return remaining
}

func (s *TokenService) AccessTTL() time.Duration  { return s.accessTTL }
func (s *TokenService) RefreshTTL() time.Duration { return s.refreshTTL }

func parseSubject(subject string) (uint, error) {
	id64, err := strconv.ParseUint(subject, 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(id64), nil
}

func sessionActor(sessionID string) string { return "session:" + sessionID }

func userActor(userID uint) string { return fmt.Sprintf("user:%d", userID) }
