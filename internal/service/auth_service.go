package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adminbridge/secure-session-core/internal/clock"
	"github.com/adminbridge/secure-session-core/internal/domain"
	"github.com/adminbridge/secure-session-core/internal/observability"
	"github.com/adminbridge/secure-session-core/internal/repository"
	"github.com/adminbridge/secure-session-core/internal/security"

	"github.com/google/uuid"
)

// AuthService drives the login/logout lifecycle on top of the token
// service and session controller. Lockout is fixed-window: too many
// failures for an account or source IP inside the window refuses the
// attempt before the password is even checked.
type AuthService struct {
	users      repository.UserRepository
	sessions   repository.SessionRepository
	tokens     *TokenService
	controller *SessionController
	attempts   LoginAttemptStore
	audit      AuditAppender
	clk        clock.Clock

	maxFailures     int64
	failureWindow   time.Duration
	absoluteTimeout time.Duration
}

func NewAuthService(
	users repository.UserRepository,
	sessions repository.SessionRepository,
	tokens *TokenService,
	controller *SessionController,
	attempts LoginAttemptStore,
	audit AuditAppender,
	clk clock.Clock,
	maxFailures int,
	failureWindow, absoluteTimeout time.Duration,
) *AuthService {
	return &AuthService{
		users:           users,
		sessions:        sessions,
		tokens:          tokens,
		controller:      controller,
		attempts:        attempts,
		audit:           audit,
		clk:             clk,
		maxFailures:     int64(maxFailures),
		failureWindow:   failureWindow,
		absoluteTimeout: absoluteTimeout,
	}
}

type LoginInput struct {
	Email     string
	Password  string
	IP        string
	UserAgent string
	DeviceID  string
}

type LoginResult struct {
	User    *domain.User
	Session *domain.Session
	Pair    *TokenPair
	Evicted []string
}

// The per-IP threshold is looser than the per-account one: one address
// can legitimately front several users behind a NAT.
const ipFailureMultiplier = 4

// Login verifies credentials, builds the session row and admits it
// through the concurrency controller. Credential failures are
// indistinguishable to the caller whether the account exists or not.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))

	account, byIP, err := s.attempts.FailureCounts(ctx, email, in.IP)
	if err != nil {
		return nil, err
	}
	if account >= s.maxFailures || byIP >= s.maxFailures*ipFailureMultiplier {
		observability.RecordAuthLogin(ctx, "locked")
		if _, err := s.audit.Append(ctx, domain.AuditEventLoginLocked, "anonymous", LoginPayload{
			Email: email, IP: in.IP, Outcome: "locked",
		}); err != nil {
			return nil, err
		}
		return nil, ErrAccountLocked
	}

	user, err := s.users.FindByEmail(email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, s.rejectCredentials(ctx, email, in.IP)
		}
		return nil, err
	}
	if user.Disabled || !security.VerifyPassword(in.Password, user.PasswordHash) {
		return nil, s.rejectCredentials(ctx, email, in.IP)
	}
	if err := s.attempts.RecordAttempt(ctx, email, in.IP, true, s.failureWindow); err != nil {
		return nil, err
	}

	deviceID := in.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	csrfSecret, err := security.NewRandomToken(32)
	if err != nil {
		return nil, fmt.Errorf("generate csrf secret: %w", err)
	}

	now := s.clk.Now()
	session := &domain.Session{
		SessionID:         uuid.NewString(),
		UserID:            user.ID,
		DeviceID:          deviceID,
		CSRFSecret:        csrfSecret,
		CreatedAt:         now,
		LastActivityAt:    now,
		AbsoluteExpiresAt: now.Add(s.absoluteTimeout),
		IPAddress:         in.IP,
		UserAgent:         in.UserAgent,
		IsActive:          true,
	}

	pair, err := s.tokens.Issue(user.ID, user.Role, session.SessionID)
	if err != nil {
		return nil, err
	}
	session.RefreshTokenID = pair.GenerationID

	admission, err := s.controller.Admit(ctx, session)
	if err != nil {
		return nil, err
	}

	observability.RecordAuthLogin(ctx, "success")
	if _, err := s.audit.Append(ctx, domain.AuditEventLoginSuccess, userActor(user.ID), LoginPayload{
		UserID: user.ID, Email: email, IP: in.IP, DeviceID: deviceID, Outcome: "success",
	}); err != nil {
		return nil, err
	}

	return &LoginResult{
		User:    user,
		Session: session,
		Pair:    pair,
		Evicted: admission.EvictedSessionIDs,
	}, nil
}

func (s *AuthService) rejectCredentials(ctx context.Context, email, ip string) error {
	if err := s.attempts.RecordAttempt(ctx, email, ip, false, s.failureWindow); err != nil {
		return err
	}
	observability.RecordAuthLogin(ctx, "failure")
	if _, err := s.audit.Append(ctx, domain.AuditEventLoginFailure, "anonymous", LoginPayload{
		Email: email, IP: ip, Outcome: "failure",
	}); err != nil {
		return err
	}
	return ErrInvalidCredentials
}

// Refresh delegates to the token service's rotation, wiring in the
// user lookup for role claims on the fresh access token.
func (s *AuthService) Refresh(ctx context.Context, rawRefresh string) (*RotationResult, error) {
	return s.tokens.Rotate(ctx, rawRefresh, s.users.FindByID)
}

// Logout revokes the caller's own session plus the refresh generation
// it currently holds. Idempotent: logging out twice is not an error.
func (s *AuthService) Logout(ctx context.Context, session *domain.Session) error {
	deactivated, err := s.sessions.Deactivate(session.SessionID, domain.RevokedReasonLogout, s.clk.Now())
	if err != nil {
		observability.RecordAuthLogout(ctx, "error")
		return err
	}
	if session.RefreshTokenID != "" {
		if err := s.tokens.Revoke(ctx, session.RefreshTokenID, "refresh", domain.RevokedReasonLogout, s.tokens.RefreshTTL()); err != nil {
			observability.RecordAuthLogout(ctx, "error")
			return err
		}
	}
	observability.RecordAuthLogout(ctx, "success")
	if deactivated {
		if _, err := s.audit.Append(ctx, domain.AuditEventLogout, userActor(session.UserID), TerminationPayload{
			SessionID: session.SessionID,
			UserID:    session.UserID,
			Reason:    domain.RevokedReasonLogout,
		}); err != nil {
			return err
		}
	}
	return nil
}

// SessionStatus is the read-only view behind the verify endpoint.
// Email is masked: the endpoint confirms "who am I logged in as"
// without becoming an enumeration oracle for shared screens.
type SessionStatus struct {
	UserID            uint      `json:"user_id"`
	MaskedEmail       string    `json:"email"`
	Role              string    `json:"role"`
	SessionID         string    `json:"session_id"`
	DeviceID          string    `json:"device_id,omitempty"`
	IdleExpiresAt     time.Time `json:"idle_expires_at"`
	AbsoluteExpiresAt time.Time `json:"absolute_expires_at"`
	WarnExpiry        bool      `json:"warn_expiry"`
}

// VerifyStatus assembles the status view. Strictly read-only: it never
// touches last activity or any other session state.
func (s *AuthService) VerifyStatus(session *domain.Session, status TimeoutStatus) (*SessionStatus, error) {
	user, err := s.users.FindByID(session.UserID)
	if err != nil {
		return nil, err
	}
	return &SessionStatus{
		UserID:            user.ID,
		MaskedEmail:       maskEmail(user.Email),
		Role:              user.Role,
		SessionID:         session.SessionID,
		DeviceID:          session.DeviceID,
		IdleExpiresAt:     status.IdleExpiresAt,
		AbsoluteExpiresAt: status.AbsoluteExpiresAt,
		WarnExpiry:        status.WarnExpiry,
	}, nil
}

func maskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 1 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
