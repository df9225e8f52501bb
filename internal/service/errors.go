package service

import "errors"

var (
	// ErrInvalidRefreshToken covers malformed, expired, mis-signed and
	// unknown refresh tokens. Callers map it to a stable error code.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")

	// ErrReuseDetected means a superseded refresh token was presented.
	// Terminal for the whole session: reuse implies theft of either the
	// old or the current token, so the session family is revoked.
	ErrReuseDetected = errors.New("refresh token reuse detected")

	// ErrSessionRevoked means the token parsed fine but its session is
	// no longer active.
	ErrSessionRevoked = errors.New("session revoked")

	ErrTokenRevoked = errors.New("token revoked")

	ErrInvalidCredentials = errors.New("invalid credentials")

	ErrAccountLocked = errors.New("account temporarily locked")

	// ErrSessionLimitExceeded is only surfaced under the reject-new
	// policy; the default evict-oldest policy never returns it.
	ErrSessionLimitExceeded = errors.New("session limit exceeded")

	// ErrChainBroken is the tampering-detected outcome of chain
	// verification, distinct from store failures. Never auto-repaired.
	ErrChainBroken = errors.New("audit chain integrity broken")
)
