package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/url"

	"github.com/adminbridge/secure-session-core/internal/domain"
	"github.com/adminbridge/secure-session-core/internal/observability"
)

var ErrCSRFRejected = errors.New("csrf validation failed")

// CSRF rejection reasons, recorded in the audit payload.
const (
	CSRFReasonMissingToken  = "missing_token"
	CSRFReasonTokenMismatch = "token_mismatch"
	CSRFReasonBadOrigin     = "bad_origin"
)

// CSRFGuard implements double-submit validation: the token handed to
// the browser is an HMAC over the session's stored secret, so a token
// lifted from one session never validates against another. Tokens are
// deterministic per session; rotation happens by rotating the session.
type CSRFGuard struct {
	key            []byte
	expectedOrigin string
}

func NewCSRFGuard(key []byte, expectedOrigin string) *CSRFGuard {
	return &CSRFGuard{key: key, expectedOrigin: expectedOrigin}
}

// TokenFor derives the double-submit token for a session.
func (g *CSRFGuard) TokenFor(session *domain.Session) string {
	mac := hmac.New(sha256.New, g.key)
	mac.Write([]byte(session.CSRFSecret))
	mac.Write([]byte(":"))
	mac.Write([]byte(session.SessionID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate compares the header token against the cookie token and both
// against the server-side derivation, in constant time. Safe-method
// exemption is the caller's concern; every call here is a mutation
// request. A non-empty Origin or Referer must also match the expected
// origin's host when one is configured.
func (g *CSRFGuard) Validate(ctx context.Context, session *domain.Session, headerToken, cookieToken, origin, referer string) error {
	if reason, ok := g.check(session, headerToken, cookieToken, origin, referer); !ok {
		observability.RecordCSRFValidation(ctx, "rejected")
		return &CSRFError{Reason: reason}
	}
	observability.RecordCSRFValidation(ctx, "accepted")
	return nil
}

// CSRFError carries the rejection reason for the audit trail.
type CSRFError struct {
	Reason string
}

func (e *CSRFError) Error() string { return "csrf validation failed: " + e.Reason }
func (e *CSRFError) Unwrap() error { return ErrCSRFRejected }

func (g *CSRFGuard) check(session *domain.Session, headerToken, cookieToken, origin, referer string) (string, bool) {
	if headerToken == "" || cookieToken == "" {
		return CSRFReasonMissingToken, false
	}
	expected := g.TokenFor(session)
	headerOK := subtle.ConstantTimeCompare([]byte(headerToken), []byte(expected)) == 1
	cookieOK := subtle.ConstantTimeCompare([]byte(cookieToken), []byte(expected)) == 1
	if !headerOK || !cookieOK {
		return CSRFReasonTokenMismatch, false
	}
	if g.expectedOrigin != "" {
		if !originAllowed(origin, g.expectedOrigin) || !originAllowed(referer, g.expectedOrigin) {
			return CSRFReasonBadOrigin, false
		}
	}
	return "", true
}

// originAllowed accepts empty values: the token check is the primary
// control, the origin check only rejects an explicit mismatch.
func originAllowed(value, expected string) bool {
	if value == "" {
		return true
	}
	got, err := url.Parse(value)
	if err != nil {
		return false
	}
	want, err := url.Parse(expected)
	if err != nil {
		return false
	}
	return got.Host == want.Host && got.Host != ""
}
