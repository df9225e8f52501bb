package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenMalformed = errors.New("token malformed")
	ErrBadSignature   = errors.New("token signature invalid")
)

// Claims carried by both token types. SessionID binds a token to its
// session row; for refresh tokens the registered ID (jti) doubles as
// the refresh generation recorded on the session.
type Claims struct {
	TokenType string `json:"token_type"`
	Role      string `json:"role,omitempty"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// JWTManager signs and parses access and refresh tokens with distinct
// secrets, so leaking one secret cannot forge the other token class.
// Expiry checks run against the injected time source.
type JWTManager struct {
	issuer        string
	audience      string
	accessSecret  []byte
	refreshSecret []byte
	now           func() time.Time
}

func NewJWTManager(issuer, audience string, accessSecret, refreshSecret []byte, now func() time.Time) *JWTManager {
	if now == nil {
		now = time.Now
	}
	return &JWTManager{
		issuer:        issuer,
		audience:      audience,
		accessSecret:  accessSecret,
		refreshSecret: refreshSecret,
		now:           now,
	}
}

func (m *JWTManager) SignAccessToken(userID uint, role, sessionID string, ttl time.Duration) (string, error) {
	return m.sign("access", userID, role, sessionID, uuid.NewString(), ttl, m.accessSecret)
}

func (m *JWTManager) SignRefreshToken(userID uint, sessionID, generationID string, ttl time.Duration) (string, error) {
	if generationID == "" {
		generationID = uuid.NewString()
	}
	return m.sign("refresh", userID, "", sessionID, generationID, ttl, m.refreshSecret)
}

func (m *JWTManager) sign(tokenType string, userID uint, role, sessionID, jti string, ttl time.Duration, secret []byte) (string, error) {
	now := m.now()
	claims := Claims{
		TokenType: tokenType,
		Role:      role,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   fmt.Sprintf("%d", userID),
			Audience:  []string{m.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (m *JWTManager) ParseAccessToken(raw string) (*Claims, error) {
	return m.parse(raw, m.accessSecret, "access")
}

func (m *JWTManager) ParseRefreshToken(raw string) (*Claims, error) {
	return m.parse(raw, m.refreshSecret, "refresh")
}

func (m *JWTManager) parse(raw string, secret []byte, tokenType string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing algorithm")
		}
		return secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithAudience(m.audience), jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, classifyJWTError(err)
	}
	if !tok.Valid {
		return nil, ErrTokenMalformed
	}
	if claims.TokenType != tokenType {
		return nil, fmt.Errorf("%w: unexpected token type %q", ErrTokenMalformed, claims.TokenType)
	}
	if claims.SessionID == "" || claims.ID == "" {
		return nil, fmt.Errorf("%w: missing session binding", ErrTokenMalformed)
	}
	return claims, nil
}

func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrBadSignature
	default:
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
}
