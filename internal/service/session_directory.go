package service

import (
	"net"
	"strings"
	"time"

	"github.com/adminbridge/secure-session-core/internal/domain"
	"github.com/adminbridge/secure-session-core/internal/repository"
)

// SessionView is the listing shape shared by the self-service and
// admin endpoints. Device type and network hint are best-effort
// classifications of the stored user agent and IP; they never gate any
// decision, they only help a human spot the session that isn't theirs.
type SessionView struct {
	SessionID         string     `json:"session_id"`
	UserID            uint       `json:"user_id"`
	DeviceID          string     `json:"device_id,omitempty"`
	DeviceType        string     `json:"device_type"`
	NetworkHint       string     `json:"network_hint"`
	IPAddress         string     `json:"ip_address,omitempty"`
	UserAgent         string     `json:"user_agent,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	LastActivityAt    time.Time  `json:"last_activity_at"`
	AbsoluteExpiresAt time.Time  `json:"absolute_expires_at"`
	IsActive          bool       `json:"is_active"`
	IsCurrent         bool       `json:"is_current"`
	RevokedReason     string     `json:"revoked_reason,omitempty"`
	RevokedAt         *time.Time `json:"revoked_at,omitempty"`
}

// SessionDirectory builds session listings. Read-only over the
// repository; termination goes through the SessionController.
type SessionDirectory struct {
	sessions repository.SessionRepository
}

func NewSessionDirectory(sessions repository.SessionRepository) *SessionDirectory {
	return &SessionDirectory{sessions: sessions}
}

// ListForUser returns every session row for the user, active first,
// most recently active first within each group. currentSessionID marks
// the caller's own session in the output.
func (d *SessionDirectory) ListForUser(userID uint, currentSessionID string) ([]SessionView, error) {
	sessions, err := d.sessions.ListByUserID(userID)
	if err != nil {
		return nil, err
	}
	views := make([]SessionView, 0, len(sessions))
	for i := range sessions {
		views = append(views, viewOf(&sessions[i], currentSessionID))
	}
	return views, nil
}

// ListActiveForUser is the admin variant restricted to live sessions.
func (d *SessionDirectory) ListActiveForUser(userID uint) ([]SessionView, error) {
	sessions, err := d.sessions.ListActiveByUserID(userID)
	if err != nil {
		return nil, err
	}
	// Repository order is oldest-activity first for the eviction path;
	// listings want the opposite.
	views := make([]SessionView, 0, len(sessions))
	for i := len(sessions) - 1; i >= 0; i-- {
		views = append(views, viewOf(&sessions[i], ""))
	}
	return views, nil
}

func viewOf(s *domain.Session, currentSessionID string) SessionView {
	return SessionView{
		SessionID:         s.SessionID,
		UserID:            s.UserID,
		DeviceID:          s.DeviceID,
		DeviceType:        classifyDevice(s.UserAgent),
		NetworkHint:       classifyNetwork(s.IPAddress),
		IPAddress:         s.IPAddress,
		UserAgent:         s.UserAgent,
		CreatedAt:         s.CreatedAt,
		LastActivityAt:    s.LastActivityAt,
		AbsoluteExpiresAt: s.AbsoluteExpiresAt,
		IsActive:          s.IsActive,
		IsCurrent:         currentSessionID != "" && s.SessionID == currentSessionID,
		RevokedReason:     s.RevokedReason,
		RevokedAt:         s.RevokedAt,
	}
}

// classifyDevice sorts a user agent into a coarse bucket. Substring
// checks are enough here; anything unrecognized stays "unknown".
func classifyDevice(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case ua == "":
		return "unknown"
	case strings.Contains(ua, "ipad") || strings.Contains(ua, "tablet"):
		return "tablet"
	case strings.Contains(ua, "mobile") || strings.Contains(ua, "iphone") || strings.Contains(ua, "android"):
		return "mobile"
	case strings.Contains(ua, "curl") || strings.Contains(ua, "wget") ||
		strings.Contains(ua, "python") || strings.Contains(ua, "go-http-client") ||
		strings.Contains(ua, "bot"):
		return "automation"
	case strings.Contains(ua, "mozilla") || strings.Contains(ua, "chrome") ||
		strings.Contains(ua, "safari") || strings.Contains(ua, "firefox") ||
		strings.Contains(ua, "edg"):
		return "desktop"
	default:
		return "unknown"
	}
}

// classifyNetwork hints where the session connected from without doing
// a geo lookup: loopback and RFC1918/ULA space read as internal.
func classifyNetwork(ipAddress string) string {
	host := ipAddress
	if h, _, err := net.SplitHostPort(ipAddress); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	switch {
	case ip == nil:
		return "unknown"
	case ip.IsLoopback():
		return "loopback"
	case ip.IsPrivate() || ip.IsLinkLocalUnicast():
		return "private"
	default:
		return "public"
	}
}
