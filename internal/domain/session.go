package domain

import "time"

// Session is one authenticated device/browser pairing. Rows are soft
// deleted: logout, eviction and timeout all clear IsActive and record a
// reason, the row itself stays for the admin session listing.
type Session struct {
	SessionID         string     `gorm:"primaryKey;size:64" json:"session_id"`
	UserID            uint       `gorm:"index;not null" json:"user_id"`
	DeviceID          string     `gorm:"size:64;index" json:"device_id"`
	RefreshTokenID    string     `gorm:"size:64;uniqueIndex" json:"-"`
	CSRFSecret        string     `gorm:"size:128" json:"-"`
	CreatedAt         time.Time  `json:"created_at"`
	LastActivityAt    time.Time  `gorm:"index" json:"last_activity_at"`
	AbsoluteExpiresAt time.Time  `gorm:"index;not null" json:"absolute_expires_at"`
	IPAddress         string     `gorm:"size:64" json:"ip_address"`
	UserAgent         string     `gorm:"size:512" json:"user_agent"`
	IsActive          bool       `gorm:"index;not null" json:"is_active"`
	RevokedReason     string     `gorm:"size:64" json:"revoked_reason,omitempty"`
	RevokedAt         *time.Time `json:"revoked_at,omitempty"`
	UpdatedAt         time.Time  `json:"-"`
}

// Session revocation reasons. Stored verbatim, also used as audit
// payload fields, so changing a value is a wire-format change.
const (
	RevokedReasonLogout        = "logout"
	RevokedReasonEvicted       = "evicted"
	RevokedReasonIdleTimeout   = "idle_timeout"
	RevokedReasonAbsTimeout    = "absolute_timeout"
	RevokedReasonReuseDetected = "reuse_detected"
	RevokedReasonAdmin         = "admin_terminated"
	RevokedReasonForcedLogout  = "forced_logout"
)
