package domain

import "encoding/json"

// AuditEntry is one immutable record in a hash chain. SelfHash covers
// the canonical serialization of every field except SelfHash itself;
// PrevHash is the previous entry's SelfHash, or the chain's genesis
// value for SequenceNo 1. Timestamps are stored as unix nanoseconds so
// the hashed form round-trips identically through every driver.
type AuditEntry struct {
	ID         uint            `gorm:"primaryKey" json:"-"`
	ChainID    string          `gorm:"size:64;uniqueIndex:idx_chain_seq;not null" json:"chain_id"`
	SequenceNo uint64          `gorm:"uniqueIndex:idx_chain_seq;not null" json:"sequence_no"`
	Timestamp  int64           `gorm:"index;not null" json:"timestamp"`
	EventType  string          `gorm:"size:128;index;not null" json:"event_type"`
	ActorID    string          `gorm:"size:128" json:"actor_id"`
	Payload    json.RawMessage `gorm:"type:text" json:"payload"`
	PrevHash   string          `gorm:"size:64;not null" json:"prev_hash"`
	SelfHash   string          `gorm:"size:64;not null" json:"self_hash"`
}

// Audit event types emitted by the session core.
const (
	AuditEventLoginSuccess     = "auth.login.success"
	AuditEventLoginFailure     = "auth.login.failure"
	AuditEventLoginLocked      = "auth.login.locked"
	AuditEventLogout           = "auth.logout"
	AuditEventTokenRotated     = "token.rotated"
	AuditEventTokenRevoked     = "token.revoked"
	AuditEventReuseDetected    = "session.reuse_detected"
	AuditEventSessionEvicted   = "session.evicted"
	AuditEventSessionExpired   = "session.expired"
	AuditEventSessionRevoked   = "session.terminated"
	AuditEventForcedLogout     = "session.forced_logout"
	AuditEventVerifyRun        = "audit.verify.run"
	AuditEventTamperingAlert   = "audit.tampering_detected"
	AuditEventCSRFRejected     = "csrf.rejected"
	AuditEventAdminTermination = "admin.session_terminated"
)
