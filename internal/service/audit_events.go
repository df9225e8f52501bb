package service

import (
	"encoding/json"
	"fmt"
)

// Typed payloads for the audit chain. Each event type carries one of
// these shapes; anything else goes through marshalPayload's opaque
// fallback so an unknown caller can still leave a record.

type LoginPayload struct {
	UserID   uint   `json:"user_id,omitempty"`
	Email    string `json:"email"`
	IP       string `json:"ip,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	Outcome  string `json:"outcome"`
}

type RotationPayload struct {
	SessionID     string `json:"session_id"`
	UserID        uint   `json:"user_id"`
	OldGeneration string `json:"old_generation"`
	NewGeneration string `json:"new_generation"`
}

type ReusePayload struct {
	SessionID           string `json:"session_id"`
	UserID              uint   `json:"user_id"`
	PresentedGeneration string `json:"presented_generation"`
	CurrentGeneration   string `json:"current_generation"`
}

type EvictionPayload struct {
	UserID            uint     `json:"user_id"`
	AdmittedSessionID string   `json:"admitted_session_id,omitempty"`
	EvictedSessionIDs []string `json:"evicted_session_ids"`
	Policy            string   `json:"policy"`
}

type TerminationPayload struct {
	SessionID string `json:"session_id"`
	UserID    uint   `json:"user_id"`
	Reason    string `json:"reason"`
}

type TimeoutPayload struct {
	SessionID string `json:"session_id"`
	UserID    uint   `json:"user_id"`
	Kind      string `json:"kind"`
}

type CSRFRejectionPayload struct {
	SessionID string `json:"session_id,omitempty"`
	Path      string `json:"path"`
	Reason    string `json:"reason"`
}

type TamperAlertPayload struct {
	Broken    []uint64 `json:"broken"`
	RangeFrom int64    `json:"range_from"`
	RangeTo   int64    `json:"range_to"`
}

// marshalPayload normalizes whatever the caller passed into the raw
// JSON that gets hashed. nil means "no payload", pre-marshaled bytes
// pass through untouched so replayed entries hash identically.
func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("invalid raw payload")
		}
		return p, nil
	case []byte:
		if len(p) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("invalid raw payload")
		}
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}
