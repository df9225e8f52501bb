package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrAuditEntryNotFound = errors.New("audit entry not found")

	// ErrSequenceConflict is returned when an audit append loses the
	// race on (chain_id, sequence_no). The caller re-reads the chain
	// head and retries.
	ErrSequenceConflict = errors.New("audit sequence conflict")

	// ErrStoreUnavailable wraps infrastructure failures so callers can
	// distinguish them from domain outcomes and apply their own
	// fail-open/fail-closed policy.
	ErrStoreUnavailable = errors.New("store unavailable")
)

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
