package repository

import (
	"context"
	"errors"
	"time"

	"github.com/adminbridge/secure-session-core/internal/domain"
	"github.com/adminbridge/secure-session-core/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SessionRepository interface {
	Create(s *domain.Session) error
	FindByID(sessionID string) (*domain.Session, error)
	ListActiveByUserID(userID uint) ([]domain.Session, error)
	ListByUserID(userID uint) ([]domain.Session, error)
	CountActiveByUserID(userID uint) (int64, error)
	TouchActivity(sessionID string, at time.Time) error
	SwapRefreshGeneration(sessionID, oldGeneration, newGeneration string) (bool, error)
	Deactivate(sessionID, reason string, at time.Time) (bool, error)
	DeactivateAllForUser(userID uint, reason string, at time.Time) (int64, error)
	DeleteExpiredBefore(cutoff time.Time) (int64, error)
}

type GormSessionRepository struct{ db *gorm.DB }

func NewSessionRepository(db *gorm.DB) SessionRepository { return &GormSessionRepository{db: db} }

func (r *GormSessionRepository) Create(s *domain.Session) error {
	err := r.db.Create(s).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "session", "create", "error")
		return storeErr("create session", err)
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "create", "success")
	return nil
}

func (r *GormSessionRepository) FindByID(sessionID string) (*domain.Session, error) {
	var s domain.Session
	err := r.db.Where("session_id = ?", sessionID).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "session", "find_by_id", "not_found")
			return nil, ErrSessionNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "session", "find_by_id", "error")
		return nil, storeErr("find session", err)
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "find_by_id", "success")
	return &s, nil
}

// ListActiveByUserID returns active sessions ordered least-recently-active
// first, the order the eviction policy consumes them in.
func (r *GormSessionRepository) ListActiveByUserID(userID uint) ([]domain.Session, error) {
	var sessions []domain.Session
	err := r.db.Where("user_id = ? AND is_active = ?", userID, true).
		Order("last_activity_at ASC").
		Find(&sessions).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "session", "list_active_by_user_id", "error")
		return nil, storeErr("list active sessions", err)
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "list_active_by_user_id", "success")
	return sessions, nil
}

func (r *GormSessionRepository) ListByUserID(userID uint) ([]domain.Session, error) {
	var sessions []domain.Session
	err := r.db.Where("user_id = ?", userID).
		Order("is_active DESC, last_activity_at DESC").
		Find(&sessions).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "session", "list_by_user_id", "error")
		return nil, storeErr("list sessions", err)
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "list_by_user_id", "success")
	return sessions, nil
}

func (r *GormSessionRepository) CountActiveByUserID(userID uint) (int64, error) {
	var count int64
	err := r.db.Model(&domain.Session{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Count(&count).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "session", "count_active_by_user_id", "error")
		return 0, storeErr("count active sessions", err)
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "count_active_by_user_id", "success")
	return count, nil
}

// TouchActivity is monotonic: a stale writer can never move
// last_activity_at backwards.
func (r *GormSessionRepository) TouchActivity(sessionID string, at time.Time) error {
	err := r.db.Model(&domain.Session{}).
		Where("session_id = ? AND is_active = ? AND last_activity_at < ?", sessionID, true, at).
		Update("last_activity_at", at).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "session", "touch_activity", "error")
		return storeErr("touch activity", err)
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "touch_activity", "success")
	return nil
}

// SwapRefreshGeneration is the rotation commit point: a conditional
// update inside a transaction with the session row locked. Of two
// concurrent rotations presenting the same old generation exactly one
// can succeed; the loser sees false.
func (r *GormSessionRepository) SwapRefreshGeneration(sessionID, oldGeneration, newGeneration string) (bool, error) {
	swapped := false
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var s domain.Session
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("session_id = ?", sessionID).
			First(&s).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		if !s.IsActive || s.RefreshTokenID != oldGeneration {
			return nil
		}
		res := tx.Model(&domain.Session{}).
			Where("session_id = ? AND refresh_token_id = ? AND is_active = ?", sessionID, oldGeneration, true).
			Update("refresh_token_id", newGeneration)
		if res.Error != nil {
			return res.Error
		}
		swapped = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "session", "swap_refresh_generation", "not_found")
			return false, ErrSessionNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "session", "swap_refresh_generation", "error")
		return false, storeErr("swap refresh generation", err)
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "swap_refresh_generation", "success")
	return swapped, nil
}

func (r *GormSessionRepository) Deactivate(sessionID, reason string, at time.Time) (bool, error) {
	res := r.db.Model(&domain.Session{}).
		Where("session_id = ? AND is_active = ?", sessionID, true).
		Updates(map[string]any{"is_active": false, "revoked_reason": reason, "revoked_at": at})
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "session", "deactivate", "error")
		return false, storeErr("deactivate session", res.Error)
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "deactivate", "success")
	return res.RowsAffected > 0, nil
}

func (r *GormSessionRepository) DeactivateAllForUser(userID uint, reason string, at time.Time) (int64, error) {
	res := r.db.Model(&domain.Session{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Updates(map[string]any{"is_active": false, "revoked_reason": reason, "revoked_at": at})
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "session", "deactivate_all_for_user", "error")
		return 0, storeErr("deactivate all sessions", res.Error)
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "deactivate_all_for_user", "success")
	return res.RowsAffected, nil
}

func (r *GormSessionRepository) DeleteExpiredBefore(cutoff time.Time) (int64, error) {
	res := r.db.Where("absolute_expires_at <= ?", cutoff).Delete(&domain.Session{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "session", "delete_expired_before", "error")
		return 0, storeErr("delete expired sessions", res.Error)
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "delete_expired_before", "success")
	return res.RowsAffected, nil
}
