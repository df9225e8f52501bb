package repository

import (
	"context"
	"errors"
	"time"

	"github.com/adminbridge/secure-session-core/internal/domain"
	"github.com/adminbridge/secure-session-core/internal/observability"

	"gorm.io/gorm"
)

// AuditRepository persists hash-chain entries. It never updates or
// deletes rows; the (chain_id, sequence_no) unique index is the
// cross-process backstop against forked appends.
type AuditRepository interface {
	Append(e *domain.AuditEntry) error
	Last(chainID string) (*domain.AuditEntry, error)
	GetBySequence(chainID string, seq uint64) (*domain.AuditEntry, error)
	RangeByTime(chainID string, from, to time.Time) ([]domain.AuditEntry, error)
	RangeBySequence(chainID string, from, to uint64) ([]domain.AuditEntry, error)
}

type GormAuditRepository struct{ db *gorm.DB }

func NewAuditRepository(db *gorm.DB) AuditRepository { return &GormAuditRepository{db: db} }

func (r *GormAuditRepository) Append(e *domain.AuditEntry) error {
	err := r.db.Create(e).Error
	if err != nil {
		if isDuplicate(err) {
			observability.RecordRepositoryOperation(context.Background(), "audit", "append", "conflict")
			return ErrSequenceConflict
		}
		observability.RecordRepositoryOperation(context.Background(), "audit", "append", "error")
		return storeErr("append audit entry", err)
	}
	observability.RecordRepositoryOperation(context.Background(), "audit", "append", "success")
	return nil
}

func (r *GormAuditRepository) Last(chainID string) (*domain.AuditEntry, error) {
	var e domain.AuditEntry
	err := r.db.Where("chain_id = ?", chainID).
		Order("sequence_no DESC").
		First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "audit", "last", "not_found")
			return nil, ErrAuditEntryNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "audit", "last", "error")
		return nil, storeErr("load chain head", err)
	}
	observability.RecordRepositoryOperation(context.Background(), "audit", "last", "success")
	return &e, nil
}

func (r *GormAuditRepository) GetBySequence(chainID string, seq uint64) (*domain.AuditEntry, error) {
	var e domain.AuditEntry
	err := r.db.Where("chain_id = ? AND sequence_no = ?", chainID, seq).First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "audit", "get_by_sequence", "not_found")
			return nil, ErrAuditEntryNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "audit", "get_by_sequence", "error")
		return nil, storeErr("load audit entry", err)
	}
	observability.RecordRepositoryOperation(context.Background(), "audit", "get_by_sequence", "success")
	return &e, nil
}

func (r *GormAuditRepository) RangeByTime(chainID string, from, to time.Time) ([]domain.AuditEntry, error) {
	var entries []domain.AuditEntry
	err := r.db.Where("chain_id = ? AND timestamp >= ? AND timestamp <= ?", chainID, from.UnixNano(), to.UnixNano()).
		Order("sequence_no ASC").
		Find(&entries).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "audit", "range_by_time", "error")
		return nil, storeErr("range audit entries", err)
	}
	observability.RecordRepositoryOperation(context.Background(), "audit", "range_by_time", "success")
	return entries, nil
}

func (r *GormAuditRepository) RangeBySequence(chainID string, from, to uint64) ([]domain.AuditEntry, error) {
	var entries []domain.AuditEntry
	err := r.db.Where("chain_id = ? AND sequence_no >= ? AND sequence_no <= ?", chainID, from, to).
		Order("sequence_no ASC").
		Find(&entries).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "audit", "range_by_sequence", "error")
		return nil, storeErr("range audit entries", err)
	}
	observability.RecordRepositoryOperation(context.Background(), "audit", "range_by_sequence", "success")
	return entries, nil
}
