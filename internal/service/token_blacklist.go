package service

import (
	"context"
	"sync"
	"time"
)

// TokenBlacklistStore records revoked token ids. An id present here
// must never verify again, whatever its signature and expiry say.
// Entries carry the original token expiry as TTL so the blacklist
// garbage-collects itself.
type TokenBlacklistStore interface {
	Revoke(ctx context.Context, tokenID, tokenType, reason string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

type blacklistEntry struct {
	tokenType string
	reason    string
	expiresAt time.Time
}

type InMemoryTokenBlacklistStore struct {
	mu      sync.RWMutex
	entries map[string]blacklistEntry
	now     func() time.Time
}

func NewInMemoryTokenBlacklistStore(now func() time.Time) *InMemoryTokenBlacklistStore {
	if now == nil {
		now = time.Now
	}
	return &InMemoryTokenBlacklistStore{
		entries: make(map[string]blacklistEntry),
		now:     now,
	}
}

// Revoke is idempotent: re-revoking an id keeps the first entry.
func (s *InMemoryTokenBlacklistStore) Revoke(_ context.Context, tokenID, tokenType, reason string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[tokenID]; ok {
		return nil
	}
	s.entries[tokenID] = blacklistEntry{
		tokenType: tokenType,
		reason:    reason,
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *InMemoryTokenBlacklistStore) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[tokenID]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if s.now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, tokenID)
		s.mu.Unlock()
		return false, nil
	}
	return true, nil
}
