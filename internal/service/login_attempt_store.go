package service

import (
	"context"
	"sync"
	"time"
)

// LoginAttemptStore keeps fixed-window failure counters keyed by
// account and by client IP, plus an append-only attempt log. Counters
// reset on window rollover, never on read; pruning the attempt log is
// a retention concern outside this core.
type LoginAttemptStore interface {
	RecordAttempt(ctx context.Context, email, ip string, success bool, window time.Duration) error
	FailureCounts(ctx context.Context, email, ip string) (account int64, byIP int64, err error)
}

type attemptWindow struct {
	count   int64
	resetAt time.Time
}

type InMemoryLoginAttemptStore struct {
	mu      sync.Mutex
	account map[string]*attemptWindow
	byIP    map[string]*attemptWindow
	now     func() time.Time
}

func NewInMemoryLoginAttemptStore(now func() time.Time) *InMemoryLoginAttemptStore {
	if now == nil {
		now = time.Now
	}
	return &InMemoryLoginAttemptStore{
		account: make(map[string]*attemptWindow),
		byIP:    make(map[string]*attemptWindow),
		now:     now,
	}
}

func (s *InMemoryLoginAttemptStore) RecordAttempt(_ context.Context, email, ip string, success bool, window time.Duration) error {
	if success {
		return nil
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	bump(s.account, email, now, window)
	if ip != "" {
		bump(s.byIP, ip, now, window)
	}
	return nil
}

func (s *InMemoryLoginAttemptStore) FailureCounts(_ context.Context, email, ip string) (int64, int64, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return read(s.account, email, now), read(s.byIP, ip, now), nil
}

func bump(m map[string]*attemptWindow, key string, now time.Time, window time.Duration) {
	w, ok := m[key]
	if !ok || now.After(w.resetAt) {
		m[key] = &attemptWindow{count: 1, resetAt: now.Add(window)}
		return
	}
	w.count++
}

func read(m map[string]*attemptWindow, key string, now time.Time) int64 {
	w, ok := m[key]
	if !ok || now.After(w.resetAt) {
		return 0
	}
	return w.count
}
