package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adminbridge/secure-session-core/internal/repository"

	"github.com/redis/go-redis/v9"
)

type RedisLoginAttemptStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisLoginAttemptStore(client redis.UniversalClient, prefix string, now func() time.Time) *RedisLoginAttemptStore {
	if prefix == "" {
		prefix = "login_attempts"
	}
	if now == nil {
		now = time.Now
	}
	return &RedisLoginAttemptStore{client: client, prefix: prefix, now: now}
}

type loginAttemptRecord struct {
	Email     string    `json:"email"`
	IP        string    `json:"ip"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// RecordAttempt appends to the attempt log and, on failure, bumps the
// fixed-window counters. INCR is the lock-free write; EXPIRE on the
// first increment establishes the window, so the counter resets on
// rollover rather than on read.
func (s *RedisLoginAttemptStore) RecordAttempt(ctx context.Context, email, ip string, success bool, window time.Duration) error {
	if s.client == nil {
		return nil
	}
	rec, err := json.Marshal(loginAttemptRecord{Email: email, IP: ip, Success: success, Timestamp: s.now().UTC()})
	if err != nil {
		return err
	}
	if err := s.client.RPush(ctx, s.logKey(email), rec).Err(); err != nil {
		return fmt.Errorf("%w: attempt log: %v", repository.ErrStoreUnavailable, err)
	}
	if success {
		return nil
	}
	if err := s.bump(ctx, s.accountKey(email), window); err != nil {
		return err
	}
	if ip != "" {
		if err := s.bump(ctx, s.ipKey(ip), window); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisLoginAttemptStore) FailureCounts(ctx context.Context, email, ip string) (int64, int64, error) {
	if s.client == nil {
		return 0, 0, nil
	}
	account, err := s.count(ctx, s.accountKey(email))
	if err != nil {
		return 0, 0, err
	}
	var byIP int64
	if ip != "" {
		byIP, err = s.count(ctx, s.ipKey(ip))
		if err != nil {
			return 0, 0, err
		}
	}
	return account, byIP, nil
}

func (s *RedisLoginAttemptStore) bump(ctx context.Context, key string, window time.Duration) error {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: attempt counter: %v", repository.ErrStoreUnavailable, err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return fmt.Errorf("%w: attempt counter expiry: %v", repository.ErrStoreUnavailable, err)
		}
	}
	return nil
}

func (s *RedisLoginAttemptStore) count(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: attempt counter read: %v", repository.ErrStoreUnavailable, err)
	}
	return n, nil
}

func (s *RedisLoginAttemptStore) accountKey(email string) string {
	return fmt.Sprintf("%s:fail:acct:%s", s.prefix, hashToken(email))
}

func (s *RedisLoginAttemptStore) ipKey(ip string) string {
	return fmt.Sprintf("%s:fail:ip:%s", s.prefix, hashToken(ip))
}

func (s *RedisLoginAttemptStore) logKey(email string) string {
	return fmt.Sprintf("%s:log:%s", s.prefix, hashToken(email))
}
