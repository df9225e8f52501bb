package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/adminbridge/secure-session-core/internal/repository"

	"github.com/redis/go-redis/v9"
)

type RedisTokenBlacklistStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisTokenBlacklistStore(client redis.UniversalClient, prefix string) *RedisTokenBlacklistStore {
	if prefix == "" {
		prefix = "token_blacklist"
	}
	return &RedisTokenBlacklistStore{
		client: client,
		prefix: prefix,
	}
}

// Revoke uses SET NX so the first writer wins and re-revocation is a
// no-op. TTL mirrors the original token expiry.
func (s *RedisTokenBlacklistStore) Revoke(ctx context.Context, tokenID, tokenType, reason string, ttl time.Duration) error {
	if s.client == nil || ttl <= 0 {
		return nil
	}
	err := s.client.SetNX(ctx, s.dataKey(tokenID), tokenType+":"+reason, ttl).Err()
	if err != nil {
		return fmt.Errorf("%w: blacklist revoke: %v", repository.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisTokenBlacklistStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	if s.client == nil {
		return false, nil
	}
	_, err := s.client.Get(ctx, s.dataKey(tokenID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: blacklist lookup: %v", repository.ErrStoreUnavailable, err)
	}
	return true, nil
}

func (s *RedisTokenBlacklistStore) dataKey(tokenID string) string {
	return fmt.Sprintf("%s:data:%s", s.prefix, hashToken(tokenID))
}

func hashToken(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}
