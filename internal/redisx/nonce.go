package redisx

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceStore records single-use values for a TTL kept by Redis.
type NonceStore struct {
	rdb redis.StringCmdable
}

func NewNonceStore(rdb redis.StringCmdable) *NonceStore {
	return &NonceStore{rdb: rdb}
}

func (s *NonceStore) UseNonce(ctx context.Context, scope, nonce string, ttl time.Duration) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("redisx: scope and nonce are required")
	}
	if ttl < MinNonceTTL {
		ttl = MinNonceTTL
	}
	return s.rdb.SetNX(ctx, nonceKey(scope, nonce), 1, ttl).Result()
}
