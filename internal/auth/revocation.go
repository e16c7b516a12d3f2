// Package auth keeps the list of revoked API tokens. Tokens are stateless
// JWTs, so revoking one means remembering its ID until it would have expired.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RevocationList interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
}

type RedisRevocations struct {
	client *redis.Client
	prefix string
}

func NewRedisRevocations(client *redis.Client, prefix string) *RedisRevocations {
	if prefix == "" {
		prefix = "homeguard:revoked"
	}
	return &RedisRevocations{client: client, prefix: prefix}
}

func (r *RedisRevocations) key(jti string) string {
	return fmt.Sprintf("%s:%s", r.prefix, jti)
}

func (r *RedisRevocations) IsRevoked(ctx context.Context, jti string) (bool, error) {
	exists, err := r.client.Exists(ctx, r.key(jti)).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// Revoke remembers jti for ttl. A token already past its expiry needs no
// entry.
func (r *RedisRevocations) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return r.client.Set(ctx, r.key(jti), "revoked", ttl).Err()
}
