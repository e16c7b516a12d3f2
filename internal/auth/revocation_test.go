package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRevocations(t *testing.T) (*RedisRevocations, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisRevocations(client, ""), mr
}

func TestRevocations_RevokeUntilExpiry(t *testing.T) {
	r, mr := setupRevocations(t)
	ctx := context.Background()

	revoked, err := r.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, r.Revoke(ctx, "jti-1", time.Hour))
	assert.True(t, mr.Exists("homeguard:revoked:jti-1"))

	revoked, err = r.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	mr.FastForward(time.Hour + time.Second)
	revoked, err = r.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRevocations_ExpiredTokenSkipped(t *testing.T) {
	r, mr := setupRevocations(t)
	require.NoError(t, r.Revoke(context.Background(), "jti-2", 0))
	assert.False(t, mr.Exists("homeguard:revoked:jti-2"))
}

func TestRevocations_RedisDown(t *testing.T) {
	r, mr := setupRevocations(t)
	mr.Close()
	_, err := r.IsRevoked(context.Background(), "jti-3")
	assert.Error(t, err)
}
