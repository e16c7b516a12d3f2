package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisTTL = 7 * 24 * time.Hour

// RedisSink keeps snapshots under <prefix>:<name> with a TTL and indexes
// them in the sorted set <prefix>:index scored by capture time.
type RedisSink struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisSink(client *redis.Client, prefix string, ttl time.Duration) *RedisSink {
	if prefix == "" {
		prefix = "homeguard:snap"
	}
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisSink{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisSink) Kind() string { return "redis" }

func (s *RedisSink) key(name string) string { return fmt.Sprintf("%s:%s", s.prefix, name) }
func (s *RedisSink) metaKey(name string) string { return fmt.Sprintf("%s:%s:meta", s.prefix, name) }
func (s *RedisSink) indexKey() string { return s.prefix + ":index" }

func (s *RedisSink) Store(ctx context.Context, meta Meta, data []byte) (string, error) {
	if err := checkRef(meta.Name); err != nil {
		return "", err
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}

	at := meta.CapturedAt
	if at.IsZero() {
		at = time.Now()
	}
	cutoff := time.Now().Add(-s.ttl)

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(meta.Name), data, s.ttl)
	pipe.Set(ctx, s.metaKey(meta.Name), metaJSON, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(at.UnixMilli()), Member: meta.Name})
	// Index entries outlive their keys unless trimmed.
	pipe.ZRemRangeByScore(ctx, s.indexKey(), "-inf", fmt.Sprintf("(%d", cutoff.UnixMilli()))
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("store %s: %w", meta.Name, err)
	}
	return meta.Name, nil
}

func (s *RedisSink) Load(ctx context.Context, ref string) ([]byte, error) {
	if err := checkRef(ref); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, s.key(ref)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return data, err
}

// LoadMeta returns the metadata stored with ref.
func (s *RedisSink) LoadMeta(ctx context.Context, ref string) (Meta, error) {
	if err := checkRef(ref); err != nil {
		return Meta{}, err
	}
	raw, err := s.client.Get(ctx, s.metaKey(ref)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Meta{}, ErrNotFound
	}
	if err != nil {
		return Meta{}, err
	}
	var m Meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return Meta{}, err
	}
	return m, nil
}

func (s *RedisSink) List(ctx context.Context, limit int) ([]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	return s.client.ZRevRange(ctx, s.indexKey(), 0, stop).Result()
}
