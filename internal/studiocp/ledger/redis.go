package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "studiocp:event:"

// RedisLedger keeps applied events as expiring keys. Expiry replaces Prune.
type RedisLedger struct {
	client    redis.UniversalClient
	retention time.Duration
}

// NewRedisLedger connects to redisURL (redis://host:port/db) and verifies the
// connection.
func NewRedisLedger(ctx context.Context, redisURL string, retention time.Duration) (*RedisLedger, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisLedgerWithClient(client, retention), nil
}

// NewRedisLedgerWithClient wraps an existing client.
func NewRedisLedgerWithClient(client redis.UniversalClient, retention time.Duration) *RedisLedger {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisLedger{client: client, retention: retention}
}

func (l *RedisLedger) Seen(ctx context.Context, eventID string) (bool, error) {
	id, err := normalizeID(eventID)
	if err != nil {
		return false, err
	}
	n, err := l.client.Exists(ctx, redisKeyPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("lookup applied event: %w", err)
	}
	return n > 0, nil
}

func (l *RedisLedger) MarkApplied(ctx context.Context, eventID, eventType string) error {
	id, err := normalizeID(eventID)
	if err != nil {
		return err
	}
	if err := l.client.Set(ctx, redisKeyPrefix+id, eventType, l.retention).Err(); err != nil {
		return fmt.Errorf("record applied event: %w", err)
	}
	return nil
}

// Prune is a no-op: keys expire after the retention window.
func (l *RedisLedger) Prune(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLedger) Close() error {
	return l.client.Close()
}
