package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tabflow/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	SetFileStatus(ctx context.Context, ownerID, fileID uuid.UUID, status models.FileStatus, ttl time.Duration) error
	GetFileStatus(ctx context.Context, ownerID, fileID uuid.UUID) (models.FileStatus, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) SetFileStatus(ctx context.Context, ownerID, fileID uuid.UUID, status models.FileStatus, ttl time.Duration) error {
	return c.client.Set(ctx, FileStatusKey(ownerID, fileID), string(status), ttl).Err()
}

// GetFileStatus returns the mirrored status. Unknown values are treated as a
// miss so callers fall back to the store.
func (c *RedisCache) GetFileStatus(ctx context.Context, ownerID, fileID uuid.UUID) (models.FileStatus, bool, error) {
	val, err := c.client.Get(ctx, FileStatusKey(ownerID, fileID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	status := models.FileStatus(val)
	if !status.Valid() {
		return "", false, nil
	}
	return status, true, nil
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
