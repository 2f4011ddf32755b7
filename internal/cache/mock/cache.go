// Package mock provides an in-memory cache.Cache for tests.
package mock

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tabflow/internal/cache"
	"github.com/kiranshivaraju/tabflow/pkg/models"
)

// Cache ignores TTLs. Set Err to make every call fail.
type Cache struct {
	mu   sync.Mutex
	data map[string][]byte
	Err  error
}

var _ cache.Cache = (*Cache)(nil)

func NewCache() *Cache {
	return &Cache{data: map[string][]byte{}}
}

func (c *Cache) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Err
}

func (c *Cache) SetFileStatus(_ context.Context, ownerID, fileID uuid.UUID, status models.FileStatus, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	c.data[cache.FileStatusKey(ownerID, fileID)] = []byte(status)
	return nil
}

func (c *Cache) GetFileStatus(_ context.Context, ownerID, fileID uuid.UUID) (models.FileStatus, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return "", false, c.Err
	}
	v, ok := c.data[cache.FileStatusKey(ownerID, fileID)]
	if !ok {
		return "", false, nil
	}
	status := models.FileStatus(v)
	if !status.Valid() {
		return "", false, nil
	}
	return status, true, nil
}

func (c *Cache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return 0, c.Err
	}
	n, _ := strconv.ParseInt(string(c.data[key]), 10, 64)
	n++
	c.data[key] = []byte(strconv.FormatInt(n, 10))
	return n, nil
}
