package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"boardsync-api/domain"
)

const allTasksCacheKey = "tasks:all"

// backend is the subset of TaskStore the cache needs, kept as an
// interface so tests can substitute a stub without a real database.
type backend interface {
	GetAllTasks(ctx context.Context) ([]domain.Task, error)
}

// Cache wraps a task backend with a Redis-backed read-model cache of
// GetAllTasks. It fails open: any Redis error is logged and treated as
// a cache miss rather than surfaced to the caller.
type Cache struct {
	*TaskStore
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper. base is usually the *TaskStore
// also embedded, but tests may pass a stub.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	c := &Cache{base: base, redis: client, ttl: ttl}
	if s, ok := base.(*TaskStore); ok {
		c.TaskStore = s
	}
	return c
}

// GetAllTasks returns the cached snapshot when present, otherwise loads
// from base and populates the cache.
func (c *Cache) GetAllTasks(ctx context.Context) ([]domain.Task, error) {
	if tasks, ok := c.loadFromCache(ctx); ok {
		return tasks, nil
	}
	tasks, err := c.base.GetAllTasks(ctx)
	if err != nil {
		return nil, err
	}
	c.store(ctx, tasks)
	return tasks, nil
}

// Evict drops the cached snapshot; call after any mutation.
func (c *Cache) Evict(ctx context.Context) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, allTasksCacheKey).Err(); err != nil {
		logrus.WithError(err).Warn("storage cache: evict failed")
	}
}

func (c *Cache) loadFromCache(ctx context.Context) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, allTasksCacheKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			logrus.WithError(err).Warn("storage cache: read failed, falling back to store")
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		logrus.WithError(err).Warn("storage cache: decode failed, falling back to store")
		_ = c.redis.Del(ctx, allTasksCacheKey).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) store(ctx context.Context, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(tasks)
	if err != nil {
		logrus.WithError(err).Warn("storage cache: encode failed")
		return
	}
	if err := c.redis.Set(ctx, allTasksCacheKey, data, c.ttl).Err(); err != nil {
		logrus.WithError(err).Warn("storage cache: write failed")
	}
}
