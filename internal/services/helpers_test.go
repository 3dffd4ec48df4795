package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/AnshRaj112/whisper-trust/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testLog = zerolog.Nop()

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

var errBrokenStore = errors.New("connection refused")

// brokenWindowStore fails every call, like an unreachable Redis
type brokenWindowStore struct{}

func (brokenWindowStore) Get(ctx context.Context, key string) (models.RateLimitWindow, bool, error) {
	return models.RateLimitWindow{}, false, errBrokenStore
}

func (brokenWindowStore) CompareAndSwap(ctx context.Context, key string, prev *models.RateLimitWindow, next models.RateLimitWindow, ttl time.Duration) (bool, error) {
	return false, errBrokenStore
}
