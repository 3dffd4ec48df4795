package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/redis/go-redis/v9"

	"github.com/AnshRaj112/whisper-trust/internal/models"
)

const (
	// RateLimitKeyPrefix is the Redis key prefix for rate limit windows
	RateLimitKeyPrefix = "ratelimit:"
	// DefaultLocalWindowCapacity bounds the degraded-mode window store
	DefaultLocalWindowCapacity = 50_000
)

// compare-and-swap on the encoded window; an empty expected value means "absent"
var casWindowScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if ARGV[1] == '' then
  if cur then return 0 end
elseif cur ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// RedisWindowStore keeps windows in Redis, one key per (identity, action).
type RedisWindowStore struct {
	Client *redis.Client
}

func NewRedisWindowStore(client *redis.Client) *RedisWindowStore {
	return &RedisWindowStore{Client: client}
}

func (s *RedisWindowStore) Get(ctx context.Context, key string) (models.RateLimitWindow, bool, error) {
	raw, err := s.Client.Get(ctx, RateLimitKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return models.RateLimitWindow{}, false, nil
	} else if err != nil {
		return models.RateLimitWindow{}, false, err
	}
	w, err := decodeWindow(raw)
	if err != nil {
		return models.RateLimitWindow{}, false, err
	}
	return w, true, nil
}

func (s *RedisWindowStore) CompareAndSwap(ctx context.Context, key string, prev *models.RateLimitWindow, next models.RateLimitWindow, ttl time.Duration) (bool, error) {
	expected := ""
	if prev != nil {
		expected = encodeWindow(*prev)
	}
	ms := ttl.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	n, err := casWindowScript.Run(ctx, s.Client, []string{RateLimitKeyPrefix + key}, expected, encodeWindow(next), ms).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// count:startUnixNano:maxAttempts:durationNanos
func encodeWindow(w models.RateLimitWindow) string {
	return fmt.Sprintf("%d:%d:%d:%d", w.Count, w.WindowStart.UnixNano(), w.MaxAttempts, int64(w.Duration))
}

func decodeWindow(raw string) (models.RateLimitWindow, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 4 {
		return models.RateLimitWindow{}, fmt.Errorf("malformed rate limit window %q", raw)
	}
	var nums [4]int64
	for i, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return models.RateLimitWindow{}, fmt.Errorf("malformed rate limit window %q: %w", raw, err)
		}
		nums[i] = n
	}
	return models.RateLimitWindow{
		Count:       int(nums[0]),
		WindowStart: time.Unix(0, nums[1]).UTC(),
		MaxAttempts: int(nums[2]),
		Duration:    time.Duration(nums[3]),
	}, nil
}

func sameWindow(a, b models.RateLimitWindow) bool {
	return a.Count == b.Count && a.WindowStart.Equal(b.WindowStart) && a.Duration == b.Duration
}

// MemWindowStore is an unbounded process-local store, swept periodically.
type MemWindowStore struct {
	windows *xsync.MapOf[string, models.RateLimitWindow]
}

func NewMemWindowStore() *MemWindowStore {
	return &MemWindowStore{windows: xsync.NewMapOf[string, models.RateLimitWindow]()}
}

func (s *MemWindowStore) Get(ctx context.Context, key string) (models.RateLimitWindow, bool, error) {
	w, ok := s.windows.Load(key)
	return w, ok, nil
}

func (s *MemWindowStore) CompareAndSwap(ctx context.Context, key string, prev *models.RateLimitWindow, next models.RateLimitWindow, ttl time.Duration) (bool, error) {
	swapped := false
	s.windows.Compute(key, func(old models.RateLimitWindow, loaded bool) (models.RateLimitWindow, bool) {
		if (prev == nil && !loaded) || (prev != nil && loaded && sameWindow(old, *prev)) {
			swapped = true
			return next, false
		}
		// leave the map as it was; delete only the placeholder for an absent key
		return old, !loaded
	})
	return swapped, nil
}

// Sweep drops windows that elapsed before now.
func (s *MemWindowStore) Sweep(now time.Time) int {
	removed := 0
	s.windows.Range(func(key string, w models.RateLimitWindow) bool {
		if w.Expired(now) {
			s.windows.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

func (s *MemWindowStore) Len() int {
	return s.windows.Size()
}

// LRUWindowStore is the bounded store behind the limiter's degraded mode.
// Old keys fall out by capacity or by ttl, whichever comes first.
type LRUWindowStore struct {
	mu      sync.Mutex
	windows *expirable.LRU[string, models.RateLimitWindow]
}

func NewLRUWindowStore(capacity int, ttl time.Duration) *LRUWindowStore {
	return &LRUWindowStore{
		windows: expirable.NewLRU[string, models.RateLimitWindow](capacity, nil, ttl),
	}
}

func (s *LRUWindowStore) Get(ctx context.Context, key string) (models.RateLimitWindow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows.Get(key)
	return w, ok, nil
}

func (s *LRUWindowStore) CompareAndSwap(ctx context.Context, key string, prev *models.RateLimitWindow, next models.RateLimitWindow, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, loaded := s.windows.Get(key)
	if (prev == nil && loaded) || (prev != nil && (!loaded || !sameWindow(cur, *prev))) {
		return false, nil
	}
	s.windows.Add(key, next)
	return true, nil
}
