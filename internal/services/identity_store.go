package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/redis/go-redis/v9"

	"github.com/AnshRaj112/whisper-trust/internal/models"
)

const (
	// IdentityKeyPrefix is the Redis key prefix for anonymous identities
	IdentityKeyPrefix = "identity:"
)

// storedIdentity is the persisted form of an identity. The token never leaves
// the client; stores only see its hash as the key.
type storedIdentity struct {
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func toStored(identity models.Identity) storedIdentity {
	return storedIdentity{IssuedAt: identity.IssuedAt, ExpiresAt: identity.ExpiresAt}
}

func (s storedIdentity) identity() models.Identity {
	return models.Identity{IssuedAt: s.IssuedAt, ExpiresAt: s.ExpiresAt}
}

// RedisIdentityStore keeps identities in Redis with a TTL matching their lifetime.
type RedisIdentityStore struct {
	Client *redis.Client
}

func NewRedisIdentityStore(client *redis.Client) *RedisIdentityStore {
	return &RedisIdentityStore{Client: client}
}

func (s *RedisIdentityStore) Get(ctx context.Context, key string) (models.Identity, error) {
	raw, err := s.Client.Get(ctx, IdentityKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Identity{}, ErrNotFound
	} else if err != nil {
		return models.Identity{}, err
	}

	var stored storedIdentity
	if err := json.Unmarshal(raw, &stored); err != nil {
		// unreadable entries are treated as absent and get overwritten on reissue
		return models.Identity{}, ErrNotFound
	}
	return stored.identity(), nil
}

func (s *RedisIdentityStore) Put(ctx context.Context, key string, identity models.Identity) error {
	data, err := json.Marshal(toStored(identity))
	if err != nil {
		return err
	}
	ttl := identity.ExpiresAt.Sub(identity.IssuedAt)
	if ttl <= 0 {
		return nil
	}
	return s.Client.Set(ctx, IdentityKeyPrefix+key, data, ttl).Err()
}

// MemIdentityStore is the process-local identity store. Entries leave only
// through Sweep once expired.
type MemIdentityStore struct {
	entries *xsync.MapOf[string, storedIdentity]
}

func NewMemIdentityStore() *MemIdentityStore {
	return &MemIdentityStore{entries: xsync.NewMapOf[string, storedIdentity]()}
}

func (s *MemIdentityStore) Get(ctx context.Context, key string) (models.Identity, error) {
	stored, ok := s.entries.Load(key)
	if !ok {
		return models.Identity{}, ErrNotFound
	}
	return stored.identity(), nil
}

func (s *MemIdentityStore) Put(ctx context.Context, key string, identity models.Identity) error {
	s.entries.Store(key, toStored(identity))
	return nil
}

// Sweep drops identities that expired before now and reports how many went.
func (s *MemIdentityStore) Sweep(now time.Time) int {
	removed := 0
	s.entries.Range(func(key string, stored storedIdentity) bool {
		if stored.identity().Expired(now) {
			s.entries.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

func (s *MemIdentityStore) Len() int {
	return s.entries.Size()
}
