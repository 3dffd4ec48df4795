package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/AnshRaj112/whisper-trust/internal/models"
	"github.com/AnshRaj112/whisper-trust/pkg/utils"
)

const (
	// DefaultIdentityTTL is how long an anonymous identity stays valid
	DefaultIdentityTTL = 24 * time.Hour
)

// IdentityStore persists issued identities under the hash of their token.
// Stores never keep the token itself, so identities come back without it.
type IdentityStore interface {
	// Get returns ErrNotFound when nothing is stored under key.
	Get(ctx context.Context, key string) (models.Identity, error)
	Put(ctx context.Context, key string, identity models.Identity) error
}

// Resolution is what the token manager hands back to callers.
type Resolution struct {
	Identity models.Identity
	// Key is the opaque identity used by the limiter, ledger and moderation log
	Key string
	// Reissued is true when the presented token was missing, malformed or expired
	Reissued bool
}

// IssueGate reports whether a new identity may be issued right now.
type IssueGate func(ctx context.Context) (bool, error)

// TokenManager issues and validates anonymous identity tokens.
type TokenManager struct {
	store IdentityStore
	ttl   time.Duration
	clock Clock
	log   zerolog.Logger
}

func NewTokenManager(store IdentityStore, ttl time.Duration, clock Clock, log zerolog.Logger) *TokenManager {
	if ttl <= 0 {
		ttl = DefaultIdentityTTL
	}
	if clock == nil {
		clock = SystemClock
	}
	return &TokenManager{
		store: store,
		ttl:   ttl,
		clock: clock,
		log:   log.With().Str("component", "identity").Logger(),
	}
}

// Validate performs structural checks only. It never looks anything up.
func (m *TokenManager) Validate(token string) bool {
	return utils.ValidateToken(token)
}

// Lookup returns the stored identity behind presented. ok is false when the
// token is missing, malformed, unknown or expired; nothing is issued.
// Only store failures are returned as errors.
func (m *TokenManager) Lookup(ctx context.Context, presented string) (res Resolution, ok bool, err error) {
	if presented == "" {
		return Resolution{}, false, nil
	}
	if !m.Validate(presented) {
		m.log.Debug().Msg("presented identity malformed")
		return Resolution{}, false, nil
	}

	key := utils.HashToken(presented)
	identity, err := m.store.Get(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return Resolution{}, false, fmt.Errorf("identity lookup: %w", err)
	case !identity.Expired(m.clock.Now()):
		identity.Token = presented
		return Resolution{Identity: identity, Key: key}, true, nil
	}
	m.log.Debug().Msg("presented identity unknown or expired")
	return Resolution{}, false, nil
}

// ResolveOrIssue returns the stored identity behind presented when it is
// well-formed and unexpired. Otherwise a new identity is issued if gate
// allows it (a nil gate always does) and ErrIssuanceRefused is returned if
// not. Invalid and expired tokens are replaced silently.
func (m *TokenManager) ResolveOrIssue(ctx context.Context, presented string, gate IssueGate) (Resolution, error) {
	res, ok, err := m.Lookup(ctx, presented)
	if err != nil || ok {
		return res, err
	}
	if gate != nil {
		allowed, err := gate(ctx)
		if err != nil {
			return Resolution{}, err
		}
		if !allowed {
			return Resolution{}, ErrIssuanceRefused
		}
	}
	return m.Issue(ctx)
}

// Issue creates and stores a fresh identity.
func (m *TokenManager) Issue(ctx context.Context) (Resolution, error) {
	token, err := utils.GenerateToken()
	if err != nil {
		return Resolution{}, fmt.Errorf("generate token: %w", err)
	}
	now := m.clock.Now()
	identity := models.Identity{
		Token:     token,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}
	key := utils.HashToken(token)
	if err := m.store.Put(ctx, key, identity); err != nil {
		return Resolution{}, fmt.Errorf("identity store: %w", err)
	}
	identityIssuedCount.Inc()
	return Resolution{Identity: identity, Key: key, Reissued: true}, nil
}
