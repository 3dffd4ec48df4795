package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/AnshRaj112/whisper-trust/internal/models"
)

const (
	ActionSubmission = "submission"
	ActionReaction   = "reaction"
	ActionIdentity   = "identity"
	ActionReward     = "reward"

	// A lost swap means another call for the key was counted, so a window
	// fills after at most maxAttempts losses. The budget covers that plus
	// slack for window restarts, up to a hard cap.
	minSwapAttempts = 8
	maxSwapAttempts = 256
)

// Policy caps attempts per fixed window for one action.
type Policy struct {
	MaxAttempts int
	Window      time.Duration
}

// DefaultPolicies is the action policy table.
var DefaultPolicies = map[string]Policy{
	ActionSubmission: {MaxAttempts: 5, Window: 15 * time.Minute},
	ActionReaction:   {MaxAttempts: 60, Window: time.Minute},
	ActionIdentity:   {MaxAttempts: 10, Window: time.Hour},
	ActionReward:     {MaxAttempts: 10, Window: time.Hour},
}

// fallbackPolicy applies to actions missing from the table
var fallbackPolicy = Policy{MaxAttempts: 10, Window: time.Minute}

type FailMode string

const (
	// FailLocal keeps limiting against process memory when the shared store is down
	FailLocal FailMode = "local"
	// FailReject turns shared store failures into ErrStoreUnavailable
	FailReject FailMode = "reject"
)

// WindowStore holds rate limit windows with per-key compare-and-swap.
type WindowStore interface {
	Get(ctx context.Context, key string) (models.RateLimitWindow, bool, error)
	// CompareAndSwap stores next only if the current value still equals prev
	// (prev == nil means the key must be absent).
	CompareAndSwap(ctx context.Context, key string, prev *models.RateLimitWindow, next models.RateLimitWindow, ttl time.Duration) (bool, error)
}

// Decision is the limiter's answer for one call.
type Decision struct {
	Allowed       bool      `json:"allowed"`
	Remaining     int       `json:"remaining"`
	ResetTime     time.Time `json:"reset_time"`
	Count         int       `json:"count"`
	BlockedReason string    `json:"blocked_reason,omitempty"`
	// Degraded is set when the decision came from the local fallback
	Degraded bool `json:"degraded,omitempty"`
}

// RateLimiter is a fixed-window limiter keyed by (identity, action).
type RateLimiter struct {
	store    WindowStore
	local    WindowStore
	policies map[string]Policy
	failMode FailMode
	clock    Clock
	log      zerolog.Logger
}

type RateLimiterOption func(*RateLimiter)

func WithPolicies(policies map[string]Policy) RateLimiterOption {
	return func(l *RateLimiter) {
		for action, p := range policies {
			l.policies[action] = p
		}
	}
}

func WithFailMode(mode FailMode) RateLimiterOption {
	return func(l *RateLimiter) {
		l.failMode = mode
	}
}

func WithLimiterClock(clock Clock) RateLimiterOption {
	return func(l *RateLimiter) {
		l.clock = clock
	}
}

// WithLocalStore replaces the process-local fallback store.
func WithLocalStore(store WindowStore) RateLimiterOption {
	return func(l *RateLimiter) {
		l.local = store
	}
}

func NewRateLimiter(store WindowStore, log zerolog.Logger, opts ...RateLimiterOption) *RateLimiter {
	l := &RateLimiter{
		store:    store,
		policies: make(map[string]Policy, len(DefaultPolicies)),
		failMode: FailLocal,
		clock:    SystemClock,
		log:      log.With().Str("component", "ratelimit").Logger(),
	}
	for action, p := range DefaultPolicies {
		l.policies[action] = p
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.local == nil {
		l.local = NewLRUWindowStore(DefaultLocalWindowCapacity, l.longestWindow())
	}
	return l
}

// Policy returns the configured policy for action.
func (l *RateLimiter) Policy(action string) Policy {
	if p, ok := l.policies[action]; ok {
		return p
	}
	return fallbackPolicy
}

// Admit consumes one attempt for identity under the action's policy.
func (l *RateLimiter) Admit(ctx context.Context, identity, action string) (Decision, error) {
	p := l.Policy(action)
	return l.CheckAndConsume(ctx, identity, action, p.MaxAttempts, p.Window)
}

// CheckAndConsume admits or rejects one attempt. A window is started on the
// first call or once the previous window elapsed; after that calls are
// admitted while count < maxAttempts.
//
// If the shared store fails the same algorithm runs against local memory with
// half the attempts, unless the limiter was built with FailReject.
func (l *RateLimiter) CheckAndConsume(ctx context.Context, identity, action string, maxAttempts int, window time.Duration) (Decision, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	key := identity + ":" + action

	d, err := l.consume(ctx, l.store, key, action, maxAttempts, window)
	if err == nil {
		if !d.Allowed {
			rateLimitRejectCount.WithLabelValues(action).Inc()
		}
		return d, nil
	}

	if l.failMode == FailReject {
		return Decision{}, fmt.Errorf("rate limit store: %w: %v", ErrStoreUnavailable, err)
	}

	l.log.Warn().Err(err).Str("action", action).Msg("shared rate limit store failed, using local fallback")
	rateLimitDegradedCount.WithLabelValues(action).Inc()

	strict := maxAttempts / 2
	if strict < 1 {
		strict = 1
	}
	d, ferr := l.consume(ctx, l.local, key, action, strict, window)
	if ferr != nil {
		return Decision{}, fmt.Errorf("rate limit fallback: %w: %v", ErrStoreUnavailable, ferr)
	}
	d.Degraded = true
	if !d.Allowed {
		rateLimitRejectCount.WithLabelValues(action).Inc()
	}
	return d, nil
}

func swapBudget(maxAttempts int) int {
	budget := maxAttempts + minSwapAttempts
	if budget > maxSwapAttempts {
		budget = maxSwapAttempts
	}
	return budget
}

func (l *RateLimiter) consume(ctx context.Context, store WindowStore, key, action string, maxAttempts int, window time.Duration) (Decision, error) {
	for attempt := 0; attempt < swapBudget(maxAttempts); attempt++ {
		now := l.clock.Now()

		current, found, err := store.Get(ctx, key)
		if err != nil {
			return Decision{}, err
		}

		var prev *models.RateLimitWindow
		if found {
			c := current
			prev = &c
		}

		var next models.RateLimitWindow
		switch {
		case !found || current.Expired(now):
			next = models.RateLimitWindow{
				Count:       1,
				WindowStart: now,
				MaxAttempts: maxAttempts,
				Duration:    window,
			}
		case current.Count < maxAttempts:
			next = current
			next.Count++
			next.MaxAttempts = maxAttempts
		default:
			reset := current.ResetTime()
			return Decision{
				Allowed:       false,
				Remaining:     0,
				ResetTime:     reset,
				Count:         current.Count,
				BlockedReason: blockedReason(action, reset.Sub(now)),
			}, nil
		}

		ttl := next.ResetTime().Sub(now)
		swapped, err := store.CompareAndSwap(ctx, key, prev, next, ttl)
		if err != nil {
			return Decision{}, err
		}
		if swapped {
			return Decision{
				Allowed:   true,
				Remaining: maxAttempts - next.Count,
				ResetTime: next.ResetTime(),
				Count:     next.Count,
			}, nil
		}
	}

	l.log.Warn().Str("action", action).Msg("rate limit swap kept losing, rejecting")
	return Decision{
		Allowed:       false,
		ResetTime:     l.clock.Now().Add(time.Second),
		BlockedReason: "Too many simultaneous requests. Please try again.",
	}, nil
}

func (l *RateLimiter) longestWindow() time.Duration {
	longest := fallbackPolicy.Window
	for _, p := range l.policies {
		if p.Window > longest {
			longest = p.Window
		}
	}
	return longest
}

func blockedReason(action string, wait time.Duration) string {
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("Too many %s requests. Try again in %d seconds.", action, secs)
}
