package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/AnshRaj112/whisper-trust/internal/models"
	"github.com/AnshRaj112/whisper-trust/pkg/utils"
)

const (
	reasonPendingReview   = "Your post was received and is awaiting review"
	reasonNotFound        = "Submission not found"
	reasonSelfReaction    = "Reacting to your own post earns no points"
	reasonAlreadyClaimed  = "Bonus already claimed"
	reasonAlreadyReacted  = "You already reacted to this post"
	reasonIdentityLimited = "Too many new identities from this client. Try again later."

	// anonymousClient stands in for callers that arrive without a client key
	anonymousClient = "client:unknown"
)

// Caller echoes the identity used for a call so clients can store a reissued token.
type Caller struct {
	IdentityToken string `json:"identity_token"`
	Reissued      bool   `json:"reissued"`
}

// ClientKey identifies the network client (a hashed IP at the HTTP layer).
// New identities are only issued while it stays under the identity policy.
type SubmitRequest struct {
	Content       string
	URLs          []string
	IdentityToken string
	ClientKey     string
}

type SubmitResult struct {
	Caller
	Accepted           bool                    `json:"accepted"`
	RateLimited        bool                    `json:"rate_limited,omitempty"`
	SanitizedContent   string                  `json:"sanitized_content"`
	Status             models.ModerationStatus `json:"status,omitempty"`
	RemainingRateLimit int                     `json:"remaining_rate_limit"`
	Reason             string                  `json:"reason,omitempty"`
	SubmissionID       string                  `json:"submission_id,omitempty"`
	ValidURLs          []string                `json:"valid_urls"`
	InvalidURLs        []string                `json:"invalid_urls"`
	Credited           bool                    `json:"credited"`
	Balance            int64                   `json:"balance"`
}

type ReactRequest struct {
	SubmissionID  string
	IdentityToken string
	ClientKey     string
}

type ReactResult struct {
	Caller
	Accepted           bool   `json:"accepted"`
	RateLimited        bool   `json:"rate_limited,omitempty"`
	RemainingRateLimit int    `json:"remaining_rate_limit"`
	Reason             string `json:"reason,omitempty"`
	Credited           bool   `json:"credited"`
	Balance            int64  `json:"balance"`
}

type RewardResult struct {
	Caller
	Accepted           bool   `json:"accepted"`
	RateLimited        bool   `json:"rate_limited,omitempty"`
	RemainingRateLimit int    `json:"remaining_rate_limit"`
	Reason             string `json:"reason,omitempty"`
	Credited           bool   `json:"credited"`
	Balance            int64  `json:"balance"`
}

type IdentityResult struct {
	Caller
	Accepted    bool   `json:"accepted"`
	RateLimited bool   `json:"rate_limited,omitempty"`
	Reason      string `json:"reason,omitempty"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}

type ProgressionResult struct {
	Caller
	RateLimited  bool                       `json:"rate_limited,omitempty"`
	Reason       string                     `json:"reason,omitempty"`
	Progression  models.UserProgression     `json:"progression"`
	Transactions []models.RewardTransaction `json:"transactions"`
}

type FeedResult struct {
	Submissions []models.Submission `json:"submissions"`
	Total       int64               `json:"total"`
	HasMore     bool                `json:"has_more"`
}

// Pipeline is the single entry point for submissions, reactions and rewards.
// Admission always happens before validation, and rewards only follow a
// clean moderation result.
type Pipeline struct {
	Tokens      *TokenManager
	Limiter     *RateLimiter
	Moderator   *Moderator
	Ledger      *Ledger
	Submissions SubmissionStore
	// FeedCache is optional; nil serves every feed page from the store
	FeedCache   FeedCache

	MaxContentLength int
	Clock            Clock
	Log              zerolog.Logger
}

func (p *Pipeline) maxLength() int {
	if p.MaxContentLength > 0 {
		return p.MaxContentLength
	}
	return DefaultMaxContentLength
}

func (p *Pipeline) now() Clock {
	if p.Clock != nil {
		return p.Clock
	}
	return SystemClock
}

// Identify resolves the presented token, issuing a new one when needed.
func (p *Pipeline) Identify(ctx context.Context, presented, clientKey string) (IdentityResult, error) {
	res, limited, err := p.resolveCaller(ctx, presented, clientKey)
	if err != nil {
		return IdentityResult{}, err
	}
	if limited {
		return IdentityResult{RateLimited: true, Reason: reasonIdentityLimited}, nil
	}
	return identityResult(res), nil
}

// resolveCaller returns the identity behind presented. When there is none a
// new identity is issued, but only after clientKey clears the identity
// policy; limited reports that it did not and nothing was issued.
func (p *Pipeline) resolveCaller(ctx context.Context, presented, clientKey string) (res Resolution, limited bool, err error) {
	if clientKey == "" {
		clientKey = anonymousClient
	}
	res, err = p.Tokens.ResolveOrIssue(ctx, presented, func(ctx context.Context) (bool, error) {
		d, err := p.Limiter.Admit(ctx, clientKey, ActionIdentity)
		return d.Allowed, err
	})
	if errors.Is(err, ErrIssuanceRefused) {
		p.Log.Debug().Str("client", clientKey).Msg("identity issuance limited")
		return Resolution{}, true, nil
	}
	return res, false, err
}

func callerOf(res Resolution) Caller {
	return Caller{IdentityToken: res.Identity.Token, Reissued: res.Reissued}
}

func identityResult(res Resolution) IdentityResult {
	return IdentityResult{
		Caller:    callerOf(res),
		Accepted:  true,
		ExpiresAt: res.Identity.ExpiresAt.Format(time.RFC3339),
	}
}

// Submit runs one submission through admission, validation, storage,
// moderation and reward.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	out := SubmitResult{ValidURLs: []string{}, InvalidURLs: []string{}}
	res, limited, err := p.resolveCaller(ctx, req.IdentityToken, req.ClientKey)
	if err != nil {
		return SubmitResult{}, err
	}
	if limited {
		submissionCount.WithLabelValues("rate_limited").Inc()
		out.RateLimited = true
		out.Reason = reasonIdentityLimited
		return out, nil
	}
	out.Caller = callerOf(res)

	d, err := p.Limiter.Admit(ctx, res.Key, ActionSubmission)
	if err != nil {
		return SubmitResult{}, err
	}
	out.RemainingRateLimit = d.Remaining
	if !d.Allowed {
		submissionCount.WithLabelValues("rate_limited").Inc()
		out.RateLimited = true
		out.Reason = d.BlockedReason
		return out, nil
	}

	v := utils.ValidateContent(req.Content, p.maxLength())
	out.SanitizedContent = v.SanitizedContent
	if strings.TrimSpace(req.Content) == "" || v.HasThreat(utils.ThreatTooLong) {
		// empty or oversized posts are rejected outright; anything else is
		// stored and left to moderation
		submissionCount.WithLabelValues("invalid").Inc()
		out.Reason = utils.ReasonFor(v)
		return out, nil
	}

	urls := utils.ValidateURLs(req.URLs)
	out.ValidURLs = urls.Valid
	out.InvalidURLs = urls.Invalid

	now := p.now().Now()
	sub := models.Submission{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		Identity:  res.Key,
		Content:   v.SanitizedContent,
		URLs:      urls.Valid,
		Status:    models.ModerationPending,
	}
	if err := p.Submissions.Create(ctx, sub); err != nil {
		return SubmitResult{}, fmt.Errorf("store submission: %w", err)
	}

	rec, err := p.Moderator.Moderate(ctx, req.Content, sub.ID, res.Key)
	if err != nil {
		return SubmitResult{}, err
	}
	out.Accepted = true
	out.SubmissionID = sub.ID
	out.Status = rec.Status
	submissionCount.WithLabelValues(string(rec.Status)).Inc()

	if rec.Status != models.ModerationClean {
		out.Reason = reasonPendingReview
		return out, nil
	}

	credit, err := p.Ledger.Credit(ctx, res.Key, models.EventPost)
	if err != nil {
		return SubmitResult{}, err
	}
	out.Credited = credit.Credited
	out.Balance = credit.Balance
	p.invalidateFeed(ctx)
	return out, nil
}

// Rereview moderates a stored submission again and drops cached feed pages,
// since the submission may have just been hidden.
func (p *Pipeline) Rereview(ctx context.Context, submissionID string) (models.ModerationRecord, error) {
	rec, err := p.Moderator.Rereview(ctx, submissionID)
	if err != nil {
		return models.ModerationRecord{}, err
	}
	p.invalidateFeed(ctx)
	return rec, nil
}

func (p *Pipeline) invalidateFeed(ctx context.Context) {
	if p.FeedCache == nil {
		return
	}
	if err := p.FeedCache.Invalidate(ctx); err != nil {
		p.Log.Warn().Err(err).Msg("feed cache invalidation failed")
	}
}

// React records one reaction per identity and submission and pays the
// reactor and the author together for the first one.
func (p *Pipeline) React(ctx context.Context, req ReactRequest) (ReactResult, error) {
	res, limited, err := p.resolveCaller(ctx, req.IdentityToken, req.ClientKey)
	if err != nil {
		return ReactResult{}, err
	}
	if limited {
		return ReactResult{RateLimited: true, Reason: reasonIdentityLimited}, nil
	}
	out := ReactResult{Caller: callerOf(res)}

	d, err := p.Limiter.Admit(ctx, res.Key, ActionReaction)
	if err != nil {
		return ReactResult{}, err
	}
	out.RemainingRateLimit = d.Remaining
	if !d.Allowed {
		out.RateLimited = true
		out.Reason = d.BlockedReason
		return out, nil
	}

	sub, err := p.Submissions.Get(ctx, req.SubmissionID)
	if errors.Is(err, ErrNotFound) || (err == nil && !sub.Visible()) {
		out.Reason = reasonNotFound
		return out, nil
	} else if err != nil {
		return ReactResult{}, fmt.Errorf("load submission: %w", err)
	}

	out.Accepted = true
	if sub.Identity == res.Key {
		out.Reason = reasonSelfReaction
		return p.withBalance(ctx, res.Key, out)
	}

	first, err := p.Submissions.AddReaction(ctx, sub.ID, res.Key)
	if err != nil {
		return ReactResult{}, fmt.Errorf("record reaction: %w", err)
	}
	if !first {
		out.Reason = reasonAlreadyReacted
		return p.withBalance(ctx, res.Key, out)
	}

	credit, err := p.Ledger.CreditReaction(ctx, res.Key, sub.Identity)
	if err != nil {
		// neither side was paid; drop the reaction so a retry can pay both
		if rerr := p.Submissions.RemoveReaction(context.WithoutCancel(ctx), sub.ID, res.Key); rerr != nil {
			p.Log.Error().Err(rerr).Str("submission_id", sub.ID).Msg("reaction kept after failed credit")
		}
		return ReactResult{}, err
	}
	out.Credited = credit.Credited
	out.Balance = credit.Balance
	return out, nil
}

func (p *Pipeline) withBalance(ctx context.Context, identity string, out ReactResult) (ReactResult, error) {
	prog, err := p.Ledger.Progression(ctx, identity)
	if err != nil {
		return ReactResult{}, err
	}
	out.Balance = prog.Points
	return out, nil
}

// ClaimEarlyUser pays the one-time early user bonus.
func (p *Pipeline) ClaimEarlyUser(ctx context.Context, token, clientKey string) (RewardResult, error) {
	res, limited, err := p.resolveCaller(ctx, token, clientKey)
	if err != nil {
		return RewardResult{}, err
	}
	if limited {
		return RewardResult{RateLimited: true, Reason: reasonIdentityLimited}, nil
	}
	out := RewardResult{Caller: callerOf(res)}

	d, err := p.Limiter.Admit(ctx, res.Key, ActionReward)
	if err != nil {
		return RewardResult{}, err
	}
	out.RemainingRateLimit = d.Remaining
	if !d.Allowed {
		out.RateLimited = true
		out.Reason = d.BlockedReason
		return out, nil
	}

	credit, err := p.Ledger.Credit(ctx, res.Key, models.EventEarlyUser)
	if err != nil {
		return RewardResult{}, err
	}
	out.Accepted = true
	out.Credited = credit.Credited
	out.Balance = credit.Balance
	if !credit.Credited {
		out.Reason = reasonAlreadyClaimed
	}
	return out, nil
}

// Progression returns the caller's balance, level and recent transactions.
func (p *Pipeline) Progression(ctx context.Context, token, clientKey string, limit int) (ProgressionResult, error) {
	res, limited, err := p.resolveCaller(ctx, token, clientKey)
	if err != nil {
		return ProgressionResult{}, err
	}
	if limited {
		return ProgressionResult{RateLimited: true, Reason: reasonIdentityLimited, Transactions: []models.RewardTransaction{}}, nil
	}
	prog, err := p.Ledger.Progression(ctx, res.Key)
	if err != nil {
		return ProgressionResult{}, err
	}
	txns, err := p.Ledger.Transactions(ctx, res.Key, limit)
	if err != nil {
		return ProgressionResult{}, err
	}
	return ProgressionResult{
		Caller:       callerOf(res),
		Progression:  prog,
		Transactions: txns,
	}, nil
}

// Feed pages public submissions newest first.
func (p *Pipeline) Feed(ctx context.Context, limit, skip int) (FeedResult, error) {
	if limit <= 0 {
		limit = DefaultFeedLimit
	}
	if limit > maxFeedLimit {
		limit = maxFeedLimit
	}
	if skip < 0 {
		skip = 0
	}

	if p.FeedCache != nil {
		feed, ok, err := p.FeedCache.Get(ctx, limit, skip)
		if err != nil {
			p.Log.Warn().Err(err).Msg("feed cache read failed")
		} else if ok {
			return feed, nil
		}
	}

	subs, total, err := p.Submissions.ListVisible(ctx, limit, skip)
	if err != nil {
		return FeedResult{}, fmt.Errorf("load feed: %w", err)
	}
	feed := FeedResult{
		Submissions: subs,
		Total:       total,
		HasMore:     int64(skip+len(subs)) < total,
	}

	if p.FeedCache != nil {
		if err := p.FeedCache.Set(ctx, limit, skip, feed); err != nil {
			p.Log.Warn().Err(err).Msg("feed cache write failed")
		}
	}
	return feed, nil
}
