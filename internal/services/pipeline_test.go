package services

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnshRaj112/whisper-trust/internal/models"
	"github.com/AnshRaj112/whisper-trust/pkg/utils"
)

type testPipeline struct {
	*Pipeline
	classifier *stubClassifier
	records    *MemModerationLog
	subs       *MemSubmissionStore
	clock      *fakeClock
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()
	clock := newFakeClock()
	classifier := &stubClassifier{}
	records := NewMemModerationLog()
	subs := NewMemSubmissionStore()
	subs.clock = clock

	p := &Pipeline{
		Tokens:      NewTokenManager(NewMemIdentityStore(), time.Hour, clock, testLog),
		Limiter:     NewRateLimiter(NewMemWindowStore(), testLog, WithLimiterClock(clock)),
		Moderator:   NewModerator(classifier, records, subs, ModerationConfig{Timeout: 50 * time.Millisecond}, clock, testLog),
		Ledger:      NewLedger(NewMemLedgerStore(), nil, clock, testLog),
		Submissions: subs,
		Clock:       clock,
		Log:         testLog,
	}
	return &testPipeline{Pipeline: p, classifier: classifier, records: records, subs: subs, clock: clock}
}

func TestSubmitCleanPostIsCreditedOnce(t *testing.T) {
	ctx := context.Background()
	tp := newTestPipeline(t)

	out, err := tp.Submit(ctx, SubmitRequest{
		Content: "Just heard a protocol rumor, nothing crazy",
		URLs:    []string{"https://example.com/proof.png"},
	})
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	assert.True(t, out.Reissued)
	assert.Equal(t, models.ModerationClean, out.Status)
	assert.Equal(t, []string{"https://example.com/proof.png"}, out.ValidURLs)
	assert.Empty(t, out.InvalidURLs)
	assert.Equal(t, 4, out.RemainingRateLimit)
	assert.True(t, out.Credited)
	assert.Equal(t, int64(10), out.Balance)
	assert.Equal(t, int32(1), tp.classifier.calls.Load())

	prog, err := tp.Progression(ctx, out.IdentityToken, "", 10)
	require.NoError(t, err)
	assert.False(t, prog.Reissued)
	require.Len(t, prog.Transactions, 1)
	assert.Equal(t, models.EventPost, prog.Transactions[0].EventKind)
	assert.Equal(t, int64(10), prog.Transactions[0].Amount)

	feed, err := tp.Feed(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, feed.Submissions, 1)
	assert.Equal(t, out.SubmissionID, feed.Submissions[0].ID)
}

func TestSubmitCriticalContentIsHiddenAndUnpaid(t *testing.T) {
	ctx := context.Background()
	tp := newTestPipeline(t)

	content := "<script>alert(1)</script> buy now buy now buy now buy now buy now buy now buy now buy now buy now buy now buy now"
	v := utils.ValidateContent(content, DefaultMaxContentLength)
	assert.Equal(t, utils.RiskCritical, v.RiskLevel)
	assert.True(t, v.HasThreat(utils.ThreatXSS))
	assert.Equal(t, 0, v.SecurityScore)

	out, err := tp.Submit(ctx, SubmitRequest{Content: content})
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	assert.Equal(t, models.ModerationEscalated, out.Status)
	assert.False(t, out.Credited)
	assert.NotContains(t, out.SanitizedContent, "<script")
	assert.Equal(t, int32(0), tp.classifier.calls.Load())

	feed, err := tp.Feed(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, feed.Submissions)

	prog, err := tp.Progression(ctx, out.IdentityToken, "", 10)
	require.NoError(t, err)
	assert.Empty(t, prog.Transactions)
}

func TestSubmitRateLimitedBeforeValidation(t *testing.T) {
	ctx := context.Background()
	tp := newTestPipeline(t)

	first, err := tp.Submit(ctx, SubmitRequest{Content: "first post"})
	require.NoError(t, err)
	token := first.IdentityToken

	for i := 0; i < 4; i++ {
		out, err := tp.Submit(ctx, SubmitRequest{Content: fmt.Sprintf("post %d", i), IdentityToken: token})
		require.NoError(t, err)
		assert.True(t, out.Accepted)
	}

	out, err := tp.Submit(ctx, SubmitRequest{Content: "<script>x</script>", IdentityToken: token})
	require.NoError(t, err)
	assert.False(t, out.Accepted)
	assert.Contains(t, out.Reason, "Too many submission requests")
	assert.Empty(t, out.SanitizedContent, "rejected calls are not scored")
	assert.Equal(t, 5, tp.records.Len())
}

func TestSubmitRejectsEmptyAndOversized(t *testing.T) {
	ctx := context.Background()
	tp := newTestPipeline(t)
	tp.MaxContentLength = 10

	out, err := tp.Submit(ctx, SubmitRequest{Content: "   "})
	require.NoError(t, err)
	assert.False(t, out.Accepted)
	assert.Equal(t, "Content is required", out.Reason)

	out, err = tp.Submit(ctx, SubmitRequest{Content: "this is far too long", IdentityToken: out.IdentityToken})
	require.NoError(t, err)
	assert.False(t, out.Accepted)
	assert.Equal(t, "Content is too long", out.Reason)
	assert.Zero(t, tp.records.Len())
}

func TestSubmitClassifierDownHidesPost(t *testing.T) {
	ctx := context.Background()
	tp := newTestPipeline(t)
	tp.classifier.err = fmt.Errorf("dial tcp: connection refused")

	out, err := tp.Submit(ctx, SubmitRequest{Content: "a perfectly fine post"})
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	assert.Equal(t, models.ModerationEscalated, out.Status)
	assert.False(t, out.Credited)
	assert.Equal(t, reasonPendingReview, out.Reason)
}

func TestReact(t *testing.T) {
	ctx := context.Background()
	tp := newTestPipeline(t)

	post, err := tp.Submit(ctx, SubmitRequest{Content: "hello feed"})
	require.NoError(t, err)
	author := post.IdentityToken

	self, err := tp.React(ctx, ReactRequest{SubmissionID: post.SubmissionID, IdentityToken: author})
	require.NoError(t, err)
	assert.True(t, self.Accepted)
	assert.False(t, self.Credited)
	assert.Equal(t, int64(10), self.Balance)

	other, err := tp.React(ctx, ReactRequest{SubmissionID: post.SubmissionID})
	require.NoError(t, err)
	assert.True(t, other.Accepted)
	assert.True(t, other.Credited)
	assert.Equal(t, int64(1), other.Balance)

	prog, err := tp.Progression(ctx, author, "", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(12), prog.Progression.Points)
	assert.Equal(t, int64(1), prog.Progression.ReactionsReceived)

	// reacting again to the same post earns nothing for either side
	again, err := tp.React(ctx, ReactRequest{SubmissionID: post.SubmissionID, IdentityToken: other.IdentityToken})
	require.NoError(t, err)
	assert.True(t, again.Accepted)
	assert.False(t, again.Credited)
	assert.Equal(t, reasonAlreadyReacted, again.Reason)
	assert.Equal(t, int64(1), again.Balance)

	prog, err = tp.Progression(ctx, author, "", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(12), prog.Progression.Points)
	assert.Equal(t, int64(1), prog.Progression.ReactionsReceived)

	missing, err := tp.React(ctx, ReactRequest{SubmissionID: "nope", IdentityToken: other.IdentityToken})
	require.NoError(t, err)
	assert.False(t, missing.Accepted)
	assert.Equal(t, reasonNotFound, missing.Reason)
}

func TestReactToHiddenSubmission(t *testing.T) {
	ctx := context.Background()
	tp := newTestPipeline(t)
	tp.classifier.result = Classification{Flagged: true, Categories: map[string]bool{"spam": true}, Scores: map[string]float64{"spam": 0.4}}

	post, err := tp.Submit(ctx, SubmitRequest{Content: "flag me"})
	require.NoError(t, err)
	assert.Equal(t, models.ModerationFlagged, post.Status)

	out, err := tp.React(ctx, ReactRequest{SubmissionID: post.SubmissionID})
	require.NoError(t, err)
	assert.False(t, out.Accepted)
}

func TestClaimEarlyUser(t *testing.T) {
	ctx := context.Background()
	tp := newTestPipeline(t)

	first, err := tp.ClaimEarlyUser(ctx, "", "ip-1")
	require.NoError(t, err)
	assert.True(t, first.Credited)
	assert.Equal(t, int64(100), first.Balance)

	second, err := tp.ClaimEarlyUser(ctx, first.IdentityToken, "ip-1")
	require.NoError(t, err)
	assert.True(t, second.Accepted)
	assert.False(t, second.Credited)
	assert.Equal(t, int64(100), second.Balance)
	assert.Equal(t, reasonAlreadyClaimed, second.Reason)
}

func TestIdentify(t *testing.T) {
	ctx := context.Background()
	tp := newTestPipeline(t)

	var token string
	for i := 0; i < 10; i++ {
		out, err := tp.Identify(ctx, "", "ip-1")
		require.NoError(t, err)
		require.True(t, out.Accepted)
		token = out.IdentityToken
	}
	limited, err := tp.Identify(ctx, "", "ip-1")
	require.NoError(t, err)
	assert.False(t, limited.Accepted)
	assert.Empty(t, limited.IdentityToken)

	// an existing identity is returned without touching the issuance limit
	known, err := tp.Identify(ctx, token, "ip-1")
	require.NoError(t, err)
	assert.True(t, known.Accepted)
	assert.False(t, known.Reissued)
	assert.Equal(t, token, known.IdentityToken)
}

func TestFeedPaging(t *testing.T) {
	ctx := context.Background()
	tp := newTestPipeline(t)

	var token string
	for i := 0; i < 3; i++ {
		out, err := tp.Submit(ctx, SubmitRequest{Content: fmt.Sprintf("post number %d", i), IdentityToken: token})
		require.NoError(t, err)
		token = out.IdentityToken
		tp.clock.Advance(time.Second)
	}

	page, err := tp.Feed(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, page.Submissions, 2)
	assert.Equal(t, int64(3), page.Total)
	assert.True(t, page.HasMore)
	assert.Equal(t, "post number 2", page.Submissions[0].Content)

	page, err = tp.Feed(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page.Submissions, 1)
	assert.False(t, page.HasMore)
}

func TestTokenlessCallsShareIssuanceLimit(t *testing.T) {
	ctx := context.Background()
	tp := newTestPipeline(t)
	limit := DefaultPolicies[ActionIdentity].MaxAttempts

	accepted := 0
	for i := 0; i < 20; i++ {
		out, err := tp.Submit(ctx, SubmitRequest{Content: fmt.Sprintf("fresh identity %d", i), ClientKey: "ip-1"})
		require.NoError(t, err)
		if out.Accepted {
			accepted++
			continue
		}
		assert.True(t, out.RateLimited)
		assert.Equal(t, reasonIdentityLimited, out.Reason)
		assert.Empty(t, out.IdentityToken)
	}
	assert.Equal(t, limit, accepted)
	assert.Equal(t, limit, tp.records.Len())

	forged, err := tp.Submit(ctx, SubmitRequest{Content: "forged token", IdentityToken: "not-a-token", ClientKey: "ip-1"})
	require.NoError(t, err)
	assert.True(t, forged.RateLimited)

	react, err := tp.React(ctx, ReactRequest{SubmissionID: "any", ClientKey: "ip-1"})
	require.NoError(t, err)
	assert.True(t, react.RateLimited)
	assert.Empty(t, react.IdentityToken)

	claim, err := tp.ClaimEarlyUser(ctx, "", "ip-1")
	require.NoError(t, err)
	assert.True(t, claim.RateLimited)
	assert.False(t, claim.Credited)

	prog, err := tp.Progression(ctx, "", "ip-1", 10)
	require.NoError(t, err)
	assert.True(t, prog.RateLimited)
	assert.Empty(t, prog.IdentityToken)

	// another client still gets an identity
	other, err := tp.Submit(ctx, SubmitRequest{Content: "someone else", ClientKey: "ip-2"})
	require.NoError(t, err)
	assert.True(t, other.Accepted)
	assert.True(t, other.Reissued)
}

// commitFailingLedger runs units of work over several identities and then
// fails the commit while fail is set, like a connection dropped before COMMIT.
type commitFailingLedger struct {
	*MemLedgerStore
	fail atomic.Bool
}

func (s *commitFailingLedger) UpdateAll(ctx context.Context, identities []string, fn func(ctx context.Context, txs []LedgerTx) error) error {
	return s.MemLedgerStore.UpdateAll(ctx, identities, func(ctx context.Context, txs []LedgerTx) error {
		if err := fn(ctx, txs); err != nil {
			return err
		}
		if s.fail.Load() {
			return errBrokenStore
		}
		return nil
	})
}

func TestReactCreditsAreAllOrNothing(t *testing.T) {
	ctx := context.Background()
	tp := newTestPipeline(t)
	store := &commitFailingLedger{MemLedgerStore: NewMemLedgerStore()}
	tp.Ledger = NewLedger(store, nil, tp.clock, testLog)

	post, err := tp.Submit(ctx, SubmitRequest{Content: "react to me", ClientKey: "ip-1"})
	require.NoError(t, err)
	reactor, err := tp.Identify(ctx, "", "ip-2")
	require.NoError(t, err)

	store.fail.Store(true)
	_, err = tp.React(ctx, ReactRequest{SubmissionID: post.SubmissionID, IdentityToken: reactor.IdentityToken})
	assert.ErrorIs(t, err, errBrokenStore)

	author, err := tp.Progression(ctx, post.IdentityToken, "", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), author.Progression.Points)
	assert.Zero(t, author.Progression.ReactionsReceived)
	mine, err := tp.Progression(ctx, reactor.IdentityToken, "", 10)
	require.NoError(t, err)
	assert.Zero(t, mine.Progression.Points)
	assert.Empty(t, mine.Transactions)

	// the failed attempt did not use up the reaction
	store.fail.Store(false)
	out, err := tp.React(ctx, ReactRequest{SubmissionID: post.SubmissionID, IdentityToken: reactor.IdentityToken})
	require.NoError(t, err)
	assert.True(t, out.Credited)
	assert.Equal(t, int64(1), out.Balance)

	author, err = tp.Progression(ctx, post.IdentityToken, "", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(12), author.Progression.Points)
}

func TestSubmitDegradedWhenWindowStoreDown(t *testing.T) {
	ctx := context.Background()
	tp := newTestPipeline(t)
	tp.Limiter = NewRateLimiter(brokenWindowStore{}, testLog, WithLimiterClock(tp.clock))

	first, err := tp.Submit(ctx, SubmitRequest{Content: "still up", ClientKey: "ip-1"})
	require.NoError(t, err)
	require.True(t, first.Accepted)
	token := first.IdentityToken

	second, err := tp.Submit(ctx, SubmitRequest{Content: "still up again", IdentityToken: token})
	require.NoError(t, err)
	assert.True(t, second.Accepted)

	// the local fallback halves the submission policy to 2
	third, err := tp.Submit(ctx, SubmitRequest{Content: "one too many", IdentityToken: token})
	require.NoError(t, err)
	assert.False(t, third.Accepted)
	assert.True(t, third.RateLimited)
	assert.Contains(t, third.Reason, "Too many submission requests")
}

func TestSubmitFailsClosedWithFailReject(t *testing.T) {
	tp := newTestPipeline(t)
	tp.Limiter = NewRateLimiter(brokenWindowStore{}, testLog, WithFailMode(FailReject))

	_, err := tp.Submit(context.Background(), SubmitRequest{Content: "nobody home", ClientKey: "ip-1"})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Zero(t, tp.records.Len())
}
