package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnshRaj112/whisper-trust/internal/models"
)

type stubClassifier struct {
	result Classification
	err    error
	delay  time.Duration
	calls  atomic.Int32
}

func (s *stubClassifier) Classify(ctx context.Context, text string) (Classification, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Classification{}, ctx.Err()
		}
	}
	return s.result, s.err
}

func newTestModerator(c Classifier, subs SubmissionStore) (*Moderator, *MemModerationLog) {
	records := NewMemModerationLog()
	m := NewModerator(c, records, subs, ModerationConfig{Timeout: 50 * time.Millisecond}, newFakeClock(), testLog)
	return m, records
}

func pendingSubmission(t *testing.T, store SubmissionStore, id, content string) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), models.Submission{
		ID:       id,
		Identity: "author",
		Content:  content,
		Status:   models.ModerationPending,
	}))
}

func TestModerateCriticalSkipsClassifier(t *testing.T) {
	ctx := context.Background()
	classifier := &stubClassifier{}
	m, records := newTestModerator(classifier, nil)

	content := "<script>alert(1)</script> buy now buy now buy now buy now buy now buy now buy now buy now buy now buy now buy now"
	rec, err := m.Moderate(ctx, content, "s1", "id")
	require.NoError(t, err)
	assert.Equal(t, models.ModerationEscalated, rec.Status)
	assert.Contains(t, rec.Reason, "critical threat")
	assert.Contains(t, rec.FlaggedCategories, "xss")
	assert.Equal(t, int32(0), classifier.calls.Load())
	assert.Equal(t, 1, records.Len())
}

func TestModerateDecisionRule(t *testing.T) {
	tests := []struct {
		name   string
		result Classification
		status models.ModerationStatus
		score  float64
	}{
		{
			name:   "nothing flagged",
			result: Classification{Scores: map[string]float64{"hate": 0.01}},
			status: models.ModerationClean,
			score:  0,
		},
		{
			name: "flagged below threshold",
			result: Classification{
				Flagged:    true,
				Categories: map[string]bool{"harassment": true},
				Scores:     map[string]float64{"harassment": 0.55},
			},
			status: models.ModerationFlagged,
			score:  0.55,
		},
		{
			name: "flagged above threshold",
			result: Classification{
				Flagged:    true,
				Categories: map[string]bool{"harassment": true},
				Scores:     map[string]float64{"harassment": 0.91},
			},
			status: models.ModerationEscalated,
			score:  0.91,
		},
		{
			name: "severe category at low score",
			result: Classification{
				Flagged:    true,
				Categories: map[string]bool{"self-harm/intent": true},
				Scores:     map[string]float64{"self-harm/intent": 0.3},
			},
			status: models.ModerationEscalated,
			score:  0.3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestModerator(&stubClassifier{result: tt.result}, nil)
			rec, err := m.Moderate(context.Background(), "Just heard a protocol rumor, nothing crazy", "s", "id")
			require.NoError(t, err)
			assert.Equal(t, tt.status, rec.Status)
			assert.InDelta(t, tt.score, rec.Score, 1e-9)
		})
	}
}

func TestModerateFailsClosed(t *testing.T) {
	tests := map[string]*stubClassifier{
		"error":   {err: errors.New("503 from upstream")},
		"timeout": {delay: time.Second},
	}
	for name, classifier := range tests {
		t.Run(name, func(t *testing.T) {
			subs := NewMemSubmissionStore()
			pendingSubmission(t, subs, "s1", "i want to kill the boss in this game")
			m, _ := newTestModerator(classifier, subs)

			rec, err := m.Moderate(context.Background(), "i want to kill the boss in this game", "s1", "author")
			require.NoError(t, err)
			assert.Equal(t, models.ModerationEscalated, rec.Status)
			assert.Equal(t, reasonSystemFailure, rec.Reason)
			assert.Contains(t, rec.FlaggedCategories, "keyword/threat")

			sub, err := subs.Get(context.Background(), "s1")
			require.NoError(t, err)
			assert.False(t, sub.Visible())
		})
	}
}

func TestRereviewNeverPublishes(t *testing.T) {
	ctx := context.Background()
	subs := NewMemSubmissionStore()
	pendingSubmission(t, subs, "s1", "hello there")

	classifier := &stubClassifier{err: errors.New("down")}
	m, _ := newTestModerator(classifier, subs)

	_, err := m.Moderate(ctx, "hello there", "s1", "author")
	require.NoError(t, err)

	classifier.err = nil
	rec, err := m.Rereview(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.ModerationClean, rec.Status)
	assert.Equal(t, "author", rec.Identity)

	sub, _ := subs.Get(ctx, "s1")
	assert.Equal(t, models.ModerationEscalated, sub.Status)

	history, err := m.History(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.ModerationEscalated, history[0].Status)
	assert.Equal(t, models.ModerationClean, history[1].Status)

	recent, err := m.Recent(ctx, models.ModerationEscalated, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	_, err = m.Rereview(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRereviewCanHide(t *testing.T) {
	ctx := context.Background()
	subs := NewMemSubmissionStore()
	pendingSubmission(t, subs, "s1", "hello there")

	classifier := &stubClassifier{}
	m, _ := newTestModerator(classifier, subs)
	_, err := m.Moderate(ctx, "hello there", "s1", "author")
	require.NoError(t, err)
	sub, _ := subs.Get(ctx, "s1")
	assert.True(t, sub.Visible())

	classifier.result = Classification{Flagged: true, Categories: map[string]bool{"spam": true}, Scores: map[string]float64{"spam": 0.4}}
	_, err = m.Rereview(ctx, "s1")
	require.NoError(t, err)
	sub, _ = subs.Get(ctx, "s1")
	assert.Equal(t, models.ModerationFlagged, sub.Status)
}

func TestCheckContent(t *testing.T) {
	threat, selfHarm, matched := CheckContent("I will k!!!iii11ll you")
	assert.True(t, threat)
	assert.False(t, selfHarm)
	assert.Contains(t, matched, "kill")

	threat, _, _ = CheckContent("great skills on display")
	assert.False(t, threat)

	_, selfHarm, matched = CheckContent("sometimes I want to   die")
	assert.True(t, selfHarm)
	assert.Contains(t, matched, "want to die")
}

func TestOpenAIClassifier(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req moderationRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "some text", req.Input)

		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id":"modr-1","model":"omni","results":[{"flagged":true,
			"categories":{"harassment":true,"hate":false},
			"category_scores":{"harassment":0.72,"hate":0.02}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClassifier(srv.URL, "sk-test", testLog, WithRetryWait(time.Millisecond, 5*time.Millisecond))
	out, err := c.Classify(context.Background(), "some text")
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load(), "one retry")
	assert.True(t, out.Flagged)
	assert.Equal(t, []string{"harassment"}, out.FlaggedCategories())
	assert.InDelta(t, 0.72, out.MaxScore(), 1e-9)
}

func TestOpenAIClassifierGivesUpAfterOneRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewOpenAIClassifier(srv.URL, "", testLog, WithRetryWait(time.Millisecond, 5*time.Millisecond))
	_, err := c.Classify(context.Background(), "x")
	assert.Error(t, err)
	assert.Equal(t, int32(2), hits.Load())
}
