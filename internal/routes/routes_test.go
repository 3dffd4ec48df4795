package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnshRaj112/whisper-trust/internal/handlers"
	"github.com/AnshRaj112/whisper-trust/internal/middleware"
	"github.com/AnshRaj112/whisper-trust/internal/models"
	"github.com/AnshRaj112/whisper-trust/internal/services"
)

const adminKey = "review-key"

type cleanClassifier struct{}

func (cleanClassifier) Classify(ctx context.Context, text string) (services.Classification, error) {
	return services.Classification{}, nil
}

type downWindowStore struct{}

func (downWindowStore) Get(ctx context.Context, key string) (models.RateLimitWindow, bool, error) {
	return models.RateLimitWindow{}, false, errors.New("redis: connection refused")
}

func (downWindowStore) CompareAndSwap(ctx context.Context, key string, prev *models.RateLimitWindow, next models.RateLimitWindow, ttl time.Duration) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func newTestServer(t *testing.T, limiter *services.RateLimiter) *httptest.Server {
	t.Helper()
	log := zerolog.Nop()
	subs := services.NewMemSubmissionStore()
	if limiter == nil {
		limiter = services.NewRateLimiter(services.NewMemWindowStore(), log)
	}
	p := &services.Pipeline{
		Tokens:      services.NewTokenManager(services.NewMemIdentityStore(), time.Hour, nil, log),
		Limiter:     limiter,
		Moderator:   services.NewModerator(cleanClassifier{}, services.NewMemModerationLog(), subs, services.ModerationConfig{}, nil, log),
		Ledger:      services.NewLedger(services.NewMemLedgerStore(), nil, nil, log),
		Submissions: subs,
		Log:         log,
	}
	r := chi.NewRouter()
	SetupRoutes(r, handlers.New(p, log), adminKey)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, token string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(middleware.IdentityHeader, token)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestSubmissionFlow(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := do(t, srv, http.MethodPost, "/api/identity", "", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	token := resp.Header.Get(middleware.IdentityHeader)
	require.NotEmpty(t, token)
	assert.Equal(t, token, body["identity_token"])

	resp, body = do(t, srv, http.MethodPost, "/api/submissions", token, handlers.CreateSubmissionRequest{
		Content: "Just heard a protocol rumor, nothing crazy",
		URLs:    []string{"https://example.com/proof.png", "ftp://nope"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "clean", body["status"])
	assert.Equal(t, float64(10), body["balance"])
	assert.Equal(t, []interface{}{"ftp://nope"}, body["invalid_urls"])
	assert.Equal(t, "4", resp.Header.Get("X-RateLimit-Remaining"))
	submissionID := body["submission_id"].(string)

	resp, body = do(t, srv, http.MethodGet, "/api/submissions?limit=5", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["submissions"], 1)

	resp, body = do(t, srv, http.MethodPost, "/api/reactions", "", handlers.ReactionRequest{SubmissionID: submissionID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["credited"])
	reactor := resp.Header.Get(middleware.IdentityHeader)

	resp, body = do(t, srv, http.MethodPost, "/api/reactions", reactor, handlers.ReactionRequest{SubmissionID: submissionID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["credited"])

	resp, body = do(t, srv, http.MethodGet, "/api/progression", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	progression := body["progression"].(map[string]interface{})
	assert.Equal(t, float64(12), progression["points"])
	assert.NotContains(t, progression, "identity")
}

func TestSubmissionRejections(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := do(t, srv, http.MethodPost, "/api/submissions", "", handlers.CreateSubmissionRequest{Content: "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Content is required", body["message"])
	token := resp.Header.Get(middleware.IdentityHeader)

	for i := 0; i < 4; i++ {
		resp, _ = do(t, srv, http.MethodPost, "/api/submissions", token, handlers.CreateSubmissionRequest{Content: "hello"})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	resp, body = do(t, srv, http.MethodPost, "/api/submissions", token, handlers.CreateSubmissionRequest{Content: "hello"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, true, body["rate_limited"])

	resp, _ = do(t, srv, http.MethodPost, "/api/reactions", token, handlers.ReactionRequest{SubmissionID: "missing"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/api/reactions", token, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEarlyUserClaim(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := do(t, srv, http.MethodPost, "/api/rewards/early-user", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["credited"])
	token := resp.Header.Get(middleware.IdentityHeader)

	resp, body = do(t, srv, http.MethodPost, "/api/rewards/early-user", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["credited"])
	assert.Equal(t, float64(100), body["balance"])
}

func TestAdminModeration(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := do(t, srv, http.MethodPost, "/api/submissions", "", handlers.CreateSubmissionRequest{
		Content: "<script>alert(1)</script> hi",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "escalated", body["status"])
	id := body["submission_id"].(string)

	resp, _ = do(t, srv, http.MethodGet, "/api/admin/moderation?status=escalated", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	admin := func(method, path string, payload interface{}) (*http.Response, map[string]interface{}) {
		var buf bytes.Buffer
		if payload != nil {
			require.NoError(t, json.NewEncoder(&buf).Encode(payload))
		}
		req, err := http.NewRequest(method, srv.URL+path, &buf)
		require.NoError(t, err)
		req.Header.Set(middleware.AdminKeyHeader, adminKey)
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		out := map[string]interface{}{}
		_ = json.NewDecoder(resp.Body).Decode(&out)
		return resp, out
	}

	resp, body = admin(http.MethodGet, "/api/admin/moderation?status=escalated", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["records"], 1)

	resp, _ = admin(http.MethodGet, "/api/admin/moderation?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = admin(http.MethodPost, "/api/admin/moderation/rereview", handlers.RereviewRequest{SubmissionID: id})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = admin(http.MethodGet, "/api/admin/moderation?submission_id="+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["records"], 2)

	resp, _ = admin(http.MethodPost, "/api/admin/moderation/rereview", handlers.RereviewRequest{SubmissionID: "missing"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTokenlessRequestsLimitedPerClient(t *testing.T) {
	srv := newTestServer(t, nil)
	limit := services.DefaultPolicies[services.ActionIdentity].MaxAttempts

	for i := 0; i < limit; i++ {
		resp, _ := do(t, srv, http.MethodPost, "/api/submissions", "", handlers.CreateSubmissionRequest{Content: "new here"})
		require.Equal(t, http.StatusCreated, resp.StatusCode, "request %d", i)
	}

	resp, body := do(t, srv, http.MethodPost, "/api/submissions", "", handlers.CreateSubmissionRequest{Content: "one more"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(middleware.IdentityHeader))
	assert.Equal(t, true, body["rate_limited"])

	resp, _ = do(t, srv, http.MethodPost, "/api/reactions", "", handlers.ReactionRequest{SubmissionID: "any"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp, _ = do(t, srv, http.MethodPost, "/api/rewards/early-user", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp, _ = do(t, srv, http.MethodGet, "/api/progression", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp, _ = do(t, srv, http.MethodPost, "/api/identity", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestStoreOutageIsServiceUnavailable(t *testing.T) {
	limiter := services.NewRateLimiter(downWindowStore{}, zerolog.Nop(), services.WithFailMode(services.FailReject))
	srv := newTestServer(t, limiter)

	resp, body := do(t, srv, http.MethodPost, "/api/submissions", "", handlers.CreateSubmissionRequest{Content: "hello"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.NotContains(t, body["message"], "redis")
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
