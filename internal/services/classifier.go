package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

const (
	DefaultModerationURL = "https://api.openai.com/v1/moderations"
	maxClassifierBody    = 1 << 20
)

// Classification is the external classifier's verdict on one text.
type Classification struct {
	Flagged    bool
	Categories map[string]bool
	Scores     map[string]float64
}

// FlaggedCategories lists the categories the classifier marked true.
func (c Classification) FlaggedCategories() []string {
	var out []string
	for name, hit := range c.Categories {
		if hit {
			out = append(out, name)
		}
	}
	return out
}

// MaxScore is the highest per-category score, 0 when there are none.
func (c Classification) MaxScore() float64 {
	max := 0.0
	for _, s := range c.Scores {
		if s > max {
			max = s
		}
	}
	return max
}

// Classifier labels text. Implementations must honour ctx cancellation.
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

type moderationRequest struct {
	Input string `json:"input"`
	Model string `json:"model,omitempty"`
}

type moderationResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Results []struct {
		Flagged        bool               `json:"flagged"`
		Categories     map[string]bool    `json:"categories"`
		CategoryScores map[string]float64 `json:"category_scores"`
	} `json:"results"`
}

// OpenAIClassifier calls an OpenAI-compatible /v1/moderations endpoint.
type OpenAIClassifier struct {
	url    string
	apiKey string
	model  string
	client *retryablehttp.Client
}

// leveledZerolog adapts zerolog to retryablehttp's leveled logger. Errors are
// logged as warnings because a retry usually follows.
type leveledZerolog struct {
	log zerolog.Logger
}

func (l leveledZerolog) Error(msg string, kv ...interface{}) { l.log.Warn().Fields(kv).Msg(msg) }
func (l leveledZerolog) Warn(msg string, kv ...interface{})  { l.log.Warn().Fields(kv).Msg(msg) }
func (l leveledZerolog) Info(msg string, kv ...interface{})  { l.log.Debug().Fields(kv).Msg(msg) }
func (l leveledZerolog) Debug(msg string, kv ...interface{}) { l.log.Debug().Fields(kv).Msg(msg) }

type ClassifierOption func(*OpenAIClassifier)

func WithClassifierModel(model string) ClassifierOption {
	return func(c *OpenAIClassifier) {
		c.model = model
	}
}

// WithRetryWait overrides the backoff between the first attempt and the retry.
func WithRetryWait(min, max time.Duration) ClassifierOption {
	return func(c *OpenAIClassifier) {
		c.client.RetryWaitMin = min
		c.client.RetryWaitMax = max
	}
}

// NewOpenAIClassifier builds a classifier that retries exactly once with a
// short backoff. The caller's context bounds the total time spent.
func NewOpenAIClassifier(url, apiKey string, log zerolog.Logger, opts ...ClassifierOption) *OpenAIClassifier {
	if url == "" {
		url = DefaultModerationURL
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 1
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 500 * time.Millisecond
	client.Logger = retryablehttp.LeveledLogger(leveledZerolog{log: log.With().Str("component", "classifier").Logger()})

	c := &OpenAIClassifier{url: url, apiKey: apiKey, client: client}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *OpenAIClassifier) Classify(ctx context.Context, text string) (Classification, error) {
	body, err := json.Marshal(moderationRequest{Input: text, Model: c.model})
	if err != nil {
		return Classification{}, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return Classification{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Classification{}, fmt.Errorf("moderation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Classification{}, fmt.Errorf("moderation API returned status %d", resp.StatusCode)
	}

	var parsed moderationResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxClassifierBody)).Decode(&parsed); err != nil {
		return Classification{}, fmt.Errorf("decode moderation response: %w", err)
	}
	if len(parsed.Results) == 0 {
		return Classification{}, fmt.Errorf("moderation response had no results")
	}

	r := parsed.Results[0]
	out := Classification{
		Flagged:    r.Flagged,
		Categories: make(map[string]bool, len(r.Categories)),
		Scores:     make(map[string]float64, len(r.CategoryScores)),
	}
	for name, hit := range r.Categories {
		out.Categories[strings.ToLower(name)] = hit
	}
	for name, score := range r.CategoryScores {
		out.Scores[strings.ToLower(name)] = clampScore(score)
	}
	return out, nil
}

func clampScore(s float64) float64 {
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}
