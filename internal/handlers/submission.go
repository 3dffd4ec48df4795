package handlers

import (
	"net/http"
	"strings"

	"github.com/AnshRaj112/whisper-trust/internal/middleware"
	"github.com/AnshRaj112/whisper-trust/internal/services"
)

// CreateSubmissionRequest is the body of POST /api/submissions
type CreateSubmissionRequest struct {
	Content       string   `json:"content"`
	URLs          []string `json:"urls,omitempty"`
	IdentityToken string   `json:"identity_token,omitempty"`
}

type SubmissionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	services.SubmitResult
}

type FeedResponse struct {
	Success bool `json:"success"`
	services.FeedResult
}

// CreateSubmission runs a post through the pipeline. Posts held for review
// are still 201: they were stored, just not published.
func (h *Handler) CreateSubmission(w http.ResponseWriter, r *http.Request) {
	var req CreateSubmissionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	res, err := h.Pipeline.Submit(ctx, services.SubmitRequest{
		Content:       req.Content,
		URLs:          req.URLs,
		IdentityToken: identityToken(r, req.IdentityToken),
		ClientKey:     middleware.ClientKey(r),
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	setCaller(w, res.Caller)
	setRemaining(w, res.RemainingRateLimit)

	switch {
	case res.RateLimited:
		writeJSON(w, http.StatusTooManyRequests, SubmissionResponse{Success: false, Message: res.Reason, SubmitResult: res})
	case !res.Accepted:
		writeJSON(w, http.StatusBadRequest, SubmissionResponse{Success: false, Message: res.Reason, SubmitResult: res})
	default:
		message := "Post published"
		if res.Reason != "" {
			message = res.Reason
		}
		writeJSON(w, http.StatusCreated, SubmissionResponse{Success: true, Message: message, SubmitResult: res})
	}
}

// GetSubmissions pages the public feed (default 20, newest first).
func (h *Handler) GetSubmissions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", services.DefaultFeedLimit)
	skip := queryInt(r, "skip", 0)

	ctx, cancel := requestContext(r)
	defer cancel()

	feed, err := h.Pipeline.Feed(ctx, limit, skip)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FeedResponse{Success: true, FeedResult: feed})
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}
