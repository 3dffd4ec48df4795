package handlers

import (
	"net/http"

	"github.com/AnshRaj112/whisper-trust/internal/middleware"
	"github.com/AnshRaj112/whisper-trust/internal/services"
)

type ReactionRequest struct {
	SubmissionID  string `json:"submission_id"`
	IdentityToken string `json:"identity_token,omitempty"`
}

type ReactionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	services.ReactResult
}

func (h *Handler) CreateReaction(w http.ResponseWriter, r *http.Request) {
	var req ReactionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if trimmed(req.SubmissionID) == "" {
		writeError(w, http.StatusBadRequest, "submission_id is required")
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	res, err := h.Pipeline.React(ctx, services.ReactRequest{
		SubmissionID:  trimmed(req.SubmissionID),
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
		writeJSON(w, http.StatusTooManyRequests, ReactionResponse{Success: false, Message: res.Reason, ReactResult: res})
	case !res.Accepted:
		writeJSON(w, http.StatusNotFound, ReactionResponse{Success: false, Message: res.Reason, ReactResult: res})
	default:
		writeJSON(w, http.StatusOK, ReactionResponse{Success: true, Message: res.Reason, ReactResult: res})
	}
}
