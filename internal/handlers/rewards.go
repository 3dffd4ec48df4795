package handlers

import (
	"net/http"

	"github.com/AnshRaj112/whisper-trust/internal/middleware"
	"github.com/AnshRaj112/whisper-trust/internal/services"
)

type RewardResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	services.RewardResult
}

type ProgressionResponse struct {
	Success bool `json:"success"`
	services.ProgressionResult
}

// ClaimEarlyUser pays the one-time bonus. A repeat claim is a 200 with
// credited=false.
func (h *Handler) ClaimEarlyUser(w http.ResponseWriter, r *http.Request) {
	var req IdentityRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	res, err := h.Pipeline.ClaimEarlyUser(ctx, identityToken(r, req.IdentityToken), middleware.ClientKey(r))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	setCaller(w, res.Caller)
	setRemaining(w, res.RemainingRateLimit)
	if res.RateLimited {
		writeJSON(w, http.StatusTooManyRequests, RewardResponse{Success: false, Message: res.Reason, RewardResult: res})
		return
	}
	writeJSON(w, http.StatusOK, RewardResponse{Success: true, Message: res.Reason, RewardResult: res})
}

func (h *Handler) GetProgression(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()

	res, err := h.Pipeline.Progression(ctx, identityToken(r, ""), middleware.ClientKey(r), queryInt(r, "limit", 20))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if res.RateLimited {
		writeError(w, http.StatusTooManyRequests, res.Reason)
		return
	}
	setCaller(w, res.Caller)
	writeJSON(w, http.StatusOK, ProgressionResponse{Success: true, ProgressionResult: res})
}
