package handlers

import (
	"net/http"

	"github.com/AnshRaj112/whisper-trust/internal/middleware"
	"github.com/AnshRaj112/whisper-trust/internal/services"
)

type IdentityRequest struct {
	IdentityToken string `json:"identity_token,omitempty"`
}

type IdentityResponse struct {
	Success bool `json:"success"`
	services.IdentityResult
}

// Identify returns the caller's identity, issuing a fresh token when the
// presented one is missing, malformed or expired.
func (h *Handler) Identify(w http.ResponseWriter, r *http.Request) {
	var req IdentityRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	res, err := h.Pipeline.Identify(ctx, identityToken(r, req.IdentityToken), middleware.ClientKey(r))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if res.RateLimited {
		writeError(w, http.StatusTooManyRequests, res.Reason)
		return
	}

	setCaller(w, res.Caller)
	status := http.StatusOK
	if res.Reissued {
		status = http.StatusCreated
	}
	writeJSON(w, status, IdentityResponse{Success: true, IdentityResult: res})
}
