package handlers

import (
	"errors"
	"net/http"

	"github.com/AnshRaj112/whisper-trust/internal/models"
	"github.com/AnshRaj112/whisper-trust/internal/services"
)

type ModerationListResponse struct {
	Success bool                      `json:"success"`
	Records []models.ModerationRecord `json:"records"`
}

type RereviewRequest struct {
	SubmissionID string `json:"submission_id"`
}

type RereviewResponse struct {
	Success bool                    `json:"success"`
	Record  models.ModerationRecord `json:"record"`
}

var reviewStatuses = map[string]models.ModerationStatus{
	"":          "",
	"clean":     models.ModerationClean,
	"flagged":   models.ModerationFlagged,
	"escalated": models.ModerationEscalated,
}

// GetModeration lists the history of one submission (?submission_id=) or the
// newest records, optionally by ?status=.
func (h *Handler) GetModeration(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()

	var (
		records []models.ModerationRecord
		err     error
	)
	if id := trimmed(r.URL.Query().Get("submission_id")); id != "" {
		records, err = h.Moderator.History(ctx, id)
	} else {
		status, ok := reviewStatuses[r.URL.Query().Get("status")]
		if !ok {
			writeError(w, http.StatusBadRequest, "Unknown status")
			return
		}
		records, err = h.Moderator.Recent(ctx, status, queryInt(r, "limit", 50))
	}
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ModerationListResponse{Success: true, Records: records})
}

// RereviewSubmission runs moderation again and appends a new record.
func (h *Handler) RereviewSubmission(w http.ResponseWriter, r *http.Request) {
	var req RereviewRequest
	if err := decodeBody(w, r, &req); err != nil || trimmed(req.SubmissionID) == "" {
		writeError(w, http.StatusBadRequest, "submission_id is required")
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	record, err := h.Pipeline.Rereview(ctx, trimmed(req.SubmissionID))
	if errors.Is(err, services.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Submission not found")
		return
	} else if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RereviewResponse{Success: true, Record: record})
}
