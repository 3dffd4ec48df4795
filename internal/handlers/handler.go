package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/AnshRaj112/whisper-trust/internal/middleware"
	"github.com/AnshRaj112/whisper-trust/internal/services"
)

const (
	requestTimeout = 10 * time.Second
	maxBodyBytes   = 64 << 10
)

// Handler serves the HTTP API on top of the submission pipeline.
type Handler struct {
	Pipeline  *services.Pipeline
	Moderator *services.Moderator
	Log       zerolog.Logger
}

func New(pipeline *services.Pipeline, log zerolog.Logger) *Handler {
	return &Handler{
		Pipeline:  pipeline,
		Moderator: pipeline.Moderator,
		Log:       log.With().Str("component", "http").Logger(),
	}
}

// ErrorResponse is the envelope for every failed request.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Success: false, Message: message})
}

// writeFailure maps pipeline errors to a generic 503 or 500 and logs the
// cause. Internal details never reach the client.
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	message := "Something went wrong. Please try again."
	if errors.Is(err, services.ErrStoreUnavailable) {
		status = http.StatusServiceUnavailable
		message = "Service temporarily unavailable. Please try again shortly."
	}
	h.Log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	writeError(w, status, message)
}

// decodeBody reads a JSON body into dst. An empty body leaves dst untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// identityToken prefers the header and falls back to the body field.
func identityToken(r *http.Request, fromBody string) string {
	if t := r.Header.Get(middleware.IdentityHeader); t != "" {
		return t
	}
	return fromBody
}

func setCaller(w http.ResponseWriter, caller services.Caller) {
	if caller.IdentityToken != "" {
		w.Header().Set(middleware.IdentityHeader, caller.IdentityToken)
	}
}

func setRemaining(w http.ResponseWriter, remaining int) {
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
}

func requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), requestTimeout)
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v >= 0 {
		return v
	}
	return def
}
