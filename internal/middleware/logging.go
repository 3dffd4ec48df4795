package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"os"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/AnshRaj112/whisper-trust/pkg/clientip"
)

// Logger is the package-level zerolog logger used throughout the application.
var Logger = zerolog.Nop()

// InitLogger sets up the global zerolog logger with structured JSON output.
// Level is parsed from the given string (e.g. "debug", "info", "warn", "error").
func InitLogger(level, service string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond
	zerolog.DurationFieldInteger = true

	Logger = zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", service).
		Logger()
	return Logger
}

// HashIP produces a short, irreversible hash prefix of the IP address
// for log correlation and per-client keys without storing raw PII.
func HashIP(ip string) string {
	h := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(h[:])[:12]
}

// ClientKey identifies the calling client for limits that apply before an
// identity exists. IPv6 clients share a key per /64.
func ClientKey(r *http.Request) string {
	return "ip:" + HashIP(clientip.LimitKey(clientip.RealClientIP(r)))
}

// sanitizePath replaces submission ids with a placeholder so paths group
// cleanly in logs.
func sanitizePath(path string) string {
	parts := strings.Split(path, "/")
	for i := range parts {
		if i == 0 {
			continue
		}
		if parts[i-1] == "submissions" && parts[i] != "" {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

// RequestLogger logs each request as structured JSON. Raw IPs are hashed and
// the identity token header is never logged.
func RequestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			evt := log.Info()
			if status >= 500 {
				evt = log.Error()
			} else if status >= 400 {
				evt = log.Warn()
			}

			evt.
				Str("method", r.Method).
				Str("path", sanitizePath(r.URL.Path)).
				Int("status", status).
				Dur("duration_ms", time.Since(start)).
				Str("ip_hash", HashIP(clientip.RealClientIP(r))).
				Str("request_id", chimw.GetReqID(r.Context())).
				Int("bytes_sent", ww.BytesWritten()).
				Msg("request")
		})
	}
}
