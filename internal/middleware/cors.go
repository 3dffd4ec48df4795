package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// IdentityHeader carries the anonymous identity token in both directions.
const IdentityHeader = "X-Identity-Token"

// CORS allows the configured origins and exposes the identity header so the
// browser can read reissued tokens. Preflight requests get 200.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:     allowedOrigins,
		AllowedMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:     []string{"Accept", "Content-Type", "X-Requested-With", IdentityHeader, AdminKeyHeader},
		ExposedHeaders:     []string{IdentityHeader, "X-RateLimit-Remaining"},
		AllowCredentials:   false,
		MaxAge:             300,
		OptionsPassthrough: false,
	})
}
