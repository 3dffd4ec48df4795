package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// RateLimit is one RATE_LIMIT_<ACTION>=max/window override.
type RateLimit struct {
	MaxAttempts int
	Window      time.Duration
}

type Config struct {
	MongoURI       string
	MongoDatabase  string
	PostgresURI    string
	RedisURI       string
	Port           string
	FrontendURL    string
	AllowedOrigins []string // CORS: from ALLOWED_ORIGINS or FRONTEND_URL(s)
	Host           string   // Raw HOST env (e.g. https://api.whisper.example)
	AllowedHost    string   // Hostname only for strict host check (production only)
	Environment    string   // ENV: production, development, etc.
	LogLevel       string
	AdminAPIKey    string // empty disables the admin routes

	ModerationAPIURL        string
	ModerationAPIKey        string
	ModerationModel         string
	ModerationTimeout       time.Duration
	ModerationHighThreshold float64

	IdentityTTL       time.Duration
	MaxContentLength  int
	RateLimitFailMode string
	RateLimits        map[string]RateLimit
	RewardAmounts     map[string]int64
	SweepInterval     time.Duration
	FeedCacheTTL      time.Duration
	// StoreBackend is "persistent" (Postgres, Redis, Mongo) or "memory"
	StoreBackend      string
}

var rateLimitActions = []string{"submission", "reaction", "identity", "reward"}
var rewardKinds = []string{"post", "reaction_given", "reaction_received", "early_user"}

func Load() *Config {
	env := strings.ToLower(strings.TrimSpace(getEnv("ENV", "development")))
	host := getEnv("HOST", "http://localhost:8080")

	// AllowedHost is only set in production; host check is skipped in development
	var allowedHost string
	if env == "production" {
		allowedHost = hostname(host)
	}

	allowedOrigins := parseOrigins(getEnv("ALLOWED_ORIGINS", ""))
	if len(allowedOrigins) == 0 {
		for _, u := range []string{getEnv("FRONTEND_URL", "http://localhost:3000"), getEnv("FRONTEND_URL_2", "")} {
			u = strings.TrimSpace(u)
			if u != "" {
				allowedOrigins = append(allowedOrigins, u)
			}
		}
	}
	// A backend on api.example.com also serves https://example.com and https://www.example.com
	if h := hostname(host); h != "" && h != "localhost" {
		parts := strings.Split(h, ".")
		if len(parts) >= 2 {
			domain := strings.Join(parts[1:], ".")
			for _, origin := range []string{"https://" + domain, "https://www." + domain} {
				if !containsOrigin(allowedOrigins, origin) {
					allowedOrigins = append(allowedOrigins, origin)
				}
			}
		}
	}
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000"}
	}

	rateLimits := make(map[string]RateLimit)
	for _, action := range rateLimitActions {
		if rl, ok := ParseRateLimit(os.Getenv("RATE_LIMIT_" + strings.ToUpper(action))); ok {
			rateLimits[action] = rl
		}
	}
	rewards := make(map[string]int64)
	for _, kind := range rewardKinds {
		if v, err := strconv.ParseInt(strings.TrimSpace(os.Getenv("REWARD_"+strings.ToUpper(kind))), 10, 64); err == nil && v > 0 {
			rewards[kind] = v
		}
	}

	return &Config{
		MongoURI:       getEnv("MONGODB_URI", getEnv("MONGO_URI", "mongodb://localhost:27017/whisper")),
		MongoDatabase:  getEnv("MONGODB_DATABASE", ""),
		PostgresURI:    getEnv("POSTGRES_URI", "postgres://localhost:5432/whisper?sslmode=disable"),
		RedisURI:       getEnv("REDIS_URI", "redis://localhost:6379/0"),
		Host:           host,
		AllowedHost:    allowedHost,
		Environment:    env,
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", "http://localhost:3000"),
		AllowedOrigins: allowedOrigins,
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		AdminAPIKey:    getEnv("ADMIN_API_KEY", ""),

		ModerationAPIURL:        getEnv("MODERATION_API_URL", "https://api.openai.com/v1/moderations"),
		ModerationAPIKey:        getEnv("MODERATION_API_KEY", getEnv("OPENAI_API_KEY", "")),
		ModerationModel:         getEnv("MODERATION_MODEL", ""),
		ModerationTimeout:       getEnvDuration("MODERATION_TIMEOUT", 5*time.Second),
		ModerationHighThreshold: getEnvFloat("MODERATION_HIGH_THRESHOLD", 0.8),

		IdentityTTL:       getEnvDuration("IDENTITY_TTL", 24*time.Hour),
		MaxContentLength:  getEnvInt("MAX_CONTENT_LENGTH", 2000),
		RateLimitFailMode: strings.ToLower(getEnv("RATE_LIMIT_FAIL_MODE", "local")),
		RateLimits:        rateLimits,
		RewardAmounts:     rewards,
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		FeedCacheTTL:      getEnvDuration("FEED_CACHE_TTL", 30*time.Second),
		StoreBackend:      strings.ToLower(getEnv("STORE_BACKEND", "persistent")),
	}
}

// ParseRateLimit reads "max/window", e.g. "5/15m".
func ParseRateLimit(s string) (RateLimit, bool) {
	maxPart, windowPart, found := strings.Cut(strings.TrimSpace(s), "/")
	if !found {
		return RateLimit{}, false
	}
	max, err := strconv.Atoi(strings.TrimSpace(maxPart))
	if err != nil || max < 1 {
		return RateLimit{}, false
	}
	window, err := time.ParseDuration(strings.TrimSpace(windowPart))
	if err != nil || window <= 0 {
		return RateLimit{}, false
	}
	return RateLimit{MaxAttempts: max, Window: window}, true
}

func hostname(host string) string {
	for _, prefix := range []string{"https://", "http://"} {
		host = strings.TrimPrefix(host, prefix)
	}
	if idx := strings.Index(host, "/"); idx != -1 {
		host = host[:idx]
	}
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return strings.TrimSpace(host)
}

func parseOrigins(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func containsOrigin(list []string, o string) bool {
	o = strings.TrimSpace(strings.ToLower(o))
	for _, v := range list {
		if strings.TrimSpace(strings.ToLower(v)) == o {
			return true
		}
	}
	return false
}

// InMemory reports whether all stores live in process memory.
func (c *Config) InMemory() bool {
	return c.StoreBackend == "memory"
}

// IsProduction returns true when ENV is set to "production".
func (c *Config) IsProduction() bool {
	return strings.ToLower(strings.TrimSpace(c.Environment)) == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil && v > 0 {
		return v
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64); err == nil && v > 0 {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key))); err == nil && v > 0 {
		return v
	}
	return defaultValue
}
