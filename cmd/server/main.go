package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/AnshRaj112/whisper-trust/internal/config"
	"github.com/AnshRaj112/whisper-trust/internal/database"
	"github.com/AnshRaj112/whisper-trust/internal/handlers"
	"github.com/AnshRaj112/whisper-trust/internal/middleware"
	"github.com/AnshRaj112/whisper-trust/internal/models"
	"github.com/AnshRaj112/whisper-trust/internal/routes"
	"github.com/AnshRaj112/whisper-trust/internal/services"
)

type stores struct {
	windows     services.WindowStore
	identities  services.IdentityStore
	ledger      services.LedgerStore
	moderation  services.ModerationLog
	submissions services.SubmissionStore
	feedCache   services.FeedCache
	sweepables  map[string]services.Sweepable
}

func main() {
	// Load env
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}
	cfg := config.Load()

	logger := middleware.InitLogger(cfg.LogLevel, "whisper-trust")

	var st stores
	if cfg.InMemory() {
		st = memoryStores()
		log.Println("⚠️  WARNING: STORE_BACKEND=memory. Nothing survives a restart.")
	} else {
		st = persistentStores(cfg)
		defer database.DisconnectPostgres()
		defer database.DisconnectRedis()
		defer database.Disconnect()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	services.StartSweeper(ctx, cfg.SweepInterval, services.SystemClock, logger, st.sweepables)
	if len(st.sweepables) > 0 {
		log.Println("✅ Memory sweeper started")
	}

	if cfg.ModerationAPIKey == "" {
		log.Println("⚠️  WARNING: MODERATION_API_KEY not set. Every post will be held for review.")
	}
	classifier := services.NewOpenAIClassifier(cfg.ModerationAPIURL, cfg.ModerationAPIKey, logger,
		services.WithClassifierModel(cfg.ModerationModel))

	limiter := services.NewRateLimiter(st.windows, logger,
		services.WithPolicies(policies(cfg.RateLimits)),
		services.WithFailMode(services.FailMode(cfg.RateLimitFailMode)),
	)

	pipeline := &services.Pipeline{
		Tokens:  services.NewTokenManager(st.identities, cfg.IdentityTTL, services.SystemClock, logger),
		Limiter: limiter,
		Moderator: services.NewModerator(classifier, st.moderation, st.submissions, services.ModerationConfig{
			Timeout:          cfg.ModerationTimeout,
			HighThreshold:    cfg.ModerationHighThreshold,
			MaxContentLength: cfg.MaxContentLength,
		}, services.SystemClock, logger),
		Ledger:           services.NewLedger(st.ledger, rewardAmounts(cfg.RewardAmounts), services.SystemClock, logger),
		Submissions:      st.submissions,
		FeedCache:        st.feedCache,
		MaxContentLength: cfg.MaxContentLength,
		Clock:            services.SystemClock,
		Log:              logger,
	}

	// Setup router
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	if cfg.IsProduction() {
		for _, mw := range middleware.ProductionSecurity(cfg.AllowedHost) {
			r.Use(mw)
		}
		log.Println("✅ Production security enabled (security headers, host check, per-IP + admin rate limiting)")
	}

	routes.SetupRoutes(r, handlers.New(pipeline, logger), cfg.AdminAPIKey)
	if cfg.AdminAPIKey == "" {
		log.Println("Warning: ADMIN_API_KEY not set. Moderation review routes are disabled")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
	}()

	log.Printf("🚀 Whisper backend running on :%s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("Failed to start server:", err)
	}
	log.Println("Server stopped")
}

func persistentStores(cfg *config.Config) stores {
	// Connect to PostgreSQL
	log.Printf("Connecting to PostgreSQL...")
	if err := database.ConnectPostgres(cfg.PostgresURI); err != nil {
		log.Fatal("Failed to connect to PostgreSQL:", err)
	}

	// Connect to Redis
	log.Printf("Connecting to Redis...")
	if err := database.ConnectRedis(cfg.RedisURI); err != nil {
		log.Fatal("Failed to connect to Redis:", err)
	}

	// Connect to MongoDB
	if err := database.Connect(cfg.MongoURI, cfg.MongoDatabase); err != nil {
		log.Fatal("Failed to connect to MongoDB:", err)
	}

	moderation := services.NewMongoModerationLog(database.DB)
	submissions := services.NewMongoSubmissionStore(database.DB)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := moderation.EnsureIndexes(ctx); err != nil {
		log.Printf("⚠️  WARNING: failed to ensure moderation log indexes: %v", err)
	} else if err := submissions.EnsureIndexes(ctx); err != nil {
		log.Printf("⚠️  WARNING: failed to ensure submission indexes: %v", err)
	} else {
		log.Println("✅ MongoDB indexes ensured")
	}

	return stores{
		windows:     services.NewRedisWindowStore(database.RedisClient),
		identities:  services.NewRedisIdentityStore(database.RedisClient),
		ledger:      services.NewPostgresLedgerStore(database.PostgresDB),
		moderation:  moderation,
		submissions: submissions,
		feedCache:   services.NewRedisFeedCache(database.RedisClient, cfg.FeedCacheTTL),
	}
}

func memoryStores() stores {
	windows := services.NewMemWindowStore()
	identities := services.NewMemIdentityStore()
	return stores{
		windows:     windows,
		identities:  identities,
		ledger:      services.NewMemLedgerStore(),
		moderation:  services.NewMemModerationLog(),
		submissions: services.NewMemSubmissionStore(),
		sweepables: map[string]services.Sweepable{
			"windows":    windows,
			"identities": identities,
		},
	}
}

func policies(limits map[string]config.RateLimit) map[string]services.Policy {
	out := make(map[string]services.Policy, len(limits))
	for action, rl := range limits {
		out[action] = services.Policy{MaxAttempts: rl.MaxAttempts, Window: rl.Window}
	}
	return out
}

func rewardAmounts(amounts map[string]int64) map[models.EventKind]int64 {
	out := make(map[models.EventKind]int64, len(amounts))
	for kind, v := range amounts {
		out[models.EventKind(kind)] = v
	}
	return out
}
