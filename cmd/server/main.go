package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"tutorlive/internal/config"
	"tutorlive/internal/database"
	"tutorlive/internal/handlers"
	"tutorlive/internal/health"
	"tutorlive/internal/jobs"
	"tutorlive/internal/logging"
	"tutorlive/internal/middleware"
	"tutorlive/internal/pipeline"
	"tutorlive/internal/services"
	"tutorlive/pkg/auth"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, using environment variables")
	}

	logging.Init()
	cfg := config.Load()

	if cfg.JWTSecret == "" {
		log.Fatal("❌ JWT_SECRET is required")
	}

	// MongoDB
	mongodb, err := database.NewMongoDB(cfg.MongoURI)
	if err != nil {
		log.Fatalf("❌ Failed to connect to MongoDB: %v", err)
	}
	initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	if err := mongodb.Initialize(initCtx); err != nil {
		cancelInit()
		log.Fatalf("❌ Failed to initialize MongoDB: %v", err)
	}
	cancelInit()

	// Redis
	redisService, err := services.NewRedisService(cfg.RedisURL)
	if err != nil {
		log.Fatalf("❌ Failed to connect to Redis: %v", err)
	}
	defer redisService.Close()

	// Cross-instance event bus
	instanceID := uuid.New().String()
	pubsubService := services.NewPubSubService(redisService, instanceID)

	// Core services
	store := database.NewConversationStore(mongodb)
	sessionCache := services.NewSessionCache(redisService, store, cfg.CacheLocalTTL, cfg.CacheRedisTTL)
	connManager := services.NewConnectionManager()
	metrics := services.InitMetrics(connManager)
	broadcaster := services.NewBroadcaster(connManager, pubsubService)
	presenceService := services.NewPresenceService(redisService, broadcaster, cfg.PresenceTTL)

	if err := pubsubService.Start(); err != nil {
		log.Fatalf("❌ Failed to start PubSub: %v", err)
	}

	// Generation + message pipeline
	genClient := services.NewGenerationClient(cfg.GenerationURL, cfg.GenerationAPIKey, cfg.GenerationModel, cfg.GenerationTimeout)
	messagePipeline := pipeline.NewPipeline(
		pipeline.NewRedisQueue(redisService),
		sessionCache,
		pipeline.NewGenerator(genClient),
		broadcaster,
		metrics,
		pipeline.Options{
			Workers:        cfg.JobWorkers,
			MaxAttempts:    cfg.JobMaxAttempts,
			BackoffInitial: cfg.JobBackoffInitial,
			JobTimeout:     cfg.JobTimeout,
			ModelName:      cfg.GenerationModel,
		},
	)
	messagePipeline.Start()

	// Health polling
	healthTracker := health.NewTracker(cfg.HealthFailThreshold)
	scheduler, err := jobs.NewScheduler()
	if err != nil {
		log.Fatalf("❌ Failed to create scheduler: %v", err)
	}
	healthChecker := jobs.NewGenerationHealthChecker(genClient, healthTracker, broadcaster)
	if err := scheduler.Register("generation-health", cfg.HealthPollInterval, healthChecker); err != nil {
		log.Fatalf("❌ Failed to register health job: %v", err)
	}
	datastoreChecker := jobs.NewDatastoreHealthChecker(redisService, mongodb, healthTracker)
	if err := scheduler.Register("datastore-health", cfg.HealthPollInterval, datastoreChecker); err != nil {
		log.Fatalf("❌ Failed to register datastore health job: %v", err)
	}
	scheduler.Start()

	// Auth
	verifier, err := auth.NewJWTVerifier(cfg.JWTSecret)
	if err != nil {
		log.Fatalf("❌ Invalid JWT configuration: %v", err)
	}

	// Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "TutorLive Gateway v1.0",
		ReadTimeout:  300 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  300 * time.Second,
		BodyLimit:    4 * 1024 * 1024,
	})

	app.Use(recover.New())

	// Prometheus metrics middleware
	prometheus := fiberprometheus.New("tutorlive")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:5173,http://localhost:3000"
		log.Println("⚠️  ALLOWED_ORIGINS not set, using development defaults")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
		AllowCredentials: allowedOrigins != "*",
	}))

	// Handlers
	wsHandler := handlers.NewWebSocketHandler(
		connManager, broadcaster, presenceService, sessionCache, messagePipeline, metrics,
		cfg.MessagesPerSecond, cfg.MessageBurst,
	)
	healthHandler := handlers.NewHealthHandler(connManager, sessionCache, metrics, healthTracker, cfg.LatencyP95Threshold)

	app.Get("/health", healthHandler.Handle)

	// WebSocket route (requires auth before upgrade)
	handshakeLimits := middleware.DefaultHandshakeLimitConfig()
	handshakeLimits.UserMax = int64(cfg.HandshakeAttempts)
	handshakeLimits.UserWindow = cfg.HandshakeWindow

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Use("/ws", middleware.IPHandshakeLimiter(handshakeLimits))
	app.Use("/ws", middleware.AuthMiddleware(verifier))
	app.Use("/ws", middleware.UserHandshakeLimiter(redisService, handshakeLimits))

	wsConfig := websocket.Config{
		Origins: strings.Split(allowedOrigins, ","),
	}
	app.Get("/ws", websocket.New(wsHandler.Handle, wsConfig))

	log.Printf("🚀 TutorLive gateway starting on port %s", cfg.Port)
	log.Printf("🔌 WebSocket endpoint: ws://localhost:%s/ws", cfg.Port)
	log.Printf("📡 Health check: http://localhost:%s/health", cfg.Port)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		scheduler.Stop()
		messagePipeline.Stop()

		if err := pubsubService.Stop(); err != nil {
			log.Printf("⚠️ Error stopping PubSub: %v", err)
		}

		closeCtx, cancelClose := context.WithTimeout(context.Background(), 10*time.Second)
		if err := mongodb.Close(closeCtx); err != nil {
			log.Printf("⚠️ Error closing MongoDB: %v", err)
		}
		cancelClose()

		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}
