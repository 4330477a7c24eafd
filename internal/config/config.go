package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Port        string
	Environment string

	MongoURI string
	RedisURL string

	// Token Verifier
	JWTSecret string

	// Generation Service
	GenerationURL     string
	GenerationAPIKey  string
	GenerationModel   string
	GenerationTimeout time.Duration

	// Gateway limits
	HandshakeAttempts int           // attempts per user per window
	HandshakeWindow   time.Duration // sliding window for connection attempts
	MessagesPerSecond float64       // per-connection send rate
	MessageBurst      int

	// Job pipeline
	JobMaxAttempts    int
	JobBackoffInitial time.Duration
	JobTimeout        time.Duration
	JobWorkers        int

	// Session cache
	CacheLocalTTL time.Duration
	CacheRedisTTL time.Duration

	// Presence & health
	PresenceTTL         time.Duration
	HealthPollInterval  time.Duration
	HealthFailThreshold int

	// Health endpoint degrades when any tracked operation's p95 exceeds this
	LatencyP95Threshold time.Duration
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "3001"),
		Environment: getEnv("ENVIRONMENT", "development"),

		MongoURI: getEnv("MONGODB_URI", "mongodb://localhost:27017/tutorlive"),
		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379"),

		JWTSecret: getEnv("JWT_SECRET", ""),

		GenerationURL:     getEnv("GENERATION_URL", "http://localhost:8085"),
		GenerationAPIKey:  getEnv("GENERATION_API_KEY", ""),
		GenerationModel:   getEnv("GENERATION_MODEL", "tutor-default"),
		GenerationTimeout: getDurationEnv("GENERATION_TIMEOUT", 30*time.Second),

		HandshakeAttempts: getIntEnv("HANDSHAKE_ATTEMPTS", 10),
		HandshakeWindow:   getDurationEnv("HANDSHAKE_WINDOW", 60*time.Second),
		MessagesPerSecond: getFloatEnv("MESSAGES_PER_SECOND", 2),
		MessageBurst:      getIntEnv("MESSAGE_BURST", 5),

		JobMaxAttempts:    getIntEnv("JOB_MAX_ATTEMPTS", 3),
		JobBackoffInitial: getDurationEnv("JOB_BACKOFF_INITIAL", 2*time.Second),
		JobTimeout:        getDurationEnv("JOB_TIMEOUT", 60*time.Second),
		JobWorkers:        getIntEnv("JOB_WORKERS", 8),

		CacheLocalTTL: getDurationEnv("CACHE_LOCAL_TTL", 5*time.Minute),
		CacheRedisTTL: getDurationEnv("CACHE_REDIS_TTL", 1*time.Hour),

		PresenceTTL:         getDurationEnv("PRESENCE_TTL", 60*time.Second),
		HealthPollInterval:  getDurationEnv("HEALTH_POLL_INTERVAL", 30*time.Second),
		HealthFailThreshold: getIntEnv("HEALTH_FAIL_THRESHOLD", 3),

		LatencyP95Threshold: getDurationEnv("LATENCY_P95_THRESHOLD", 2*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
