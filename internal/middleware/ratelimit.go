package middleware

import (
	"context"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"tutorlive/internal/models"
)

// AttemptCounter counts events in a sliding window. Satisfied by the
// Redis service so the handshake budget is shared across instances.
type AttemptCounter interface {
	CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (remaining int64, exceeded bool, err error)
}

// HandshakeLimitConfig bounds connection attempts per IP and per user
type HandshakeLimitConfig struct {
	// Per-IP attempts per window, enforced in-process
	IPMax        int
	IPExpiration time.Duration

	// Per-user attempts per window, enforced via the shared counter
	UserMax    int64
	UserWindow time.Duration
}

// DefaultHandshakeLimitConfig returns production-safe defaults
func DefaultHandshakeLimitConfig() *HandshakeLimitConfig {
	return &HandshakeLimitConfig{
		IPMax:        20,
		IPExpiration: 1 * time.Minute,
		UserMax:      10,
		UserWindow:   1 * time.Minute,
	}
}

// IPHandshakeLimiter caps WebSocket connection attempts per client IP
func IPHandshakeLimiter(config *HandshakeLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.IPMax,
		Expiration: config.IPExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "ws:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			log.Printf("🚫 [RATE-LIMIT] WebSocket connection limit reached for IP: %s", c.IP())
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Too many connection attempts. Please wait before reconnecting.",
				"code":        models.CodeRateLimited,
				"retry_after": int(config.IPExpiration.Seconds()),
			})
		},
	})
}

// UserHandshakeLimiter caps connection attempts per authenticated user
// across every gateway instance. Runs after AuthMiddleware so user_id
// is always set.
func UserHandshakeLimiter(counter AttemptCounter, config *HandshakeLimitConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, _ := c.Locals("user_id").(string)
		if userID == "" {
			return c.Next()
		}

		_, exceeded, err := counter.CheckRateLimit(c.Context(), "handshake:"+userID, config.UserMax, config.UserWindow)
		if err != nil {
			// Counter outage must not lock everyone out
			log.Printf("⚠️  [RATE-LIMIT] Handshake counter unavailable: %v", err)
			return c.Next()
		}
		if exceeded {
			log.Printf("🚫 [RATE-LIMIT] Handshake limit reached for user: %s", userID)
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Too many connection attempts. Please wait before reconnecting.",
				"code":        models.CodeRateLimited,
				"retry_after": int(config.UserWindow.Seconds()),
			})
		}
		return c.Next()
	}
}
