package middleware

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"tutorlive/internal/models"
	"tutorlive/pkg/auth"
)

// AuthMiddleware verifies the bearer credential before the WebSocket
// upgrade. Supports both the Authorization header and a token query
// parameter, since browser WebSocket clients cannot set headers.
func AuthMiddleware(verifier auth.Verifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var token string

		// 1. Try Authorization header first
		authHeader := c.Get("Authorization")
		if authHeader != "" {
			extractedToken, err := auth.ExtractToken(authHeader)
			if err == nil {
				token = extractedToken
			}
		}

		// 2. Try query parameter (for WebSocket connections)
		if token == "" {
			token = c.Query("token")
		}

		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing or invalid authorization token",
				"code":  models.CodeAuthFailure,
			})
		}

		identity, err := verifier.Verify(token)
		if err != nil {
			log.Printf("❌ Auth failed: %v", err)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
				"code":  models.CodeAuthFailure,
			})
		}

		c.Locals("user_id", identity.UserID)
		c.Locals("user_role", identity.Role)
		c.Locals("client_ip", c.IP())

		return c.Next()
	}
}
