package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/toolhub/export-engine/pkg/response"
)

// GatewayAuthMiddleware reads caller identity from X-User-* headers set by a
// trusted reverse proxy (ForwardAuth) and populates Fiber context locals.
func GatewayAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get("X-User-Id")
		if userID == "" {
			return response.Unauthorized(c, "Missing user identity headers")
		}

		c.Locals("userId", userID)
		c.Locals("role", c.Get("X-User-Role"))

		return c.Next()
	}
}
