package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/toolhub/export-engine/internal/auth"
	"github.com/toolhub/export-engine/internal/model"
	"github.com/toolhub/export-engine/pkg/response"
)

// AuthMiddleware validates HMAC-signed bearer tokens and attaches the caller
// scope to the request context.
type AuthMiddleware struct {
	jwtSecret string
}

func NewAuthMiddleware(jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{jwtSecret: jwtSecret}
}

// Authenticate validates the JWT token from the Authorization header.
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return response.Unauthorized(c, "Missing authorization header")
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return response.Unauthorized(c, "Invalid authorization header format")
		}

		claims, err := auth.ValidateToken(parts[1], m.jwtSecret)
		if err != nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}

		scope := claims.Scope()
		c.Locals("userId", scope.UserID)
		c.Locals("role", string(scope.Role))
		return c.Next()
	}
}

// GetUserID returns the authenticated user id, empty when unauthenticated.
func GetUserID(c *fiber.Ctx) string {
	if v, ok := c.Locals("userId").(string); ok {
		return v
	}
	return ""
}

// GetScope rebuilds the caller scope stored by the auth middleware.
func GetScope(c *fiber.Ctx) model.CallerScope {
	scope := model.CallerScope{UserID: GetUserID(c), Role: model.RoleUser}
	if v, ok := c.Locals("role").(string); ok && model.Role(v) == model.RoleAdmin {
		scope.Role = model.RoleAdmin
	}
	return scope
}
