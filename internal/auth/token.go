package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/toolhub/export-engine/internal/model"
)

// Claims are the HMAC-signed bearer token claims the engine consumes. The
// surrounding application issues these tokens; the engine only verifies them
// and derives a caller scope.
type Claims struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// ValidateToken verifies an HMAC-signed token and returns its claims.
func ValidateToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// GenerateToken signs a token for the given identity. Used by tests and local
// development; production tokens come from the main application.
func GenerateToken(userID string, role model.Role, secret string, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID: userID,
		Role:   string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Scope converts the claims into the caller scope used across the engine.
func (c *Claims) Scope() model.CallerScope {
	role := model.Role(c.Role)
	if role != model.RoleAdmin {
		role = model.RoleUser
	}
	return model.CallerScope{UserID: c.UserID, Role: role}
}
