package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vladmelevich/uzmat/internal/auth"
	"github.com/vladmelevich/uzmat/internal/utils"
)

const (
	// ContextKeyUserID holds the key for user ID in Gin context.
	ContextKeyUserID = "userID"
	// ContextKeyIsAdmin holds the key for admin status in Gin context.
	ContextKeyIsAdmin = "isAdmin"
)

// AuthMiddleware creates a Gin middleware for JWT authentication.
func AuthMiddleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header format must be Bearer {token}"})
			return
		}

		claims, err := auth.ValidateJWT(parts[1], jwtSecret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		c.Set(ContextKeyUserID, claims.UserID)
		c.Set(ContextKeyIsAdmin, claims.IsAdmin)

		c.Next()
	}
}

// AdminMiddleware checks for admin privileges. Assumes AuthMiddleware
// runs first.
func AdminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		isAdmin, exists := c.Get(ContextKeyIsAdmin)
		if !exists || !isAdmin.(bool) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Administrator privileges required"})
			return
		}
		c.Next()
	}
}

// UserID extracts the authenticated user's ID from the Gin context.
func UserID(c *gin.Context) (utils.SixID, bool) {
	raw, exists := c.Get(ContextKeyUserID)
	if !exists {
		return utils.SixID{}, false
	}
	id, err := utils.ParseSixID(raw.(string))
	if err != nil {
		return utils.SixID{}, false
	}
	return id, true
}

// OptionalUserID resolves the caller from a Bearer token when one is
// present. Missing or invalid tokens yield no identity rather than an
// error; public endpoints use this to vary responses for owners.
func OptionalUserID(c *gin.Context, jwtSecret string) (utils.SixID, bool) {
	if id, ok := UserID(c); ok {
		return id, true
	}

	parts := strings.Split(c.GetHeader("Authorization"), " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return utils.SixID{}, false
	}
	claims, err := auth.ValidateJWT(parts[1], jwtSecret)
	if err != nil {
		return utils.SixID{}, false
	}
	id, err := utils.ParseSixID(claims.UserID)
	if err != nil {
		return utils.SixID{}, false
	}
	return id, true
}
