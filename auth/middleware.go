package auth

import (
	"net/http"
	"strings"

	"atlas/models"

	"github.com/gin-gonic/gin"
)

// Middleware rejects calls without a valid bearer token and stores the
// verified identity on the gin context.
func Middleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimPrefix(header, "Bearer ")
		if tokenStr == header {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "malformed authorization header"})
			return
		}

		claims, err := ParseToken(secret, tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Set("userID", claims.UserID)
		c.Set("userRole", claims.Role)
		c.Next()
	}
}

// RequireAdmin aborts with 403 unless the caller may review requests.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !CurrentRole(c).CanReviewRequests() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			return
		}
		c.Next()
	}
}

// CurrentUserID returns the authenticated user id, or 0 outside the
// middleware.
func CurrentUserID(c *gin.Context) uint {
	v, ok := c.Get("userID")
	if !ok {
		return 0
	}
	return v.(uint)
}

// CurrentRole returns the authenticated role, or the empty role outside
// the middleware.
func CurrentRole(c *gin.Context) models.Role {
	v, ok := c.Get("userRole")
	if !ok {
		return models.Role("")
	}
	return v.(models.Role)
}
