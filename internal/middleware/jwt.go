package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/relayvoice/backend/internal/auth"
	"github.com/relayvoice/backend/pkg/response"
)

const (
	// ContextAdminID is the key for admin ID in gin context.
	ContextAdminID = "admin_id"
	// ContextAdminRole is the key for admin role in gin context.
	ContextAdminRole = "admin_role"
	// ContextAdminEmail is the key for admin email in gin context.
	ContextAdminEmail = "admin_email"
)

// JWT returns a middleware that validates JWT and sets admin claims in context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(parts[1])
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextAdminID, claims.AdminID)
		c.Set(ContextAdminRole, claims.Role)
		c.Set(ContextAdminEmail, claims.Email)
		c.Next()
	}
}
