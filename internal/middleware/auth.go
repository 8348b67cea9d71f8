// Package middleware provides HTTP middleware for the admin API server.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ruvnet/roomsync/internal/auth"
	apierrors "github.com/ruvnet/roomsync/internal/errors"
)

// Auth validates the admin bearer token on every request, skipping the
// health and metrics endpoints.
func Auth(svc *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isPublicPath(c.Request.URL.Path) {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			respondUnauthorized(c, "missing or malformed Authorization header")
			return
		}

		claims, err := svc.Verify(parts[1])
		if err != nil {
			respondUnauthorized(c, "invalid or expired token")
			return
		}

		c.Set("admin_subject", claims.Subject)
		c.Set("admin_role", claims.Role)
		c.Next()
	}
}

// AdminOnly restricts an endpoint to the "admin" role.
func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := c.Get("admin_role")
		if role != "admin" {
			apiErr := apierrors.New(apierrors.Forbidden, "admin role required")
			c.JSON(apiErr.HTTPStatus(), apiErr)
			c.Abort()
			return
		}
		c.Next()
	}
}

func respondUnauthorized(c *gin.Context, message string) {
	apiErr := apierrors.New(apierrors.Unauthorized, message)
	c.JSON(apiErr.HTTPStatus(), apiErr)
	c.Abort()
}

func isPublicPath(path string) bool {
	for _, public := range []string{"/healthz", "/metrics"} {
		if strings.HasPrefix(path, public) {
			return true
		}
	}
	return false
}
