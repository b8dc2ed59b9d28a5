// Package auth guards operator endpoints with a shared admin secret.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// AdminHeader carries the admin secret.
const AdminHeader = "X-Admin-Secret"

// ContextKeyAdmin is set on the gin context once a request is authorized.
const ContextKeyAdmin = "authAdmin"

// RequireAdmin rejects requests whose X-Admin-Secret header does not match
// secret. With an empty secret every request is rejected unless demoMode is
// set, in which case the check is skipped (local development only; config
// refuses an empty secret in production).
func RequireAdmin(secret string, demoMode bool) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		if secret == "" {
			if demoMode {
				c.Set(ContextKeyAdmin, true)
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin endpoints are disabled: ADMIN_SECRET is not configured.",
			})
			return
		}

		got := c.GetHeader(AdminHeader)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin secret required. Include the 'X-Admin-Secret' header.",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret.",
			})
			return
		}

		c.Set(ContextKeyAdmin, true)
		c.Next()
	}
}

// IsAdmin reports whether the request passed RequireAdmin.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyAdmin)
}
