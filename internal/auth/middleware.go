// Package auth guards internal endpoints.
//
// The mirror write endpoints are called by the indexer relay and other
// trusted services, never by receivers. They authenticate with a shared
// secret in the X-Internal-Secret header.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/payrollx/escrowrecon/internal/logging"
)

// HeaderInternalSecret carries the shared secret.
const HeaderInternalSecret = "X-Internal-Secret"

// RequireInternal rejects requests whose X-Internal-Secret does not match
// secret. With an empty secret every request is rejected, so a missing
// setting never opens the endpoints.
func RequireInternal(secret string) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		if len(want) == 0 {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "internal_api_disabled",
				"message": "INTERNAL_API_SECRET is not configured",
			})
			return
		}
		got := []byte(c.GetHeader(HeaderInternalSecret))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			logging.L(c.Request.Context()).Warn("rejected internal request",
				"path", c.FullPath(), "client_ip", c.ClientIP(), "header_present", len(got) > 0)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "valid " + HeaderInternalSecret + " header required",
			})
			return
		}
		c.Next()
	}
}
