// README: Firebase ID-token auth middleware; exposes caller uid and role to handlers.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ridecore/internal/infra"
)

const (
	ctxUID  = "auth.uid"
	ctxRole = "auth.role"

	RoleDriver = "driver"
	RoleAdmin  = "admin"
)

// Auth rejects requests without a valid "Bearer <id token>" header. Websocket
// handshakes may pass the token as ?token= instead.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok && c.IsWebsocket() && c.GetHeader("Authorization") == "" {
			// Browsers cannot set headers on a websocket handshake.
			raw, ok = c.Query("token"), true
		}
		if !ok || strings.TrimSpace(raw) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), strings.TrimSpace(raw))
		if err != nil || token == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxUID, token.UID)
		if role, ok := token.Claims["role"].(string); ok {
			c.Set(ctxRole, role)
		}
		c.Next()
	}
}

func CallerUID(c *gin.Context) string {
	return c.GetString(ctxUID)
}

// CallerRole is empty for riders.
func CallerRole(c *gin.Context) string {
	return c.GetString(ctxRole)
}
