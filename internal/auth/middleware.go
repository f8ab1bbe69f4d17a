package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware authenticates HTTP requests through the same verifier the
// websocket handshake uses. The token comes from the Authorization header,
// the auth_token cookie, or a token query param (websocket clients cannot
// set headers).
func AuthMiddleware(verifier *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		if header := c.GetHeader("Authorization"); header != "" {
			token = strings.TrimPrefix(header, "Bearer ")
		}
		if token == "" {
			token, _ = c.Cookie("auth_token")
		}
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "no credentials"})
			return
		}

		userID, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("user_id", userID)
		c.Next()
	}
}
