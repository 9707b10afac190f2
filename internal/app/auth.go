package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const ctxUserID = "user_id"

// AuthMiddleware accepts an HMAC-signed JWT whose subject is the caller, or
// one of the static tokens. Static callers name themselves in X-User-ID.
func AuthMiddleware(jwtSecret string, staticTokens []string) gin.HandlerFunc {
	jwtSecret = strings.TrimSpace(jwtSecret)

	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}
		parts := strings.Fields(auth)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		tokenStr := parts[1]

		if jwtSecret != "" {
			token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrTokenMalformed
				}
				return []byte(jwtSecret), nil
			}, jwt.WithLeeway(5*time.Second))
			if err == nil {
				sub, _ := token.Claims.GetSubject()
				if sub == "" {
					c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token has no subject"})
					return
				}
				c.Set(ctxUserID, sub)
				c.Next()
				return
			}
		}

		for _, t := range staticTokens {
			if tokenStr == strings.TrimSpace(t) {
				user := strings.TrimSpace(c.GetHeader("X-User-ID"))
				if user == "" {
					user = "static"
				}
				c.Set(ctxUserID, user)
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
	}
}

func currentUser(c *gin.Context) string { return c.GetString(ctxUserID) }
