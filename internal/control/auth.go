package control

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// claims is the minimal JWT payload the control surface checks: a subject
// and nothing else. Roles/permissions are out of scope: the control plane
// is a single trusted operator surface, not a multi-tenant API.
type claims struct {
	jwt.RegisteredClaims
}

// authMiddleware validates a Bearer token against cfg.JWTSecret. Only
// mutating routes install this middleware; idempotent GETs stay open.
func (s *Server) authMiddleware() gin.HandlerFunc {
	secret := []byte(s.cfg.JWTSecret)
	return func(c *gin.Context) {
		token := extractBearer(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			c.Abort()
			return
		}
		parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return secret, nil
		})
		if err != nil || !parsed.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func extractBearer(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	parts := strings.SplitN(h, " ", 2)
	if len(parts) == 2 && parts[0] == "Bearer" {
		return parts[1]
	}
	return ""
}

// maybeAuth returns authMiddleware() when auth is enabled, or a no-op
// otherwise, so route registration can unconditionally chain it.
func (s *Server) maybeAuth() gin.HandlerFunc {
	if !s.cfg.AuthEnabled {
		return func(c *gin.Context) { c.Next() }
	}
	return s.authMiddleware()
}
