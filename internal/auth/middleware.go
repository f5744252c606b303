package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const claimsKey = "claims"

// Middleware authenticates requests with HS256 bearer tokens.
type Middleware struct {
	secret string
	logger *zap.Logger
}

// NewMiddleware returns a middleware verifying tokens signed with secret.
func NewMiddleware(secret string, logger *zap.Logger) *Middleware {
	return &Middleware{secret: secret, logger: logger.Named("auth")}
}

// Optional accepts anonymous requests, but a token that is present must be
// valid.
func (m *Middleware) Optional() gin.HandlerFunc {
	return m.handle(false, false)
}

// Required rejects requests without a valid token.
func (m *Middleware) Required() gin.HandlerFunc {
	return m.handle(true, false)
}

// Stream is Required that also reads the token from the "token" query
// parameter, since EventSource cannot set headers.
func (m *Middleware) Stream() gin.HandlerFunc {
	return m.handle(true, true)
}

// RequireRole must follow Required; it rejects tokens without one of roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := ClaimsFrom(c)
		if claims == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		for _, r := range roles {
			if claims.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	}
}

func (m *Middleware) handle(required, allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader("Authorization"))
		if raw == "" && allowQuery {
			if q := c.Query("token"); q != "" {
				raw = "Bearer " + q
			}
		}
		if raw == "" {
			if required {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
				return
			}
			c.Next()
			return
		}

		parts := strings.Split(raw, " ")
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		claims, err := ParseToken(m.secret, parts[1])
		if err != nil {
			m.logger.Debug("token validation failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// ClaimsFrom returns the verified claims of the request, or nil.
func ClaimsFrom(c *gin.Context) *Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*Claims)
	return claims
}

// UserID returns the authenticated user id, or "".
func UserID(c *gin.Context) string {
	if claims := ClaimsFrom(c); claims != nil {
		return claims.UserID
	}
	return ""
}
