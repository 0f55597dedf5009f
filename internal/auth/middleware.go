package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// Context keys for caller data
	ContextKeySubject = "auth_subject"
	ContextKeyRole    = "auth_role"
	ContextKeyClaims  = "auth_claims"
)

// Middleware creates a JWT authentication middleware
func Middleware(jwtManager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   ErrUnauthorized.Code,
				"message": "missing or malformed authorization header",
			})
			return
		}

		claims, err := jwtManager.ValidateAccessToken(tokenString)
		if err != nil {
			var authErr AuthError
			if !errors.As(err, &authErr) {
				authErr = ErrInvalidToken
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   authErr.Code,
				"message": authErr.Message,
			})
			return
		}

		c.Set(ContextKeySubject, claims.Subject)
		c.Set(ContextKeyRole, claims.Role)
		c.Set(ContextKeyClaims, claims)

		c.Next()
	}
}

// RequireOperator rejects read-only callers. It must run after Middleware.
func RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil || !claims.CanTrade() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   ErrForbidden.Code,
				"message": "operator role required",
			})
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		// Browsers cannot set headers on websocket upgrades.
		if t := c.Query("token"); t != "" && c.IsWebsocket() {
			return t, true
		}
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// GetSubject extracts the caller name from the Gin context
func GetSubject(c *gin.Context) string {
	return c.GetString(ContextKeySubject)
}

// GetClaims extracts the full claims from the Gin context
func GetClaims(c *gin.Context) *OperatorClaims {
	if claims, exists := c.Get(ContextKeyClaims); exists {
		if oc, ok := claims.(*OperatorClaims); ok {
			return oc
		}
	}
	return nil
}
