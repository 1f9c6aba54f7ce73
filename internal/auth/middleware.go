package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charitycoin/coinescrow/internal/validation"
)

const (
	// ContextKeyAPIKey is the key for storing the API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyIdentity is the key for storing the authenticated identity id
	ContextKeyIdentity = "authIdentity"
	// ContextKeyAdmin is set when the request carried a valid admin secret
	ContextKeyAdmin = "authAdmin"
)

// Middleware extracts and validates the API key from the request and sets
// apiKey and authIdentity when it is valid. It never rejects.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyIdentity, key.IdentityID)
			}
		}

		c.Next()
	}
}

// RequireAuth middleware rejects requests without valid auth
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetIdentity(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer ck_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireOwnership requires auth and that the caller is the identity named
// by paramName.
func RequireOwnership(paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := GetIdentity(c)
		if identity == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required.",
			})
			return
		}
		if identity != validation.SanitizeIdentity(c.Param(paramName)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "You do not own this resource.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin guards operator routes with a shared secret in the
// X-Admin-Secret header. An empty configured secret disables the routes.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		given := c.GetHeader("X-Admin-Secret")
		if secret == "" || subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin credentials required.",
			})
			return
		}
		c.Set(ContextKeyAdmin, true)
		c.Next()
	}
}

// GetAPIKey returns the API key from context (if authenticated)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	k, ok := key.(*APIKey)
	return k, ok
}

// GetIdentity returns the authenticated identity id, or "".
func GetIdentity(c *gin.Context) string {
	return c.GetString(ContextKeyIdentity)
}
