package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charitycoin/coinescrow/internal/validation"
)

// Handler provides HTTP endpoints for key management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up routes for any authenticated caller.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", h.Me)
}

// RegisterOwnerRoutes sets up key routes. The group must already enforce
// that the caller owns :id.
func (h *Handler) RegisterOwnerRoutes(r *gin.RouterGroup) {
	r.GET("/identities/:id/keys", h.ListKeys)
	r.POST("/identities/:id/keys", h.CreateKey)
	r.DELETE("/identities/:id/keys/:keyId", h.RevokeKey)
}

// RegisterAdminRoutes sets up operator routes. Issuing the first key for an
// identity is an operator action.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/identities/:id/keys", h.CreateKey)
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey handles POST /identities/:id/keys
func (h *Handler) CreateKey(c *gin.Context) {
	identityID := validation.SanitizeIdentity(c.Param("id"))
	if !validation.IsValidIdentity(identityID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "invalid identity id",
		})
		return
	}

	var req CreateKeyRequest
	_ = c.ShouldBindJSON(&req)
	req.Name = validation.SanitizeString(req.Name, 255)
	if req.Name == "" {
		req.Name = "Additional key"
	}

	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), identityID, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"key":     key,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// ListKeys handles GET /identities/:id/keys
func (h *Handler) ListKeys(c *gin.Context) {
	keys, err := h.manager.ListKeys(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list keys",
		})
		return
	}
	if keys == nil {
		keys = []*APIKey{}
	}
	c.JSON(http.StatusOK, gin.H{
		"keys":  keys,
		"count": len(keys),
	})
}

// RevokeKey handles DELETE /identities/:id/keys/:keyId
func (h *Handler) RevokeKey(c *gin.Context) {
	keyID := c.Param("keyId")

	if current, ok := GetAPIKey(c); ok && current.ID == keyID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	err := h.manager.RevokeKey(c.Request.Context(), keyID, c.Param("id"))
	if errors.Is(err, ErrKeyNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Key not found or already revoked",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to revoke key",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Key revoked",
		"keyId":   keyID,
	})
}

// Me handles GET /auth/me
func (h *Handler) Me(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "API key required.",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"identityId": key.IdentityID,
		"keyId":      key.ID,
		"keyName":    key.Name,
		"createdAt":  key.CreatedAt,
	})
}
