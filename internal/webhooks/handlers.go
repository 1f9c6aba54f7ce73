package webhooks

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charitycoin/coinescrow/internal/escrow"
	"github.com/charitycoin/coinescrow/internal/idgen"
	"github.com/charitycoin/coinescrow/internal/security"
	"github.com/charitycoin/coinescrow/internal/validation"
)

// maxSubscriptionsPerIdentity caps registrations so one identity cannot fan
// every event out to an unbounded number of URLs.
const maxSubscriptionsPerIdentity = 10

// knownEvents are the event types a subscription may filter on.
var knownEvents = map[escrow.EventType]bool{
	escrow.EventTransactionCreated:   true,
	escrow.EventPaymentConfirmed:     true,
	escrow.EventTransactionCompleted: true,
	escrow.EventTransactionExpired:   true,
	escrow.EventTransactionCancelled: true,
}

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store        Store
	urlValidator func(string) error
}

// NewHandler creates a new webhook handler
func NewHandler(store Store) *Handler {
	return &Handler{store: store, urlValidator: security.ValidateEndpointURL}
}

// RegisterOwnerRoutes sets up webhook routes. The group must already
// enforce that the caller owns :id.
func (h *Handler) RegisterOwnerRoutes(r *gin.RouterGroup) {
	r.POST("/identities/:id/webhooks", h.CreateWebhook)
	r.GET("/identities/:id/webhooks", h.ListWebhooks)
	r.DELETE("/identities/:id/webhooks/:webhookId", h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
}

// CreateWebhook handles POST /v1/identities/:id/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	identityID := c.Param("id")

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "url is required",
		})
		return
	}
	if errs := validation.Validate(validation.MaxLength("url", req.URL, 2048)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	if err := h.urlValidator(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": err.Error()})
		return
	}

	events := make([]escrow.EventType, 0, len(req.Events))
	for _, e := range req.Events {
		et := escrow.EventType(e)
		if !knownEvents[et] {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_event",
				"message": "Unknown event type: " + e,
			})
			return
		}
		events = append(events, et)
	}

	existing, err := h.store.ListByIdentity(c.Request.Context(), identityID)
	if err != nil {
		internalError(c)
		return
	}
	if len(existing) >= maxSubscriptionsPerIdentity {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "limit_reached",
			"message": "Too many webhooks registered",
		})
		return
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:         idgen.WithPrefix("wh_"),
		IdentityID: identityID,
		URL:        req.URL,
		Secret:     secret,
		Events:     events,
		Active:     true,
		CreatedAt:  time.Now(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		internalError(c)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // Only shown once
		"usage": gin.H{
			"signature": "X-CoinEscrow-Signature = sha256=hex(HMAC-SHA256(secret, timestamp + \".\" + body))",
		},
	})
}

// ListWebhooks handles GET /v1/identities/:id/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.ListByIdentity(c.Request.Context(), c.Param("id"))
	if err != nil {
		internalError(c)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs})
}

// DeleteWebhook handles DELETE /v1/identities/:id/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	sub, err := h.store.Get(c.Request.Context(), c.Param("webhookId"))
	if errors.Is(err, ErrNotFound) || (err == nil && sub.IdentityID != c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
		return
	}
	if err != nil {
		internalError(c)
		return
	}

	if err := h.store.Delete(c.Request.Context(), sub.ID); err != nil {
		internalError(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}

func internalError(c *gin.Context) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Internal error",
	})
}
