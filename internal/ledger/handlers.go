package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/charitycoin/coinescrow/internal/validation"
)

// Handler provides HTTP endpoints for agent inventory and buyer balances.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up public (read-only) routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/agents", h.ListMarketplace)
	r.GET("/agents/:id/offer", h.GetOffer)
}

// RegisterOwnerRoutes sets up routes that act on the caller's own account.
// The group must already enforce that the caller owns :id.
func (h *Handler) RegisterOwnerRoutes(r *gin.RouterGroup) {
	r.POST("/agents/:id/offer", h.RegisterOffer)
	r.POST("/agents/:id/offer/deposit", h.Deposit)
	r.POST("/agents/:id/offer/withdraw", h.Withdraw)
	r.POST("/agents/:id/offer/price", h.SetPrice)
	r.GET("/agents/:id/offer/history", h.History)
	r.GET("/buyers/:id/balance", h.GetBuyerBalance)
	r.GET("/buyers/:id/ledger", h.History)
}

// RegisterAdminRoutes sets up platform operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/agents/:id/verify", h.Verify)
	r.POST("/agents/:id/deactivate", h.Deactivate)
}

// RegisterOfferRequest is the body for POST /v1/agents/:id/offer
type RegisterOfferRequest struct {
	PricePerCoin string `json:"pricePerCoin" binding:"required"`
}

// QuantityRequest is the body for deposit and withdraw
type QuantityRequest struct {
	Quantity  int64  `json:"quantity" binding:"required"`
	Reference string `json:"reference,omitempty"`
}

// PriceRequest is the body for POST /v1/agents/:id/offer/price
type PriceRequest struct {
	PricePerCoin string `json:"pricePerCoin" binding:"required"`
}

// VerifyRequest is the body for POST /v1/admin/agents/:id/verify
type VerifyRequest struct {
	Verified *bool `json:"verified,omitempty"`
}

// ListMarketplace handles GET /v1/agents
func (h *Handler) ListMarketplace(c *gin.Context) {
	offers, err := h.ledger.ListMarketplace(c.Request.Context(), queryLimit(c, 50, 200))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agents": offers,
		"count":  len(offers),
	})
}

// GetOffer handles GET /v1/agents/:id/offer
func (h *Handler) GetOffer(c *gin.Context) {
	offer, err := h.ledger.GetOffer(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offerView(offer)})
}

// RegisterOffer handles POST /v1/agents/:id/offer
func (h *Handler) RegisterOffer(c *gin.Context) {
	var req RegisterOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c)
		return
	}
	price, ok := parsePrice(c, req.PricePerCoin)
	if !ok {
		return
	}

	offer, err := h.ledger.RegisterAgent(c.Request.Context(), c.Param("id"), price)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"offer": offerView(offer)})
}

// Deposit handles POST /v1/agents/:id/offer/deposit
func (h *Handler) Deposit(c *gin.Context) {
	var req QuantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c)
		return
	}
	if !validQuantity(c, req) {
		return
	}

	offer, err := h.ledger.Deposit(c.Request.Context(), c.Param("id"), req.Quantity, req.Reference)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offerView(offer)})
}

// Withdraw handles POST /v1/agents/:id/offer/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req QuantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c)
		return
	}
	if !validQuantity(c, req) {
		return
	}

	offer, err := h.ledger.Withdraw(c.Request.Context(), c.Param("id"), req.Quantity, req.Reference)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offerView(offer)})
}

// SetPrice handles POST /v1/agents/:id/offer/price
func (h *Handler) SetPrice(c *gin.Context) {
	var req PriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c)
		return
	}
	price, ok := parsePrice(c, req.PricePerCoin)
	if !ok {
		return
	}

	offer, err := h.ledger.SetPrice(c.Request.Context(), c.Param("id"), price)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offerView(offer)})
}

// History handles GET /v1/agents/:id/offer/history and GET /v1/buyers/:id/ledger
func (h *Handler) History(c *gin.Context) {
	entries, err := h.ledger.History(c.Request.Context(), c.Param("id"), queryLimit(c, 50, 500))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// GetBuyerBalance handles GET /v1/buyers/:id/balance
func (h *Handler) GetBuyerBalance(c *gin.Context) {
	balance, err := h.ledger.GetBuyerBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// Verify handles POST /v1/admin/agents/:id/verify
func (h *Handler) Verify(c *gin.Context) {
	var req VerifyRequest
	// An empty body means verify.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			invalidRequest(c)
			return
		}
	}
	verified := true
	if req.Verified != nil {
		verified = *req.Verified
	}

	offer, err := h.ledger.Verify(c.Request.Context(), c.Param("id"), verified)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offerView(offer)})
}

// Deactivate handles POST /v1/admin/agents/:id/deactivate
func (h *Handler) Deactivate(c *gin.Context) {
	offer, err := h.ledger.Deactivate(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offerView(offer)})
}

// offerView adds the derived available balance to the JSON form of an offer.
func offerView(o *Offer) gin.H {
	return gin.H{
		"agentId":          o.AgentID,
		"totalBalance":     o.TotalBalance,
		"lockedBalance":    o.LockedBalance,
		"availableBalance": o.Available(),
		"pricePerCoin":     o.PricePerCoin,
		"verified":         o.Verified,
		"active":           o.Active,
		"createdAt":        o.CreatedAt,
		"updatedAt":        o.UpdatedAt,
	}
}

func validQuantity(c *gin.Context, req QuantityRequest) bool {
	if errs := validation.Validate(
		validation.PositiveQuantity("quantity", req.Quantity),
		validation.MaxLength("reference", req.Reference, 128),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return false
	}
	return true
}

func parsePrice(c *gin.Context, raw string) (decimal.Decimal, bool) {
	if errs := validation.Validate(validation.ValidPrice("pricePerCoin", raw)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return decimal.Zero, false
	}
	price, _ := decimal.NewFromString(raw)
	return price, true
}

func queryLimit(c *gin.Context, def, max int) int {
	limit := def
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > max {
				limit = max
			}
		}
	}
	return limit
}

func invalidRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrOfferNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrOfferExists):
		status = http.StatusConflict
		code = "already_registered"
	case errors.Is(err, ErrInsufficientBalance):
		status = http.StatusConflict
		code = "insufficient_balance"
	case errors.Is(err, ErrOfferInactive):
		status = http.StatusConflict
		code = "agent_inactive"
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidPrice):
		status = http.StatusBadRequest
		code = "validation_error"
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal error"
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}
