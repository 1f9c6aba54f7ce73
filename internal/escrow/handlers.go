package escrow

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charitycoin/coinescrow/internal/pagination"
	"github.com/charitycoin/coinescrow/internal/validation"
)

// Handler provides HTTP endpoints for purchase escrows.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new escrow handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterProtectedRoutes sets up routes acting on a single purchase. The
// caller must be authenticated; participation is checked per request.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/purchases", h.RequestPurchase)
	r.GET("/purchases/:id", validation.IDParamMiddleware("id"), h.GetPurchase)
	r.POST("/purchases/:id/payment", validation.IDParamMiddleware("id"), h.ConfirmPayment)
	r.POST("/purchases/:id/receipt", validation.IDParamMiddleware("id"), h.ConfirmReceipt)
	r.POST("/purchases/:id/cancel", validation.IDParamMiddleware("id"), h.CancelPurchase)
}

// RegisterOwnerRoutes sets up listing routes. The group must already
// enforce that the caller owns :id.
func (h *Handler) RegisterOwnerRoutes(r *gin.RouterGroup) {
	r.GET("/buyers/:id/purchases/pending", h.ListPending)
	r.GET("/buyers/:id/purchases", h.ListBuyerHistory)
	r.GET("/agents/:id/purchases", h.ListAgentHistory)
}

// RegisterAdminRoutes sets up platform operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/purchases/:id", validation.IDParamMiddleware("id"), h.AdminGetPurchase)
}

// PaymentRequest is the body for POST /v1/purchases/:id/payment
type PaymentRequest struct {
	PaymentMethod string `json:"paymentMethod" binding:"required"`
}

// RequestPurchase handles POST /v1/purchases
func (h *Handler) RequestPurchase(c *gin.Context) {
	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "agentId is required",
		})
		return
	}

	// The buyer is always the caller.
	caller := c.GetString("authIdentity")
	if req.BuyerID != "" && normalizeID(req.BuyerID) != normalizeID(caller) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Authenticated identity must be the buyer",
		})
		return
	}
	req.BuyerID = caller

	// Quantity is not checked here: every out-of-range value, zero and
	// negative included, is rejected by the manager as ErrInvalidQuantity.
	if errs := validation.Validate(
		validation.ValidIdentity("agentId", req.AgentID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	tx, err := h.manager.RequestPurchase(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"transactionId": tx.ID,
		"totalPrice":    tx.TotalPrice,
		"bonusCoins":    tx.BonusCoins,
		"expiresAt":     tx.ExpiresAt,
		"state":         tx.State.Display(),
		"transaction":   transactionView(tx),
	})
}

// GetPurchase handles GET /v1/purchases/:id
func (h *Handler) GetPurchase(c *gin.Context) {
	tx, ok := h.loadForParticipant(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": transactionView(tx)})
}

// AdminGetPurchase handles GET /v1/admin/purchases/:id
func (h *Handler) AdminGetPurchase(c *gin.Context) {
	tx, err := h.manager.GetTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": transactionView(tx)})
}

// ConfirmPayment handles POST /v1/purchases/:id/payment
func (h *Handler) ConfirmPayment(c *gin.Context) {
	var req PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "paymentMethod is required (mobile_money, bank_transfer or cash)",
		})
		return
	}

	tx, ok := h.loadForParticipant(c)
	if !ok {
		return
	}
	if tx.BuyerID != normalizeID(c.GetString("authIdentity")) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Only the buyer can confirm payment",
		})
		return
	}

	tx, err := h.manager.ConfirmPayment(c.Request.Context(), tx.ID, req.PaymentMethod)
	if Kind(err) == KindConcurrencyConflict {
		h.respondCurrent(c, c.Param("id"), StatePaymentConfirmed)
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":       tx.State.Display(),
		"transaction": transactionView(tx),
	})
}

// ConfirmReceipt handles POST /v1/purchases/:id/receipt
func (h *Handler) ConfirmReceipt(c *gin.Context) {
	tx, err := h.manager.ConfirmReceipt(c.Request.Context(), c.Param("id"), c.GetString("authIdentity"))
	if err != nil {
		writeError(c, err)
		return
	}

	// A concurrent expiry or cancel won: nothing was delivered.
	if tx.State != StateCompleted {
		c.JSON(http.StatusConflict, gin.H{
			"error":       "invalid_state",
			"message":     "Transaction was resolved before receipt was confirmed",
			"state":       tx.State.Display(),
			"transaction": transactionView(tx),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":       tx.State.Display(),
		"completedAt": tx.CompletedAt,
		"transaction": transactionView(tx),
	})
}

// CancelPurchase handles POST /v1/purchases/:id/cancel
func (h *Handler) CancelPurchase(c *gin.Context) {
	tx, err := h.manager.CancelTransaction(c.Request.Context(), c.Param("id"), c.GetString("authIdentity"))
	if Kind(err) == KindConcurrencyConflict {
		h.respondCurrent(c, c.Param("id"), StateCancelled)
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":       tx.State.Display(),
		"transaction": transactionView(tx),
	})
}

// ListPending handles GET /v1/buyers/:id/purchases/pending
func (h *Handler) ListPending(c *gin.Context) {
	txs, err := h.manager.ListPendingForBuyer(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]gin.H, 0, len(txs))
	for _, tx := range txs {
		views = append(views, transactionView(tx))
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": views,
		"count":        len(views),
	})
}

// ListBuyerHistory handles GET /v1/buyers/:id/purchases
func (h *Handler) ListBuyerHistory(c *gin.Context) {
	h.listHistory(c, HistoryQuery{BuyerID: c.Param("id")})
}

// ListAgentHistory handles GET /v1/agents/:id/purchases
func (h *Handler) ListAgentHistory(c *gin.Context) {
	h.listHistory(c, HistoryQuery{AgentID: c.Param("id")})
}

func (h *Handler) listHistory(c *gin.Context, q HistoryQuery) {
	states, err := parseStates(c.Query("state"))
	if err != nil {
		writeError(c, err)
		return
	}
	q.States = states
	q.Cursor = c.Query("cursor")
	q.Limit = pagination.ParseLimit(c.Query("limit"), 50, 200)

	page, err := h.manager.ListHistory(c.Request.Context(), q)
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]gin.H, 0, len(page.Transactions))
	for _, tx := range page.Transactions {
		views = append(views, transactionView(tx))
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": views,
		"count":        len(views),
		"nextCursor":   page.NextCursor,
		"hasMore":      page.HasMore,
	})
}

// loadForParticipant fetches :id and rejects callers who are neither buyer nor agent.
func (h *Handler) loadForParticipant(c *gin.Context) (*Transaction, bool) {
	tx, err := h.manager.GetTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if !tx.IsParticipant(c.GetString("authIdentity")) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Not a participant in this transaction",
		})
		return nil, false
	}
	return tx, true
}

// parseStates reads a comma-separated state filter. The client-facing
// awaiting_payment name is accepted for requested.
func parseStates(raw string) ([]State, error) {
	if raw == "" {
		return nil, nil
	}
	var states []State
	for _, part := range strings.Split(raw, ",") {
		s := State(strings.ToLower(strings.TrimSpace(part)))
		switch s {
		case StateAwaitingPayment:
			s = StateRequested
		case StateRequested, StatePaymentConfirmed, StateCompleted, StateExpired, StateCancelled:
		default:
			return nil, errInvalidStateFilter
		}
		states = append(states, s)
	}
	return states, nil
}

var errInvalidStateFilter = errors.New("unknown state in filter")

// transactionView renders a transaction with its client-facing state.
func transactionView(tx *Transaction) gin.H {
	v := gin.H{
		"id":                   tx.ID,
		"buyerId":              tx.BuyerID,
		"agentId":              tx.AgentID,
		"quantity":             tx.Quantity,
		"pricePerCoinSnapshot": tx.PricePerCoinSnapshot,
		"totalPrice":           tx.TotalPrice,
		"bonusCoins":           tx.BonusCoins,
		"state":                tx.State.Display(),
		"createdAt":            tx.CreatedAt,
		"updatedAt":            tx.UpdatedAt,
		"expiresAt":            tx.ExpiresAt,
	}
	if tx.PaymentMethod != "" {
		v["paymentMethod"] = tx.PaymentMethod
	}
	if tx.CancelledBy != "" {
		v["cancelledBy"] = tx.CancelledBy
	}
	if tx.CompletedAt != nil {
		v["completedAt"] = tx.CompletedAt
	}
	if tx.ResolvedAt != nil {
		v["resolvedAt"] = tx.ResolvedAt
	}
	return v
}

// respondCurrent answers a request that kept losing races with the record's
// authoritative state. It is a success only if the record reached want.
func (h *Handler) respondCurrent(c *gin.Context, id string, want State) {
	tx, err := h.manager.GetTransaction(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if tx.State == want {
		c.JSON(http.StatusOK, gin.H{
			"state":       tx.State.Display(),
			"transaction": transactionView(tx),
		})
		return
	}
	c.JSON(http.StatusConflict, gin.H{
		"error":       "invalid_state",
		"message":     "Transaction changed state concurrently",
		"state":       tx.State.Display(),
		"transaction": transactionView(tx),
	})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, errInvalidStateFilter):
		status = http.StatusBadRequest
		code = "validation_error"
	case errors.Is(err, ErrInsufficientAgentBalance):
		status = http.StatusConflict
		code = "insufficient_balance"
	case errors.Is(err, ErrTooManyOpen):
		status = http.StatusTooManyRequests
		code = "too_many_open"
	default:
		switch Kind(err) {
		case KindValidation:
			status = http.StatusBadRequest
			code = "validation_error"
		case KindNotFound:
			status = http.StatusNotFound
			code = "not_found"
		case KindNotAuthorized:
			status = http.StatusForbidden
			code = "forbidden"
		case KindInvalidState:
			status = http.StatusConflict
			code = "invalid_state"
		case KindConcurrencyConflict:
			status = http.StatusConflict
			code = "conflict"
		case KindExpired:
			status = http.StatusGone
			code = "expired"
		}
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal error"
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}
