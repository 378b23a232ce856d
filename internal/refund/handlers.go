package refund

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/marketplace/internal/escrow"
	"github.com/mbd888/marketplace/internal/logging"
	"github.com/mbd888/marketplace/internal/money"
	"github.com/mbd888/marketplace/internal/order"
	"github.com/mbd888/marketplace/internal/validation"
)

// Handler provides HTTP endpoints for refunds.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the refund routes on r (normally /v1).
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	orders := r.Group("/orders/:orderId", validation.IDParamMiddleware("orderId"))
	orders.POST("/refunds", h.Initiate)
	orders.GET("/refunds", h.ListByOrder)
	orders.GET("/refundable", h.Refundable)

	r.POST("/stores/:storeId/refunds", validation.IDParamMiddleware("storeId"), h.SellerInitiate)

	refunds := r.Group("/refunds/:id", validation.IDParamMiddleware("id"))
	refunds.GET("", h.Get)
	refunds.POST("/retry", h.Retry)
}

type initiateRequest struct {
	Type          string `json:"type"`
	ShipmentID    string `json:"shipmentId"`
	Amount        string `json:"amount"`
	Reason        string `json:"reason"`
	InitiatorID   string `json:"initiatorId"`
	InitiatorType string `json:"initiatorType"`
}

// Initiate handles POST /v1/orders/:orderId/refunds
func (h *Handler) Initiate(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if req.Type == "" {
		req.Type = string(TypeFull)
	}
	if req.InitiatorType == "" {
		req.InitiatorType = string(InitiatorBuyer)
	}

	checks := []func() *validation.ValidationError{
		validation.OneOf("type", req.Type, string(TypeFull), string(TypePartial)),
		validation.Required("initiatorId", req.InitiatorID),
		validation.ValidID("initiatorId", req.InitiatorID),
		validation.OneOf("initiatorType", req.InitiatorType,
			string(InitiatorBuyer), string(InitiatorSeller), string(InitiatorSupport), string(InitiatorSystem)),
		validation.MaxLength("reason", req.Reason, validation.MaxReasonLength),
	}
	if req.Type == string(TypePartial) {
		checks = append(checks, validation.Required("amount", req.Amount), validation.ValidAmount("amount", req.Amount))
		if req.ShipmentID != "" {
			checks = append(checks, validation.ValidID("shipmentId", req.ShipmentID))
		}
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	ctx := c.Request.Context()
	initiator := Initiator{ID: req.InitiatorID, Type: InitiatorType(req.InitiatorType)}
	reason := validation.SanitizeString(req.Reason, validation.MaxReasonLength)

	var (
		res *InitiateResult
		err error
	)
	if req.Type == string(TypeFull) {
		res, err = h.service.InitiateFullRefund(ctx, c.Param("orderId"), reason, initiator)
	} else {
		amount, _ := money.Parse(req.Amount)
		res, err = h.service.InitiatePartialRefund(ctx, c.Param("orderId"), req.ShipmentID, amount, reason, initiator)
	}
	if err != nil {
		h.internalError(c, "initiate refund", err)
		return
	}
	respondInitiate(c, res)
}

type sellerRequest struct {
	ShipmentID   string `json:"shipmentId"`
	Amount       string `json:"amount"`
	Reason       string `json:"reason"`
	SellerUserID string `json:"sellerUserId"`
}

// SellerInitiate handles POST /v1/stores/:storeId/refunds
func (h *Handler) SellerInitiate(c *gin.Context) {
	var req sellerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("shipmentId", req.ShipmentID),
		validation.ValidID("shipmentId", req.ShipmentID),
		validation.ValidAmount("amount", req.Amount),
		validation.Required("sellerUserId", req.SellerUserID),
		validation.ValidID("sellerUserId", req.SellerUserID),
		validation.MaxLength("reason", req.Reason, validation.MaxReasonLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	amount, _ := money.Parse(req.Amount)
	res, err := h.service.SellerInitiateRefund(c.Request.Context(), c.Param("storeId"), req.ShipmentID, amount,
		validation.SanitizeString(req.Reason, validation.MaxReasonLength), req.SellerUserID)
	if err != nil {
		h.internalError(c, "seller refund", err)
		return
	}
	respondInitiate(c, res)
}

// Retry handles POST /v1/refunds/:id/retry
func (h *Handler) Retry(c *gin.Context) {
	res, err := h.service.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.internalError(c, "retry refund", err)
		return
	}
	respondInitiate(c, res)
}

// Get handles GET /v1/refunds/:id
func (h *Handler) Get(c *gin.Context) {
	r, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrRefundNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Refund not found"})
			return
		}
		h.internalError(c, "get refund", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": r})
}

// ListByOrder handles GET /v1/orders/:orderId/refunds
func (h *Handler) ListByOrder(c *gin.Context) {
	refunds, err := h.service.ListByOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.internalError(c, "list refunds", err)
		return
	}
	if refunds == nil {
		refunds = []*Refund{}
	}
	c.JSON(http.StatusOK, gin.H{"refunds": refunds, "count": len(refunds)})
}

// Refundable handles GET /v1/orders/:orderId/refundable
func (h *Handler) Refundable(c *gin.Context) {
	b, err := h.service.RefundableBalance(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		switch {
		case errors.Is(err, order.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found", "message": "Order not found"})
		case errors.Is(err, escrow.ErrEscrowNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "escrow_not_found", "message": "Escrow not found"})
		default:
			h.internalError(c, "refundable balance", err)
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": b})
}

func respondInitiate(c *gin.Context, res *InitiateResult) {
	if res.Success {
		status := http.StatusCreated
		if res.Refund != nil && res.Refund.Status == StatusProcessing {
			status = http.StatusAccepted
		}
		c.JSON(status, gin.H{"result": res})
		return
	}

	status := http.StatusConflict
	switch res.ErrorCode {
	case "order_not_found", "escrow_not_found", "refund_not_found", "shipment_not_found":
		status = http.StatusNotFound
	case "not_store_owner", "shipment_not_in_store", "refund_window_expired":
		status = http.StatusForbidden
	case "invalid_amount", "exceeds_refundable":
		status = http.StatusUnprocessableEntity
	case "refund_in_progress", "nothing_to_refund", "allocation_released", "cannot_retry", "refund_conflict":
	default:
		if res.Refund != nil && res.Refund.Status == StatusFailed {
			status = http.StatusBadGateway
		}
	}
	c.JSON(status, gin.H{"error": res.ErrorCode, "message": res.Message, "result": res})
}

func (h *Handler) internalError(c *gin.Context, op string, err error) {
	logging.L(c.Request.Context()).Error(op+" failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
}
