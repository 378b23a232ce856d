package order

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/marketplace/internal/logging"
	"github.com/mbd888/marketplace/internal/money"
	"github.com/mbd888/marketplace/internal/validation"
	"github.com/shopspring/decimal"
)

// Handler exposes the order intake used by checkout and store onboarding.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.Create)
	r.GET("/orders/:orderId", validation.IDParamMiddleware("orderId"), h.Get)
	r.PUT("/stores/:storeId/owner", validation.IDParamMiddleware("storeId"), h.RegisterStore)
}

type shipmentRequest struct {
	ID             string `json:"id"`
	StoreID        string `json:"storeId"`
	Subtotal       string `json:"subtotal"`
	ShippingAmount string `json:"shippingAmount"`
}

type createRequest struct {
	ID                    string            `json:"id"`
	BuyerID               string            `json:"buyerId"`
	TotalAmount           string            `json:"totalAmount"`
	Currency              string            `json:"currency"`
	OriginalTransactionID string            `json:"originalTransactionId"`
	Shipments             []shipmentRequest `json:"shipments"`
}

// Create handles POST /v1/orders
func (h *Handler) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	checks := []func() *validation.ValidationError{
		validation.Required("id", req.ID),
		validation.ValidID("id", req.ID),
		validation.Required("buyerId", req.BuyerID),
		validation.ValidID("buyerId", req.BuyerID),
		validation.Required("totalAmount", req.TotalAmount),
		validation.ValidAmount("totalAmount", req.TotalAmount),
		validation.Required("currency", req.Currency),
		validation.ValidCurrency("currency", req.Currency),
	}
	for _, s := range req.Shipments {
		checks = append(checks,
			validation.ValidID("shipments.id", s.ID),
			validation.ValidID("shipments.storeId", s.StoreID),
			nonNegative("shipments.subtotal", s.Subtotal),
			nonNegative("shipments.shippingAmount", s.ShippingAmount),
		)
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return
	}

	o := &Order{
		ID:                    req.ID,
		BuyerID:               req.BuyerID,
		TotalAmount:           amount(req.TotalAmount),
		Currency:              strings.ToUpper(req.Currency),
		OriginalTransactionID: req.OriginalTransactionID,
	}
	for _, s := range req.Shipments {
		o.Shipments = append(o.Shipments, Shipment{
			ID:             s.ID,
			StoreID:        s.StoreID,
			Subtotal:       amount(s.Subtotal),
			ShippingAmount: amount(s.ShippingAmount),
		})
	}

	err := h.service.Create(c.Request.Context(), o)
	switch {
	case errors.Is(err, ErrOrderExists):
		c.JSON(http.StatusConflict, gin.H{"error": "order_exists", "message": "Order already exists"})
	case errors.Is(err, ErrInvalidOrder):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_order", "message": err.Error()})
	case err != nil:
		h.internalError(c, "create order", err)
	default:
		c.JSON(http.StatusCreated, gin.H{"order": o})
	}
}

// Get handles GET /v1/orders/:orderId
func (h *Handler) Get(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("orderId"))
	if errors.Is(err, ErrOrderNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found", "message": "Order not found"})
		return
	}
	if err != nil {
		h.internalError(c, "get order", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

type ownerRequest struct {
	OwnerUserID string `json:"ownerUserId"`
}

// RegisterStore handles PUT /v1/stores/:storeId/owner
func (h *Handler) RegisterStore(c *gin.Context) {
	var req ownerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("ownerUserId", req.OwnerUserID),
		validation.ValidID("ownerUserId", req.OwnerUserID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return
	}
	if err := h.service.RegisterStore(c.Request.Context(), c.Param("storeId"), req.OwnerUserID); err != nil {
		h.internalError(c, "register store", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"storeId": c.Param("storeId"), "ownerUserId": req.OwnerUserID})
}

func (h *Handler) internalError(c *gin.Context, op string, err error) {
	logging.L(c.Request.Context()).Error(op+" failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
}

// nonNegative accepts zero, unlike validation.ValidAmount.
func nonNegative(field, value string) func() *validation.ValidationError {
	return func() *validation.ValidationError {
		if value == "" {
			return nil
		}
		if _, err := money.Parse(value); err != nil {
			return &validation.ValidationError{Field: field, Message: "invalid amount format"}
		}
		return nil
	}
}

// amount parses a validated amount; empty means zero.
func amount(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := money.Parse(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
