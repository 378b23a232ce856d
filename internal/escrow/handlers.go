package escrow

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/marketplace/internal/logging"
	"github.com/mbd888/marketplace/internal/order"
	"github.com/mbd888/marketplace/internal/pagination"
	"github.com/mbd888/marketplace/internal/validation"
)

// OrderLookup loads the order an escrow is created for.
type OrderLookup interface {
	Get(ctx context.Context, id string) (*order.Order, error)
}

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
	orders  OrderLookup
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, orders OrderLookup) *Handler {
	return &Handler{service: service, orders: orders}
}

// RegisterRoutes mounts the escrow routes on r (normally /v1).
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	orders := r.Group("/orders/:orderId", validation.IDParamMiddleware("orderId"))
	orders.POST("/escrow", h.CreateEscrow)
	orders.GET("/escrow", h.GetEscrow)
	orders.GET("/escrow/balance", h.GetBalance)
	orders.GET("/escrow/ledger", h.GetLedger)
	orders.POST("/escrow/refund", h.RefundOrder)

	shipments := r.Group("/shipments/:shipmentId", validation.IDParamMiddleware("shipmentId"))
	shipments.POST("/eligible", h.MarkEligible)
	shipments.POST("/release", h.Release)
	shipments.POST("/refund", h.RefundShipment)

	r.GET("/stores/:storeId/allocations", validation.IDParamMiddleware("storeId"), h.ListStoreAllocations)
	r.GET("/escrows/:id/audit", validation.IDParamMiddleware("id"), h.Audit)
}

// CreateEscrow handles POST /v1/orders/:orderId/escrow
func (h *Handler) CreateEscrow(c *gin.Context) {
	ctx := c.Request.Context()
	o, err := h.orders.Get(ctx, c.Param("orderId"))
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found", "message": "Order not found"})
			return
		}
		h.internalError(c, "load order", err)
		return
	}

	p, created, err := h.service.CreateEscrowForOrder(ctx, o)
	if err != nil {
		switch {
		case errors.Is(err, ErrAllocationMismatch), errors.Is(err, ErrInvalidAllocation), errors.Is(err, ErrInvalidAmount):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_order", "message": err.Error()})
		default:
			h.internalError(c, "create escrow", err)
		}
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"escrow": p, "created": created})
}

// GetEscrow handles GET /v1/orders/:orderId/escrow
func (h *Handler) GetEscrow(c *gin.Context) {
	p, err := h.service.GetByOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.lookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": p})
}

// GetBalance handles GET /v1/orders/:orderId/escrow/balance
func (h *Handler) GetBalance(c *gin.Context) {
	b, err := h.service.Balance(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.lookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": b})
}

// GetLedger handles GET /v1/orders/:orderId/escrow/ledger
func (h *Handler) GetLedger(c *gin.Context) {
	entries, err := h.service.History(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.lookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

type referenceRequest struct {
	Reference string `json:"reference"`
}

// RefundOrder handles POST /v1/orders/:orderId/escrow/refund
func (h *Handler) RefundOrder(c *gin.Context) {
	var req referenceRequest
	if !bindReference(c, &req) {
		return
	}
	res, err := h.service.RefundOrder(c.Request.Context(), c.Param("orderId"), req.Reference)
	if err != nil {
		h.internalError(c, "refund order escrow", err)
		return
	}
	respondResult(c, res.Success, res.ErrorCode, res.Message, gin.H{"result": res})
}

// MarkEligible handles POST /v1/shipments/:shipmentId/eligible
func (h *Handler) MarkEligible(c *gin.Context) {
	changed, err := h.service.MarkEligible(c.Request.Context(), c.Param("shipmentId"))
	if err != nil {
		h.internalError(c, "mark eligible", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed})
}

type releaseRequest struct {
	StoreID         string `json:"storeId"`
	PayoutReference string `json:"payoutReference"`
}

// Release handles POST /v1/shipments/:shipmentId/release
func (h *Handler) Release(c *gin.Context) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("storeId", req.StoreID),
		validation.ValidID("storeId", req.StoreID),
		validation.Required("payoutReference", req.PayoutReference),
		validation.MaxLength("payoutReference", req.PayoutReference, 255),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	res, err := h.service.Release(c.Request.Context(), c.Param("shipmentId"), req.StoreID, req.PayoutReference)
	if err != nil {
		h.internalError(c, "release allocation", err)
		return
	}
	respondResult(c, res.Success, res.ErrorCode, res.Message, gin.H{"result": res})
}

// RefundShipment handles POST /v1/shipments/:shipmentId/refund
func (h *Handler) RefundShipment(c *gin.Context) {
	var req referenceRequest
	if !bindReference(c, &req) {
		return
	}
	res, err := h.service.RefundShipment(c.Request.Context(), c.Param("shipmentId"), req.Reference)
	if err != nil {
		h.internalError(c, "refund shipment escrow", err)
		return
	}
	respondResult(c, res.Success, res.ErrorCode, res.Message, gin.H{"result": res})
}

// ListStoreAllocations handles GET /v1/stores/:storeId/allocations
func (h *Handler) ListStoreAllocations(c *gin.Context) {
	status := c.Query("status")
	if errs := validation.Validate(validation.OneOf("status", status,
		string(AllocationHeld), string(AllocationEligible), string(AllocationReleased), string(AllocationRefunded),
	)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error()})
		return
	}

	allocs, next, err := h.service.ListStoreAllocations(c.Request.Context(), c.Param("storeId"),
		AllocationStatus(status), c.Query("cursor"), pagination.Limit(c.Query("limit")))
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
			return
		}
		h.internalError(c, "list store allocations", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"allocations": allocs,
		"count":       len(allocs),
		"nextCursor":  next,
		"hasMore":     next != "",
	})
}

// Audit handles GET /v1/escrows/:id/audit
func (h *Handler) Audit(c *gin.Context) {
	report, err := h.service.Audit(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.lookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "consistent": report.Consistent()})
}

func bindReference(c *gin.Context, req *referenceRequest) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return false
	}
	if errs := validation.Validate(
		validation.Required("reference", req.Reference),
		validation.MaxLength("reference", req.Reference, 255),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return false
	}
	return true
}

// respondResult writes a service result, mapping failure codes to HTTP
// statuses.
func respondResult(c *gin.Context, success bool, code, message string, body gin.H) {
	if success {
		c.JSON(http.StatusOK, body)
		return
	}
	status := http.StatusConflict
	switch code {
	case "escrow_not_found", "allocation_not_found":
		status = http.StatusNotFound
	case "store_mismatch":
		status = http.StatusForbidden
	case "invalid_amount", "exceeds_remaining":
		status = http.StatusUnprocessableEntity
	}
	body["error"] = code
	body["message"] = message
	c.JSON(status, body)
}

func (h *Handler) lookupError(c *gin.Context, err error) {
	if errors.Is(err, ErrEscrowNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow not found"})
		return
	}
	h.internalError(c, "escrow lookup", err)
}

func (h *Handler) internalError(c *gin.Context, op string, err error) {
	logging.L(c.Request.Context()).Error(op+" failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
}
