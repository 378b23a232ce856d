package commission

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/marketplace/internal/idgen"
	"github.com/mbd888/marketplace/internal/logging"
	"github.com/mbd888/marketplace/internal/money"
	"github.com/mbd888/marketplace/internal/validation"
	"github.com/shopspring/decimal"
)

// Handler manages store commission overrides and quotes fees.
type Handler struct {
	calc  *Calculator
	rules RuleStore
	now   func() time.Time
}

func NewHandler(calc *Calculator, rules RuleStore) *Handler {
	return &Handler{calc: calc, rules: rules, now: time.Now}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	stores := r.Group("/stores/:storeId", validation.IDParamMiddleware("storeId"))
	stores.GET("/commission-rules", h.ListRules)
	stores.POST("/commission-rules", h.CreateRule)
	stores.GET("/commission", h.Quote)
}

type ruleRequest struct {
	Currency      string     `json:"currency"`
	Rate          string     `json:"rate"`
	EffectiveFrom *time.Time `json:"effectiveFrom"`
	EffectiveTo   *time.Time `json:"effectiveTo"`
}

// CreateRule handles POST /v1/stores/:storeId/commission-rules
func (h *Handler) CreateRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("rate", req.Rate),
		validation.ValidCurrency("currency", req.Currency),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return
	}
	rate, err := decimal.NewFromString(strings.TrimSpace(req.Rate))
	if err != nil || !validRate(rate) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_rate", "message": ErrInvalidRate.Error()})
		return
	}

	from := h.now().UTC()
	if req.EffectiveFrom != nil {
		from = req.EffectiveFrom.UTC()
	}
	if req.EffectiveTo != nil && !req.EffectiveTo.After(from) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_window", "message": "effectiveTo must be after effectiveFrom"})
		return
	}

	rule := Rule{
		ID:            idgen.WithPrefix("cr_"),
		StoreID:       c.Param("storeId"),
		Currency:      req.Currency,
		Rate:          rate,
		EffectiveFrom: from,
		EffectiveTo:   req.EffectiveTo,
	}
	if err := h.rules.SaveRule(c.Request.Context(), rule); err != nil {
		if errors.Is(err, ErrInvalidRate) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_rate", "message": err.Error()})
			return
		}
		h.internalError(c, "save commission rule", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"rule": rule})
}

// ListRules handles GET /v1/stores/:storeId/commission-rules
func (h *Handler) ListRules(c *gin.Context) {
	rules, err := h.rules.RulesForStore(c.Request.Context(), c.Param("storeId"))
	if err != nil {
		h.internalError(c, "list commission rules", err)
		return
	}
	if rules == nil {
		rules = []Rule{}
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules, "defaultRate": h.calc.DefaultRate()})
}

// Quote handles GET /v1/stores/:storeId/commission?subtotal=&currency=
func (h *Handler) Quote(c *gin.Context) {
	subtotal, err := money.Parse(c.Query("subtotal"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "subtotal must be a non-negative amount"})
		return
	}
	currency := c.DefaultQuery("currency", "")
	if errs := validation.Validate(validation.ValidCurrency("currency", currency)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return
	}

	res, err := h.calc.Calculate(c.Request.Context(), c.Param("storeId"), subtotal, currency, h.now())
	if err != nil {
		h.internalError(c, "calculate commission", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commission": res})
}

func (h *Handler) internalError(c *gin.Context, op string, err error) {
	logging.L(c.Request.Context()).Error(op+" failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
}
