package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/marketplace/internal/idgen"
	"github.com/mbd888/marketplace/internal/logging"
	"github.com/mbd888/marketplace/internal/security"
	"github.com/mbd888/marketplace/internal/validation"
)

// Handler provides HTTP endpoints for webhook management.
type Handler struct {
	store       Store
	validateURL func(string) error
	now         func() time.Time
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store, validateURL: security.ValidateEndpointURL, now: time.Now}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	owners := r.Group("/owners/:ownerId/webhooks", validation.IDParamMiddleware("ownerId"))
	owners.POST("", h.Create)
	owners.GET("", h.List)
	owners.DELETE("/:webhookId", validation.IDParamMiddleware("webhookId"), h.Delete)
}

type createRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

// Create handles POST /v1/owners/:ownerId/webhooks
func (h *Handler) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if err := h.validateURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": err.Error()})
		return
	}

	events := make([]EventType, 0, len(req.Events))
	for _, e := range req.Events {
		if !known(EventType(e)) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_event", "message": "unknown event type " + e})
			return
		}
		events = append(events, EventType(e))
	}
	if len(events) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "at least one event is required"})
		return
	}

	secret, err := generateSecret()
	if err != nil {
		h.internalError(c, "generate webhook secret", err)
		return
	}
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		OwnerID:   c.Param("ownerId"),
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: h.now().UTC(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		h.internalError(c, "create webhook", err)
		return
	}

	// The secret is only ever returned here.
	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret,
		"usage": gin.H{
			"signature": "hex HMAC-SHA256 of \"<timestamp>.<body>\" with the secret",
			"header":    HeaderSignature,
			"timestamp": HeaderTimestamp,
		},
	})
}

// List handles GET /v1/owners/:ownerId/webhooks
func (h *Handler) List(c *gin.Context) {
	subs, err := h.store.ListByOwner(c.Request.Context(), c.Param("ownerId"))
	if err != nil {
		h.internalError(c, "list webhooks", err)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs})
}

// Delete handles DELETE /v1/owners/:ownerId/webhooks/:webhookId
func (h *Handler) Delete(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := h.store.Get(ctx, c.Param("webhookId"))
	if errors.Is(err, ErrSubscriptionNotFound) || (err == nil && sub.OwnerID != c.Param("ownerId")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Webhook not found"})
		return
	}
	if err != nil {
		h.internalError(c, "get webhook", err)
		return
	}
	if err := h.store.Delete(ctx, sub.ID); err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		h.internalError(c, "delete webhook", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *Handler) internalError(c *gin.Context, op string, err error) {
	logging.L(c.Request.Context()).Error(op+" failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
}

func known(t EventType) bool {
	for _, k := range KnownEvents {
		if k == t {
			return true
		}
	}
	return false
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(b), nil
}
