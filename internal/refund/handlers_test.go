package refund

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	r := gin.New()
	NewHandler(f.svc).RegisterRoutes(r.Group("/v1"))
	return r, f
}

func do(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type resultBody struct {
	Error  string         `json:"error"`
	Result InitiateResult `json:"result"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) resultBody {
	t.Helper()
	var b resultBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b), w.Body.String())
	return b
}

func TestHandler_PartialRefundFlow(t *testing.T) {
	r, _ := setupRouter(t)

	w := do(r, http.MethodPost, "/v1/orders/ord_1/refunds", initiateRequest{
		Type: "partial", Amount: "30.00", Reason: "late", InitiatorID: "buyer_1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, StatusCompleted, body.Result.Refund.Status)
	assert.Contains(t, w.Body.String(), `"commissionRefundAmount":"3"`)
	id := body.Result.Refund.ID

	w = do(r, http.MethodGet, "/v1/refunds/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)

	w = do(r, http.MethodGet, "/v1/orders/ord_1/refunds", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = do(r, http.MethodGet, "/v1/orders/ord_1/refundable", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"refundable":"70"`)
}

func TestHandler_Validation(t *testing.T) {
	r, f := setupRouter(t)

	w := do(r, http.MethodPost, "/v1/orders/ord_1/refunds", initiateRequest{Type: "partial", InitiatorID: "buyer_1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/v1/orders/ord_1/refunds", initiateRequest{Type: "partial", Amount: "-1", InitiatorID: "buyer_1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/v1/orders/ord_1/refunds", initiateRequest{Type: "everything", InitiatorID: "buyer_1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/v1/orders/ord_1/refunds", initiateRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/v1/orders/bad%20id/refunds", initiateRequest{InitiatorID: "buyer_1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Empty(t, f.provider.calls)
}

func TestHandler_BusinessErrors(t *testing.T) {
	r, _ := setupRouter(t)

	w := do(r, http.MethodPost, "/v1/orders/ord_404/refunds", initiateRequest{InitiatorID: "buyer_1"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "order_not_found", decode(t, w).Error)

	w = do(r, http.MethodPost, "/v1/orders/ord_1/refunds", initiateRequest{Type: "partial", Amount: "500.00", InitiatorID: "buyer_1"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(r, http.MethodPost, "/v1/stores/store_a/refunds", sellerRequest{ShipmentID: "shp_a", Amount: "5.00", SellerUserID: "mallory"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "not_store_owner", decode(t, w).Error)

	w = do(r, http.MethodGet, "/v1/refunds/ref_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodPost, "/v1/refunds/ref_missing/retry", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ProviderDeclineAndRetry(t *testing.T) {
	r, f := setupRouter(t)
	f.provider.script(
		providerReply{res: &ProviderResult{IsSuccess: false, ErrorCode: "card_declined"}},
		providerReply{res: &ProviderResult{IsSuccess: true, Status: ProviderPending, RefundTransactionID: "re_7"}},
	)

	w := do(r, http.MethodPost, "/v1/orders/ord_1/refunds", initiateRequest{InitiatorID: "support_1", InitiatorType: "support"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	body := decode(t, w)
	assert.Equal(t, "card_declined", body.Error)
	require.NotNil(t, body.Result.Refund)

	w = do(r, http.MethodPost, "/v1/refunds/"+body.Result.Refund.ID+"/retry", nil)
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
}

func TestHandler_SellerRefund(t *testing.T) {
	r, _ := setupRouter(t)

	w := do(r, http.MethodPost, "/v1/stores/store_b/refunds", sellerRequest{
		ShipmentID: "shp_b", Amount: "15.50", Reason: "missing item", SellerUserID: "seller_b",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, InitiatorSeller, body.Result.Refund.InitiatorType)
	assert.Equal(t, "store_b", body.Result.Refund.StoreID)
}
