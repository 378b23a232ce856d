package order

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

func serve(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

const orderBody = `{
	"id": "ord_1",
	"buyerId": "buyer_1",
	"totalAmount": "100.00",
	"currency": "EUR",
	"originalTransactionId": "pi_123",
	"shipments": [
		{"id": "shp_a", "storeId": "store_a", "subtotal": "55.00", "shippingAmount": "5.00"},
		{"id": "shp_b", "storeId": "store_b", "subtotal": "40.00", "shippingAmount": "0"}
	]
}`

func TestHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := NewService(NewMemoryStore())
	r := gin.New()
	NewHandler(svc).RegisterRoutes(r.Group("/v1"))

	w := serve(r, http.MethodPost, "/v1/orders", orderBody)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, http.StatusConflict, serve(r, http.MethodPost, "/v1/orders", orderBody).Code)

	w = serve(r, http.MethodGet, "/v1/orders/ord_1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Order Order `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, StatusPaid, got.Order.Status)
	require.Len(t, got.Order.Shipments, 2)
	assert.True(t, got.Order.Shipments[0].Total().Equal(dec("60")))
	assert.True(t, got.Order.Shipments[1].ShippingAmount.IsZero())

	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/v1/orders/ord_missing", "").Code)

	w = serve(r, http.MethodPut, "/v1/stores/store_a/owner", `{"ownerUserId":"seller_1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	ok, err := svc.IsStoreOwner(t.Context(), "store_a", "seller_1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHandlers_Validation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(NewService(NewMemoryStore())).RegisterRoutes(r.Group("/v1"))

	cases := map[string]struct {
		body string
		want int
	}{
		"missing buyer":     {`{"id":"o1","totalAmount":"10","currency":"EUR","shipments":[{"id":"s","storeId":"st","subtotal":"10"}]}`, http.StatusBadRequest},
		"three decimals":    {`{"id":"o1","buyerId":"b","totalAmount":"10.001","currency":"EUR","shipments":[{"id":"s","storeId":"st","subtotal":"10"}]}`, http.StatusBadRequest},
		"bad currency":      {`{"id":"o1","buyerId":"b","totalAmount":"10","currency":"euro","shipments":[{"id":"s","storeId":"st","subtotal":"10"}]}`, http.StatusBadRequest},
		"negative subtotal": {`{"id":"o1","buyerId":"b","totalAmount":"10","currency":"EUR","shipments":[{"id":"s","storeId":"st","subtotal":"-1"}]}`, http.StatusBadRequest},
		"no shipments":      {`{"id":"o1","buyerId":"b","totalAmount":"10","currency":"EUR","shipments":[]}`, http.StatusUnprocessableEntity},
		"shipment no store": {`{"id":"o1","buyerId":"b","totalAmount":"10","currency":"EUR","shipments":[{"id":"s","subtotal":"10"}]}`, http.StatusUnprocessableEntity},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, serve(r, http.MethodPost, "/v1/orders", tc.body).Code)
		})
	}
}
