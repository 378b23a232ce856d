package commission

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := NewMemoryStore()
	calc, err := NewCalculator(store, dec("0.10"))
	require.NoError(t, err)
	h := NewHandler(calc, store)
	h.now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	return r
}

func serve(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlers_RuleOverridesQuote(t *testing.T) {
	r := newTestRouter(t)

	w := serve(r, http.MethodGet, "/v1/stores/store_a/commission?subtotal=60.00&currency=EUR", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var quote struct {
		Commission Result `json:"commission"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &quote))
	assert.True(t, quote.Commission.Amount.Equal(dec("6")))

	w = serve(r, http.MethodPost, "/v1/stores/store_a/commission-rules",
		`{"rate":"0.15","effectiveFrom":"2026-01-01T00:00:00Z"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"id":"cr_`)

	w = serve(r, http.MethodGet, "/v1/stores/store_a/commission?subtotal=60.00&currency=EUR", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &quote))
	assert.True(t, quote.Commission.Amount.Equal(dec("9")))
	assert.True(t, quote.Commission.Rate.Equal(dec("0.15")))

	w = serve(r, http.MethodGet, "/v1/stores/store_a/commission-rules", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"defaultRate":"0.1"`)
}

func TestHandlers_RejectsBadInput(t *testing.T) {
	r := newTestRouter(t)

	for _, body := range []string{
		`{"rate":"1.5"}`,
		`{"rate":"-0.1"}`,
		`{"rate":"abc"}`,
		`{}`,
		`{"rate":"0.1","currency":"eur"}`,
		`{"rate":"0.1","effectiveFrom":"2026-02-01T00:00:00Z","effectiveTo":"2026-01-01T00:00:00Z"}`,
	} {
		w := serve(r, http.MethodPost, "/v1/stores/store_a/commission-rules", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}

	assert.Equal(t, http.StatusBadRequest,
		serve(r, http.MethodGet, "/v1/stores/store_a/commission?subtotal=-1", "").Code)
	assert.Equal(t, http.StatusBadRequest,
		serve(r, http.MethodGet, "/v1/stores/store%20a/commission?subtotal=1", "").Code)
}
