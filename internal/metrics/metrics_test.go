package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusClass(t *testing.T) {
	cases := map[int]string{
		100: "1xx",
		201: "2xx",
		301: "3xx",
		422: "4xx",
		503: "5xx",
		0:   "other",
		777: "other",
	}
	for code, want := range cases {
		assert.Equal(t, want, statusClass(code), "code %d", code)
	}
}

func router() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/orders/:orderId/escrow", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.GET("/metrics", Handler())
	return r
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := router()
	series := requestsTotal.WithLabelValues("GET", "/v1/orders/:orderId/escrow", "4xx")
	before := testutil.ToFloat64(series)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/orders/ord_1/escrow", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	assert.Equal(t, before+1, testutil.ToFloat64(series))
	assert.Zero(t, testutil.ToFloat64(inFlight))
}

func TestMiddleware_UnmatchedRoutesShareALabel(t *testing.T) {
	r := router()
	series := requestsTotal.WithLabelValues("GET", unmatchedRoute, "4xx")
	before := testutil.ToFloat64(series)

	for _, p := range []string{"/wp-admin", "/.env", "/v2/whatever"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}
	assert.Equal(t, before+3, testutil.ToFloat64(series))
}

func TestRegisterDB(t *testing.T) {
	// sql.Open does not dial; pool stats are readable without a server.
	db, err := sql.Open("postgres", "postgres://localhost/unused?sslmode=disable")
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, RegisterDB(db, "primary"))
	require.NoError(t, RegisterDB(db, "primary"), "second registration is tolerated")

	w := httptest.NewRecorder()
	router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "marketplace_go_sql_open_connections")
}
