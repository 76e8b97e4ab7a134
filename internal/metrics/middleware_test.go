package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/scheduler/status", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/v1/scheduler/start", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	okBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200"))
	conflictBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "409"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/scheduler/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/scheduler/start", nil))
	require.Equal(t, http.StatusConflict, rec.Code)

	require.InDelta(t, okBefore+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")), 0.001)
	require.InDelta(t, conflictBefore+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "409")), 0.001)
}
