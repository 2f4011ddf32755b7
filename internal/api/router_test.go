package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/tabflow/internal/api"
	"github.com/kiranshivaraju/tabflow/internal/api/handler"
	mw "github.com/kiranshivaraju/tabflow/internal/api/middleware"
	cachemock "github.com/kiranshivaraju/tabflow/internal/cache/mock"
	storemock "github.com/kiranshivaraju/tabflow/internal/store/mock"
)

func newTestRouter() http.Handler {
	st := storemock.NewStore()
	ca := cachemock.NewCache()
	return api.NewRouter(api.Dependencies{
		Auth:          mw.NewAuth(st),
		RateLimit:     mw.NewRateLimit(ca, 60),
		HealthHandler: handler.NewHealthHandler(st, ca),
	})
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)["code"].(string)
}

func TestRouter_HealthEndpoint_Public(t *testing.T) {
	w := httptest.NewRecorder()
	newTestRouter().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_ProtectedEndpoints_RequireAuth(t *testing.T) {
	router := newTestRouter()

	endpoints := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/v1/files"},
		{http.MethodGet, "/api/v1/files"},
		{http.MethodGet, "/api/v1/files/00000000-0000-0000-0000-000000000001"},
		{http.MethodGet, "/api/v1/files/00000000-0000-0000-0000-000000000001/status"},
		{http.MethodGet, "/api/v1/files/00000000-0000-0000-0000-000000000001/download"},
		{http.MethodPost, "/api/v1/admin/keys"},
		{http.MethodGet, "/api/v1/admin/keys"},
		{http.MethodDelete, "/api/v1/admin/keys/00000000-0000-0000-0000-000000000001"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(ep.method, ep.path, nil))

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "INVALID_TOKEN", errCode(t, w))
		})
	}
}

func TestRouter_NotFound(t *testing.T) {
	w := httptest.NewRecorder()
	newTestRouter().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/nonexistent", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errCode(t, w))
}
