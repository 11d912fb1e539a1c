package httpapi

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	assert.Equal(t, "nosniff", res.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", res.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, res.Header().Get("Referrer-Policy"))
	assert.Contains(t, res.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key")
}

func TestPreflightShortCircuits(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/orders", nil)
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)
	assert.Equal(t, http.StatusNoContent, res.Code)
}

func TestMissingAndInvalidTokens(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/stock", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/stock", "not-a-token", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stock?access_token=x", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	assert.Equal(t, http.StatusUnauthorized, res.Code, "query tokens are only accepted on the event stream")
}

func TestFailedTokenAttemptsAreRateLimited(t *testing.T) {
	handler := newTestAPI(t).Handler()

	for i := 0; i < 21; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/stock", nil)
		req.Header.Set("Authorization", "Bearer forged")
		req.RemoteAddr = "10.0.0.7:5000"
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)

		if i < 20 {
			require.Equal(t, http.StatusUnauthorized, res.Code, "attempt %d", i+1)
		} else {
			require.Equal(t, http.StatusTooManyRequests, res.Code, "attempt %d", i+1)
		}
	}
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	api := newTestAPI(t)
	veryLong := strings.Repeat("a", (1<<20)+1024)
	body := fmt.Sprintf(`{"shop_id":"%s","items":[]}`, veryLong)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, api, "sales"))
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/nope", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, handler, http.MethodDelete, "/api/v1/orders", "", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetricsEndpointExposesRequestHistogram(t *testing.T) {
	handler := newTestAPI(t).Handler()
	_ = doJSON(t, handler, http.MethodGet, "/healthz", "", nil, nil)

	rec := doJSON(t, handler, http.MethodGet, "/metrics", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `route="/healthz"`)
}

func TestStatusForError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusForError(fmt.Errorf("boom")))
}
