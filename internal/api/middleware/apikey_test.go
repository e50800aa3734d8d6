package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/abhi9avx/cognigraph-ai/internal/api/middleware"
	"github.com/abhi9avx/cognigraph-ai/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAPIKeyAuth_Disabled(t *testing.T) {
	auth := middleware.NewAPIKeyAuth([]string{"", "  "})
	assert.False(t, auth.Enabled())

	w := serve(auth.Middleware(ok), httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIKeyAuth_Keys(t *testing.T) {
	auth := middleware.NewAPIKeyAuth([]string{"test-key-1", " test-key-2 "})
	require.True(t, auth.Enabled())
	h := auth.Middleware(ok)

	tests := []struct {
		name   string
		header string
		value  string
		path   string
		want   int
	}{
		{"bearer", "Authorization", "Bearer test-key-1", "/api/v1/agents", http.StatusOK},
		{"x-api-key", "X-API-Key", "test-key-2", "/api/v1/agents", http.StatusOK},
		{"wrong key", "X-API-Key", "nope", "/api/v1/agents", http.StatusUnauthorized},
		{"basic scheme", "Authorization", "Basic test-key-1", "/api/v1/agents", http.StatusUnauthorized},
		{"missing", "", "", "/api/v1/agents", http.StatusUnauthorized},
		{"health is public", "", "", "/health", http.StatusOK},
		{"version is public", "", "", "/version", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := serve(h, req)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")
				assert.Contains(t, w.Body.String(), "unauthorized")
			}
		})
	}
}

func TestInvocationExtractor(t *testing.T) {
	var got models.InvocationContext
	h := middleware.InvocationExtractor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = middleware.GetInvocation(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/weather/invoke?thread_id=q-thread&user_id=q-user", nil)
	req.Header.Set(middleware.HeaderUserID, "1")
	req.Header.Set("X-Cognigraph-Locale", "en-IN")
	serve(h, req)

	assert.Equal(t, "1", got.UserID, "header wins over query")
	assert.Equal(t, "q-thread", got.ThreadID)
	v, found := got.Value("locale")
	assert.True(t, found)
	assert.Equal(t, "en-IN", v)
}

func TestGetInvocation_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, models.InvocationContext{}, middleware.GetInvocation(req.Context()))
}

func TestLoggerAndTelemetryPassThrough(t *testing.T) {
	h := middleware.InvocationExtractor(middleware.Logger(middleware.Telemetry(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))))
	w := serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "short and stout", w.Body.String())
}
