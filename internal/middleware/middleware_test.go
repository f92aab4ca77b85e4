package middleware

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thw/backend/internal/config"
	"github.com/thw/backend/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// unreachableRedis points at a port nothing listens on.
func unreachableRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })
	return client
}

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw...)
	ok := func(c *gin.Context) { c.String(http.StatusOK, "ok") }
	r.GET("/ping", ok)
	r.POST("/upload", ok)
	return r
}

func TestRateLimiter_BypassedWithoutRedis(t *testing.T) {
	cfg := &config.Config{RateLimitRequests: 1, RateLimitDuration: time.Minute}
	r := newRouter(RateLimiter(unreachableRedis(t), cfg, logging.Discard()))

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestUploadRateLimit_BypassedWithoutRedis(t *testing.T) {
	cfg := &config.Config{UploadMaxPerDay: 1}
	r := newRouter(UploadRateLimit(unreachableRedis(t), cfg, logging.Discard()))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("title", "x"))
	require.NoError(t, mw.Close())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(body.Bytes()))
		req.Header.Set("Content-Type", mw.FormDataContentType())
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestUploadRateLimit_IgnoresJSONWrites(t *testing.T) {
	cfg := &config.Config{UploadMaxPerDay: 1}
	r := newRouter(UploadRateLimit(nil, cfg, logging.Discard()))

	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCORS_AllowsConfiguredOrigin(t *testing.T) {
	cfg := &config.Config{Env: "production", AllowedOrigins: []string{"https://thw.example/"}}
	r := newRouter(CORS(cfg))

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://thw.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "https://thw.example", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_Wildcard(t *testing.T) {
	cfg := &config.Config{Env: "production", AllowedOrigins: []string{"*"}}
	r := newRouter(CORS(cfg))

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://any.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "https://any.example", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_PreflightShortCircuits(t *testing.T) {
	cfg := &config.Config{AllowedOrigins: []string{"*"}}
	r := newRouter(CORS(cfg))

	req := httptest.NewRequest(http.MethodOptions, "/ping", nil)
	req.Header.Set("Origin", "https://any.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestCORS_DevelopmentEchoesAnyOrigin(t *testing.T) {
	cfg := &config.Config{Env: "development"}
	r := newRouter(CORS(cfg))

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", w.Header().Get("Vary"))
}
