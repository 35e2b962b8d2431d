package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladmelevich/uzmat/internal/api/middleware"
	"github.com/vladmelevich/uzmat/internal/auth"
	"github.com/vladmelevich/uzmat/internal/config"
	"github.com/vladmelevich/uzmat/internal/utils"
)

func newLimitedRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	rm := middleware.NewRateLimiterMiddleware(cfg)
	router.GET("/ping", rm.Limit(), func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	return router
}

func TestRateLimiterAllowsWithinBudget(t *testing.T) {
	router := newLimitedRouter(&config.Config{RateLimitBucketSize: 3, RateLimitRefillRate: 1})

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "203.0.113.1:1234"
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = "203.0.113.1:1234"
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestRateLimiterIsPerClient(t *testing.T) {
	router := newLimitedRouter(&config.Config{RateLimitBucketSize: 1, RateLimitRefillRate: 1})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = "203.0.113.1:1234"
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// A different IP has its own bucket.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = "203.0.113.2:1234"
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiterRefills(t *testing.T) {
	router := newLimitedRouter(&config.Config{RateLimitBucketSize: 1, RateLimitRefillRate: 100})

	fire := func() int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "203.0.113.1:1234"
		router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, fire())
	assert.Equal(t, http.StatusTooManyRequests, fire())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, http.StatusOK, fire())
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	secret := "auth-test-secret"
	router := gin.New()
	router.GET("/me", middleware.AuthMiddleware(secret), func(c *gin.Context) {
		id, ok := middleware.UserID(c)
		require.True(t, ok)
		c.String(http.StatusOK, id.String())
	})
	router.GET("/admin", middleware.AuthMiddleware(secret), middleware.AdminMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	userID := utils.NewSixID()
	token, err := auth.GenerateJWT(userID, false, secret, time.Hour)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, userID.String(), w.Body.String())

	// No token.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Garbage token.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer not.a.jwt")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Non-admin on an admin route.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	adminToken, err := auth.GenerateJWT(utils.NewSixID(), true, secret, time.Hour)
	require.NoError(t, err)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
