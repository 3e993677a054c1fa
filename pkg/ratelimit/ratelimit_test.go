package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowConsumesBurst(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, Burst: 2, IdleTimeout: time.Minute})
	assert.True(t, l.Allow("client"))
	assert.True(t, l.Allow("client"))
	assert.False(t, l.Allow("client"))

	// A different key gets its own bucket.
	assert.True(t, l.Allow("other"))
}

func TestDefaultsAppliedToZeroConfig(t *testing.T) {
	l := New(Config{})
	assert.Equal(t, 50, l.cfg.RequestsPerSecond)
	assert.Equal(t, 100, l.cfg.Burst)
	assert.Equal(t, 10*time.Minute, l.cfg.IdleTimeout)
}

func TestEvictIdleDropsStaleBuckets(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, Burst: 1, IdleTimeout: 10 * time.Millisecond})
	l.Allow("stale")
	require.Len(t, l.buckets, 1)

	time.Sleep(20 * time.Millisecond)
	l.evictIdle()
	assert.Empty(t, l.buckets)
}

func TestMiddlewareReturns429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := New(Config{RequestsPerSecond: 1, Burst: 1, IdleTimeout: time.Minute})

	r := gin.New()
	r.Use(l.MiddlewareWithKeyFunc(func(*gin.Context) string { return "fixed" }))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}
