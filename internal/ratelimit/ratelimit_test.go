package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/giftescrow/internal/auth"
)

func TestLimiterAllow(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 1, BurstSize: 5})
	defer limiter.Stop()

	key := "test-ip"

	// Should allow burst size requests immediately
	for i := 0; i < 5; i++ {
		if !limiter.Allow(key) {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}

	// Next request should be denied
	if limiter.Allow(key) {
		t.Error("Request after burst should be denied")
	}

	// One token refills per second
	time.Sleep(1100 * time.Millisecond)

	if !limiter.Allow(key) {
		t.Error("Request after waiting should be allowed")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 1, BurstSize: 2})
	defer limiter.Stop()

	limiter.Allow("a")
	limiter.Allow("a")
	if limiter.Allow("a") {
		t.Error("client a should be limited")
	}
	if !limiter.Allow("b") {
		t.Error("client b should have its own bucket")
	}
}

func TestLimiterSweep(t *testing.T) {
	limiter := New(Config{IdleTTL: time.Minute})
	defer limiter.Stop()

	limiter.Allow("idle")
	limiter.sweep(time.Now().Add(2 * time.Minute))

	limiter.mu.Lock()
	n := len(limiter.clients)
	limiter.mu.Unlock()
	if n != 0 {
		t.Errorf("expected idle client to be swept, %d remain", n)
	}
	limiter.Stop()
}

func TestMiddlewareKeysByUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := New(Config{RequestsPerSecond: 0.001, BurstSize: 1})
	defer limiter.Stop()

	user := "alice"
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyUserID, user)
		c.Next()
	}, limiter.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	call := func() int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		return w.Code
	}

	if code := call(); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := call(); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
	user = "bob"
	if code := call(); code != http.StatusOK {
		t.Fatalf("expected 200 for another user, got %d", code)
	}
}
