package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestLimiterAllow(t *testing.T) {
	cfg := Config{
		RequestsPerMinute: 60,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	}
	limiter := New(cfg)
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

	// Wait for token replenishment (1 second = 1 token at 60/min)
	time.Sleep(time.Second)

	// Should allow again
	if !limiter.Allow(key) {
		t.Error("Request after waiting should be allowed")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	cfg := Config{
		RequestsPerMinute: 60,
		BurstSize:         3,
		CleanupInterval:   time.Minute,
	}
	limiter := New(cfg)
	defer limiter.Stop()

	// Client A uses up their tokens
	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}

	// Client A is now rate limited
	if limiter.Allow("client-a") {
		t.Error("Client A should be rate limited")
	}

	// Client B should still have tokens
	if !limiter.Allow("client-b") {
		t.Error("Client B should not be rate limited")
	}
}

func TestLimiterTokenReplenishment(t *testing.T) {
	cfg := Config{
		RequestsPerMinute: 600, // 10 per second
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	}
	limiter := New(cfg)
	defer limiter.Stop()

	key := "test"

	// Use the one token
	if !limiter.Allow(key) {
		t.Error("First request should be allowed")
	}

	// Should be denied
	if limiter.Allow(key) {
		t.Error("Second immediate request should be denied")
	}

	// Wait 100ms (should get 1 token at 10/sec)
	time.Sleep(110 * time.Millisecond)

	// Should be allowed again
	if !limiter.Allow(key) {
		t.Error("Request after 100ms should be allowed")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.RequestsPerMinute != 60 {
		t.Errorf("Expected 60 requests/min, got %d", cfg.RequestsPerMinute)
	}
	if cfg.BurstSize != 10 {
		t.Errorf("Expected burst size 10, got %d", cfg.BurstSize)
	}
	if cfg.CleanupInterval != time.Minute {
		t.Errorf("Expected 1 minute cleanup interval, got %v", cfg.CleanupInterval)
	}
}

func TestMiddlewareLimitsByClientIP(t *testing.T) {
	gin.SetMode(gin.TestMode)

	limiter := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         2,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	router := gin.New()
	router.Use(limiter.Middleware())
	router.GET("/test", func(c *gin.Context) {
		c.String(200, "ok")
	})

	do := func(ip string) int {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = ip + ":12345"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	// Burst exhausts for one IP
	for i := 0; i < 2; i++ {
		if code := do("10.0.0.1"); code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, code)
		}
	}
	if code := do("10.0.0.1"); code != http.StatusTooManyRequests {
		t.Errorf("expected 429 after burst, got %d", code)
	}

	// A different IP has its own bucket
	if code := do("10.0.0.2"); code != http.StatusOK {
		t.Errorf("expected 200 for fresh IP, got %d", code)
	}
}
