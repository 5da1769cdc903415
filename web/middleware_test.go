package web

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"
)

func limitedRouter(rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimitMiddleware(rl))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func hit(router http.Handler, remote string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = remote
	router.ServeHTTP(w, req)
	return w
}

func TestGetLimiter(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(10), 20)

	first := rl.getLimiter("192.168.1.1")
	if first == nil {
		t.Fatal("getLimiter returned nil")
	}
	if rl.getLimiter("192.168.1.1") != first {
		t.Error("getLimiter should return the same limiter for the same IP")
	}
	if rl.getLimiter("192.168.1.2") == first {
		t.Error("getLimiter should return different limiters for different IPs")
	}
	if first.Burst() != 20 || first.Limit() != rate.Limit(10) {
		t.Errorf("Expected rate 10 burst 20, got %v/%d", first.Limit(), first.Burst())
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	tests := []struct {
		name         string
		requestCount int
		rateLimit    rate.Limit
		burst        int
		wantStatus   int
	}{
		{"under limit", 5, rate.Limit(10), 10, http.StatusOK},
		{"at burst limit", 10, rate.Limit(1), 10, http.StatusOK},
		{"over limit", 15, rate.Limit(1), 10, http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := limitedRouter(NewRateLimiter(tt.rateLimit, tt.burst))
			var last *httptest.ResponseRecorder
			for i := 0; i < tt.requestCount; i++ {
				last = hit(router, "192.168.1.100:12345")
			}
			if last.Code != tt.wantStatus {
				t.Errorf("Expected final status %d, got %d", tt.wantStatus, last.Code)
			}
		})
	}
}

func TestRateLimitMiddlewareRejection(t *testing.T) {
	router := limitedRouter(NewRateLimiter(rate.Limit(1), 1))

	if w := hit(router, "192.168.1.1:12345"); w.Code != http.StatusOK {
		t.Fatalf("First request should succeed, got status %d", w.Code)
	}
	w := hit(router, "192.168.1.1:12345")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Second request should be rate limited, got status %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("Expected Retry-After 1, got %q", w.Header().Get("Retry-After"))
	}
	if !strings.Contains(w.Body.String(), "Rate limit exceeded") {
		t.Errorf("Expected rate limit error message, got: %s", w.Body.String())
	}

	// another address has its own bucket
	if w := hit(router, "192.168.1.2:12345"); w.Code != http.StatusOK {
		t.Errorf("Second IP should succeed, got status %d", w.Code)
	}
}

func TestMaxBytesMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name          string
		bodySize      int
		contentLength bool
		wantStatus    int
	}{
		{"under limit", 512, true, http.StatusOK},
		{"at limit", 1024, true, http.StatusOK},
		{"over limit by content-length", 2048, true, http.StatusRequestEntityTooLarge},
		{"over limit while reading", 2048, false, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(MaxBytesMiddleware(1024))
			router.POST("/test", func(c *gin.Context) {
				if _, err := io.ReadAll(c.Request.Body); err != nil {
					c.String(http.StatusRequestEntityTooLarge, "too large")
					return
				}
				c.Status(http.StatusOK)
			})

			body := strings.Repeat("x", tt.bodySize)
			req := httptest.NewRequest("POST", "/test", strings.NewReader(body))
			if !tt.contentLength {
				req.ContentLength = -1
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, w.Code)
			}
			if tt.contentLength && w.Code == http.StatusRequestEntityTooLarge && !strings.Contains(w.Body.String(), "Request body too large") {
				t.Errorf("Expected error message about body size, got: %s", w.Body.String())
			}
		})
	}
}

func TestLimiterPruneDropsIdleAddresses(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(10), 20)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.getLimiter("10.0.0.1")
	rl.getLimiter("10.0.0.2")

	now = now.Add(limiterIdle / 2)
	kept := rl.getLimiter("10.0.0.2")

	now = now.Add(limiterIdle/2 + time.Minute)
	rl.getLimiter("10.0.0.3")

	rl.mu.Lock()
	_, first := rl.visitors["10.0.0.1"]
	second := rl.visitors["10.0.0.2"]
	count := len(rl.visitors)
	rl.mu.Unlock()

	if first {
		t.Error("Expected the idle address to be pruned")
	}
	if second == nil || second.limiter != kept {
		t.Error("Expected the recently seen address to keep its limiter")
	}
	if count != 2 {
		t.Errorf("Expected 2 limiters after pruning, got %d", count)
	}
}

func TestRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)

	core, logs := observer.New(zap.DebugLevel)
	router := gin.New()
	router.Use(RequestLogger(zap.New(core).Sugar()))
	router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	for _, path := range []string{"/ok", "/boom"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", path, nil))
	}

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("Expected 2 log entries, got %d", len(entries))
	}
	if entries[0].Level != zap.DebugLevel {
		t.Errorf("Expected debug level for a 200, got %s", entries[0].Level)
	}
	if entries[1].Level != zap.WarnLevel {
		t.Errorf("Expected warn level for a 500, got %s", entries[1].Level)
	}
	if got := entries[1].ContextMap()["path"]; got != "/boom" {
		t.Errorf("Expected path /boom, got %v", got)
	}
}
