package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return s, client
}

func TestRedisLimiterWindow(t *testing.T) {
	s, client := newRedis(t)

	lim := NewRedisLimiter(client, 2, 500*time.Millisecond, "test:")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := lim.Allow(ctx, "trader", time.Now())
		if err != nil || !allowed {
			t.Fatalf("expected allow on call %d: %v", i+1, err)
		}
	}

	allowed, retryAfter, err := lim.Allow(ctx, "trader", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatalf("expected rate limited")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected retryAfter > 0")
	}

	s.FastForward(600 * time.Millisecond)
	allowed, _, err = lim.Allow(ctx, "trader", time.Now())
	if err != nil || !allowed {
		t.Fatalf("expected allow after window")
	}
}

func TestMiddlewareReturns429(t *testing.T) {
	_, client := newRedis(t)
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(Middleware(NewRedisLimiter(client, 1, time.Minute, ""), func(c *gin.Context) string {
		return c.GetHeader("X-Trader")
	}, nil))
	r.POST("/orders", func(c *gin.Context) { c.Status(http.StatusCreated) })

	send := func(trader string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/orders", nil)
		req.Header.Set("X-Trader", trader)
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := send("alice"); code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}
	if code := send("alice"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
	if code := send("bob"); code != http.StatusCreated {
		t.Fatalf("expected separate bucket for bob, got %d", code)
	}
	if code := send(""); code != http.StatusCreated {
		t.Fatalf("expected unkeyed request to pass, got %d", code)
	}
}

func TestByOperationSeparatesKeys(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodPost, "/orders", nil)
	c.Request.Header.Set("X-Trader", "alice")
	trader := func(c *gin.Context) string { return c.GetHeader("X-Trader") }

	if got := ByOperation(OperationPlace, trader)(c); got != "place:alice" {
		t.Fatalf("expected place:alice, got %q", got)
	}
	if got := ByOperation(OperationAmend, trader)(c); got != "amend:alice" {
		t.Fatalf("expected amend:alice, got %q", got)
	}
	c.Request.Header.Del("X-Trader")
	if got := ByOperation(OperationPlace, trader)(c); got != "" {
		t.Fatalf("expected unkeyed request to stay unkeyed, got %q", got)
	}
}
