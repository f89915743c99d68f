package redis

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func setupTestRateLimiter(t *testing.T, limit int, window time.Duration) *RateLimiter {
	t.Helper()
	client, _ := setupTestRedis(t)
	return NewRateLimiter(client, zap.NewNop(), RateLimitConfig{Limit: limit, Window: window})
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	limiter := setupTestRateLimiter(t, 5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(ctx, "ip:10.0.0.1")
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if result.Remaining != 4-i {
			t.Errorf("request %d: expected remaining %d, got %d", i, 4-i, result.Remaining)
		}
		if result.Limit != 5 {
			t.Errorf("expected limit 5, got %d", result.Limit)
		}
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	limiter := setupTestRateLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := limiter.Allow(ctx, "ip:10.0.0.1")
		if err != nil || !result.Allowed {
			t.Fatalf("request %d should be allowed: %v", i, err)
		}
	}

	result, err := limiter.Allow(ctx, "ip:10.0.0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Fatal("request should be blocked")
	}
	if result.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", result.Remaining)
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	limiter := setupTestRateLimiter(t, 1, time.Minute)
	ctx := context.Background()

	if r, _ := limiter.Allow(ctx, "ip:a"); !r.Allowed {
		t.Fatal("first key should be allowed")
	}
	if r, _ := limiter.Allow(ctx, "ip:b"); !r.Allowed {
		t.Fatal("second key should be allowed")
	}
	if r, _ := limiter.Allow(ctx, "ip:a"); r.Allowed {
		t.Fatal("first key should now be limited")
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	limiter := setupTestRateLimiter(t, 1, 50*time.Millisecond)
	ctx := context.Background()

	if r, _ := limiter.Allow(ctx, "ip:a"); !r.Allowed {
		t.Fatal("first request should be allowed")
	}
	time.Sleep(80 * time.Millisecond)
	if r, _ := limiter.Allow(ctx, "ip:a"); !r.Allowed {
		t.Fatal("request after the window should be allowed")
	}
}
