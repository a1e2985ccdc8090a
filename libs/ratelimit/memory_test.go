package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiterWindow(t *testing.T) {
	lim := NewMemory(2, time.Minute)
	defer lim.Close()
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 2; i++ {
		allowed, retry, err := lim.Allow(ctx, "place:trader", now)
		if err != nil || !allowed || retry != 0 {
			t.Fatalf("call %d: allowed=%v retry=%v err=%v", i+1, allowed, retry, err)
		}
	}

	allowed, retry, err := lim.Allow(ctx, "place:trader", now.Add(15*time.Second))
	if err != nil || allowed {
		t.Fatalf("expected third call in the window to be limited")
	}
	if retry != 45*time.Second {
		t.Fatalf("expected retry after 45s, got %v", retry)
	}

	allowed, _, err = lim.Allow(ctx, "place:trader", now.Add(time.Minute))
	if err != nil || !allowed {
		t.Fatalf("expected allow once the window has run out")
	}
}

func TestMemoryLimiterOperationsDrawFromSeparateWindows(t *testing.T) {
	lim := NewMemory(1, time.Minute)
	defer lim.Close()
	ctx := context.Background()
	now := time.Now()

	if allowed, _, _ := lim.Allow(ctx, "place:trader", now); !allowed {
		t.Fatalf("expected first place to pass")
	}
	if allowed, _, _ := lim.Allow(ctx, "place:trader", now); allowed {
		t.Fatalf("expected second place to be limited")
	}
	if allowed, _, _ := lim.Allow(ctx, "amend:trader", now); !allowed {
		t.Fatalf("expected amend to have its own window")
	}
	if allowed, _, _ := lim.Allow(ctx, "place:other", now); !allowed {
		t.Fatalf("expected another trader to have its own window")
	}
}

func TestMemoryLimiterSweepDropsExpiredWindows(t *testing.T) {
	lim := NewMemory(1, time.Hour)
	defer lim.Close()
	ctx := context.Background()
	now := time.Now()

	lim.Allow(ctx, "place:a", now)
	lim.Allow(ctx, "place:b", now.Add(30*time.Minute))

	if removed := lim.sweep(now.Add(time.Hour)); removed != 1 {
		t.Fatalf("expected one expired window removed, got %d", removed)
	}
	if lim.size() != 1 {
		t.Fatalf("expected the live window to stay, have %d", lim.size())
	}
}

func TestMemoryLimiterSweeperRunsOnWindowTicks(t *testing.T) {
	lim := NewMemory(1, 20*time.Millisecond)
	defer lim.Close()

	lim.Allow(context.Background(), "amend:trader", time.Now())

	deadline := time.Now().Add(2 * time.Second)
	for lim.size() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected sweeper to drop the expired window")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMemoryLimiterCloseIsIdempotent(t *testing.T) {
	lim := NewMemory(1, time.Second)
	if err := lim.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := lim.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
