package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, budgets map[string]Budget) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	l, err := New(rdb, budgets)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, mr
}

func TestNew_Validation(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rdb.Close()

	if _, err := New(nil, map[string]Budget{"slack": {1, time.Second}}); err == nil {
		t.Error("expected error for nil client")
	}
	if _, err := New(rdb, nil); err == nil {
		t.Error("expected error for empty budgets")
	}
	if _, err := New(rdb, map[string]Budget{"slack": {0, time.Second}}); err == nil {
		t.Error("expected error for zero MaxRequests")
	}
	if _, err := New(rdb, map[string]Budget{"slack": {5, 0}}); err == nil {
		t.Error("expected error for zero Window")
	}
}

func TestAllow_WithinBudget(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]Budget{"slack": {3, time.Minute}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, ok := l.Allow(ctx, "acct-1", "slack"); !ok {
			t.Fatalf("call %d denied, want admitted", i+1)
		}
	}
}

func TestAllow_DeniesOverBudget(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]Budget{"slack": {2, time.Minute}})
	ctx := context.Background()

	l.Allow(ctx, "acct-1", "slack")
	l.Allow(ctx, "acct-1", "slack")

	retryAfter, ok := l.Allow(ctx, "acct-1", "slack")
	if ok {
		t.Fatal("third call admitted, want denied")
	}
	if retryAfter <= 0 {
		t.Errorf("retryAfter = %v, want positive", retryAfter)
	}
	if retryAfter > time.Minute {
		t.Errorf("retryAfter = %v, want <= window", retryAfter)
	}
}

func TestAllow_SharedWindowAcrossInstances(t *testing.T) {
	budgets := map[string]Budget{"slack": {2, time.Minute}}
	l1, mr := newTestLimiter(t, budgets)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	l2, err := New(rdb, budgets)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	// Two processes admit one call each in the same millisecond. Each must
	// land as a distinct member; a collision would merge the admissions
	// and over-admit the shared window.
	if _, ok := l1.Allow(ctx, "acct-1", "slack"); !ok {
		t.Fatal("first instance denied, want admitted")
	}
	if _, ok := l2.Allow(ctx, "acct-1", "slack"); !ok {
		t.Fatal("second instance denied, want admitted")
	}

	members, err := mr.ZMembers(windowKey("acct-1", "slack"))
	if err != nil {
		t.Fatalf("ZMembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("window members = %d, want 2 (one per admission)", len(members))
	}

	if _, ok := l1.Allow(ctx, "acct-1", "slack"); ok {
		t.Error("third call admitted, want denied across instances")
	}
}

func TestAllow_WindowsAreIsolated(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]Budget{
		"slack":   {1, time.Minute},
		"discord": {1, time.Minute},
	})
	ctx := context.Background()

	if _, ok := l.Allow(ctx, "acct-1", "slack"); !ok {
		t.Fatal("acct-1 slack denied")
	}
	// Same account, different platform: separate window.
	if _, ok := l.Allow(ctx, "acct-1", "discord"); !ok {
		t.Error("acct-1 discord denied, want admitted")
	}
	// Different account, same platform: separate window.
	if _, ok := l.Allow(ctx, "acct-2", "slack"); !ok {
		t.Error("acct-2 slack denied, want admitted")
	}
	// Exhausted window still denies.
	if _, ok := l.Allow(ctx, "acct-1", "slack"); ok {
		t.Error("acct-1 slack admitted, want denied")
	}
}

func TestAllow_WindowSlides(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]Budget{"slack": {1, 50 * time.Millisecond}})
	ctx := context.Background()

	if _, ok := l.Allow(ctx, "acct-1", "slack"); !ok {
		t.Fatal("first call denied")
	}
	if _, ok := l.Allow(ctx, "acct-1", "slack"); ok {
		t.Fatal("second call admitted inside window")
	}

	time.Sleep(60 * time.Millisecond)

	if _, ok := l.Allow(ctx, "acct-1", "slack"); !ok {
		t.Error("call denied after window slid past old entry")
	}
}

func TestAllow_FailsOpenWhenStoreDown(t *testing.T) {
	l, mr := newTestLimiter(t, map[string]Budget{"slack": {1, time.Minute}})
	mr.Close()

	if _, ok := l.Allow(context.Background(), "acct-1", "slack"); !ok {
		t.Error("denied during store outage, want fail-open admit")
	}
}

func TestAllow_UnknownPlatform(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]Budget{"slack": {1, time.Minute}})

	if _, ok := l.Allow(context.Background(), "acct-1", "telegram"); !ok {
		t.Error("unknown platform denied, want admitted")
	}
}

func TestAllow_MinimumRetryAfter(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]Budget{"slack": {1, 5 * time.Millisecond}})
	ctx := context.Background()

	l.Allow(ctx, "acct-1", "slack")
	retryAfter, ok := l.Allow(ctx, "acct-1", "slack")
	if ok {
		// The tiny window may already have slid; nothing to assert.
		return
	}
	if retryAfter < time.Second {
		t.Errorf("retryAfter = %v, want >= 1s floor", retryAfter)
	}
}
