package ratelimit

import (
	"context"
	"testing"
	"time"
)

func newTestWindow(limit int) (*SlidingWindow, *time.Time) {
	s := NewSlidingWindow(limit)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestCheckAllowsUpToLimit(t *testing.T) {
	s, _ := newTestWindow(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := s.Check(ctx, "key:abc")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if res.Remaining != 3-i-1 {
			t.Errorf("request %d: remaining = %d, want %d", i+1, res.Remaining, 3-i-1)
		}
	}

	res, err := s.Check(ctx, "key:abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Error("request over the limit should be denied")
	}
	if res.Remaining != 0 {
		t.Errorf("remaining on denial = %d, want 0", res.Remaining)
	}
}

func TestCheckDenialUntilWindowExpires(t *testing.T) {
	s, now := newTestWindow(2)
	ctx := context.Background()

	s.Check(ctx, "ip:1.2.3.4")
	*now = now.Add(10 * time.Second)
	s.Check(ctx, "ip:1.2.3.4")

	*now = now.Add(10 * time.Second)
	res, _ := s.Check(ctx, "ip:1.2.3.4")
	if res.Allowed {
		t.Fatal("third request inside one window should be denied")
	}

	// The oldest timestamp exits the window 60s after it was recorded,
	// which is 40s from "now".
	if got := res.RetryAfter; got != 40*time.Second {
		t.Errorf("RetryAfter = %v, want 40s", got)
	}

	*now = now.Add(41 * time.Second)
	res, _ = s.Check(ctx, "ip:1.2.3.4")
	if !res.Allowed {
		t.Error("request should be allowed after the oldest timestamp expired")
	}
}

func TestRetryAfterAtLeastOneSecondAndDecreasing(t *testing.T) {
	s, now := newTestWindow(1)
	ctx := context.Background()

	s.Check(ctx, "k")

	var previous time.Duration
	for i, advance := range []time.Duration{0, 20 * time.Second, 20 * time.Second, 19*time.Second + 500*time.Millisecond} {
		*now = now.Add(advance)
		res, _ := s.Check(ctx, "k")
		if res.Allowed {
			t.Fatalf("step %d: should still be denied", i)
		}
		if res.RetryAfter < time.Second {
			t.Errorf("step %d: RetryAfter = %v, want >= 1s", i, res.RetryAfter)
		}
		if i > 0 && res.RetryAfter > previous {
			t.Errorf("step %d: RetryAfter %v should not exceed previous %v", i, res.RetryAfter, previous)
		}
		previous = res.RetryAfter
	}
}

func TestResetDerivedFromOldestTimestamp(t *testing.T) {
	s, now := newTestWindow(5)
	ctx := context.Background()

	first := *now
	s.Check(ctx, "k")

	*now = now.Add(30 * time.Second)
	res, _ := s.Check(ctx, "k")

	want := first.Add(defaultWindow)
	if !res.Reset.Equal(want) {
		t.Errorf("Reset = %v, want %v (oldest + window)", res.Reset, want)
	}
}

func TestIdentifiersIndependent(t *testing.T) {
	s, _ := newTestWindow(1)
	ctx := context.Background()

	s.Check(ctx, "a")
	if res, _ := s.Check(ctx, "a"); res.Allowed {
		t.Error("identifier a should be limited")
	}
	if res, _ := s.Check(ctx, "b"); !res.Allowed {
		t.Error("identifier b should be unaffected")
	}
}

func TestCleanupDropsEmptyHistories(t *testing.T) {
	s, now := newTestWindow(10)
	ctx := context.Background()

	s.Check(ctx, "stale")
	s.Check(ctx, "fresh")

	*now = now.Add(2 * defaultWindow)
	s.Check(ctx, "fresh")

	s.Cleanup()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests["stale"]; ok {
		t.Error("stale identifier should have been garbage-collected")
	}
	if _, ok := s.requests["fresh"]; !ok {
		t.Error("fresh identifier should survive cleanup")
	}
}
