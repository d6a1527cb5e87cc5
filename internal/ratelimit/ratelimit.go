// Package ratelimit provides per-identifier request rate limiting using
// a sliding window over the trailing sixty seconds. The in-memory
// backend suits single-instance deployments; the Redis backend offers
// the same contract across instances.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultWindow = time.Minute

// Result carries the outcome of a rate-limit check plus the values for
// the X-RateLimit-* response headers. RetryAfter is set only on denial
// and is always at least one second.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// Limiter defines the rate-limiting backend contract.
type Limiter interface {
	Check(ctx context.Context, identifier string) (Result, error)
}

// SlidingWindow keeps an ordered timestamp list per identifier, pruned
// lazily on each check. Reset time always derives from the oldest
// surviving timestamp, not calendar minute boundaries.
type SlidingWindow struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	requests map[string][]time.Time

	now func() time.Time
}

func NewSlidingWindow(limit int) *SlidingWindow {
	return &SlidingWindow{
		limit:    limit,
		window:   defaultWindow,
		requests: make(map[string][]time.Time),
		now:      time.Now,
	}
}

func (s *SlidingWindow) Check(ctx context.Context, identifier string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	kept := prune(s.requests[identifier], now.Add(-s.window))
	s.requests[identifier] = kept

	res := Result{Limit: s.limit}

	if len(kept) >= s.limit {
		// Denied: the caller may retry once the oldest surviving
		// timestamp exits the window.
		res.Reset = kept[0].Add(s.window)
		res.RetryAfter = res.Reset.Sub(now)
		if res.RetryAfter < time.Second {
			res.RetryAfter = time.Second
		}
		return res, nil
	}

	s.requests[identifier] = append(kept, now)

	res.Allowed = true
	res.Remaining = s.limit - len(kept) - 1
	if len(kept) > 0 {
		res.Reset = kept[0].Add(s.window)
	} else {
		res.Reset = now.Add(s.window)
	}
	return res, nil
}

// Cleanup drops identifiers whose histories are empty. It is required
// only for long-run memory stability, not correctness.
func (s *SlidingWindow) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.window)
	for identifier, timestamps := range s.requests {
		kept := prune(timestamps, cutoff)
		if len(kept) == 0 {
			delete(s.requests, identifier)
		} else {
			s.requests[identifier] = kept
		}
	}
}

// StartJanitor runs Cleanup on the given interval until ctx is done.
func (s *SlidingWindow) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Cleanup()
			case <-ctx.Done():
				slog.Debug("rate limiter janitor stopped")
				return
			}
		}
	}()
}

func prune(timestamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(timestamps) && !timestamps[i].After(cutoff) {
		i++
	}
	return timestamps[i:]
}
