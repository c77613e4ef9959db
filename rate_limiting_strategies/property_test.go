package rate_limiting_strategies

import (
	"context"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/aryangodara/apigateway"
)

// admissions replays a random request schedule and returns the times of the
// admitted requests along with every decision.
func admissions(t *rapid.T, build func(limit uint64, window time.Duration, now func() time.Time) apigateway.Strategy) (uint64, time.Duration, []time.Time, []time.Time) {
	limit := rapid.Uint64Range(1, 8).Draw(t, "limit")
	window := time.Duration(rapid.Int64Range(1, 10).Draw(t, "window_s")) * time.Second
	steps := rapid.SliceOfN(rapid.Int64Range(0, 4000), 1, 200).Draw(t, "steps_ms")

	now := time.Date(2024, time.June, 23, 10, 15, 30, 0, time.UTC)
	strategy := build(limit, window, func() time.Time { return now }).(apigateway.Admitter)

	var admitted, denied []time.Time
	for _, step := range steps {
		now = now.Add(time.Duration(step) * time.Millisecond)
		res, err := strategy.Admit(context.Background(), "k")
		if err != nil {
			t.Fatalf("admit: %v", err)
		}
		if res.State == apigateway.Allow {
			admitted = append(admitted, now)
		} else {
			denied = append(denied, now)
		}
	}
	return limit, window, admitted, denied
}

func countIn(times []time.Time, from, to time.Time) uint64 {
	var n uint64
	for _, ts := range times {
		if !ts.Before(from) && !ts.After(to) {
			n++
		}
	}
	return n
}

func TestSlidingWindow_NeverExceedsLimit(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit, window, admitted, denied := admissions(t, NewMemorySlidingWindowLimiter)

		for _, at := range admitted {
			if n := countIn(admitted, at.Add(-window), at); n > limit {
				t.Fatalf("%d requests admitted in window ending %v, limit %d", n, at, limit)
			}
		}
		// a denial means the window really was full
		for _, at := range denied {
			if n := countIn(admitted, at.Add(-window), at); n < limit {
				t.Fatalf("denied at %v with only %d requests in window, limit %d", at, n, limit)
			}
		}
	})
}

func TestFixedWindow_NeverExceedsLimitPerBucket(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit, window, admitted, denied := admissions(t, NewMemoryFixedWindowLimiter)

		perBucket := make(map[int64]uint64)
		for _, at := range admitted {
			b := at.UnixNano() / int64(window)
			perBucket[b]++
			if perBucket[b] > limit {
				t.Fatalf("bucket %d admitted %d requests, limit %d", b, perBucket[b], limit)
			}
		}
		for _, at := range denied {
			if perBucket[at.UnixNano()/int64(window)] < limit {
				t.Fatalf("denied at %v before the bucket was full", at)
			}
		}
	})
}
