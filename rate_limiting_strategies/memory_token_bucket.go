package rate_limiting_strategies

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aryangodara/apigateway"
)

var (
	_ apigateway.Strategy = &memoryTokenBucketLimiter{}
	_ apigateway.Admitter = &memoryTokenBucketLimiter{}
)

type bucketState struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// memoryTokenBucketLimiter keeps one x/time/rate limiter per key, refilling
// continuously at requests/window tokens per second up to capacity.
type memoryTokenBucketLimiter struct {
	capacity int
	rate     rate.Limit
	idle     time.Duration
	now      func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucketState
	lastPrune time.Time
}

// NewMemoryTokenBucketLimiter creates an in-process token bucket. capacity is
// the burst size; requests per window sets the refill rate.
func NewMemoryTokenBucketLimiter(capacity, requests uint64, window time.Duration, now func() time.Time) apigateway.Strategy {
	r := rate.Limit(float64(requests) / window.Seconds())
	// time for an empty bucket to fill up again
	idle := time.Duration(float64(capacity) / float64(r) * float64(time.Second))
	return &memoryTokenBucketLimiter{
		capacity: int(capacity),
		rate:     r,
		idle:     max(idle, window),
		now:      now,
		buckets:  make(map[string]*bucketState),
	}
}

func (t *memoryTokenBucketLimiter) bucketLocked(now time.Time, key string) *rate.Limiter {
	b, ok := t.buckets[key]
	if !ok {
		b = &bucketState{limiter: rate.NewLimiter(t.rate, t.capacity)}
		t.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

func (t *memoryTokenBucketLimiter) IsLimited(_ context.Context, key string) (bool, error) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bucketLocked(now, key).TokensAt(now) < 1, nil
}

func (t *memoryTokenBucketLimiter) GetLimitInfo(_ context.Context, key string) (apigateway.LimitInfo, error) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.infoAt(now, t.bucketLocked(now, key).TokensAt(now)), nil
}

func (t *memoryTokenBucketLimiter) RecordRequest(_ context.Context, key string) error {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bucketLocked(now, key).AllowN(now, 1)
	t.pruneLocked(now)
	return nil
}

// Admit takes a token if one is available.
func (t *memoryTokenBucketLimiter) Admit(_ context.Context, key string) (*apigateway.Result, error) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	lim := t.bucketLocked(now, key)
	state := apigateway.Deny
	if lim.AllowN(now, 1) {
		state = apigateway.Allow
		t.pruneLocked(now)
	}
	return &apigateway.Result{State: state, Info: t.infoAt(now, lim.TokensAt(now))}, nil
}

func (t *memoryTokenBucketLimiter) pruneLocked(now time.Time) {
	if now.Sub(t.lastPrune) < t.idle {
		return
	}
	t.lastPrune = now
	for key, b := range t.buckets {
		// an idle bucket is full again, so dropping it loses nothing
		if now.Sub(b.lastSeen) >= t.idle {
			delete(t.buckets, key)
		}
	}
}

func (t *memoryTokenBucketLimiter) infoAt(now time.Time, tokens float64) apigateway.LimitInfo {
	tokens = math.Max(0, tokens)
	perSecond := float64(t.rate)
	info := apigateway.LimitInfo{
		Limit:     uint64(t.capacity),
		Remaining: uint64(math.Floor(tokens)),
		ResetTime: now.Add(secondsToDuration((float64(t.capacity) - tokens) / perSecond)),
	}
	if info.Remaining == 0 {
		info.RetryAfter = secondsToDuration((1 - tokens) / perSecond)
	}
	return info
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
