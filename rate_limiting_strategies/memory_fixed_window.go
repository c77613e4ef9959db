package rate_limiting_strategies

import (
	"context"
	"sync"
	"time"

	"github.com/aryangodara/apigateway"
)

var (
	_ apigateway.Strategy = &memoryFixedWindowLimiter{}
	_ apigateway.Admitter = &memoryFixedWindowLimiter{}
)

type fixedWindowState struct {
	bucket int64
	count  uint64
}

// memoryFixedWindowLimiter counts requests per floor(now/window) bucket. The
// count resets hard at each boundary, so a caller can get up to twice the
// limit through across one.
type memoryFixedWindowLimiter struct {
	limit  uint64
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	windows   map[string]*fixedWindowState
	lastPrune time.Time
}

// NewMemoryFixedWindowLimiter creates an in-process fixed window limiter.
func NewMemoryFixedWindowLimiter(limit uint64, window time.Duration, now func() time.Time) apigateway.Strategy {
	return &memoryFixedWindowLimiter{
		limit:   limit,
		window:  window,
		now:     now,
		windows: make(map[string]*fixedWindowState),
	}
}

func (f *memoryFixedWindowLimiter) bucket(now time.Time) int64 {
	return now.UnixNano() / int64(f.window)
}

func (f *memoryFixedWindowLimiter) countLocked(key string, bucket int64) uint64 {
	st, ok := f.windows[key]
	if !ok || st.bucket != bucket {
		return 0
	}
	return st.count
}

func (f *memoryFixedWindowLimiter) IsLimited(_ context.Context, key string) (bool, error) {
	now := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.countLocked(key, f.bucket(now)) >= f.limit, nil
}

func (f *memoryFixedWindowLimiter) GetLimitInfo(_ context.Context, key string) (apigateway.LimitInfo, error) {
	now := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()
	bucket := f.bucket(now)
	return f.infoLocked(now, bucket, f.countLocked(key, bucket)), nil
}

func (f *memoryFixedWindowLimiter) RecordRequest(_ context.Context, key string) error {
	now := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordLocked(now, key)
	return nil
}

// Admit checks and records under one lock.
func (f *memoryFixedWindowLimiter) Admit(_ context.Context, key string) (*apigateway.Result, error) {
	now := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()

	bucket := f.bucket(now)
	count := f.countLocked(key, bucket)
	if count >= f.limit {
		return &apigateway.Result{State: apigateway.Deny, Info: f.infoLocked(now, bucket, count)}, nil
	}
	count = f.recordLocked(now, key)
	return &apigateway.Result{State: apigateway.Allow, Info: f.infoLocked(now, bucket, count)}, nil
}

func (f *memoryFixedWindowLimiter) recordLocked(now time.Time, key string) uint64 {
	bucket := f.bucket(now)
	st, ok := f.windows[key]
	if !ok {
		st = &fixedWindowState{bucket: bucket}
		f.windows[key] = st
	}
	if st.bucket != bucket {
		st.bucket = bucket
		st.count = 0
	}
	st.count++
	f.pruneLocked(now, bucket)
	return st.count
}

// pruneLocked drops keys whose window has passed, at most once per window.
func (f *memoryFixedWindowLimiter) pruneLocked(now time.Time, bucket int64) {
	if now.Sub(f.lastPrune) < f.window {
		return
	}
	f.lastPrune = now
	for key, st := range f.windows {
		if st.bucket != bucket {
			delete(f.windows, key)
		}
	}
}

func (f *memoryFixedWindowLimiter) infoLocked(now time.Time, bucket int64, count uint64) apigateway.LimitInfo {
	reset := time.Unix(0, (bucket+1)*int64(f.window))
	info := apigateway.LimitInfo{
		Limit:     f.limit,
		ResetTime: reset,
	}
	if count < f.limit {
		info.Remaining = f.limit - count
	} else {
		info.RetryAfter = reset.Sub(now)
	}
	return info
}
