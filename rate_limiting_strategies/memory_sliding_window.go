package rate_limiting_strategies

import (
	"context"
	"sync"
	"time"

	"github.com/aryangodara/apigateway"
)

var (
	_ apigateway.Strategy = &memorySlidingWindowLimiter{}
	_ apigateway.Admitter = &memorySlidingWindowLimiter{}
)

// memorySlidingWindowLimiter keeps, per key, the timestamps of admitted
// requests inside [now-window, now]. A key never holds more than limit
// timestamps.
type memorySlidingWindowLimiter struct {
	limit  uint64
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	logs      map[string][]time.Time
	lastPrune time.Time
}

// NewMemorySlidingWindowLimiter creates an in-process sliding window log limiter.
func NewMemorySlidingWindowLimiter(limit uint64, window time.Duration, now func() time.Time) apigateway.Strategy {
	return &memorySlidingWindowLimiter{
		limit:  limit,
		window: window,
		now:    now,
		logs:   make(map[string][]time.Time),
	}
}

// trimLocked drops timestamps that fell out of the window and returns what is left.
func (s *memorySlidingWindowLimiter) trimLocked(now time.Time, key string) []time.Time {
	log := s.logs[key]
	minimum := now.Add(-s.window)
	i := 0
	for i < len(log) && log[i].Before(minimum) {
		i++
	}
	if i == 0 {
		return log
	}
	n := copy(log, log[i:])
	log = log[:n]
	if n == 0 {
		delete(s.logs, key)
		return nil
	}
	s.logs[key] = log
	return log
}

func (s *memorySlidingWindowLimiter) IsLimited(_ context.Context, key string) (bool, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.trimLocked(now, key))) >= s.limit, nil
}

func (s *memorySlidingWindowLimiter) GetLimitInfo(_ context.Context, key string) (apigateway.LimitInfo, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked(now, s.trimLocked(now, key)), nil
}

func (s *memorySlidingWindowLimiter) RecordRequest(_ context.Context, key string) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(now, key, s.trimLocked(now, key))
	return nil
}

// Admit checks and records under one lock.
func (s *memorySlidingWindowLimiter) Admit(_ context.Context, key string) (*apigateway.Result, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.trimLocked(now, key)
	if uint64(len(log)) >= s.limit {
		return &apigateway.Result{State: apigateway.Deny, Info: s.infoLocked(now, log)}, nil
	}
	log = s.recordLocked(now, key, log)
	return &apigateway.Result{State: apigateway.Allow, Info: s.infoLocked(now, log)}, nil
}

func (s *memorySlidingWindowLimiter) recordLocked(now time.Time, key string, log []time.Time) []time.Time {
	if uint64(len(log)) >= s.limit {
		// keep the log bounded; the oldest entry is the first to expire anyway
		log = log[1:]
	}
	if log == nil {
		log = make([]time.Time, 0, min(s.limit, 64))
	}
	log = append(log, now)
	s.logs[key] = log
	s.pruneLocked(now)
	return log
}

func (s *memorySlidingWindowLimiter) pruneLocked(now time.Time) {
	if now.Sub(s.lastPrune) < s.window {
		return
	}
	s.lastPrune = now
	minimum := now.Add(-s.window)
	for key, log := range s.logs {
		if len(log) == 0 || log[len(log)-1].Before(minimum) {
			delete(s.logs, key)
		}
	}
}

func (s *memorySlidingWindowLimiter) infoLocked(now time.Time, log []time.Time) apigateway.LimitInfo {
	count := uint64(len(log))
	info := apigateway.LimitInfo{Limit: s.limit, ResetTime: now.Add(s.window)}
	if count > 0 {
		info.ResetTime = log[0].Add(s.window)
	}
	if count < s.limit {
		info.Remaining = s.limit - count
	} else {
		info.RetryAfter = log[0].Add(s.window).Sub(now)
	}
	return info
}
