package rate_limiting_strategies

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aryangodara/apigateway"
)

var (
	_ apigateway.Strategy = &slidingWindowLimiter{}
	_ apigateway.Admitter = &slidingWindowLimiter{}
)

const (
	maxSortedSetScore = "+inf"
	minSortedSetScore = "-inf"
)

// admitSlidingWindow trims the log, then adds the request if there is room.
// KEYS[1] log key, ARGV[1] exclusive lower bound "(min", ARGV[2] now,
// ARGV[3] limit, ARGV[4] member, ARGV[5] ttl in ms.
var admitSlidingWindow = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
local allowed = 0
if count < tonumber(ARGV[3]) then
  redis.call('ZADD', KEYS[1], ARGV[2], ARGV[4])
  count = count + 1
  allowed = 1
end
redis.call('PEXPIRE', KEYS[1], ARGV[5])
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local first = ARGV[2]
if #oldest > 0 then
  first = oldest[2]
end
return {allowed, count, first}
`)

type slidingWindowLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  uint64
	window time.Duration
	now    func() time.Time
}

// NewSlidingWindowLimiter initializes a Redis backed sliding window rate
// limiter. Each admitted request is a member of a sorted set scored by its
// timestamp in microseconds.
func NewSlidingWindowLimiter(client redis.UniversalClient, prefix string, limit uint64, window time.Duration, now func() time.Time) apigateway.Strategy {
	return &slidingWindowLimiter{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
		now:    now,
	}
}

func score(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}

// windowStart is the lowest score still inside [now-window, now].
func (s *slidingWindowLimiter) windowStart(now time.Time) string {
	return score(now.Add(-s.window))
}

func (s *slidingWindowLimiter) IsLimited(ctx context.Context, key string) (bool, error) {
	count, err := s.client.ZCount(ctx, s.prefix+key, s.windowStart(s.now()), maxSortedSetScore).Uint64()
	if err != nil {
		return false, fmt.Errorf("failed to count requests for key %v: %w", key, err)
	}
	return count >= s.limit, nil
}

func (s *slidingWindowLimiter) GetLimitInfo(ctx context.Context, key string) (apigateway.LimitInfo, error) {
	now := s.now()
	start := s.windowStart(now)

	p := s.client.Pipeline()
	count := p.ZCount(ctx, s.prefix+key, start, maxSortedSetScore)
	oldest := p.ZRangeByScoreWithScores(ctx, s.prefix+key, &redis.ZRangeBy{
		Min:   start,
		Max:   maxSortedSetScore,
		Count: 1,
	})
	if _, err := p.Exec(ctx); err != nil {
		return apigateway.LimitInfo{}, fmt.Errorf("failed to read window for key %v: %w", key, err)
	}

	first := now
	if zs := oldest.Val(); len(zs) > 0 {
		first = time.UnixMicro(int64(zs[0].Score))
	}
	return s.info(now, first, uint64(count.Val())), nil
}

func (s *slidingWindowLimiter) RecordRequest(ctx context.Context, key string) error {
	now := s.now()

	p := s.client.Pipeline()
	// we remove all the expired requests, then add the current one
	p.ZRemRangeByScore(ctx, s.prefix+key, minSortedSetScore, "("+s.windowStart(now))
	p.ZAdd(ctx, s.prefix+key, redis.Z{
		Score:  float64(now.UnixMicro()),
		Member: uuid.NewString(),
	})
	p.PExpire(ctx, s.prefix+key, s.window)
	if _, err := p.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add request to key %v: %w", key, err)
	}
	return nil
}

// Admit trims, checks and records in one script.
func (s *slidingWindowLimiter) Admit(ctx context.Context, key string) (*apigateway.Result, error) {
	now := s.now()

	res, err := admitSlidingWindow.Run(ctx, s.client,
		[]string{s.prefix + key},
		"("+s.windowStart(now), score(now), s.limit, uuid.NewString(), s.window.Milliseconds(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to execute sliding window script for key %v: %w", key, err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("unexpected sliding window reply for key %v: %v", key, res)
	}

	allowed, _ := res[0].(int64)
	count, _ := res[1].(int64)
	firstStr, _ := res[2].(string)
	firstScore, err := strconv.ParseFloat(firstStr, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse oldest score %q for key %v: %w", firstStr, key, err)
	}

	state := apigateway.Deny
	if allowed == 1 {
		state = apigateway.Allow
	}
	return &apigateway.Result{
		State: state,
		Info:  s.info(now, time.UnixMicro(int64(firstScore)), uint64(count)),
	}, nil
}

func (s *slidingWindowLimiter) info(now, first time.Time, count uint64) apigateway.LimitInfo {
	info := apigateway.LimitInfo{Limit: s.limit, ResetTime: first.Add(s.window)}
	if count < s.limit {
		info.Remaining = s.limit - count
	} else {
		info.RetryAfter = first.Add(s.window).Sub(now)
	}
	return info
}
