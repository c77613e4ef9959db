package rate_limiting_strategies

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aryangodara/apigateway"
)

var (
	_ apigateway.Strategy = &tokenBucketLimiter{}
	_ apigateway.Admitter = &tokenBucketLimiter{}
)

// refillTokenBucket refills the bucket up to now and optionally takes a token.
// Nothing is written when no token is requested. Numbers cross the script
// boundary in fixed-point notation; some Lua runtimes reject exponents in
// tonumber.
// KEYS[1] bucket hash, ARGV[1] capacity, ARGV[2] tokens per microsecond,
// ARGV[3] now in microseconds, ARGV[4] tokens to take, ARGV[5] ttl in ms.
var refillTokenBucket = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local take = tonumber(ARGV[4])
local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
elseif now > ts then
  tokens = tokens + (now - ts) * rate
  if tokens > capacity then
    tokens = capacity
  end
end
local allowed = 0
local stored = string.format('%.17f', tokens)
if take > 0 then
  if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
    stored = string.format('%.17f', tokens)
  end
  redis.call('HSET', KEYS[1], 'tokens', stored, 'ts', ARGV[3])
  redis.call('PEXPIRE', KEYS[1], ARGV[5])
end
return {allowed, stored}
`)

type tokenBucketLimiter struct {
	client   redis.UniversalClient
	prefix   string
	capacity uint64
	// tokens per microsecond
	refillRate float64
	idle       time.Duration
	now        func() time.Time
}

// NewTokenBucketLimiter creates a Redis backed token bucket holding up to
// capacity tokens and refilling requests tokens every window.
func NewTokenBucketLimiter(client redis.UniversalClient, prefix string, capacity, requests uint64, window time.Duration, now func() time.Time) apigateway.Strategy {
	perMicro := float64(requests) / float64(window.Microseconds())
	idle := time.Duration(float64(capacity)/perMicro) * time.Microsecond
	return &tokenBucketLimiter{
		client:     client,
		prefix:     prefix,
		capacity:   capacity,
		refillRate: perMicro,
		idle:       max(idle, window),
		now:        now,
	}
}

func (t *tokenBucketLimiter) run(ctx context.Context, key string, now time.Time, take int) (bool, float64, error) {
	res, err := refillTokenBucket.Run(ctx, t.client,
		[]string{t.prefix + key},
		t.capacity,
		strconv.FormatFloat(t.refillRate, 'f', -1, 64),
		now.UnixMicro(),
		take,
		t.idle.Milliseconds(),
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("failed to refill token bucket for key %v: %w", key, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected token bucket reply for key %v: %v", key, res)
	}

	allowed, _ := res[0].(int64)
	tokenStr, _ := res[1].(string)
	tokens, err := strconv.ParseFloat(tokenStr, 64)
	if err != nil {
		return false, 0, fmt.Errorf("failed to parse token count %q for key %v: %w", tokenStr, key, err)
	}
	return allowed == 1, tokens, nil
}

func (t *tokenBucketLimiter) IsLimited(ctx context.Context, key string) (bool, error) {
	_, tokens, err := t.run(ctx, key, t.now(), 0)
	if err != nil {
		return false, err
	}
	return tokens < 1, nil
}

func (t *tokenBucketLimiter) GetLimitInfo(ctx context.Context, key string) (apigateway.LimitInfo, error) {
	now := t.now()
	_, tokens, err := t.run(ctx, key, now, 0)
	if err != nil {
		return apigateway.LimitInfo{}, err
	}
	return t.info(now, tokens), nil
}

func (t *tokenBucketLimiter) RecordRequest(ctx context.Context, key string) error {
	_, _, err := t.run(ctx, key, t.now(), 1)
	return err
}

// Admit takes a token if one is available.
func (t *tokenBucketLimiter) Admit(ctx context.Context, key string) (*apigateway.Result, error) {
	now := t.now()
	allowed, tokens, err := t.run(ctx, key, now, 1)
	if err != nil {
		return nil, err
	}
	state := apigateway.Deny
	if allowed {
		state = apigateway.Allow
	}
	return &apigateway.Result{State: state, Info: t.info(now, tokens)}, nil
}

func (t *tokenBucketLimiter) info(now time.Time, tokens float64) apigateway.LimitInfo {
	tokens = math.Max(0, tokens)
	info := apigateway.LimitInfo{
		Limit:     t.capacity,
		Remaining: uint64(math.Floor(tokens)),
		ResetTime: now.Add(microsToDuration((float64(t.capacity) - tokens) / t.refillRate)),
	}
	if info.Remaining == 0 {
		info.RetryAfter = microsToDuration((1 - tokens) / t.refillRate)
	}
	return info
}

func microsToDuration(us float64) time.Duration {
	if us <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(us)) * time.Microsecond
}
