package rate_limiting_strategies

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aryangodara/apigateway"
)

var (
	_ apigateway.Strategy = &fixedWindowLimiter{}
	_ apigateway.Admitter = &fixedWindowLimiter{}
)

// admitFixedWindow increments the bucket only while it is under the limit.
// KEYS[1] bucket key, ARGV[1] limit, ARGV[2] ttl in ms.
var admitFixedWindow = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= tonumber(ARGV[1]) then
  return {0, count}
end
count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, count}
`)

type fixedWindowLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  uint64
	window time.Duration
	now    func() time.Time
}

// NewFixedWindowLimiter creates a Redis backed fixed window rate limiter.
// Every window gets its own counter key, which expires once the window is over.
func NewFixedWindowLimiter(client redis.UniversalClient, prefix string, limit uint64, window time.Duration, now func() time.Time) apigateway.Strategy {
	return &fixedWindowLimiter{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
		now:    now,
	}
}

func (f *fixedWindowLimiter) bucket(now time.Time) int64 {
	return now.UnixNano() / int64(f.window)
}

func (f *fixedWindowLimiter) bucketKey(key string, bucket int64) string {
	return f.prefix + key + ":" + strconv.FormatInt(bucket, 10)
}

func (f *fixedWindowLimiter) resetAt(bucket int64) time.Time {
	return time.Unix(0, (bucket+1)*int64(f.window))
}

func (f *fixedWindowLimiter) ttl(now time.Time, bucket int64) time.Duration {
	return max(f.resetAt(bucket).Sub(now), time.Millisecond)
}

func (f *fixedWindowLimiter) count(ctx context.Context, key string, bucket int64) (uint64, error) {
	count, err := f.client.Get(ctx, f.bucketKey(key, bucket)).Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("error reading counter for key %v: %w", key, err)
	}
	return count, nil
}

func (f *fixedWindowLimiter) IsLimited(ctx context.Context, key string) (bool, error) {
	count, err := f.count(ctx, key, f.bucket(f.now()))
	if err != nil {
		return false, err
	}
	return count >= f.limit, nil
}

func (f *fixedWindowLimiter) GetLimitInfo(ctx context.Context, key string) (apigateway.LimitInfo, error) {
	now := f.now()
	bucket := f.bucket(now)
	count, err := f.count(ctx, key, bucket)
	if err != nil {
		return apigateway.LimitInfo{}, err
	}
	return f.info(now, bucket, count), nil
}

func (f *fixedWindowLimiter) RecordRequest(ctx context.Context, key string) error {
	now := f.now()
	bucket := f.bucket(now)
	k := f.bucketKey(key, bucket)

	// Redis pipeline to optimize network round trips.
	pipe := f.client.Pipeline()
	pipe.Incr(ctx, k)
	pipe.PExpire(ctx, k, f.ttl(now, bucket))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("error incrementing key %v: %w", key, err)
	}
	return nil
}

// Admit runs the check and the increment as one script.
func (f *fixedWindowLimiter) Admit(ctx context.Context, key string) (*apigateway.Result, error) {
	now := f.now()
	bucket := f.bucket(now)

	res, err := admitFixedWindow.Run(ctx, f.client,
		[]string{f.bucketKey(key, bucket)},
		f.limit, f.ttl(now, bucket).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("error admitting request for key %v: %w", key, err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected fixed window reply for key %v: %v", key, res)
	}

	state := apigateway.Deny
	if res[0] == 1 {
		state = apigateway.Allow
	}
	return &apigateway.Result{State: state, Info: f.info(now, bucket, uint64(res[1]))}, nil
}

func (f *fixedWindowLimiter) info(now time.Time, bucket int64, count uint64) apigateway.LimitInfo {
	reset := f.resetAt(bucket)
	info := apigateway.LimitInfo{Limit: f.limit, ResetTime: reset}
	if count < f.limit {
		info.Remaining = f.limit - count
	} else {
		info.RetryAfter = reset.Sub(now)
	}
	return info
}
