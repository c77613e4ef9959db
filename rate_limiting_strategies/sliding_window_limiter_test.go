package rate_limiting_strategies

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aryangodara/apigateway"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{
		Addr: server.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })
	return server, client
}

func assertResult(t *testing.T, want, got *apigateway.Result, tolerance time.Duration) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.State, got.State)
	assert.Equal(t, want.Info.Limit, got.Info.Limit)
	assert.Equal(t, want.Info.Remaining, got.Info.Remaining)
	assert.WithinDuration(t, want.Info.ResetTime, got.Info.ResetTime, tolerance)
	assert.InDelta(t, float64(want.Info.RetryAfter), float64(got.Info.RetryAfter), float64(tolerance))
}

func TestSlidingWindowLimiter_Admit(t *testing.T) {
	start := time.Date(2024, time.June, 23, 10, 15, 30, 0, time.Local)

	tt := []struct {
		desc        string
		runs        int64
		res         *apigateway.Result
		timeAdvance time.Duration
	}{
		{
			desc: "returns Allow for requests under limit",
			res: &apigateway.Result{
				State: apigateway.Allow,
				Info: apigateway.LimitInfo{
					Limit:     100,
					Remaining: 50,
					ResetTime: time.Date(2024, time.June, 23, 10, 16, 30, 0, time.Local),
				},
			},
			runs: 50,
		},
		{
			desc: "returns Deny for requests over limit",
			res: &apigateway.Result{
				State: apigateway.Deny,
				Info: apigateway.LimitInfo{
					Limit:      100,
					Remaining:  0,
					ResetTime:  time.Date(2024, time.June, 23, 10, 16, 30, 0, time.Local),
					RetryAfter: time.Minute,
				},
			},
			runs: 101,
		},
		{
			desc: "expires and starts again as it goes over the TTL",
			res: &apigateway.Result{
				State: apigateway.Allow,
				Info: apigateway.LimitInfo{
					Limit: 100,
					// requests at 10:16:09 through 10:17:09 are still in the window
					Remaining: 39,
					ResetTime: time.Date(2024, time.June, 23, 10, 17, 9, 0, time.Local),
				},
			},
			runs:        100,
			timeAdvance: time.Second,
		},
	}

	for _, ts := range tt {
		t.Run(ts.desc, func(t *testing.T) {
			server, client := newTestRedis(t)
			now := start

			limiter := NewSlidingWindowLimiter(client, "test:", 100, time.Minute, func() time.Time {
				return now
			}).(apigateway.Admitter)

			var lastRes *apigateway.Result
			var lastErr error
			for x := int64(0); x < ts.runs; x++ {
				lastRes, lastErr = limiter.Admit(context.Background(), "some-user")
				if ts.timeAdvance != 0 {
					server.FastForward(ts.timeAdvance)
					now = now.Add(ts.timeAdvance)
				}
			}

			require.NoError(t, lastErr)
			assertResult(t, ts.res, lastRes, 0)
		})
	}
}

func TestSlidingWindowLimiter_ClosedInterval(t *testing.T) {
	_, client := newTestRedis(t)
	now := time.Date(2024, time.June, 23, 10, 15, 30, 0, time.UTC)
	limiter := NewSlidingWindowLimiter(client, "test:", 1, time.Minute, func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, limiter.RecordRequest(ctx, "k"))

	// a request exactly one window old still counts
	now = now.Add(time.Minute)
	limited, err := limiter.IsLimited(ctx, "k")
	require.NoError(t, err)
	assert.True(t, limited)

	now = now.Add(time.Microsecond)
	limited, err = limiter.IsLimited(ctx, "k")
	require.NoError(t, err)
	assert.False(t, limited)
}

func TestSlidingWindowLimiter_StrategyMethods(t *testing.T) {
	_, client := newTestRedis(t)
	now := time.Date(2024, time.June, 23, 10, 15, 30, 0, time.UTC)
	limiter := NewSlidingWindowLimiter(client, "test:", 2, time.Minute, func() time.Time { return now })
	ctx := context.Background()

	info, err := limiter.GetLimitInfo(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.Remaining)

	require.NoError(t, limiter.RecordRequest(ctx, "k"))
	now = now.Add(10 * time.Second)
	require.NoError(t, limiter.RecordRequest(ctx, "k"))

	limited, err := limiter.IsLimited(ctx, "k")
	require.NoError(t, err)
	assert.True(t, limited)

	info, err = limiter.GetLimitInfo(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), info.Remaining)
	assert.Equal(t, 50*time.Second, info.RetryAfter)
	assert.WithinDuration(t, now.Add(50*time.Second), info.ResetTime, 0)
}
