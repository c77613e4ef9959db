package rate_limiting_strategies

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aryangodara/apigateway"
)

func TestNewMemoryFactory(t *testing.T) {
	factory := NewMemoryFactory(time.Now)

	tt := []struct {
		desc   string
		policy apigateway.RateLimitPolicy
		want   apigateway.Strategy
		err    bool
	}{
		{
			desc:   "defaults to fixed window",
			policy: apigateway.RateLimitPolicy{Requests: 10, Window: time.Minute},
			want:   &memoryFixedWindowLimiter{},
		},
		{
			desc:   "sliding window",
			policy: apigateway.RateLimitPolicy{Requests: 10, Window: time.Minute, Algorithm: apigateway.SlidingWindow},
			want:   &memorySlidingWindowLimiter{},
		},
		{
			desc:   "token bucket",
			policy: apigateway.RateLimitPolicy{Requests: 10, Window: time.Minute, Burst: 20, Algorithm: apigateway.TokenBucket},
			want:   &memoryTokenBucketLimiter{},
		},
		{
			desc:   "rejects zero requests",
			policy: apigateway.RateLimitPolicy{Window: time.Minute},
			err:    true,
		},
		{
			desc:   "rejects unknown algorithm",
			policy: apigateway.RateLimitPolicy{Requests: 1, Window: time.Minute, Algorithm: "leaky"},
			err:    true,
		},
	}

	for _, ts := range tt {
		t.Run(ts.desc, func(t *testing.T) {
			strategy, err := factory("GET /x", ts.policy)
			if ts.err {
				assert.ErrorIs(t, err, apigateway.ErrInvalidEndpoint)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, ts.want, strategy)
		})
	}
}

func TestNewRedisFactory_NamespacesKeys(t *testing.T) {
	server, client := newTestRedis(t)
	now := time.Date(2024, time.June, 23, 10, 15, 30, 0, time.UTC)
	factory := NewRedisFactory(client, "", func() time.Time { return now })
	policy := apigateway.RateLimitPolicy{Requests: 1, Window: time.Minute, Algorithm: apigateway.SlidingWindow}
	ctx := context.Background()

	first, err := factory("GET /a", policy)
	require.NoError(t, err)
	second, err := factory("GET /b", policy)
	require.NoError(t, err)

	require.NoError(t, first.RecordRequest(ctx, "global"))

	limited, err := first.IsLimited(ctx, "global")
	require.NoError(t, err)
	assert.True(t, limited)

	limited, err = second.IsLimited(ctx, "global")
	require.NoError(t, err)
	assert.False(t, limited)

	assert.True(t, server.Exists(DefaultKeyPrefix+"GET /a:sliding:global"))
}

func TestNewRedisFactory_AlgorithmSwitch(t *testing.T) {
	server, client := newTestRedis(t)
	now := time.Date(2024, time.June, 23, 10, 15, 30, 0, time.UTC)
	factory := NewRedisFactory(client, "", func() time.Time { return now })
	ctx := context.Background()

	sliding, err := factory("GET /a", apigateway.RateLimitPolicy{Requests: 2, Window: time.Minute, Algorithm: apigateway.SlidingWindow})
	require.NoError(t, err)
	require.NoError(t, sliding.RecordRequest(ctx, "global"))

	bucket, err := factory("GET /a", apigateway.RateLimitPolicy{Requests: 2, Window: time.Minute, Algorithm: apigateway.TokenBucket})
	require.NoError(t, err)
	admitter := bucket.(apigateway.Admitter)

	var states []apigateway.State
	for i := 0; i < 3; i++ {
		res, err := admitter.Admit(ctx, "global")
		require.NoError(t, err)
		states = append(states, res.State)
	}
	assert.Equal(t, []apigateway.State{apigateway.Allow, apigateway.Allow, apigateway.Deny}, states)

	fixed, err := factory("GET /a", apigateway.RateLimitPolicy{Requests: 2, Window: time.Minute})
	require.NoError(t, err)
	_, err = fixed.GetLimitInfo(ctx, "global")
	require.NoError(t, err)

	assert.True(t, server.Exists(DefaultKeyPrefix+"GET /a:sliding:global"))
	assert.True(t, server.Exists(DefaultKeyPrefix+"GET /a:token_bucket:global"))
}
