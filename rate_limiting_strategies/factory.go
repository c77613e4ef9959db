package rate_limiting_strategies

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aryangodara/apigateway"
)

// DefaultKeyPrefix prefixes every key the Redis strategies write.
const DefaultKeyPrefix = "ratelimit:"

// NewMemoryFactory builds in-process strategies. State is lost on restart and
// not shared between gateway instances.
func NewMemoryFactory(now func() time.Time) apigateway.StrategyFactory {
	if now == nil {
		now = time.Now
	}
	return func(_ string, policy apigateway.RateLimitPolicy) (apigateway.Strategy, error) {
		policy = policy.WithDefaults()
		if err := policy.Validate(); err != nil {
			return nil, err
		}
		switch policy.Algorithm {
		case apigateway.FixedWindow:
			return NewMemoryFixedWindowLimiter(policy.Requests, policy.Window, now), nil
		case apigateway.SlidingWindow:
			return NewMemorySlidingWindowLimiter(policy.Requests, policy.Window, now), nil
		case apigateway.TokenBucket:
			return NewMemoryTokenBucketLimiter(policy.Capacity(), policy.Requests, policy.Window, now), nil
		}
		return nil, fmt.Errorf("unsupported algorithm %q", policy.Algorithm)
	}
}

// NewRedisFactory builds strategies sharing their state through Redis, so
// several gateway instances enforce one limit together. Keys are laid out as
// prefix + namespace + ":" + algorithm + ":" + limit key, so switching an
// endpoint's algorithm never reads state written with another layout.
func NewRedisFactory(client redis.UniversalClient, prefix string, now func() time.Time) apigateway.StrategyFactory {
	if now == nil {
		now = time.Now
	}
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return func(namespace string, policy apigateway.RateLimitPolicy) (apigateway.Strategy, error) {
		policy = policy.WithDefaults()
		if err := policy.Validate(); err != nil {
			return nil, err
		}
		p := prefix + namespace + ":" + string(policy.Algorithm) + ":"
		switch policy.Algorithm {
		case apigateway.FixedWindow:
			return NewFixedWindowLimiter(client, p, policy.Requests, policy.Window, now), nil
		case apigateway.SlidingWindow:
			return NewSlidingWindowLimiter(client, p, policy.Requests, policy.Window, now), nil
		case apigateway.TokenBucket:
			return NewTokenBucketLimiter(client, p, policy.Capacity(), policy.Requests, policy.Window, now), nil
		}
		return nil, fmt.Errorf("unsupported algorithm %q", policy.Algorithm)
	}
}
