package apigateway

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"
)

// Algorithm selects how a RateLimiter counts requests.
type Algorithm string

const (
	// FixedWindow counts requests in the current floor(now/window) bucket. Up to
	// twice the limit may pass around a window boundary.
	FixedWindow Algorithm = "fixed"
	// SlidingWindow keeps a log of request timestamps inside [now-window, now].
	SlidingWindow Algorithm = "sliding"
	// TokenBucket refills continuously at requests/window and admits while a token is left.
	TokenBucket Algorithm = "token_bucket"
)

// LimitScope decides which limit key a request is counted against.
type LimitScope string

const (
	ScopeGlobal  LimitScope = "global"
	ScopePerUser LimitScope = "perUser"
	ScopePerIP   LimitScope = "perIP"
)

// RateLimitPolicy is the declared rate limit of an endpoint or API key.
type RateLimitPolicy struct {
	Requests  uint64
	Window    time.Duration
	Burst     uint64
	Algorithm Algorithm
	Scope     LimitScope
}

// WithDefaults fills unset optional fields.
func (p RateLimitPolicy) WithDefaults() RateLimitPolicy {
	if p.Algorithm == "" {
		p.Algorithm = FixedWindow
	}
	if p.Scope == "" {
		p.Scope = ScopeGlobal
	}
	return p
}

// Capacity is the token bucket size, or the request limit for window algorithms.
func (p RateLimitPolicy) Capacity() uint64 {
	if p.Algorithm == TokenBucket && p.Burst > 0 {
		return p.Burst
	}
	return p.Requests
}

// Validate rejects policies no strategy can enforce.
func (p RateLimitPolicy) Validate() error {
	if p.Requests == 0 {
		return fmt.Errorf("%w: rate limit requests must be positive", ErrInvalidEndpoint)
	}
	if p.Window <= 0 {
		return fmt.Errorf("%w: rate limit window must be positive", ErrInvalidEndpoint)
	}
	switch p.Algorithm {
	case FixedWindow, SlidingWindow:
		if p.Burst != 0 {
			return fmt.Errorf("%w: burst only applies to the %s algorithm", ErrInvalidEndpoint, TokenBucket)
		}
	case TokenBucket:
	default:
		return fmt.Errorf("%w: unknown rate limit algorithm %q", ErrInvalidEndpoint, p.Algorithm)
	}
	switch p.Scope {
	case ScopeGlobal, ScopePerUser, ScopePerIP:
	default:
		return fmt.Errorf("%w: unknown rate limit scope %q", ErrInvalidEndpoint, p.Scope)
	}
	return nil
}

// State represents the result of rate limiting.
type State int64

const (
	Deny State = iota
	Allow
)

// State strings for HTTP headers
var stateStrings = map[State]string{
	Allow: "Allow",
	Deny:  "Deny",
}

func (s State) String() string {
	return stateStrings[s]
}

// LimitInfo describes the quota left for one limit key.
type LimitInfo struct {
	Limit     uint64
	Remaining uint64
	ResetTime time.Time
	// RetryAfter is only set when Remaining is zero.
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below one.
func (i LimitInfo) RetryAfterSeconds() int64 {
	if i.RetryAfter <= 0 {
		return 1
	}
	return int64(math.Ceil(i.RetryAfter.Seconds()))
}

// Result is the outcome of a rate limit check.
type Result struct {
	State State
	Info  LimitInfo
}

// Strategy interface defines the contract for rate limiting strategies.
// RecordRequest is only called for admitted requests.
type Strategy interface {
	IsLimited(ctx context.Context, key string) (bool, error)
	GetLimitInfo(ctx context.Context, key string) (LimitInfo, error)
	RecordRequest(ctx context.Context, key string) error
}

// Admitter is implemented by strategies that can check and record a request
// as one atomic step.
type Admitter interface {
	Admit(ctx context.Context, key string) (*Result, error)
}

// StrategyFactory builds the Strategy for a policy. The namespace identifies
// the endpoint (and key override) so shared backends keep their state apart.
type StrategyFactory func(namespace string, policy RateLimitPolicy) (Strategy, error)

const lockStripes = 64

// RateLimiter enforces one policy. Concurrent admissions for the same limit
// key are serialized so no increment is lost.
type RateLimiter struct {
	policy   RateLimitPolicy
	strategy Strategy
	locks    [lockStripes]sync.Mutex
}

// NewRateLimiter wraps a strategy built for policy.
func NewRateLimiter(policy RateLimitPolicy, strategy Strategy) *RateLimiter {
	return &RateLimiter{policy: policy, strategy: strategy}
}

// Policy returns the policy the limiter was built for.
func (l *RateLimiter) Policy() RateLimitPolicy {
	return l.policy
}

// IsLimited reports whether key has no quota left.
func (l *RateLimiter) IsLimited(ctx context.Context, key string) (bool, error) {
	return l.strategy.IsLimited(ctx, key)
}

// GetLimitInfo returns the current quota for key.
func (l *RateLimiter) GetLimitInfo(ctx context.Context, key string) (LimitInfo, error) {
	return l.strategy.GetLimitInfo(ctx, key)
}

// RecordRequest counts one admitted request for key.
func (l *RateLimiter) RecordRequest(ctx context.Context, key string) error {
	return l.strategy.RecordRequest(ctx, key)
}

// Admit checks key and records the request when it is allowed.
func (l *RateLimiter) Admit(ctx context.Context, key string) (*Result, error) {
	if admitter, ok := l.strategy.(Admitter); ok {
		return admitter.Admit(ctx, key)
	}

	mu := &l.locks[stripe(key)]
	mu.Lock()
	defer mu.Unlock()

	limited, err := l.strategy.IsLimited(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("checking limit for key %v: %w", key, err)
	}
	if !limited {
		if err := l.strategy.RecordRequest(ctx, key); err != nil {
			return nil, fmt.Errorf("recording request for key %v: %w", key, err)
		}
	}

	info, err := l.strategy.GetLimitInfo(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reading limit info for key %v: %w", key, err)
	}

	state := Allow
	if limited {
		state = Deny
	}
	return &Result{State: state, Info: info}, nil
}

func stripe(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % lockStripes
}

// LimitKey picks the key a request is counted against. perUser falls back to
// the caller IP for anonymous requests.
func LimitKey(scope LimitScope, identity Identity, callerIP string) string {
	switch scope {
	case ScopePerUser:
		if !identity.Anonymous() {
			return "user:" + identity.UserID
		}
		return "ip:" + callerIP
	case ScopePerIP:
		return "ip:" + callerIP
	default:
		return "global"
	}
}

var errNoStrategyFactory = errors.New("no rate limit strategy factory configured")
