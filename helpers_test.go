package apigateway_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aryangodara/apigateway"
	"github.com/aryangodara/apigateway/rate_limiting_strategies"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingStrategy counts every call the pipeline makes into a strategy.
type countingStrategy struct {
	apigateway.Strategy
	calls *atomic.Int64
}

func (s countingStrategy) IsLimited(ctx context.Context, key string) (bool, error) {
	s.calls.Add(1)
	return s.Strategy.IsLimited(ctx, key)
}

func (s countingStrategy) GetLimitInfo(ctx context.Context, key string) (apigateway.LimitInfo, error) {
	s.calls.Add(1)
	return s.Strategy.GetLimitInfo(ctx, key)
}

func (s countingStrategy) RecordRequest(ctx context.Context, key string) error {
	s.calls.Add(1)
	return s.Strategy.RecordRequest(ctx, key)
}

func countingFactory(inner apigateway.StrategyFactory, calls *atomic.Int64) apigateway.StrategyFactory {
	return func(namespace string, policy apigateway.RateLimitPolicy) (apigateway.Strategy, error) {
		s, err := inner(namespace, policy)
		if err != nil {
			return nil, err
		}
		return countingStrategy{Strategy: s, calls: calls}, nil
	}
}

type countingCache struct {
	apigateway.CacheStore
	loads atomic.Int64
	saves atomic.Int64
}

func (c *countingCache) Load(ctx context.Context, namespace, key string) (apigateway.CacheEntry, bool, error) {
	c.loads.Add(1)
	return c.CacheStore.Load(ctx, namespace, key)
}

func (c *countingCache) Save(ctx context.Context, entry apigateway.CacheEntry) error {
	c.saves.Add(1)
	return c.CacheStore.Save(ctx, entry)
}

type auditEvent struct {
	kind     string
	metadata map[string]any
}

type recordingAudit struct {
	mu     sync.Mutex
	events []auditEvent
}

func (a *recordingAudit) LogEvent(_ context.Context, kind, _ string, metadata map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, auditEvent{kind: kind, metadata: metadata})
	return nil
}

func (a *recordingAudit) ofKind(kind string) []auditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []auditEvent
	for _, e := range a.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type recordingMetrics struct {
	mu    sync.Mutex
	names []string
}

func (m *recordingMetrics) RecordMetric(name string, _ float64, _ map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names = append(m.names, name)
	return nil
}

func ok(body string) apigateway.Handler {
	return apigateway.HandlerFunc(func(context.Context, *apigateway.Request) (*apigateway.Response, error) {
		return &apigateway.Response{StatusCode: 200, Body: []byte(body)}, nil
	})
}

// countingHandler answers 200 and counts its invocations.
func countingHandler(calls *atomic.Int64) apigateway.Handler {
	return apigateway.HandlerFunc(func(context.Context, *apigateway.Request) (*apigateway.Response, error) {
		n := calls.Add(1)
		return &apigateway.Response{StatusCode: 200, Body: []byte{byte('0' + n%10)}}, nil
	})
}

func newGateway(t *testing.T, clock *fakeClock, opts apigateway.Options) *apigateway.Gateway {
	t.Helper()
	if opts.Strategies == nil {
		opts.Strategies = rate_limiting_strategies.NewMemoryFactory(clock.Now)
	}
	if opts.Now == nil {
		opts.Now = clock.Now
	}
	gw := apigateway.New(opts)
	t.Cleanup(func() { _ = gw.Close() })
	return gw
}

func get(path string) *apigateway.Request {
	return &apigateway.Request{Method: "GET", Path: path, CallerIP: "203.0.113.7"}
}
