package apigateway

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// route is the registry's runtime record of an endpoint.
type route struct {
	endpoint Endpoint
	segments []string
	limiter  *RateLimiter

	mu        sync.Mutex
	overrides map[string]*RateLimiter
	factory   StrategyFactory
}

// limiterFor returns the limiter and limit key a request is counted against.
// API keys with their own policy get a dedicated limiter per key.
func (rt *route) limiterFor(identity Identity, callerIP string) (*RateLimiter, string, error) {
	if identity.KeyID != "" && identity.RateLimit != nil && rt.endpoint.RateLimit != nil {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		if l, ok := rt.overrides[identity.KeyID]; ok {
			return l, "key:" + identity.KeyID, nil
		}
		policy := identity.RateLimit.WithDefaults()
		policy.Scope = ScopeGlobal
		if err := policy.Validate(); err != nil {
			return nil, "", fmt.Errorf("api key %s rate limit: %w", identity.KeyID, err)
		}
		strategy, err := rt.factory(rt.endpoint.ID()+"#"+identity.KeyID, policy)
		if err != nil {
			return nil, "", err
		}
		l := NewRateLimiter(policy, strategy)
		rt.overrides[identity.KeyID] = l
		return l, "key:" + identity.KeyID, nil
	}
	if rt.limiter == nil {
		return nil, "", nil
	}
	return rt.limiter, LimitKey(rt.limiter.Policy().Scope, identity, callerIP), nil
}

// EndpointRegistry owns the routable endpoints. Lookups take a read lock so
// routing never waits on anything but an in-flight registration.
type EndpointRegistry struct {
	mu        sync.RWMutex
	exact     map[string]*route
	templates map[string][]*route
	factory   StrategyFactory
}

// NewEndpointRegistry creates an empty registry. factory builds the limiter of
// every rate limited endpoint.
func NewEndpointRegistry(factory StrategyFactory) *EndpointRegistry {
	return &EndpointRegistry{
		exact:     make(map[string]*route),
		templates: make(map[string][]*route),
		factory:   factory,
	}
}

// Register adds an endpoint. It fails if (method, path) is already taken.
func (r *EndpointRegistry) Register(e Endpoint) (Endpoint, error) {
	return r.register(e, false)
}

// Replace adds or replaces an endpoint. A replaced endpoint starts with fresh
// rate limit state.
func (r *EndpointRegistry) Replace(e Endpoint) (Endpoint, error) {
	return r.register(e, true)
}

func (r *EndpointRegistry) register(e Endpoint, replace bool) (Endpoint, error) {
	e, err := e.normalize()
	if err != nil {
		return Endpoint{}, err
	}
	rt, err := r.newRoute(e)
	if err != nil {
		return Endpoint{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.exact[e.ID()]; exists && !replace {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrEndpointExists, e.ID())
	}
	r.insertLocked(rt)
	return e, nil
}

// insertLocked stores rt, replacing any route with the same ID. r.mu must be
// held for writing.
func (r *EndpointRegistry) insertLocked(rt *route) {
	e := rt.endpoint
	r.exact[e.ID()] = rt
	if !isTemplate(rt.segments) {
		return
	}
	tk := templateKey(e.Method, len(rt.segments))
	routes := r.templates[tk]
	replaced := false
	for i, existing := range routes {
		if existing.endpoint.Path == e.Path {
			routes[i] = rt
			replaced = true
		}
	}
	if !replaced {
		routes = append(routes, rt)
	}
	r.templates[tk] = routes
}

func (r *EndpointRegistry) newRoute(e Endpoint) (*route, error) {
	rt := &route{
		endpoint:  e,
		segments:  splitPath(e.Path),
		overrides: make(map[string]*RateLimiter),
		factory:   r.factory,
	}
	if e.RateLimit == nil {
		return rt, nil
	}
	if r.factory == nil {
		return nil, fmt.Errorf("%s: %w", e.ID(), errNoStrategyFactory)
	}
	strategy, err := r.factory(e.ID(), *e.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("building rate limiter for %s: %w", e.ID(), err)
	}
	rt.limiter = NewRateLimiter(*e.RateLimit, strategy)
	return rt, nil
}

// Find returns the endpoint registered for exactly (method, path).
func (r *EndpointRegistry) Find(method, path string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.exact[endpointID(method, path)]
	if !ok {
		return Endpoint{}, false
	}
	return rt.endpoint, true
}

// Match routes a request the way the pipeline does and returns the matched
// endpoint with any path parameters.
func (r *EndpointRegistry) Match(method, path string) (Endpoint, map[string]string, bool) {
	rt, params, ok := r.match(method, path)
	if !ok {
		return Endpoint{}, nil, false
	}
	return rt.endpoint, params, true
}

// match routes a request path. Exact registrations win over templates, and
// templates are tried in registration order.
func (r *EndpointRegistry) match(method, path string) (*route, map[string]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rt, ok := r.exact[endpointID(method, path)]; ok {
		return rt, nil, true
	}
	segments := splitPath(path)
	for _, rt := range r.templates[templateKey(method, len(segments))] {
		if params, ok := matchSegments(rt.segments, segments); ok {
			return rt, params, true
		}
	}
	return nil, nil, false
}

// UpdateRateLimit swaps the rate limit of a registered endpoint. A nil policy
// removes the limit. State of the previous limiter is discarded. The lookup
// and the swap happen under one lock so a concurrent Replace is never undone.
func (r *EndpointRegistry) UpdateRateLimit(method, path string, policy *RateLimitPolicy) (Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.exact[endpointID(method, path)]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrEndpointNotFound, endpointID(method, path))
	}

	e := current.endpoint
	e.RateLimit = policy
	e, err := e.normalize()
	if err != nil {
		return Endpoint{}, err
	}
	rt, err := r.newRoute(e)
	if err != nil {
		return Endpoint{}, err
	}
	r.insertLocked(rt)
	return e, nil
}

// Endpoints lists registered endpoints sorted by ID.
func (r *EndpointRegistry) Endpoints() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Endpoint, 0, len(r.exact))
	for _, rt := range r.exact {
		out = append(out, rt.endpoint)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func isTemplate(segments []string) bool {
	for _, s := range segments {
		if strings.HasPrefix(s, ":") && len(s) > 1 {
			return true
		}
	}
	return false
}

func templateKey(method string, n int) string {
	return fmt.Sprintf("%s/%d", method, n)
}

func matchSegments(template, segments []string) (map[string]string, bool) {
	params := make(map[string]string)
	for i, t := range template {
		if strings.HasPrefix(t, ":") && len(t) > 1 {
			if segments[i] == "" {
				return nil, false
			}
			params[t[1:]] = segments[i]
			continue
		}
		if t != segments[i] {
			return nil, false
		}
	}
	return params, true
}
