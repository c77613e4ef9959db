package apigateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultTimeout = 30 * time.Second
	maxRetries     = 10
)

// AuthMethod is a credential type the authentication stage accepts.
type AuthMethod string

const (
	AuthAPIKey AuthMethod = "api_key"
	AuthBearer AuthMethod = "bearer"
)

// authOrder is the order methods are tried in, whatever order they were declared in.
var authOrder = []AuthMethod{AuthAPIKey, AuthBearer}

// AuthenticationPolicy declares whether and how callers must authenticate.
type AuthenticationPolicy struct {
	Required bool
	Methods  []AuthMethod
}

func (p AuthenticationPolicy) accepts(m AuthMethod) bool {
	for _, declared := range p.Methods {
		if declared == m {
			return true
		}
	}
	return false
}

// AuthorizationPolicy declares what an authenticated caller needs.
type AuthorizationPolicy struct {
	Required    bool
	Permissions []string
	Roles       []string
}

// KeyStrategy decides which parts of a request make up its cache key.
type KeyStrategy string

const (
	KeyByPath    KeyStrategy = "path"
	KeyByQuery   KeyStrategy = "query"
	KeyByHeaders KeyStrategy = "headers"
	KeyByBody    KeyStrategy = "body"
)

// CachingPolicy declares response caching for an endpoint.
type CachingPolicy struct {
	Enabled     bool
	TTL         time.Duration
	KeyStrategy KeyStrategy
	VaryBy      []string
}

// Handler serves a request that made it through every gate.
type Handler interface {
	Serve(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

func (f HandlerFunc) Serve(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Endpoint is a routable (method, path) pair and its policies. A nil
// RateLimit means the endpoint is not rate limited.
type Endpoint struct {
	Method         string
	Path           string
	Handler        Handler
	RateLimit      *RateLimitPolicy
	Authentication AuthenticationPolicy
	Authorization  AuthorizationPolicy
	Caching        CachingPolicy
	Timeout        time.Duration
	Retries        int
}

// ID is the registry key of the endpoint.
func (e Endpoint) ID() string {
	return endpointID(e.Method, e.Path)
}

func endpointID(method, path string) string {
	return method + " " + path
}

// Validate reports whether the endpoint could be registered.
func (e Endpoint) Validate() error {
	_, err := e.normalize()
	return err
}

// normalize applies defaults and validates the endpoint. It returns a copy.
func (e Endpoint) normalize() (Endpoint, error) {
	if e.Method == "" || strings.ToUpper(e.Method) != e.Method {
		return e, fmt.Errorf("%w: method %q must be an upper-case HTTP method", ErrInvalidEndpoint, e.Method)
	}
	if !strings.HasPrefix(e.Path, "/") {
		return e, fmt.Errorf("%w: path %q must start with /", ErrInvalidEndpoint, e.Path)
	}
	if e.Handler == nil {
		return e, fmt.Errorf("%w: %s has no handler", ErrInvalidEndpoint, e.ID())
	}
	if e.Timeout < 0 {
		return e, fmt.Errorf("%w: negative timeout", ErrInvalidEndpoint)
	}
	if e.Timeout == 0 {
		e.Timeout = DefaultTimeout
	}
	if e.Retries < 0 || e.Retries > maxRetries {
		return e, fmt.Errorf("%w: retries must be between 0 and %d", ErrInvalidEndpoint, maxRetries)
	}

	if e.Authentication.Required {
		if len(e.Authentication.Methods) == 0 {
			e.Authentication.Methods = append([]AuthMethod(nil), authOrder...)
		}
		for _, m := range e.Authentication.Methods {
			if m != AuthAPIKey && m != AuthBearer {
				return e, fmt.Errorf("%w: unsupported authentication method %q", ErrInvalidEndpoint, m)
			}
		}
	}
	if e.Authorization.Required && !e.Authentication.Required {
		return e, fmt.Errorf("%w: authorization requires authentication", ErrInvalidEndpoint)
	}

	if e.RateLimit != nil {
		p := e.RateLimit.WithDefaults()
		if err := p.Validate(); err != nil {
			return e, err
		}
		if p.Scope == ScopePerUser && !e.Authentication.Required {
			return e, fmt.Errorf("%w: %s scope needs authentication", ErrInvalidEndpoint, ScopePerUser)
		}
		e.RateLimit = &p
	}

	if e.Caching.Enabled {
		if e.Caching.TTL <= 0 {
			return e, fmt.Errorf("%w: cache ttl must be positive", ErrInvalidEndpoint)
		}
		if e.Caching.KeyStrategy == "" {
			e.Caching.KeyStrategy = KeyByPath
		}
		switch e.Caching.KeyStrategy {
		case KeyByPath, KeyByQuery, KeyByBody:
		case KeyByHeaders:
			if len(e.Caching.VaryBy) == 0 {
				return e, fmt.Errorf("%w: %s key strategy needs varyBy headers", ErrInvalidEndpoint, KeyByHeaders)
			}
		default:
			return e, fmt.Errorf("%w: unknown cache key strategy %q", ErrInvalidEndpoint, e.Caching.KeyStrategy)
		}
		if e.Method != http.MethodGet && e.Method != http.MethodHead && e.Caching.KeyStrategy != KeyByBody {
			return e, fmt.Errorf("%w: caching %s requests needs the %s key strategy", ErrInvalidEndpoint, e.Method, KeyByBody)
		}
	}
	return e, nil
}
