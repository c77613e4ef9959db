package apigateway

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Identity is the caller established by the authentication stage.
type Identity struct {
	UserID      string
	Method      AuthMethod
	Permissions []string
	Roles       []string

	// Set when the caller used an API key.
	KeyID     string
	RateLimit *RateLimitPolicy
}

// Anonymous reports whether no caller identity is known.
func (i Identity) Anonymous() bool {
	return i.UserID == ""
}

// HasPermission reports whether the identity carries permission.
func (i Identity) HasPermission(permission string) bool {
	for _, p := range i.Permissions {
		if p == permission || p == "*" {
			return true
		}
	}
	return false
}

// HasRole reports whether the identity carries role.
func (i Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Authenticator validates bearer tokens.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// AuthorizationRequest is handed to the Authorizer. Resource is the request
// path and Action comes from MethodAction.
type AuthorizationRequest struct {
	Identity    Identity
	Resource    string
	Action      string
	Permissions []string
	Roles       []string
}

// AuthorizationDecision is the Authorizer's verdict.
type AuthorizationDecision struct {
	Allowed bool
	Reason  string
}

// Authorizer decides whether an identity may act on a resource.
type Authorizer interface {
	Authorize(ctx context.Context, req AuthorizationRequest) (AuthorizationDecision, error)
}

// AuditLogger receives one event per terminal pipeline transition and per
// administrative change.
type AuditLogger interface {
	LogEvent(ctx context.Context, kind, description string, metadata map[string]any) error
}

// MetricsRecorder receives request metrics.
type MetricsRecorder interface {
	RecordMetric(name string, value float64, tags map[string]string) error
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, token string) (Identity, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, req AuthorizationRequest) (AuthorizationDecision, error)

func (f AuthorizerFunc) Authorize(ctx context.Context, req AuthorizationRequest) (AuthorizationDecision, error) {
	return f(ctx, req)
}

// IdentityAuthorizer allows a request when the identity carries every declared
// permission and, if roles are declared, at least one of them. It is the
// default when no Authorizer is configured.
type IdentityAuthorizer struct{}

func (IdentityAuthorizer) Authorize(_ context.Context, req AuthorizationRequest) (AuthorizationDecision, error) {
	for _, p := range req.Permissions {
		if !req.Identity.HasPermission(p) {
			return AuthorizationDecision{Reason: fmt.Sprintf("missing permission %s", p)}, nil
		}
	}
	if len(req.Roles) > 0 {
		for _, r := range req.Roles {
			if req.Identity.HasRole(r) {
				return AuthorizationDecision{Allowed: true}, nil
			}
		}
		return AuthorizationDecision{Reason: "no matching role"}, nil
	}
	return AuthorizationDecision{Allowed: true}, nil
}

type nopAuditLogger struct{}

func (nopAuditLogger) LogEvent(context.Context, string, string, map[string]any) error { return nil }

type nopMetrics struct{}

func (nopMetrics) RecordMetric(string, float64, map[string]string) error { return nil }

var errNoAuthenticator = errors.New("bearer authentication is not configured")

// ErrNoKeyStore is returned by key operations when no KeyStore is configured.
var ErrNoKeyStore = errors.New("api key authentication is not configured")

func identityFromKey(key APIKey) Identity {
	return Identity{
		UserID:      "apikey:" + key.ID,
		Method:      AuthAPIKey,
		Permissions: append([]string(nil), key.Permissions...),
		KeyID:       key.ID,
		RateLimit:   key.RateLimit,
	}
}

func since(now func() time.Time, start time.Time) time.Duration {
	d := now().Sub(start)
	if d < 0 {
		return 0
	}
	return d
}
