package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/aryangodara/apigateway"
)

var _ apigateway.Authorizer = &GrantsAuthorizer{}

// Grant is what a user holds beyond what its credential carries.
type Grant struct {
	Permissions []string `yaml:"permissions"`
	Roles       []string `yaml:"roles"`
}

// GrantsAuthorizer merges a static per-user grant table with the identity's
// own permissions and roles, then requires every declared permission and, if
// roles are declared, one of them.
type GrantsAuthorizer struct {
	mu     sync.RWMutex
	grants map[string]Grant
}

// NewGrantsAuthorizer creates an authorizer over grants, keyed by user ID.
func NewGrantsAuthorizer(grants map[string]Grant) *GrantsAuthorizer {
	a := &GrantsAuthorizer{}
	a.SetGrants(grants)
	return a
}

// SetGrants replaces the grant table.
func (a *GrantsAuthorizer) SetGrants(grants map[string]Grant) {
	copied := make(map[string]Grant, len(grants))
	for user, g := range grants {
		copied[user] = Grant{
			Permissions: append([]string(nil), g.Permissions...),
			Roles:       append([]string(nil), g.Roles...),
		}
	}
	a.mu.Lock()
	a.grants = copied
	a.mu.Unlock()
}

func (a *GrantsAuthorizer) Authorize(ctx context.Context, req apigateway.AuthorizationRequest) (apigateway.AuthorizationDecision, error) {
	if err := ctx.Err(); err != nil {
		return apigateway.AuthorizationDecision{}, err
	}

	identity := req.Identity
	a.mu.RLock()
	g, ok := a.grants[identity.UserID]
	a.mu.RUnlock()
	if ok {
		identity.Permissions = append(append([]string(nil), identity.Permissions...), g.Permissions...)
		identity.Roles = append(append([]string(nil), identity.Roles...), g.Roles...)
	}

	req.Identity = identity
	decision, err := apigateway.IdentityAuthorizer{}.Authorize(ctx, req)
	if err != nil {
		return decision, err
	}
	if !decision.Allowed {
		decision.Reason = fmt.Sprintf("%s may not %s %s: %s", identity.UserID, req.Action, req.Resource, decision.Reason)
	}
	return decision, nil
}
