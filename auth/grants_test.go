package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aryangodara/apigateway"
)

func TestGrantsAuthorizer_Authorize(t *testing.T) {
	authz := NewGrantsAuthorizer(map[string]Grant{
		"admin": {Roles: []string{"admin"}},
		"bob":   {Permissions: []string{"users:read"}},
	})

	tt := []struct {
		desc    string
		req     apigateway.AuthorizationRequest
		allowed bool
	}{
		{
			desc: "granted role",
			req: apigateway.AuthorizationRequest{
				Identity: apigateway.Identity{UserID: "admin"},
				Resource: "/user/42",
				Action:   "delete",
				Roles:    []string{"admin"},
			},
			allowed: true,
		},
		{
			desc: "missing role",
			req: apigateway.AuthorizationRequest{
				Identity: apigateway.Identity{UserID: "bob"},
				Resource: "/user/42",
				Action:   "delete",
				Roles:    []string{"admin"},
			},
		},
		{
			desc: "permission from grant table",
			req: apigateway.AuthorizationRequest{
				Identity:    apigateway.Identity{UserID: "bob"},
				Resource:    "/user/42",
				Action:      "read",
				Permissions: []string{"users:read"},
			},
			allowed: true,
		},
		{
			desc: "permission carried by the credential",
			req: apigateway.AuthorizationRequest{
				Identity:    apigateway.Identity{UserID: "carol", Permissions: []string{"users:write"}},
				Resource:    "/user/42",
				Action:      "update",
				Permissions: []string{"users:write"},
			},
			allowed: true,
		},
		{
			desc: "unknown user without permissions",
			req: apigateway.AuthorizationRequest{
				Identity:    apigateway.Identity{UserID: "mallory"},
				Resource:    "/user/42",
				Action:      "update",
				Permissions: []string{"users:write"},
			},
		},
	}

	for _, ts := range tt {
		t.Run(ts.desc, func(t *testing.T) {
			decision, err := authz.Authorize(context.Background(), ts.req)
			require.NoError(t, err)
			assert.Equal(t, ts.allowed, decision.Allowed)
			if !ts.allowed {
				assert.Contains(t, decision.Reason, ts.req.Identity.UserID)
			}
		})
	}
}

func TestGrantsAuthorizer_SetGrants(t *testing.T) {
	authz := NewGrantsAuthorizer(nil)
	req := apigateway.AuthorizationRequest{
		Identity: apigateway.Identity{UserID: "admin"},
		Roles:    []string{"admin"},
	}

	decision, err := authz.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	authz.SetGrants(map[string]Grant{"admin": {Roles: []string{"admin"}}})
	decision, err = authz.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestGrantsAuthorizer_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewGrantsAuthorizer(nil).Authorize(ctx, apigateway.AuthorizationRequest{})
	assert.ErrorIs(t, err, context.Canceled)
}
