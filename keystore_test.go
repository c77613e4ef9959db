package apigateway_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aryangodara/apigateway"
)

func TestMemoryKeyStoreLifecycle(t *testing.T) {
	clock := newFakeClock()
	store := apigateway.NewMemoryKeyStore(clock.Now)
	ctx := context.Background()

	issued, err := store.CreateAPIKey(ctx, apigateway.KeySpec{
		Name:        "billing",
		Permissions: []string{"invoices:read"},
		RateLimit:   &apigateway.RateLimitPolicy{Requests: 10, Window: time.Minute, Scope: apigateway.ScopePerIP},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(issued.Secret, "gwk_"))

	stored, err := store.GetAPIKey(ctx, issued.ID)
	require.NoError(t, err)
	assert.Equal(t, apigateway.HashSecret(issued.Secret), stored.SecretHash)
	assert.NotContains(t, stored.SecretHash, issued.Secret)
	assert.True(t, stored.Enabled)
	assert.Nil(t, stored.LastUsedAt)
	assert.Equal(t, apigateway.ScopeGlobal, stored.RateLimit.Scope)
	assert.Equal(t, apigateway.FixedWindow, stored.RateLimit.Algorithm)

	clock.Advance(time.Minute)
	key, err := store.ValidateAPIKey(ctx, issued.Secret)
	require.NoError(t, err)
	assert.Equal(t, issued.ID, key.ID)
	require.NotNil(t, key.LastUsedAt)
	assert.Equal(t, clock.Now(), *key.LastUsedAt)

	require.NoError(t, store.RevokeAPIKey(ctx, issued.ID))
	_, err = store.ValidateAPIKey(ctx, issued.Secret)
	assert.ErrorIs(t, err, apigateway.ErrKeyRevoked)

	keys, err := store.ListAPIKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.False(t, keys[0].Enabled)
}

func TestMemoryKeyStoreErrors(t *testing.T) {
	clock := newFakeClock()
	store := apigateway.NewMemoryKeyStore(clock.Now)
	ctx := context.Background()

	_, err := store.CreateAPIKey(ctx, apigateway.KeySpec{Name: " "})
	assert.ErrorIs(t, err, apigateway.ErrInvalidKey)

	past := clock.Now().Add(-time.Second)
	_, err = store.CreateAPIKey(ctx, apigateway.KeySpec{Name: "old", ExpiresAt: &past})
	assert.ErrorIs(t, err, apigateway.ErrInvalidKey)

	_, err = store.CreateAPIKey(ctx, apigateway.KeySpec{Name: "bad", RateLimit: &apigateway.RateLimitPolicy{Window: time.Second}})
	assert.ErrorIs(t, err, apigateway.ErrInvalidKey)

	_, err = store.ValidateAPIKey(ctx, "")
	assert.ErrorIs(t, err, apigateway.ErrInvalidKey)
	_, err = store.ValidateAPIKey(ctx, "gwk_unknown")
	assert.ErrorIs(t, err, apigateway.ErrInvalidKey)

	_, err = store.GetAPIKey(ctx, "missing")
	assert.ErrorIs(t, err, apigateway.ErrKeyNotFound)
	assert.ErrorIs(t, store.RevokeAPIKey(ctx, "missing"), apigateway.ErrKeyNotFound)
}

func TestMemoryKeyStoreExpiry(t *testing.T) {
	clock := newFakeClock()
	store := apigateway.NewMemoryKeyStore(clock.Now)
	ctx := context.Background()

	expires := clock.Now().Add(time.Hour)
	issued, err := store.CreateAPIKey(ctx, apigateway.KeySpec{Name: "temp", ExpiresAt: &expires})
	require.NoError(t, err)

	_, err = store.ValidateAPIKey(ctx, issued.Secret)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, err = store.ValidateAPIKey(ctx, issued.Secret)
	assert.ErrorIs(t, err, apigateway.ErrKeyExpired)
}
