package keystore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aryangodara/apigateway"
)

func openStore(t *testing.T, path string, now func() time.Time) *BoltStore {
	t.Helper()
	store, err := Open(path, now)
	require.NoError(t, err)
	return store
}

func TestBoltStore_Lifecycle(t *testing.T) {
	now := time.Date(2024, time.June, 23, 10, 15, 30, 0, time.UTC)
	store := openStore(t, filepath.Join(t.TempDir(), "keys.db"), func() time.Time { return now })
	defer store.Close()
	ctx := context.Background()

	issued, err := store.CreateAPIKey(ctx, apigateway.KeySpec{
		Name:        "reviews-service",
		Permissions: []string{"reviews:read"},
		RateLimit:   &apigateway.RateLimitPolicy{Requests: 5, Window: time.Minute},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, issued.ID)
	assert.NotEmpty(t, issued.Secret)

	stored, err := store.GetAPIKey(ctx, issued.ID)
	require.NoError(t, err)
	assert.Equal(t, "reviews-service", stored.Name)
	assert.NotContains(t, stored.SecretHash, issued.Secret)
	assert.Nil(t, stored.LastUsedAt)
	require.NotNil(t, stored.RateLimit)
	assert.Equal(t, apigateway.FixedWindow, stored.RateLimit.Algorithm)

	now = now.Add(time.Minute)
	key, err := store.ValidateAPIKey(ctx, issued.Secret)
	require.NoError(t, err)
	assert.Equal(t, issued.ID, key.ID)
	require.NotNil(t, key.LastUsedAt)
	assert.True(t, now.Equal(*key.LastUsedAt))

	_, err = store.ValidateAPIKey(ctx, "gwk_not-a-key")
	assert.ErrorIs(t, err, apigateway.ErrInvalidKey)

	require.NoError(t, store.RevokeAPIKey(ctx, issued.ID))
	_, err = store.ValidateAPIKey(ctx, issued.Secret)
	assert.ErrorIs(t, err, apigateway.ErrKeyRevoked)

	// revoked keys are kept
	keys, err := store.ListAPIKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.False(t, keys[0].Enabled)

	assert.ErrorIs(t, store.RevokeAPIKey(ctx, "missing"), apigateway.ErrKeyNotFound)
	_, err = store.GetAPIKey(ctx, "missing")
	assert.ErrorIs(t, err, apigateway.ErrKeyNotFound)
}

func TestBoltStore_Expiry(t *testing.T) {
	now := time.Date(2024, time.June, 23, 10, 15, 30, 0, time.UTC)
	store := openStore(t, filepath.Join(t.TempDir(), "keys.db"), func() time.Time { return now })
	defer store.Close()
	ctx := context.Background()

	expires := now.Add(time.Hour)
	issued, err := store.CreateAPIKey(ctx, apigateway.KeySpec{Name: "temp", ExpiresAt: &expires})
	require.NoError(t, err)

	_, err = store.ValidateAPIKey(ctx, issued.Secret)
	require.NoError(t, err)

	now = expires
	_, err = store.ValidateAPIKey(ctx, issued.Secret)
	assert.ErrorIs(t, err, apigateway.ErrKeyExpired)
}

func TestBoltStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "keys.db")
	ctx := context.Background()

	store := openStore(t, path, nil)
	issued, err := store.CreateAPIKey(ctx, apigateway.KeySpec{Name: "persistent"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store = openStore(t, path, nil)
	defer store.Close()
	key, err := store.ValidateAPIKey(ctx, issued.Secret)
	require.NoError(t, err)
	assert.Equal(t, "persistent", key.Name)
}

func TestBoltStore_RejectsInvalidKey(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "keys.db"), nil)
	defer store.Close()

	_, err := store.CreateAPIKey(context.Background(), apigateway.KeySpec{})
	assert.ErrorIs(t, err, apigateway.ErrInvalidKey)
}

func TestBoltStore_ConcurrentValidation(t *testing.T) {
	start := time.Date(2024, time.June, 23, 10, 15, 30, 0, time.UTC)
	var mu sync.Mutex
	calls := 0
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return start.Add(time.Duration(calls) * time.Second)
	}
	store := openStore(t, filepath.Join(t.TempDir(), "keys.db"), clock)
	defer store.Close()
	ctx := context.Background()

	issued, err := store.CreateAPIKey(ctx, apigateway.KeySpec{Name: "batch"})
	require.NoError(t, err)

	const callers = 32
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := store.ValidateAPIKey(ctx, issued.Secret)
			if err == nil && (key.ID != issued.ID || key.LastUsedAt == nil) {
				err = assert.AnError
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// the latest use wins regardless of commit order
	stored, err := store.GetAPIKey(ctx, issued.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastUsedAt)
	assert.True(t, start.Add((callers+1)*time.Second).Equal(*stored.LastUsedAt))
}
