package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aryangodara/apigateway"
)

const sample = `
listen: ":9090"
adminToken: admin-secret
jwt:
  secret: jwt-secret
  issuer: gateway
grants:
  alice:
    roles: [admin]
endpoints:
  - method: get
    path: /health
    static:
      body: ok
    rateLimit:
      requests: 100
      window: 60
      strategy: fixed
  - method: GET
    path: /report
    upstream: http://reports.internal
    caching:
      enabled: true
      ttl: 5
      keyStrategy: path
  - method: DELETE
    path: /user/:id
    upstream: http://users.internal
    authentication:
      required: true
      methods: [bearer, api-key]
    authorization:
      required: true
      roles: [admin]
    timeoutMs: 2000
`

func TestParse(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "admin-secret", cfg.AdminToken)
	assert.Equal(t, AuditLog, cfg.Audit.Sink)
	assert.Equal(t, DefaultReportBuffer, cfg.ReportBuffer)
	assert.Equal(t, []string{"admin"}, cfg.Grants["alice"].Roles)
	require.Len(t, cfg.Endpoints, 3)

	health, err := cfg.Endpoints[0].Endpoint(placeholder)
	require.NoError(t, err)
	assert.Equal(t, "GET /health", health.ID())
	assert.Equal(t, &apigateway.RateLimitPolicy{
		Requests:  100,
		Window:    time.Minute,
		Algorithm: apigateway.FixedWindow,
	}, health.RateLimit)
	assert.Equal(t, []byte("ok"), cfg.Endpoints[0].Static.StaticResponse().Body)
	assert.Equal(t, 200, cfg.Endpoints[0].Static.StaticResponse().StatusCode)

	report, err := cfg.Endpoints[1].Endpoint(placeholder)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, report.Caching.TTL)

	del, err := cfg.Endpoints[2].Endpoint(placeholder)
	require.NoError(t, err)
	assert.Equal(t, []apigateway.AuthMethod{apigateway.AuthBearer, apigateway.AuthAPIKey}, del.Authentication.Methods)
	assert.Equal(t, 2*time.Second, del.Timeout)
}

func TestParse_Invalid(t *testing.T) {
	tt := []struct {
		desc string
		doc  string
		err  string
	}{
		{
			desc: "unknown field",
			doc:  "listne: :8080\n",
			err:  "field listne not found",
		},
		{
			desc: "no handler",
			doc:  "endpoints:\n  - {method: GET, path: /x}\n",
			err:  "exactly one of upstream and static",
		},
		{
			desc: "perUser without authentication",
			doc:  "endpoints:\n  - {method: GET, path: /x, upstream: http://u, rateLimit: {requests: 1, window: 1, scope: perUser}}\n",
			err:  "perUser scope needs authentication",
		},
		{
			desc: "unknown strategy",
			doc:  "endpoints:\n  - {method: GET, path: /x, upstream: http://u, rateLimit: {requests: 1, window: 1, strategy: leaky}}\n",
			err:  "unknown rate limit algorithm",
		},
		{
			desc: "zero window",
			doc:  "endpoints:\n  - {method: GET, path: /x, upstream: http://u, rateLimit: {requests: 1}}\n",
			err:  "window must be positive",
		},
		{
			desc: "caching without ttl",
			doc:  "endpoints:\n  - {method: GET, path: /x, upstream: http://u, caching: {enabled: true}}\n",
			err:  "cache ttl must be positive",
		},
		{
			desc: "headers strategy without varyBy",
			doc:  "endpoints:\n  - {method: GET, path: /x, upstream: http://u, caching: {enabled: true, ttl: 1, keyStrategy: headers}}\n",
			err:  "needs varyBy headers",
		},
		{
			desc: "authorization without authentication",
			doc:  "endpoints:\n  - {method: GET, path: /x, upstream: http://u, authorization: {required: true}}\n",
			err:  "authorization requires authentication",
		},
		{
			desc: "unsupported auth method",
			doc:  "endpoints:\n  - {method: GET, path: /x, upstream: http://u, authentication: {required: true, methods: [basic]}}\n",
			err:  "unsupported authentication method",
		},
		{
			desc: "negative timeout",
			doc:  "endpoints:\n  - {method: GET, path: /x, upstream: http://u, timeoutMs: -1}\n",
			err:  "negative timeoutMs",
		},
		{
			desc: "bearer without jwt secret",
			doc:  "endpoints:\n  - {method: GET, path: /x, upstream: http://u, authentication: {required: true, methods: [bearer]}}\n",
			err:  "needs jwt.secret",
		},
		{
			desc: "duplicate endpoint",
			doc:  "endpoints:\n  - {method: GET, path: /x, upstream: http://u}\n  - {method: get, path: /x, upstream: http://v}\n",
			err:  "already registered",
		},
		{
			desc: "kafka without brokers",
			doc:  "audit: {sink: kafka}\n",
			err:  "kafka sink needs brokers",
		},
	}

	for _, ts := range tt {
		t.Run(ts.desc, func(t *testing.T) {
			_, err := Parse(strings.NewReader(ts.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), ts.err)
		})
	}
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultListen, cfg.Listen)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvListenAddr:   ":7070",
		EnvAdminToken:   "from-env",
		EnvLogLevel:     "debug",
		EnvLogJSON:      "true",
		EnvRedisAddr:    "redis:6379",
		EnvJWTSecret:    "env-secret",
		EnvKeyStorePath: "/var/lib/gateway/keys.db",
	}
	cfg := &Config{Listen: ":8080", AdminToken: "from-file"}
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.Equal(t, ":7070", cfg.Listen)
	assert.Equal(t, "from-env", cfg.AdminToken)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "env-secret", cfg.JWT.Secret)
	assert.Equal(t, "/var/lib/gateway/keys.db", cfg.KeyStore.Path)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \":9090\"\n"), 0o600))
	t.Setenv(EnvListenAddr, ":7070")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Listen)
}

type updateCall struct {
	method, path string
	policy       *apigateway.RateLimitPolicy
}

type fakeUpdater struct {
	mu    sync.Mutex
	calls []updateCall
}

func (f *fakeUpdater) UpdateRateLimit(method, path string, policy *apigateway.RateLimitPolicy) (apigateway.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, updateCall{method, path, policy})
	return apigateway.Endpoint{Method: method, Path: path, RateLimit: policy}, nil
}

func (f *fakeUpdater) snapshot() []updateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]updateCall(nil), f.calls...)
}

func TestReload_AppliesRateLimitsOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	current, err := Load(path)
	require.NoError(t, err)

	changed := strings.Replace(sample, "requests: 100", "requests: 10", 1)
	changed = strings.Replace(changed, "ttl: 5", "ttl: 50", 1)
	changed += "  - {method: GET, path: /new, static: {body: new}}\n"
	require.NoError(t, os.WriteFile(path, []byte(changed), 0o600))

	updater := &fakeUpdater{}
	applied, err := Reload(path, current, updater, zerolog.Nop())
	require.NoError(t, err)

	calls := updater.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "GET", calls[0].method)
	assert.Equal(t, "/health", calls[0].path)
	assert.Equal(t, uint64(10), calls[0].policy.Requests)

	assert.Len(t, applied.Endpoints, 3)
	assert.Equal(t, uint64(10), applied.Endpoints[0].RateLimit.Requests)
	assert.Equal(t, 5, applied.Endpoints[1].Caching.TTL)
}

func TestReload_KeepsConfigOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	current, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("endpoints: [oops"), 0o600))
	got, err := Reload(path, current, &fakeUpdater{}, zerolog.Nop())
	assert.Error(t, err)
	assert.Same(t, current, got)
}

type rejectingUpdater struct {
	fakeUpdater
	reject string
}

func (r *rejectingUpdater) UpdateRateLimit(method, path string, policy *apigateway.RateLimitPolicy) (apigateway.Endpoint, error) {
	if path == r.reject {
		return apigateway.Endpoint{}, apigateway.ErrEndpointNotFound
	}
	return r.fakeUpdater.UpdateRateLimit(method, path, policy)
}

func TestReload_ReportsAppliedLimitsOnPartialFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	current, err := Load(path)
	require.NoError(t, err)

	changed := strings.Replace(sample, "requests: 100", "requests: 10", 1)
	changed = strings.Replace(changed, "keyStrategy: path\n", "keyStrategy: path\n    rateLimit:\n      requests: 3\n      window: 60\n", 1)
	require.NoError(t, os.WriteFile(path, []byte(changed), 0o600))

	updater := &rejectingUpdater{reject: "/report"}
	applied, err := Reload(path, current, updater, zerolog.Nop())
	require.ErrorIs(t, err, apigateway.ErrEndpointNotFound)

	require.Len(t, updater.snapshot(), 1)
	require.NotNil(t, applied)
	assert.Equal(t, uint64(10), applied.Endpoints[0].RateLimit.Requests)
	assert.Nil(t, applied.Endpoints[1].RateLimit)
	assert.Equal(t, uint64(100), current.Endpoints[0].RateLimit.Requests)
}

func TestReload_ChecksEveryLimitBeforeApplying(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	current, err := Load(path)
	require.NoError(t, err)

	// valid on its own, but the running /report endpoint has no authentication
	changed := strings.Replace(sample, "requests: 100", "requests: 10", 1)
	changed = strings.Replace(changed, "keyStrategy: path\n", "keyStrategy: path\n    authentication:\n      required: true\n    rateLimit:\n      requests: 3\n      window: 60\n      scope: perUser\n", 1)
	require.NoError(t, os.WriteFile(path, []byte(changed), 0o600))
	_, err = Load(path)
	require.NoError(t, err)

	updater := &fakeUpdater{}
	got, err := Reload(path, current, updater, zerolog.Nop())
	require.ErrorIs(t, err, apigateway.ErrInvalidEndpoint)
	assert.Empty(t, updater.snapshot())
	assert.Same(t, current, got)
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	current, err := Load(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	updater := &fakeUpdater{}
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, current, updater, zerolog.Nop()) }()

	changed := strings.Replace(sample, "requests: 100", "requests: 5", 1)
	require.Eventually(t, func() bool {
		// rewrite until the watcher, which starts asynchronously, sees it
		_ = os.WriteFile(path, []byte(changed), 0o600)
		return len(updater.snapshot()) > 0
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, uint64(5), updater.snapshot()[0].policy.Requests)
}
