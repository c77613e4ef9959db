package apigateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aryangodara/apigateway/internal/log"
)

// Stage is a state of one request's traversal.
type Stage string

const (
	StageReceived      Stage = "RECEIVED"
	StageRouted        Stage = "ROUTED"
	StageAuthenticated Stage = "AUTHENTICATED"
	StageAuthorized    Stage = "AUTHORIZED"
	StageRateChecked   Stage = "RATE_CHECKED"
	StageCacheChecked  Stage = "CACHE_CHECKED"
	StageDispatched    Stage = "DISPATCHED"
	StageResponded     Stage = "RESPONDED"
	StageFailed        Stage = "FAILED"
)

const (
	HeaderRetryAfter         = "Retry-After"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRequestID          = "X-Request-ID"
	HeaderAPIKey             = "X-API-Key"
	HeaderCache              = "X-Cache"
	HeaderAuthenticatedUser  = "X-Authenticated-User"

	// QueryAPIKey is the query parameter carrying an API key when the header
	// is absent.
	QueryAPIKey = "api_key"
)

// Metric names handed to the MetricsRecorder.
const (
	MetricRequestDuration = "api.request.duration_ms"
	MetricRequestCount    = "api.request.count"
)

const defaultRetryBackoff = 25 * time.Millisecond

// Options wires a Gateway to its stores and collaborators. Only Strategies is
// needed for rate limited endpoints; everything else has a working default.
type Options struct {
	Strategies    StrategyFactory
	Cache         CacheStore
	Keys          KeyStore
	Authenticator Authenticator
	Authorizer    Authorizer
	Audit         AuditLogger
	Metrics       MetricsRecorder
	Tracer        trace.Tracer
	Logger        *zerolog.Logger
	Now           func() time.Time
	// RetryBackoff is the first pause between idempotent retries; it doubles
	// per attempt and never exceeds the time left before the endpoint timeout.
	RetryBackoff time.Duration
	ReportBuffer int
}

// Gateway runs requests through Authenticate, Authorize, RateLimit,
// CacheLookup, Dispatch and CacheStore.
type Gateway struct {
	registry *EndpointRegistry
	cache    *ResponseCache
	keys     KeyStore
	authn    Authenticator
	authz    Authorizer
	tracer   trace.Tracer
	logger   zerolog.Logger
	now      func() time.Time
	backoff  time.Duration
	reporter *reporter
}

// New creates a Gateway. Close it to flush pending audit events and metrics.
func New(opts Options) *Gateway {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Cache == nil {
		opts.Cache = NewMemoryCacheStore(MemoryCacheOptions{Now: opts.Now})
	}
	if opts.Authorizer == nil {
		opts.Authorizer = IdentityAuthorizer{}
	}
	if opts.Audit == nil {
		opts.Audit = nopAuditLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/aryangodara/apigateway")
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	logger := log.WithComponent("gateway")
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Gateway{
		registry: NewEndpointRegistry(opts.Strategies),
		cache:    NewResponseCache(opts.Cache, opts.Now),
		keys:     opts.Keys,
		authn:    opts.Authenticator,
		authz:    opts.Authorizer,
		tracer:   opts.Tracer,
		logger:   logger,
		now:      opts.Now,
		backoff:  opts.RetryBackoff,
		reporter: newReporter(opts.Audit, opts.Metrics, opts.ReportBuffer, logger),
	}
}

// Close flushes pending reports. Requests handled afterwards are not reported.
func (g *Gateway) Close() error {
	g.reporter.close()
	return nil
}

// Registry exposes the endpoint registry.
func (g *Gateway) Registry() *EndpointRegistry {
	return g.registry
}

// RegisterEndpoint adds an endpoint; (method, path) must be free.
func (g *Gateway) RegisterEndpoint(e Endpoint) (Endpoint, error) {
	registered, err := g.registry.Register(e)
	if err != nil {
		return Endpoint{}, err
	}
	g.logger.Info().Str("endpoint", registered.ID()).Msg("endpoint registered")
	g.auditAdmin("endpoint.registered", "registered "+registered.ID(), endpointMetadata(registered))
	return registered, nil
}

// ReplaceEndpoint registers e over any existing endpoint with the same
// (method, path), resetting its rate limit state and cached responses.
func (g *Gateway) ReplaceEndpoint(ctx context.Context, e Endpoint) (Endpoint, error) {
	registered, err := g.registry.Replace(e)
	if err != nil {
		return Endpoint{}, err
	}
	if err := g.cache.Purge(ctx, registered); err != nil {
		g.logger.Warn().Err(err).Str("endpoint", registered.ID()).Msg("failed to purge cached responses")
	}
	g.logger.Info().Str("endpoint", registered.ID()).Msg("endpoint replaced")
	g.auditAdmin("endpoint.replaced", "replaced "+registered.ID(), endpointMetadata(registered))
	return registered, nil
}

// UpdateRateLimit reconfigures the rate limit of a registered endpoint.
func (g *Gateway) UpdateRateLimit(method, path string, policy *RateLimitPolicy) (Endpoint, error) {
	updated, err := g.registry.UpdateRateLimit(method, path, policy)
	if err != nil {
		return Endpoint{}, err
	}
	g.logger.Info().Str("endpoint", updated.ID()).Msg("rate limit updated")
	g.auditAdmin("endpoint.rate_limit_updated", "updated rate limit of "+updated.ID(), endpointMetadata(updated))
	return updated, nil
}

// CreateAPIKey issues a key. The secret in the result is not stored anywhere.
func (g *Gateway) CreateAPIKey(ctx context.Context, spec KeySpec) (IssuedKey, error) {
	if g.keys == nil {
		return IssuedKey{}, ErrNoKeyStore
	}
	issued, err := g.keys.CreateAPIKey(ctx, spec)
	if err != nil {
		return IssuedKey{}, err
	}
	g.auditAdmin("api_key.created", "issued api key "+spec.Name, map[string]any{
		"key_id":      issued.ID,
		"name":        spec.Name,
		"permissions": spec.Permissions,
	})
	return issued, nil
}

// RevokeAPIKey disables a key.
func (g *Gateway) RevokeAPIKey(ctx context.Context, id string) error {
	if g.keys == nil {
		return ErrNoKeyStore
	}
	if err := g.keys.RevokeAPIKey(ctx, id); err != nil {
		return err
	}
	g.auditAdmin("api_key.revoked", "revoked api key "+id, map[string]any{"key_id": id})
	return nil
}

// Keys exposes the key store, which may be nil.
func (g *Gateway) Keys() KeyStore {
	return g.keys
}

// traversal carries one request through the pipeline.
type traversal struct {
	req          *Request
	route        *route
	stage        Stage
	span         trace.Span
	limitHeaders map[string]string
}

func (t *traversal) advance(s Stage) {
	t.stage = s
	t.span.AddEvent(string(s))
}

func (t *traversal) applyLimitHeaders(resp *Response) {
	for k, v := range t.limitHeaders {
		resp.setHeader(k, v)
	}
}

// Handle runs req through the pipeline. It always returns a response; every
// failure is converted to one.
func (g *Gateway) Handle(ctx context.Context, in *Request) *Response {
	start := g.now()
	req := in.clone()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = start
	}

	ctx, span := g.tracer.Start(ctx, "gateway.request", trace.WithAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("http.path", req.Path),
		attribute.String("request.id", req.ID),
	))
	defer span.End()

	t := &traversal{req: req, stage: StageReceived, span: span}
	resp, gerr := g.traverse(ctx, t)
	if gerr != nil {
		resp = gerr.response()
		t.applyLimitHeaders(resp)
		t.stage = StageFailed
		span.SetStatus(codes.Error, string(gerr.Kind))
	}
	resp.setHeader(HeaderRequestID, req.ID)
	resp.Duration = since(g.now, start)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode), attribute.Bool("gateway.cached", resp.Cached))

	g.report(t, resp, gerr)
	return resp
}

func (g *Gateway) traverse(ctx context.Context, t *traversal) (*Response, *GatewayError) {
	rt, params, ok := g.registry.match(t.req.Method, t.req.Path)
	if !ok {
		return nil, failure(KindNotFound, StageRouted, fmt.Errorf("no endpoint for %s %s", t.req.Method, t.req.Path))
	}
	t.route = rt
	t.req.Params = params
	e := rt.endpoint
	t.advance(StageRouted)

	identity, gerr := g.authenticate(ctx, e, t.req)
	if gerr != nil {
		return nil, gerr
	}
	t.req.Identity = identity
	t.advance(StageAuthenticated)

	if gerr := g.authorize(ctx, e, t.req); gerr != nil {
		return nil, gerr
	}
	t.advance(StageAuthorized)

	if gerr := g.checkRateLimit(ctx, t); gerr != nil {
		return nil, gerr
	}
	t.advance(StageRateChecked)

	if e.Caching.Enabled {
		cached, hit, err := g.cache.Get(ctx, t.req, e)
		if err != nil {
			g.logger.Warn().Err(err).Str("endpoint", e.ID()).Msg("cache lookup failed")
		}
		if hit {
			cached.Cached = true
			t.applyLimitHeaders(cached)
			t.advance(StageResponded)
			return cached, nil
		}
	}
	t.advance(StageCacheChecked)

	resp, gerr := g.dispatch(ctx, e, t.req)
	if gerr != nil {
		return nil, gerr
	}
	resp = resp.clone()
	resp.Cached = false
	resp.RateLimited = false
	t.advance(StageDispatched)

	if e.Caching.Enabled {
		if _, err := g.cache.Set(ctx, t.req, e, resp); err != nil {
			g.logger.Warn().Err(err).Str("endpoint", e.ID()).Msg("cache store failed")
		}
	}
	t.applyLimitHeaders(resp)
	t.advance(StageResponded)
	return resp, nil
}

func (g *Gateway) authenticate(ctx context.Context, e Endpoint, req *Request) (Identity, *GatewayError) {
	if !e.Authentication.Required {
		return Identity{UserID: req.AuthenticatedUserID}, nil
	}

	lastErr := errors.New("missing credentials")
	for _, m := range authOrder {
		if !e.Authentication.accepts(m) {
			continue
		}
		switch m {
		case AuthAPIKey:
			secret := req.Header(HeaderAPIKey)
			if secret == "" {
				secret = req.Query[QueryAPIKey]
			}
			if secret == "" {
				continue
			}
			if g.keys == nil {
				lastErr = ErrNoKeyStore
				continue
			}
			key, err := g.keys.ValidateAPIKey(ctx, secret)
			if err != nil {
				lastErr = err
				continue
			}
			return identityFromKey(key), nil
		case AuthBearer:
			token, ok := bearerToken(req.Header("Authorization"))
			if !ok {
				continue
			}
			if g.authn == nil {
				lastErr = errNoAuthenticator
				continue
			}
			identity, err := g.authn.Authenticate(ctx, token)
			if err != nil {
				lastErr = err
				continue
			}
			if identity.Anonymous() {
				lastErr = errors.New("token carries no subject")
				continue
			}
			identity.Method = AuthBearer
			return identity, nil
		}
	}
	g.logger.Debug().Err(lastErr).Str("endpoint", e.ID()).Str("request_id", req.ID).Msg("authentication failed")
	return Identity{}, failure(KindUnauthenticated, StageAuthenticated, lastErr)
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (g *Gateway) authorize(ctx context.Context, e Endpoint, req *Request) *GatewayError {
	if !e.Authorization.Required {
		return nil
	}
	if req.Identity.Anonymous() {
		return failure(KindUnauthenticated, StageAuthorized, errors.New("authorization needs an authenticated caller"))
	}

	decision, err := g.authz.Authorize(ctx, AuthorizationRequest{
		Identity:    req.Identity,
		Resource:    req.Path,
		Action:      MethodAction(req.Method),
		Permissions: e.Authorization.Permissions,
		Roles:       e.Authorization.Roles,
	})
	if err != nil {
		g.logger.Warn().Err(err).Str("endpoint", e.ID()).Msg("authorizer failed")
		return failure(KindUnavailable, StageAuthorized, fmt.Errorf("authorization unavailable: %w", err))
	}
	if !decision.Allowed {
		reason := decision.Reason
		if reason == "" {
			reason = "access denied"
		}
		return failure(KindForbidden, StageAuthorized, errors.New(reason))
	}
	return nil
}

// checkRateLimit admits or rejects the request. Limiter backend errors admit
// the request.
func (g *Gateway) checkRateLimit(ctx context.Context, t *traversal) *GatewayError {
	limiter, key, err := t.route.limiterFor(t.req.Identity, t.req.CallerIP)
	if err != nil {
		g.logger.Error().Err(err).Str("endpoint", t.route.endpoint.ID()).Msg("cannot build rate limiter, admitting request")
		return nil
	}
	if limiter == nil {
		return nil
	}

	result, err := limiter.Admit(ctx, key)
	if err != nil {
		g.logger.Warn().Err(err).Str("endpoint", t.route.endpoint.ID()).Str("limit_key", key).Msg("rate limiter unavailable, admitting request")
		return nil
	}

	t.limitHeaders = map[string]string{
		HeaderRateLimitLimit:     strconv.FormatUint(result.Info.Limit, 10),
		HeaderRateLimitRemaining: strconv.FormatUint(result.Info.Remaining, 10),
		HeaderRateLimitReset:     strconv.FormatInt(result.Info.ResetTime.UnixMilli(), 10),
	}
	if result.State == Deny {
		t.limitHeaders[HeaderRetryAfter] = strconv.FormatInt(result.Info.RetryAfterSeconds(), 10)
		g.logger.Debug().Str("endpoint", t.route.endpoint.ID()).Str("limit_key", key).Msg("rate limit exceeded")
		return failure(KindRateLimited, StageRateChecked, nil)
	}
	return nil
}

type dispatchResult struct {
	resp *Response
	err  error
}

// dispatch invokes the handler under the endpoint timeout. Transient failures
// of idempotent requests are retried while time is left.
func (g *Gateway) dispatch(parent context.Context, e Endpoint, req *Request) (*Response, *GatewayError) {
	ctx, cancel := context.WithTimeout(parent, e.Timeout)
	defer cancel()

	backoff := g.backoff
	for attempt := 0; ; attempt++ {
		resp, err := invoke(ctx, e.Handler, req)
		if err == nil {
			if resp == nil {
				return nil, failure(KindInternal, StageDispatched, errors.New("handler returned no response"))
			}
			return resp, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, g.contextFailure(parent, ctxErr)
		}
		if errors.Is(err, errHandlerPanic) || !errors.Is(err, ErrTransient) {
			g.logger.Error().Err(err).Str("endpoint", e.ID()).Str("request_id", req.ID).Msg("handler failed")
			return nil, failure(KindInternal, StageDispatched, err)
		}
		if !idempotent(req.Method) || attempt >= e.Retries {
			g.logger.Warn().Err(err).Str("endpoint", e.ID()).Int("attempts", attempt+1).Msg("handler unavailable")
			return nil, failure(KindUnavailable, StageDispatched, err)
		}

		wait := backoff
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < wait {
				wait = remaining
			}
		}
		g.logger.Debug().Err(err).Str("endpoint", e.ID()).Int("attempt", attempt+1).Dur("backoff", wait).Msg("retrying transient handler failure")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, g.contextFailure(parent, ctx.Err())
		case <-timer.C:
		}
		backoff *= 2
	}
}

func (g *Gateway) contextFailure(parent context.Context, err error) *GatewayError {
	if errors.Is(parent.Err(), context.Canceled) {
		return failure(KindCanceled, StageDispatched, err)
	}
	return failure(KindTimeout, StageDispatched, err)
}

// invoke runs the handler in its own goroutine so an endpoint timeout is
// enforced even against handlers that ignore their context.
func invoke(ctx context.Context, h Handler, req *Request) (*Response, error) {
	done := make(chan dispatchResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- dispatchResult{err: fmt.Errorf("%w: %v", errHandlerPanic, p)}
			}
		}()
		resp, err := h.Serve(ctx, req)
		done <- dispatchResult{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gateway) report(t *traversal, resp *Response, gerr *GatewayError) {
	outcome := string(StageResponded)
	stage := t.stage
	if gerr != nil {
		outcome = string(gerr.Kind)
		stage = gerr.Stage
	}
	endpoint := "unmatched"
	if t.route != nil {
		endpoint = t.route.endpoint.ID()
	}
	durationMs := float64(resp.Duration) / float64(time.Millisecond)

	tags := map[string]string{
		"endpoint": endpoint,
		"method":   t.req.Method,
		"status":   strconv.Itoa(resp.StatusCode),
		"outcome":  outcome,
		"stage":    string(stage),
		"cached":   strconv.FormatBool(resp.Cached),
	}
	metadata := map[string]any{
		"request_id":  t.req.ID,
		"endpoint":    endpoint,
		"path":        t.req.Path,
		"stage":       string(stage),
		"outcome":     outcome,
		"status":      resp.StatusCode,
		"duration_ms": durationMs,
		"cached":      resp.Cached,
		"caller_ip":   t.req.CallerIP,
	}
	if !t.req.Identity.Anonymous() {
		metadata["user_id"] = t.req.Identity.UserID
	}

	g.reporter.enqueue(report{
		kind:        "api.request",
		description: fmt.Sprintf("%s %s -> %d", t.req.Method, t.req.Path, resp.StatusCode),
		metadata:    metadata,
		metrics: []metric{
			{name: MetricRequestDuration, value: durationMs, tags: tags},
			{name: MetricRequestCount, value: 1, tags: tags},
		},
	})
}

func (g *Gateway) auditAdmin(kind, description string, metadata map[string]any) {
	g.reporter.enqueue(report{kind: kind, description: description, metadata: metadata})
}

func endpointMetadata(e Endpoint) map[string]any {
	m := map[string]any{
		"endpoint":        e.ID(),
		"auth_required":   e.Authentication.Required,
		"authz_required":  e.Authorization.Required,
		"caching_enabled": e.Caching.Enabled,
		"timeout_ms":      e.Timeout.Milliseconds(),
		"retries":         e.Retries,
	}
	if e.RateLimit != nil {
		m["rate_limit"] = fmt.Sprintf("%d/%s %s %s", e.RateLimit.Requests, e.RateLimit.Window, e.RateLimit.Algorithm, e.RateLimit.Scope)
	}
	return m
}
