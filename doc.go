// Package apigateway routes requests through an admission pipeline before they
// reach a handler.
//
// A Gateway owns an EndpointRegistry, a ResponseCache and, optionally, a
// KeyStore. Every request passes these gates in order, and any gate may end
// the traversal with a terminal response:
//
//	RECEIVED -> ROUTED -> AUTHENTICATED -> AUTHORIZED -> RATE_CHECKED
//	         -> CACHE_CHECKED -> DISPATCHED -> RESPONDED
//
// Rate limiting is pluggable per endpoint through a StrategyFactory; the
// rate_limiting_strategies package provides in-memory and Redis backed fixed
// window, sliding window and token bucket strategies.
//
// Identity validation, authorization decisions, audit logging and metrics are
// collaborators behind the Authenticator, Authorizer, AuditLogger and
// MetricsRecorder interfaces. Audit events and metrics are delivered
// asynchronously and never fail a request.
//
// Usage:
//
//	gw := apigateway.New(apigateway.Options{
//		Strategies: rate_limiting_strategies.NewMemoryFactory(time.Now),
//	})
//	defer gw.Close()
//
//	_, err := gw.RegisterEndpoint(apigateway.Endpoint{
//		Method:  http.MethodGet,
//		Path:    "/health",
//		Handler: apigateway.HandlerFunc(health),
//		RateLimit: &apigateway.RateLimitPolicy{
//			Requests: 100,
//			Window:   time.Minute,
//		},
//	})
//
//	http.ListenAndServe(":8080", apigateway.NewHTTPHandler(gw, apigateway.HTTPHandlerConfig{}))
package apigateway
