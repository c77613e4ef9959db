// Package server exposes a Gateway over HTTP together with its admin API,
// metrics and health endpoints.
package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aryangodara/apigateway"
	"github.com/aryangodara/apigateway/monitor"
)

// RouterConfig holds router configuration.
type RouterConfig struct {
	// AdminToken guards /admin. The admin API is disabled when it is empty.
	AdminToken     string
	TrustForwarded bool
	MetricsEnabled bool
	MetricsPath    string
	Health         *monitor.Health
}

// NewRouter creates the HTTP router. Every path not taken by the admin,
// metrics or health routes goes through the gateway pipeline.
func NewRouter(gw *apigateway.Gateway, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	if cfg.TrustForwarded {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)

	if cfg.Health != nil {
		r.Get("/healthz", cfg.Health.Handler())
	}
	if cfg.MetricsEnabled {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, monitor.Handler())
	}

	if cfg.AdminToken != "" {
		admin := NewAdminHandler(gw)
		r.Route("/admin", func(r chi.Router) {
			r.Use(requireToken(cfg.AdminToken))
			r.Get("/endpoints", admin.ListEndpoints)
			r.Route("/keys", func(r chi.Router) {
				r.Post("/", admin.CreateKey)
				r.Get("/", admin.ListKeys)
				r.Get("/{id}", admin.GetKey)
				r.Delete("/{id}", admin.RevokeKey)
			})
		})
	}

	gateway := apigateway.NewHTTPHandler(gw, apigateway.HTTPHandlerConfig{
		// RealIP has already rewritten RemoteAddr when forwarded headers are trusted
		Extractor: apigateway.NewClientIPExtractor(false),
	})
	r.Handle("/*", gateway)

	return r
}

func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, presented, _ := strings.Cut(r.Header.Get("Authorization"), " ")
			if !strings.EqualFold(scheme, "Bearer") || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "admin token required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
