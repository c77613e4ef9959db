package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/aryangodara/apigateway"
)

// RateLimitUpdater applies a new rate limit to a registered endpoint.
type RateLimitUpdater interface {
	UpdateRateLimit(method, path string, policy *apigateway.RateLimitPolicy) (apigateway.Endpoint, error)
}

// Reload re-reads path and applies changed rate limits to endpoints that
// are already registered. Every other change needs a restart and is ignored.
//
// Each changed limit is checked against the running endpoint before any is
// applied, so an invalid file changes nothing. If the gateway still rejects an
// update, the returned config holds exactly the limits applied before it,
// alongside the error.
func Reload(path string, current *Config, gw RateLimitUpdater, logger zerolog.Logger) (*Config, error) {
	next, err := Load(path)
	if err != nil {
		return current, err
	}

	known := make(map[string]EndpointConfig, len(current.Endpoints))
	for _, ec := range current.Endpoints {
		known[ec.id()] = ec
	}
	var changes []EndpointConfig
	for _, ec := range next.Endpoints {
		id := ec.id()
		old, ok := known[id]
		if !ok {
			logger.Warn().Str("endpoint", id).Msg("new endpoint in config, restart to register it")
			continue
		}
		if samePolicy(old.RateLimit.Policy(), ec.RateLimit.Policy()) {
			continue
		}
		staged := old
		staged.RateLimit = ec.RateLimit
		if err := staged.validate(); err != nil {
			return current, fmt.Errorf("rate limit of %s: %w", id, err)
		}
		changes = append(changes, staged)
	}

	applied := make(map[string]*RateLimitConfig, len(changes))
	for _, ec := range changes {
		if _, err := gw.UpdateRateLimit(ec.Method, ec.Path, ec.RateLimit.Policy()); err != nil {
			return withRateLimits(current, applied), fmt.Errorf("updating rate limit of %s: %w", ec.id(), err)
		}
		applied[ec.id()] = ec.RateLimit
		logger.Info().Str("endpoint", ec.id()).Msg("rate limit reloaded")
	}
	return withRateLimits(current, applied), nil
}

// withRateLimits copies cfg with the rate limits of the endpoints in limits
// replaced; nothing else takes effect without a restart.
func withRateLimits(cfg *Config, limits map[string]*RateLimitConfig) *Config {
	if len(limits) == 0 {
		return cfg
	}
	out := *cfg
	out.Endpoints = make([]EndpointConfig, len(cfg.Endpoints))
	for i, ec := range cfg.Endpoints {
		if rl, ok := limits[ec.id()]; ok {
			ec.RateLimit = rl
		}
		out.Endpoints[i] = ec
	}
	return &out
}

func (ec EndpointConfig) id() string {
	return strings.ToUpper(ec.Method) + " " + ec.Path
}

func samePolicy(a, b *apigateway.RateLimitPolicy) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.WithDefaults() == b.WithDefaults()
}

// Watch reloads the file at path whenever it is written until ctx is done.
// The parent directory is watched so editors that replace the file are seen.
func Watch(ctx context.Context, path string, current *Config, gw RateLimitUpdater, logger zerolog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			logger.Info().Str("file", event.Name).Msg("config change detected")
			next, err := Reload(abs, current, gw, logger)
			if err != nil {
				logger.Error().Err(err).Msg("failed to reload config")
			}
			current = next
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error().Err(err).Msg("watcher error")
		}
	}
}
