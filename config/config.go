// Package config loads the gateway's YAML configuration.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aryangodara/apigateway"
	"github.com/aryangodara/apigateway/auth"
)

const (
	DefaultListen       = ":8080"
	DefaultReportBuffer = 1024
	DefaultAuditTopic   = "gateway.audit"
)

// Audit sink kinds.
const (
	AuditNone  = "none"
	AuditLog   = "log"
	AuditKafka = "kafka"
)

// Config is the gateway configuration file.
type Config struct {
	Listen         string                `yaml:"listen"`
	AdminToken     string                `yaml:"adminToken"`
	TrustForwarded bool                  `yaml:"trustForwarded"`
	ReportBuffer   int                   `yaml:"reportBuffer"`
	Log            LogConfig             `yaml:"log"`
	Redis          RedisConfig           `yaml:"redis"`
	KeyStore       KeyStoreConfig        `yaml:"keyStore"`
	JWT            JWTConfig             `yaml:"jwt"`
	Audit          AuditConfig           `yaml:"audit"`
	Cache          CacheConfig           `yaml:"cache"`
	Grants         map[string]auth.Grant `yaml:"grants"`
	Endpoints      []EndpointConfig      `yaml:"endpoints"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// RedisConfig enables the Redis backed rate limiter and response cache when
// Addr is set.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// KeyStoreConfig enables the durable API key store when Path is set.
type KeyStoreConfig struct {
	Path string `yaml:"path"`
}

// JWTConfig enables bearer authentication when Secret is set.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

type AuditConfig struct {
	Sink    string   `yaml:"sink"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// CacheConfig tunes the in-memory response cache. It is ignored when Redis is
// configured.
type CacheConfig struct {
	MaxEntries    int           `yaml:"maxEntries"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// EndpointConfig declares one endpoint. Exactly one of Upstream and Static
// must be set.
type EndpointConfig struct {
	Method         string                `yaml:"method"`
	Path           string                `yaml:"path"`
	Upstream       string                `yaml:"upstream"`
	Static         *StaticConfig         `yaml:"static"`
	RateLimit      *RateLimitConfig      `yaml:"rateLimit"`
	Authentication *AuthenticationConfig `yaml:"authentication"`
	Authorization  *AuthorizationConfig  `yaml:"authorization"`
	Caching        *CachingConfig        `yaml:"caching"`
	TimeoutMs      int                   `yaml:"timeoutMs"`
	Retries        int                   `yaml:"retries"`
}

type StaticConfig struct {
	Status  int               `yaml:"status"`
	Body    string            `yaml:"body"`
	Headers map[string]string `yaml:"headers"`
}

// RateLimitConfig mirrors apigateway.RateLimitPolicy with the window in seconds.
type RateLimitConfig struct {
	Requests uint64 `yaml:"requests"`
	Window   int    `yaml:"window"`
	Burst    uint64 `yaml:"burst"`
	Strategy string `yaml:"strategy"`
	Scope    string `yaml:"scope"`
}

type AuthenticationConfig struct {
	Required bool     `yaml:"required"`
	Methods  []string `yaml:"methods"`
}

type AuthorizationConfig struct {
	Required    bool     `yaml:"required"`
	Permissions []string `yaml:"permissions"`
	Roles       []string `yaml:"roles"`
}

// CachingConfig mirrors apigateway.CachingPolicy with the TTL in seconds.
type CachingConfig struct {
	Enabled     bool     `yaml:"enabled"`
	TTL         int      `yaml:"ttl"`
	KeyStrategy string   `yaml:"keyStrategy"`
	VaryBy      []string `yaml:"varyBy"`
}

// Load reads, overrides from the environment, defaults and validates the
// file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a configuration document. Unknown fields are rejected.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyEnv(os.LookupEnv)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ReportBuffer <= 0 {
		c.ReportBuffer = DefaultReportBuffer
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Audit.Sink == "" {
		c.Audit.Sink = AuditLog
	}
	if c.Audit.Sink == AuditKafka && c.Audit.Topic == "" {
		c.Audit.Topic = DefaultAuditTopic
	}
	for i := range c.Endpoints {
		c.Endpoints[i].Method = strings.ToUpper(c.Endpoints[i].Method)
	}
}

// Validate checks the whole file, including every endpoint.
func (c *Config) Validate() error {
	switch c.Audit.Sink {
	case AuditNone, AuditLog:
	case AuditKafka:
		if len(c.Audit.Brokers) == 0 {
			return errors.New("audit: kafka sink needs brokers")
		}
	default:
		return fmt.Errorf("audit: unknown sink %q", c.Audit.Sink)
	}
	if c.Cache.MaxEntries < 0 || c.Cache.SweepInterval < 0 {
		return errors.New("cache: maxEntries and sweepInterval must not be negative")
	}

	seen := make(map[string]bool, len(c.Endpoints))
	for i, ec := range c.Endpoints {
		if err := ec.validate(); err != nil {
			return fmt.Errorf("endpoints[%d]: %w", i, err)
		}
		e, _ := ec.Endpoint(placeholder)
		if seen[e.ID()] {
			return fmt.Errorf("endpoints[%d]: %w: %s", i, apigateway.ErrEndpointExists, e.ID())
		}
		seen[e.ID()] = true
		if ec.usesBearer() && c.JWT.Secret == "" {
			return fmt.Errorf("endpoints[%d]: bearer authentication needs jwt.secret", i)
		}
	}
	return nil
}

var placeholder = apigateway.HandlerFunc(func(context.Context, *apigateway.Request) (*apigateway.Response, error) {
	return nil, errors.New("endpoint has no handler")
})

func (ec EndpointConfig) validate() error {
	if (ec.Upstream == "") == (ec.Static == nil) {
		return fmt.Errorf("%s %s: exactly one of upstream and static must be set", ec.Method, ec.Path)
	}
	if ec.Static != nil && ec.Static.Status != 0 && (ec.Static.Status < 100 || ec.Static.Status > 599) {
		return fmt.Errorf("%s %s: invalid static status %d", ec.Method, ec.Path, ec.Static.Status)
	}
	e, err := ec.Endpoint(placeholder)
	if err != nil {
		return err
	}
	return e.Validate()
}

func (ec EndpointConfig) usesBearer() bool {
	if ec.Authentication == nil || !ec.Authentication.Required {
		return false
	}
	if len(ec.Authentication.Methods) == 0 {
		return true
	}
	for _, m := range ec.Authentication.Methods {
		if m == string(apigateway.AuthBearer) {
			return true
		}
	}
	return false
}

// Endpoint converts the declaration into an endpoint served by handler.
func (ec EndpointConfig) Endpoint(handler apigateway.Handler) (apigateway.Endpoint, error) {
	if ec.TimeoutMs < 0 {
		return apigateway.Endpoint{}, fmt.Errorf("%w: negative timeoutMs", apigateway.ErrInvalidEndpoint)
	}
	e := apigateway.Endpoint{
		Method:    strings.ToUpper(ec.Method),
		Path:      ec.Path,
		Handler:   handler,
		RateLimit: ec.RateLimit.Policy(),
		Timeout:   time.Duration(ec.TimeoutMs) * time.Millisecond,
		Retries:   ec.Retries,
	}
	if a := ec.Authentication; a != nil {
		e.Authentication.Required = a.Required
		for _, m := range a.Methods {
			e.Authentication.Methods = append(e.Authentication.Methods, authMethod(m))
		}
	}
	if a := ec.Authorization; a != nil {
		e.Authorization = apigateway.AuthorizationPolicy{
			Required:    a.Required,
			Permissions: a.Permissions,
			Roles:       a.Roles,
		}
	}
	if c := ec.Caching; c != nil {
		e.Caching = apigateway.CachingPolicy{
			Enabled:     c.Enabled,
			TTL:         time.Duration(c.TTL) * time.Second,
			KeyStrategy: apigateway.KeyStrategy(c.KeyStrategy),
			VaryBy:      c.VaryBy,
		}
	}
	return e, nil
}

// authMethod accepts "api-key" as a spelling of api_key.
func authMethod(m string) apigateway.AuthMethod {
	if m == "api-key" || m == "apikey" {
		return apigateway.AuthAPIKey
	}
	return apigateway.AuthMethod(m)
}

// Policy converts the declaration; a nil declaration means no limit.
func (rl *RateLimitConfig) Policy() *apigateway.RateLimitPolicy {
	if rl == nil {
		return nil
	}
	return &apigateway.RateLimitPolicy{
		Requests:  rl.Requests,
		Window:    time.Duration(rl.Window) * time.Second,
		Burst:     rl.Burst,
		Algorithm: apigateway.Algorithm(rl.Strategy),
		Scope:     apigateway.LimitScope(rl.Scope),
	}
}

// StaticResponse is the response a static endpoint serves.
func (s *StaticConfig) StaticResponse() *apigateway.Response {
	status := s.Status
	if status == 0 {
		status = http.StatusOK
	}
	headers := make(map[string]string, len(s.Headers))
	for k, v := range s.Headers {
		headers[k] = v
	}
	return &apigateway.Response{StatusCode: status, Headers: headers, Body: []byte(s.Body)}
}
