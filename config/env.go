package config

import (
	"strconv"
)

// Environment variables that override the file.
const (
	EnvListenAddr   = "GATEWAY_LISTEN_ADDR"
	EnvAdminToken   = "GATEWAY_ADMIN_TOKEN"
	EnvLogLevel     = "GATEWAY_LOG_LEVEL"
	EnvLogJSON      = "GATEWAY_LOG_JSON"
	EnvRedisAddr    = "GATEWAY_REDIS_ADDR"
	EnvJWTSecret    = "GATEWAY_JWT_SECRET"
	EnvKeyStorePath = "GATEWAY_KEYSTORE_PATH"
)

// ApplyEnv overrides file settings with whatever lookup finds.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvListenAddr); ok && v != "" {
		c.Listen = v
	}
	if v, ok := lookup(EnvAdminToken); ok && v != "" {
		c.AdminToken = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup(EnvLogJSON); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Log.JSON = b
		}
	}
	if v, ok := lookup(EnvRedisAddr); ok && v != "" {
		c.Redis.Addr = v
	}
	if v, ok := lookup(EnvJWTSecret); ok && v != "" {
		c.JWT.Secret = v
	}
	if v, ok := lookup(EnvKeyStorePath); ok && v != "" {
		c.KeyStore.Path = v
	}
}
