// Package config loads application configuration from a YAML file and
// ALEXA_-prefixed environment variables, with sane defaults for every key.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fzeiser/alexa-api-client/pkg/cache"
	"github.com/fzeiser/alexa-api-client/pkg/client"
	"github.com/fzeiser/alexa-api-client/pkg/resilience"
	"github.com/fzeiser/alexa-api-client/pkg/session"
)

// Config is the full application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	API     APIConfig     `mapstructure:"api"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Session SessionConfig `mapstructure:"session"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}

// ServerConfig configures the proxy's HTTP listener.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// APIConfig configures the upstream API target.
type APIConfig struct {
	Domain         string `mapstructure:"domain"`
	BaseURL        string `mapstructure:"base_url"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`

	// CSRFToken is a static token for deployments without a cookie store.
	CSRFToken string `mapstructure:"csrf_token"`
}

// CacheConfig configures the tagged memory+disk cache.
type CacheConfig struct {
	Dir               string `mapstructure:"dir"`
	Compress          bool   `mapstructure:"compress"`
	DefaultTTLSeconds int    `mapstructure:"default_ttl_seconds"`
}

// RedisConfig configures the Redis session cache backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SessionConfig configures the caching HTTP session.
type SessionConfig struct {
	Backend           string      `mapstructure:"backend"` // "memory", "redis" or "disabled"
	PoolSize          int         `mapstructure:"pool_size"`
	MaxRetries        int         `mapstructure:"max_retries"`
	InitialBackoffMS  int         `mapstructure:"initial_backoff_ms"`
	MaxBackoffMS      int         `mapstructure:"max_backoff_ms"`
	BackoffMultiplier float64     `mapstructure:"backoff_multiplier"`
	Redis             RedisConfig `mapstructure:"redis"`
}

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	CooldownSeconds  int `mapstructure:"cooldown_seconds"`
}

// Load reads configuration from path (or, when path is empty, from a
// config.yaml found in "." or "./configs") and the environment. A missing
// config file is fine; everything has a default and can come from
// ALEXA_-prefixed environment variables, e.g. ALEXA_API_DOMAIN.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("api.domain", "amazon.de")
	v.SetDefault("api.timeout_seconds", 30)

	v.SetDefault("cache.dir", "./data/cache")
	v.SetDefault("cache.compress", false)
	v.SetDefault("cache.default_ttl_seconds", 300)

	v.SetDefault("session.backend", "memory")
	v.SetDefault("session.pool_size", 10)
	v.SetDefault("session.max_retries", 3)
	v.SetDefault("session.initial_backoff_ms", 500)
	v.SetDefault("session.max_backoff_ms", 10000)
	v.SetDefault("session.backoff_multiplier", 2.0)
	v.SetDefault("session.redis.addr", "localhost:6379")

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown_seconds", 30)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("ALEXA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

// ClientConfig translates the loaded configuration into the API client's
// wiring. The credential source is supplied by the caller.
func (c Config) ClientConfig() client.Config {
	return client.Config{
		Domain:    c.API.Domain,
		BaseURL:   c.API.BaseURL,
		UserAgent: c.API.UserAgent,
		Timeout:   time.Duration(c.API.TimeoutSeconds) * time.Second,
		Session: session.Config{
			Timeout:      time.Duration(c.API.TimeoutSeconds) * time.Second,
			PoolSize:     c.Session.PoolSize,
			CacheBackend: c.Session.Backend,
			Redis: session.RedisConfig{
				Addr:     c.Session.Redis.Addr,
				Password: c.Session.Redis.Password,
				DB:       c.Session.Redis.DB,
			},
			Retry: session.RetryConfig{
				MaxAttempts:       c.Session.MaxRetries,
				InitialBackoff:    time.Duration(c.Session.InitialBackoffMS) * time.Millisecond,
				MaxBackoff:        time.Duration(c.Session.MaxBackoffMS) * time.Millisecond,
				BackoffMultiplier: c.Session.BackoffMultiplier,
			},
		},
		Breaker: resilience.Config{
			Name:             "alexa-api",
			FailureThreshold: c.Breaker.FailureThreshold,
			Cooldown:         time.Duration(c.Breaker.CooldownSeconds) * time.Second,
		},
		Cache: cache.Config{
			Dir:        c.Cache.Dir,
			Compress:   c.Cache.Compress,
			DefaultTTL: time.Duration(c.Cache.DefaultTTLSeconds) * time.Second,
		},
	}
}
