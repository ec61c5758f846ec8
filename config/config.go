package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SENTINEL_API_PORT.
const EnvPrefix = "SENTINEL"

// MaxClockSkew is the largest expiry tolerance accepted for bearer tokens.
const MaxClockSkew = 60 * time.Second

// RateClass is the bucket policy of one route class.
type RateClass struct {
	Capacity   int     `mapstructure:"capacity"`
	RefillRate float64 `mapstructure:"refill_rate"`
	Cost       int     `mapstructure:"cost"`
}

// Config holds all configuration for the gateway
type Config struct {
	API struct {
		Host   string `mapstructure:"host"`
		Port   int    `mapstructure:"port"`
		Prefix string `mapstructure:"prefix"`
		TLS    struct {
			Enabled  bool   `mapstructure:"enabled"`
			CertFile string `mapstructure:"cert_file"`
			KeyFile  string `mapstructure:"key_file"`
		} `mapstructure:"tls"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
		MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
		TraceHeader     string        `mapstructure:"trace_header"`
		AllowedOrigins  []string      `mapstructure:"allowed_origins"`
		AllowedHosts    []string      `mapstructure:"allowed_hosts"`
		TrustProxy      bool          `mapstructure:"trust_proxy"`
		TrustedProxies  []string      `mapstructure:"trusted_proxies"`
	} `mapstructure:"api"`

	Auth struct {
		Algorithm      string        `mapstructure:"algorithm"`
		JWTSecret      string        `mapstructure:"jwt_secret"`
		PublicKeyFile  string        `mapstructure:"public_key_file"`
		Issuer         string        `mapstructure:"issuer"`
		ClockSkew      time.Duration `mapstructure:"clock_skew"`
		SecretProvider string        `mapstructure:"secret_provider"`
		Vault          struct {
			Address string `mapstructure:"address"`
			Token   string `mapstructure:"token"`
			Path    string `mapstructure:"path"`
		} `mapstructure:"vault"`
		AWS struct {
			Region    string `mapstructure:"region"`
			SecretID  string `mapstructure:"secret_id"`
			AccessKey string `mapstructure:"access_key"`
			SecretKey string `mapstructure:"secret_key"`
		} `mapstructure:"aws"`
	} `mapstructure:"auth"`

	RateLimit struct {
		Classes map[string]RateClass `mapstructure:"classes"`
		Redis   struct {
			Enabled   bool   `mapstructure:"enabled"`
			Addr      string `mapstructure:"addr"`
			Password  string `mapstructure:"password"`
			DB        int    `mapstructure:"db"`
			PoolSize  int    `mapstructure:"pool_size"`
			KeyPrefix string `mapstructure:"key_prefix"`
		} `mapstructure:"redis"`
	} `mapstructure:"rate_limit"`

	Engine struct {
		RulesFile      string        `mapstructure:"rules_file"`
		RegexTimeout   time.Duration `mapstructure:"regex_timeout"`
		RegexCacheSize int           `mapstructure:"regex_cache_size"`
		ReloadInterval time.Duration `mapstructure:"reload_interval"`
	} `mapstructure:"engine"`

	Simulation struct {
		MaxEvents    int           `mapstructure:"max_events"`
		MaxGenerated int           `mapstructure:"max_generated"`
		Timeout      time.Duration `mapstructure:"timeout"`
	} `mapstructure:"simulation"`

	Storage struct {
		Backend       string `mapstructure:"backend"`
		EventCapacity int    `mapstructure:"event_capacity"`
		SQLite        struct {
			Path string `mapstructure:"path"`
		} `mapstructure:"sqlite"`
		MongoDB struct {
			URI         string `mapstructure:"uri"`
			Database    string `mapstructure:"database"`
			MaxPoolSize uint64 `mapstructure:"max_pool_size"`
		} `mapstructure:"mongodb"`
	} `mapstructure:"storage"`

	Alerts struct {
		Persist struct {
			MaxAttempts     int           `mapstructure:"max_attempts"`
			InitialInterval time.Duration `mapstructure:"initial_interval"`
			MaxInterval     time.Duration `mapstructure:"max_interval"`
			Wait            time.Duration `mapstructure:"wait"`
		} `mapstructure:"persist"`
		Workers   int `mapstructure:"workers"`
		QueueSize int `mapstructure:"queue_size"`
	} `mapstructure:"alerts"`

	Notify struct {
		NATS struct {
			Enabled bool   `mapstructure:"enabled"`
			URL     string `mapstructure:"url"`
			Subject string `mapstructure:"subject"`
		} `mapstructure:"nats"`
		Webhook struct {
			Enabled bool              `mapstructure:"enabled"`
			URL     string            `mapstructure:"url"`
			Timeout time.Duration     `mapstructure:"timeout"`
			Headers map[string]string `mapstructure:"headers"`
		} `mapstructure:"webhook"`
		CircuitBreaker struct {
			MaxFailures         uint32        `mapstructure:"max_failures"`
			Timeout             time.Duration `mapstructure:"timeout"`
			MaxHalfOpenRequests uint32        `mapstructure:"max_half_open_requests"`
		} `mapstructure:"circuit_breaker"`
	} `mapstructure:"notify"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.prefix", "/api/v1")
	v.SetDefault("api.tls.enabled", false)
	v.SetDefault("api.tls.cert_file", "server.crt")
	v.SetDefault("api.tls.key_file", "server.key")
	v.SetDefault("api.read_timeout", 15*time.Second)
	v.SetDefault("api.write_timeout", 60*time.Second)
	v.SetDefault("api.idle_timeout", 120*time.Second)
	v.SetDefault("api.shutdown_timeout", 15*time.Second)
	v.SetDefault("api.max_body_bytes", 10<<20) // 10 MiB
	v.SetDefault("api.trace_header", "X-Request-ID")
	v.SetDefault("api.allowed_origins", []string{})
	v.SetDefault("api.allowed_hosts", []string{})
	v.SetDefault("api.trust_proxy", false)
	v.SetDefault("api.trusted_proxies", []string{})

	v.SetDefault("auth.algorithm", "HS256")
	v.SetDefault("auth.clock_skew", 30*time.Second)
	v.SetDefault("auth.secret_provider", "env")
	v.SetDefault("auth.vault.path", "secret/sentinel")
	v.SetDefault("auth.aws.secret_id", "sentinel/secrets")

	v.SetDefault("rate_limit.classes", map[string]interface{}{
		"ingest":     map[string]interface{}{"capacity": 200, "refill_rate": 100.0, "cost": 1},
		"read":       map[string]interface{}{"capacity": 100, "refill_rate": 50.0, "cost": 1},
		"admin":      map[string]interface{}{"capacity": 20, "refill_rate": 5.0, "cost": 1},
		"simulation": map[string]interface{}{"capacity": 5, "refill_rate": 0.5, "cost": 1},
	})
	v.SetDefault("rate_limit.redis.enabled", false)
	v.SetDefault("rate_limit.redis.addr", "localhost:6379")
	v.SetDefault("rate_limit.redis.db", 0)
	v.SetDefault("rate_limit.redis.pool_size", 10)
	v.SetDefault("rate_limit.redis.key_prefix", "sentinel:rl:")

	v.SetDefault("engine.rules_file", "")
	v.SetDefault("engine.regex_timeout", 100*time.Millisecond)
	v.SetDefault("engine.regex_cache_size", 256)
	v.SetDefault("engine.reload_interval", 0)

	v.SetDefault("simulation.max_events", 10000)
	v.SetDefault("simulation.max_generated", 1000)
	v.SetDefault("simulation.timeout", 30*time.Second)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.event_capacity", 100000)
	v.SetDefault("storage.sqlite.path", "./data/sentinel.db")
	v.SetDefault("storage.mongodb.uri", "mongodb://localhost:27017")
	v.SetDefault("storage.mongodb.database", "sentinel")
	v.SetDefault("storage.mongodb.max_pool_size", 10)

	v.SetDefault("alerts.persist.max_attempts", 5)
	v.SetDefault("alerts.persist.initial_interval", 100*time.Millisecond)
	v.SetDefault("alerts.persist.max_interval", 2*time.Second)
	v.SetDefault("alerts.persist.wait", time.Second)
	v.SetDefault("alerts.workers", 4)
	v.SetDefault("alerts.queue_size", 1024)

	v.SetDefault("notify.nats.enabled", false)
	v.SetDefault("notify.nats.url", "nats://localhost:4222")
	v.SetDefault("notify.nats.subject", "sentinel.alerts")
	v.SetDefault("notify.webhook.enabled", false)
	v.SetDefault("notify.webhook.timeout", 5*time.Second)
	v.SetDefault("notify.circuit_breaker.max_failures", 5)
	v.SetDefault("notify.circuit_breaker.timeout", 30*time.Second)
	v.SetDefault("notify.circuit_breaker.max_half_open_requests", 1)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("metrics.enabled", true)
}

// loadFromEnv sets up environment variable loading
func loadFromEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// LoadConfig loads configuration from path, or from config.yaml in . or
// ./config when path is empty, then applies SENTINEL_* environment
// overrides and validates the result. A missing default file is not an
// error; a missing explicit file is.
func LoadConfig(path string) (*Config, string, error) {
	v := viper.New()
	setDefaults(v)
	loadFromEnv(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, "", fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, v.ConfigFileUsed(), nil
}

// Validate rejects configurations the gateway cannot start with. Secret
// material is checked after it is resolved, see ResolveJWTSecret.
func (c *Config) Validate() error {
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("invalid API port: %d (must be 1-65535)", c.API.Port)
	}
	if !strings.HasPrefix(c.API.Prefix, "/") {
		return fmt.Errorf("api prefix must start with '/'")
	}
	if c.API.TLS.Enabled && (c.API.TLS.CertFile == "" || c.API.TLS.KeyFile == "") {
		return fmt.Errorf("TLS enabled but cert_file or key_file is empty")
	}
	if c.API.MaxBodyBytes <= 0 {
		return fmt.Errorf("api max_body_bytes must be positive")
	}
	if c.API.TraceHeader == "" {
		return fmt.Errorf("api trace_header cannot be empty")
	}
	for _, cidr := range c.API.TrustedProxies {
		if !isValidIPOrCIDR(cidr) {
			return fmt.Errorf("invalid trusted proxy %q", cidr)
		}
	}

	switch c.Auth.Algorithm {
	case "HS256":
	case "RS256":
		if c.Auth.PublicKeyFile == "" {
			return fmt.Errorf("auth public_key_file is required for RS256")
		}
	default:
		return fmt.Errorf("unsupported auth algorithm %q (must be HS256 or RS256)", c.Auth.Algorithm)
	}
	if c.Auth.ClockSkew < 0 || c.Auth.ClockSkew > MaxClockSkew {
		return fmt.Errorf("auth clock_skew must be between 0 and %s", MaxClockSkew)
	}
	switch c.Auth.SecretProvider {
	case "env", "vault", "aws":
	default:
		return fmt.Errorf("unsupported secret provider: %s", c.Auth.SecretProvider)
	}

	if len(c.RateLimit.Classes) == 0 {
		return fmt.Errorf("at least one rate limit class is required")
	}
	for name, rc := range c.RateLimit.Classes {
		if rc.Capacity <= 0 || rc.RefillRate <= 0 {
			return fmt.Errorf("rate limit class %q needs positive capacity and refill_rate", name)
		}
		if rc.Cost < 0 || rc.Cost > rc.Capacity {
			return fmt.Errorf("rate limit class %q cost must be between 0 and capacity", name)
		}
	}
	if c.RateLimit.Redis.Enabled && c.RateLimit.Redis.Addr == "" {
		return fmt.Errorf("redis rate limiting enabled but addr is empty")
	}

	if c.Engine.RegexTimeout <= 0 {
		return fmt.Errorf("engine regex_timeout must be positive")
	}
	if c.Engine.RegexCacheSize <= 0 {
		return fmt.Errorf("engine regex_cache_size must be positive")
	}
	if c.Engine.ReloadInterval < 0 {
		return fmt.Errorf("engine reload_interval cannot be negative")
	}

	if c.Simulation.MaxEvents <= 0 || c.Simulation.MaxGenerated <= 0 || c.Simulation.Timeout <= 0 {
		return fmt.Errorf("simulation max_events, max_generated and timeout must be positive")
	}

	switch c.Storage.Backend {
	case "memory":
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage sqlite path cannot be empty")
		}
	case "mongodb":
		uri := c.Storage.MongoDB.URI
		if !strings.HasPrefix(uri, "mongodb://") && !strings.HasPrefix(uri, "mongodb+srv://") {
			return fmt.Errorf("invalid MongoDB URI: must start with mongodb:// or mongodb+srv://")
		}
		parsed, err := url.Parse(uri)
		if err != nil {
			return fmt.Errorf("invalid MongoDB URI: %w", err)
		}
		if parsed.Host == "" {
			return fmt.Errorf("invalid MongoDB URI: missing host")
		}
		if c.Storage.MongoDB.Database == "" {
			return fmt.Errorf("MongoDB database cannot be empty")
		}
	default:
		return fmt.Errorf("unsupported storage backend %q", c.Storage.Backend)
	}

	p := c.Alerts.Persist
	if p.MaxAttempts < 1 {
		return fmt.Errorf("alerts persist max_attempts must be at least 1")
	}
	if p.InitialInterval <= 0 || p.MaxInterval < p.InitialInterval {
		return fmt.Errorf("alerts persist intervals must be positive with max_interval >= initial_interval")
	}
	if p.Wait <= 0 {
		return fmt.Errorf("alerts persist wait must be positive")
	}
	if c.Alerts.Workers < 1 || c.Alerts.QueueSize < 1 {
		return fmt.Errorf("alerts workers and queue_size must be positive")
	}

	if c.Notify.NATS.Enabled && (c.Notify.NATS.URL == "" || c.Notify.NATS.Subject == "") {
		return fmt.Errorf("NATS notifications enabled but url or subject is empty")
	}
	if c.Notify.Webhook.Enabled {
		u, err := url.Parse(c.Notify.Webhook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid webhook url %q", c.Notify.Webhook.URL)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format %q", c.Logging.Format)
	}
	return nil
}

// Addr is the listen address of the API server.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.API.Host, fmt.Sprint(c.API.Port))
}

// isValidIPOrCIDR checks if a string is a valid IP address or CIDR
func isValidIPOrCIDR(ipStr string) bool {
	if ip := net.ParseIP(ipStr); ip != nil {
		return true
	}
	if _, _, err := net.ParseCIDR(ipStr); err == nil {
		return true
	}
	return false
}
