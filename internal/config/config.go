package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	applog "github.com/mev-engine/trade-resilience/pkg/log"
	"github.com/spf13/viper"
)

// Config holds all configuration for the resilience engine
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	RPC         RPCConfig         `mapstructure:"rpc"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Watcher     WatcherConfig     `mapstructure:"watcher"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	Log         applog.Config     `mapstructure:"log"`
}

// ServerConfig contains the operator API configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	APIKey         string        `mapstructure:"api_key"`
	RateLimit      float64       `mapstructure:"rate_limit"` // requests per second per client
	RateBurst      int           `mapstructure:"rate_burst"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// RPCConfig contains the rotating Solana RPC pool configuration
type RPCConfig struct {
	Name         string   `mapstructure:"name"`
	Endpoints    []string `mapstructure:"endpoints"`
	WebSocketURL string   `mapstructure:"websocket_url"`
	MaxErrors    int      `mapstructure:"max_errors"`
	Commitment   string   `mapstructure:"commitment"`
}

// BreakerConfig contains circuit breaker thresholds
type BreakerConfig struct {
	FailureThreshold         int           `mapstructure:"failure_threshold"`
	Cooldown                 time.Duration `mapstructure:"cooldown"`
	HalfOpenSuccessThreshold int           `mapstructure:"half_open_success_threshold"`
	TransactionKey           string        `mapstructure:"transaction_key"`
}

// IdempotencyConfig contains the result cache configuration
type IdempotencyConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// WatcherConfig contains the pool watcher configuration
type WatcherConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	ProgramIDs   []string      `mapstructure:"program_ids"`
	Debounce     time.Duration `mapstructure:"debounce"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	JitterBase   time.Duration `mapstructure:"jitter_base"`
	MailboxSize  int           `mapstructure:"mailbox_size"`
	Keepalive    time.Duration `mapstructure:"keepalive"`
}

// MonitoringConfig contains metrics configuration
type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
}

// Load loads configuration from the global viper instance, which the CLI
// has already pointed at a config file and bound flags to.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom loads configuration from file and environment variables using v
func LoadFrom(v *viper.Viper) (*Config, error) {
	if v.ConfigFileUsed() == "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	// RESILIENCE_WATCHER_DEBOUNCE overrides watcher.debounce
	v.SetEnvPrefix("RESILIENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Validate checks value ranges and required settings
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}
	if c.RPC.MaxErrors <= 0 {
		return fmt.Errorf("rpc.max_errors must be positive")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("breaker.cooldown must be positive")
	}
	if c.Breaker.HalfOpenSuccessThreshold <= 0 {
		return fmt.Errorf("breaker.half_open_success_threshold must be positive")
	}
	if c.Idempotency.TTL <= 0 {
		return fmt.Errorf("idempotency.ttl must be positive")
	}
	if c.Watcher.Enabled {
		if c.WebSocketEndpoint() == "" {
			return fmt.Errorf("watcher enabled but no websocket endpoint could be derived from rpc settings")
		}
		if c.Watcher.JitterBase <= 0 {
			return fmt.Errorf("watcher.jitter_base must be positive")
		}
		if c.Watcher.PingInterval <= 0 {
			return fmt.Errorf("watcher.ping_interval must be positive")
		}
		if c.Watcher.Debounce < 0 {
			return fmt.Errorf("watcher.debounce must not be negative")
		}
	}
	return nil
}

// WebSocketEndpoint returns rpc.websocket_url, or the first RPC endpoint with
// its scheme switched to ws/wss.
func (c *Config) WebSocketEndpoint() string {
	if c.RPC.WebSocketURL != "" {
		return c.RPC.WebSocketURL
	}
	for _, ep := range c.RPC.Endpoints {
		switch {
		case strings.HasPrefix(ep, "https://"):
			return "wss://" + strings.TrimPrefix(ep, "https://")
		case strings.HasPrefix(ep, "http://"):
			return "ws://" + strings.TrimPrefix(ep, "http://")
		}
	}
	return ""
}

// Address returns the API listen address
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("server.allowed_origins", []string{"*"})

	// RPC defaults
	v.SetDefault("rpc.name", "solana")
	v.SetDefault("rpc.endpoints", []string{"https://api.mainnet-beta.solana.com"})
	v.SetDefault("rpc.max_errors", 3)
	v.SetDefault("rpc.commitment", "confirmed")

	// Breaker defaults
	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.cooldown", "10s")
	v.SetDefault("breaker.half_open_success_threshold", 1)
	v.SetDefault("breaker.transaction_key", "solana-rpc")

	// Idempotency defaults
	v.SetDefault("idempotency.ttl", "5m")

	// Watcher defaults
	v.SetDefault("watcher.enabled", true)
	v.SetDefault("watcher.program_ids", []string{"675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"})
	v.SetDefault("watcher.debounce", "500ms")
	v.SetDefault("watcher.ping_interval", "30s")
	v.SetDefault("watcher.jitter_base", "1s")
	v.SetDefault("watcher.mailbox_size", 64)
	v.SetDefault("watcher.keepalive", "30s")

	// Monitoring defaults
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
