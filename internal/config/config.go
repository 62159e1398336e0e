// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	DB        DBConfig        `mapstructure:"db"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Recompute RecomputeConfig `mapstructure:"recompute"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls access to the coordination database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// QueueConfig governs worker pool and claim lifecycle behavior.
type QueueConfig struct {
	Workers           int           `mapstructure:"workers"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RecoveryInterval  time.Duration `mapstructure:"recovery_interval"`
	ClaimRetries      int           `mapstructure:"claim_retries"`
}

// RecomputeConfig tunes the batch aggregate recompute scheduler.
type RecomputeConfig struct {
	Debounce  time.Duration `mapstructure:"debounce"`
	BatchSize int           `mapstructure:"batch_size"`
}

// ExtractorConfig points at the external extraction provider endpoint.
type ExtractorConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// PublisherConfig selects the terminal-run notification transport.
type PublisherConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EXTRACTQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.poll_interval", "500ms")
	v.SetDefault("queue.stale_after", "90s")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.recovery_interval", "30s")
	v.SetDefault("queue.claim_retries", 3)
	v.SetDefault("recompute.debounce", "750ms")
	v.SetDefault("recompute.batch_size", 25)
	v.SetDefault("extractor.timeout", "5m")
	v.SetDefault("publisher.provider", "none")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required")
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue.workers must be > 0")
	}
	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("queue.poll_interval must be > 0")
	}
	if c.Queue.StaleAfter <= 0 {
		return fmt.Errorf("queue.stale_after must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Queue.HeartbeatInterval >= c.Queue.StaleAfter {
		return fmt.Errorf("queue.heartbeat_interval must be < queue.stale_after")
	}
	if c.Recompute.BatchSize <= 0 {
		return fmt.Errorf("recompute.batch_size must be > 0")
	}
	if c.Extractor.Endpoint == "" {
		return fmt.Errorf("extractor.endpoint is required")
	}
	switch c.Publisher.Provider {
	case "none", "memory":
	case "pubsub":
		if c.Publisher.ProjectID == "" || c.Publisher.TopicID == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic_id are required for pubsub")
		}
	default:
		return fmt.Errorf("unknown publisher.provider %q", c.Publisher.Provider)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// HeartbeatInterval returns the effective heartbeat period. When unset it
// defaults to a third of the stale threshold so a worker gets at least two
// refresh opportunities before recovery would fire.
func (c Config) HeartbeatInterval() time.Duration {
	if c.Queue.HeartbeatInterval > 0 {
		return c.Queue.HeartbeatInterval
	}
	return c.Queue.StaleAfter / 3
}
