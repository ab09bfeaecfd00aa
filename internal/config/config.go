// Package config loads server configuration from YAML and ENCOUNTER_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Saves     SavesConfig     `mapstructure:"saves"`
}

// ServerConfig groups the listeners.
type ServerConfig struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	// ShutdownTimeout bounds graceful shutdown of every listener.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// HTTPConfig configures the REST listener.
type HTTPConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// GRPCConfig configures the gRPC listener.
type GRPCConfig struct {
	Address              string        `mapstructure:"address"`
	MaxConcurrentStreams int           `mapstructure:"max_concurrent_streams"`
	KeepaliveTime        time.Duration `mapstructure:"keepalive_time"`
	KeepaliveTimeout     time.Duration `mapstructure:"keepalive_timeout"`
}

// WebSocketConfig configures the change stream served on the HTTP listener.
type WebSocketConfig struct {
	Path            string        `mapstructure:"path"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// DatabaseConfig configures the Postgres pool.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	Migrate         bool          `mapstructure:"migrate"`
}

// Storage drivers.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// StorageConfig selects the combat store.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	Audience  string        `mapstructure:"audience"`
	Leeway    time.Duration `mapstructure:"leeway"`
}

// WindowConfig is one rate-limit budget.
type WindowConfig struct {
	MaxRequests int           `mapstructure:"max_requests"`
	Period      time.Duration `mapstructure:"period"`
}

// RateLimitConfig configures the per-user budgets.
type RateLimitConfig struct {
	Combat         WindowConfig `mapstructure:"combat"`
	Standard       WindowConfig `mapstructure:"standard"`
	Strict         WindowConfig `mapstructure:"strict"`
	PruneThreshold int          `mapstructure:"prune_threshold"`
}

// EngineConfig tunes the per-encounter actors.
type EngineConfig struct {
	QueueSize        int           `mapstructure:"queue_size"`
	ActorIdleTimeout time.Duration `mapstructure:"actor_idle_timeout"`
	UndoDepth        int           `mapstructure:"undo_depth"`
	// DiceSeed seeds the initiative roller; 0 seeds from the clock.
	DiceSeed int64 `mapstructure:"dice_seed"`
}

// SavesConfig controls save-prompt auto resolution.
type SavesConfig struct {
	ResolveWhenAllResponded bool          `mapstructure:"resolve_when_all_responded"`
	ExpireAfter             time.Duration `mapstructure:"expire_after"`
}

// Load reads path (optional when empty) and overlays the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ENCOUNTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http.address", ":8080")
	v.SetDefault("server.http.read_timeout", 15*time.Second)
	v.SetDefault("server.http.write_timeout", 15*time.Second)
	v.SetDefault("server.grpc.address", ":9090")
	v.SetDefault("server.grpc.max_concurrent_streams", 1000)
	v.SetDefault("server.grpc.keepalive_time", 30*time.Second)
	v.SetDefault("server.grpc.keepalive_timeout", 10*time.Second)
	v.SetDefault("server.websocket.path", "/v1/encounters/:id/stream")
	v.SetDefault("server.websocket.read_buffer_size", 1024)
	v.SetDefault("server.websocket.write_buffer_size", 1024)
	v.SetDefault("server.websocket.send_buffer", 64)
	v.SetDefault("server.websocket.ping_interval", 30*time.Second)
	v.SetDefault("server.websocket.write_timeout", 10*time.Second)
	v.SetDefault("server.websocket.allowed_origins", []string{})
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.max_conn_idle_time", 30*time.Minute)
	v.SetDefault("database.connect_timeout", 5*time.Second)
	v.SetDefault("database.migrate", true)

	v.SetDefault("storage.driver", StorageMemory)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.leeway", 30*time.Second)

	v.SetDefault("rate_limit.combat.max_requests", 100)
	v.SetDefault("rate_limit.combat.period", time.Minute)
	v.SetDefault("rate_limit.standard.max_requests", 60)
	v.SetDefault("rate_limit.standard.period", time.Minute)
	v.SetDefault("rate_limit.strict.max_requests", 10)
	v.SetDefault("rate_limit.strict.period", time.Minute)
	v.SetDefault("rate_limit.prune_threshold", 10000)

	v.SetDefault("engine.queue_size", 32)
	v.SetDefault("engine.actor_idle_timeout", 5*time.Minute)
	v.SetDefault("engine.undo_depth", 50)
	v.SetDefault("engine.dice_seed", 0)

	v.SetDefault("saves.resolve_when_all_responded", true)
	v.SetDefault("saves.expire_after", 10*time.Minute)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.HTTP.Address == "" {
		errs = append(errs, errors.New("server.http.address is required"))
	}
	if c.Server.GRPC.Address == "" {
		errs = append(errs, errors.New("server.grpc.address is required"))
	}
	if c.Server.GRPC.MaxConcurrentStreams <= 0 {
		errs = append(errs, errors.New("server.grpc.max_concurrent_streams must be positive"))
	}
	if c.Server.WebSocket.SendBuffer <= 0 {
		errs = append(errs, errors.New("server.websocket.send_buffer must be positive"))
	}

	switch c.Storage.Driver {
	case StorageMemory:
	case StoragePostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be %q or %q", StorageMemory, StoragePostgres))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format %q is not json or console", c.Logging.Format))
	}

	if len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 16 bytes"))
	}

	for name, w := range map[string]WindowConfig{
		"combat":   c.RateLimit.Combat,
		"standard": c.RateLimit.Standard,
		"strict":   c.RateLimit.Strict,
	} {
		if w.MaxRequests <= 0 || w.Period <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit.%s needs positive max_requests and period", name))
		}
	}

	if c.Engine.QueueSize <= 0 {
		errs = append(errs, errors.New("engine.queue_size must be positive"))
	}
	if c.Engine.ActorIdleTimeout <= 0 {
		errs = append(errs, errors.New("engine.actor_idle_timeout must be positive"))
	}
	if c.Engine.UndoDepth <= 0 {
		errs = append(errs, errors.New("engine.undo_depth must be positive"))
	}
	if c.Saves.ExpireAfter < 0 {
		errs = append(errs, errors.New("saves.expire_after must not be negative"))
	}
	return errors.Join(errs...)
}
