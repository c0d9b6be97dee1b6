// Package config provides Viper-based configuration loading for the broker.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// HTTPConfig holds settings for the HTTP listener that serves the websocket
// upgrade endpoint and the internal matcher API.
type HTTPConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// ReadTimeout is the per-request read timeout.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the per-request write timeout.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// RedisConfig holds Redis connection settings for the queue-stats cache and
// cross-instance fan-out.
type RedisConfig struct {
	// URL is the redis:// connection string.
	URL string `mapstructure:"url"`
}

// AuthConfig holds credential verification settings.
type AuthConfig struct {
	// Secret is the HMAC key used to verify connection tokens. The token
	// issuer lives outside this service; the broker only verifies.
	Secret string `mapstructure:"secret"`
	// Issuer is the expected "iss" claim on presented tokens.
	Issuer string `mapstructure:"issuer"`
}

// QueueConfig holds matchmaking queue broadcast settings.
type QueueConfig struct {
	// StatsDebounce is the window within which queue-stats recompute
	// triggers for the same game are coalesced into a single publish.
	StatsDebounce time.Duration `mapstructure:"stats_debounce"`
	// EstimatorScript is an optional Lua script path overriding the
	// built-in wait-time heuristic; empty means the built-in is used.
	EstimatorScript string `mapstructure:"estimator_script"`
}

// GatewayConfig holds websocket connection settings.
type GatewayConfig struct {
	// ReadDeadline is how long a connection may stay silent before it is
	// considered dead; pongs reset the deadline.
	ReadDeadline time.Duration `mapstructure:"read_deadline"`
	// PingInterval is how often the server pings each connection.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// SendBuffer is the per-connection outbound event buffer size.
	SendBuffer int `mapstructure:"send_buffer"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// ContentConfig holds content file locations.
type ContentConfig struct {
	// GamesFile is the YAML catalog of supported games and modes.
	GamesFile string `mapstructure:"games_file"`
}

// Config is the top-level application configuration.
type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Content  ContentConfig  `mapstructure:"content"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateHTTP(c.HTTP); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateDatabase(c.Database); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateAuth(c.Auth); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateQueue(c.Queue); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateGateway(c.Gateway); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateHTTP(h HTTPConfig) error {
	var errs []string
	if h.Port < 1 || h.Port > 65535 {
		errs = append(errs, fmt.Sprintf("http.port must be 1-65535, got %d", h.Port))
	}
	if h.ReadTimeout < 0 {
		errs = append(errs, "http.read_timeout must not be negative")
	}
	if h.WriteTimeout < 0 {
		errs = append(errs, "http.write_timeout must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateAuth(a AuthConfig) error {
	var errs []string
	if a.Secret == "" {
		errs = append(errs, "auth.secret must not be empty")
	}
	if a.Issuer == "" {
		errs = append(errs, "auth.issuer must not be empty")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateQueue(q QueueConfig) error {
	if q.StatsDebounce < 0 {
		return errors.New("queue.stats_debounce must not be negative")
	}
	return nil
}

func validateGateway(g GatewayConfig) error {
	var errs []string
	if g.ReadDeadline <= 0 {
		errs = append(errs, "gateway.read_deadline must be positive")
	}
	if g.PingInterval <= 0 {
		errs = append(errs, "gateway.ping_interval must be positive")
	}
	if g.PingInterval > 0 && g.ReadDeadline > 0 && g.PingInterval >= g.ReadDeadline {
		errs = append(errs, "gateway.ping_interval must be shorter than gateway.read_deadline")
	}
	if g.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("gateway.send_buffer must be >= 1, got %d", g.SendBuffer))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with SQUADMATE_ prefix
	v.SetEnvPrefix("SQUADMATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "squadmate")
	v.SetDefault("database.password", "squadmate")
	v.SetDefault("database.name", "squadmate")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("redis.url", "redis://localhost:6379")

	v.SetDefault("auth.issuer", "squadmate")

	v.SetDefault("queue.stats_debounce", "250ms")
	v.SetDefault("queue.estimator_script", "")

	v.SetDefault("gateway.read_deadline", "60s")
	v.SetDefault("gateway.ping_interval", "30s")
	v.SetDefault("gateway.send_buffer", 64)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("content.games_file", "content/games.yaml")
}
