package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	NATS     NATSConfig     `yaml:"nats"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL     string `yaml:"url"`
	Migrate bool   `yaml:"migrate"`
}

// RedisConfig enables the profile cache when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// NATSConfig enables event publishing when URL is set.
type NATSConfig struct {
	URL   string `yaml:"url"`
	Audit bool   `yaml:"audit"`
}

type AuthConfig struct {
	JWTSecret       string        `yaml:"jwt_secret"`
	TokenTTL        time.Duration `yaml:"token_ttl"`
	SessionLifetime time.Duration `yaml:"session_lifetime"`
	AnonymitySecret string        `yaml:"anonymity_secret"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{Migrate: true},
		Redis:    RedisConfig{TTL: 5 * time.Minute},
		Auth: AuthConfig{
			TokenTTL:        24 * time.Hour,
			SessionLifetime: 24 * time.Hour,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse the config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setString("HTTP_ADDR", &c.HTTP.Addr)
	setString("DATABASE_URL", &c.Database.URL)
	setString("REDIS_ADDR", &c.Redis.Addr)
	setString("REDIS_PASSWORD", &c.Redis.Password)
	setString("NATS_URL", &c.NATS.URL)
	setString("JWT_SECRET", &c.Auth.JWTSecret)
	setString("ANON_SECRET", &c.Auth.AnonymitySecret)
	setString("LOG_LEVEL", &c.Log.Level)

	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid TRACING_ENABLED %q: %w", v, err)
		}
		c.Tracing.Enabled = enabled
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database url is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.Auth.AnonymitySecret == "" {
		errs = append(errs, errors.New("auth.anonymity_secret is required"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
