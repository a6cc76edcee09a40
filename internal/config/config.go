// Package config provides environment-aware configuration for the CA
// daemon: typed sections decoded from environment variables (with an
// optional YAML file overlay loaded first), following the conventions of
// the service layer this project is descended from.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rpki-io/krillgo/internal/logging"
)

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string `yaml:"host" env:"SERVER_HOST"`
	Port int    `yaml:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls Aggregate Store persistence.
type DatabaseConfig struct {
	DSN             string `yaml:"dsn" env:"DATABASE_DSN"`
	Host            string `yaml:"host" env:"DATABASE_HOST"`
	Port            int    `yaml:"port" env:"DATABASE_PORT"`
	User            string `yaml:"user" env:"DATABASE_USER"`
	Password        string `yaml:"password" env:"DATABASE_PASSWORD"`
	Name            string `yaml:"name" env:"DATABASE_NAME"`
	SSLMode         string `yaml:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// ConnectionString builds a libpq DSN from host-style fields. Ignored when
// DSN is already set.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// RedisConfig controls the façade's cross-process lease cache.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// AuthConfig controls HTTP API authentication.
type AuthConfig struct {
	JWTSecret    string `yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
	TokenIssuer  string `yaml:"token_issuer" env:"AUTH_TOKEN_ISSUER"`
	RateLimitRPS int    `yaml:"rate_limit_rps" env:"AUTH_RATE_LIMIT_RPS"`
}

// SchedulerConfig controls the three periodic tasks of spec.md §4.5.
type SchedulerConfig struct {
	DrainInterval     string `yaml:"drain_interval" env:"SCHEDULER_DRAIN_INTERVAL"`
	RefreshInterval   string `yaml:"refresh_interval" env:"SCHEDULER_REFRESH_INTERVAL"`
	RepublishInterval string `yaml:"republish_interval" env:"SCHEDULER_REPUBLISH_INTERVAL"`
}

// Config is the top-level configuration structure for the CA daemon.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   logging.Config  `yaml:"logging"`
	Auth      AuthConfig      `yaml:"auth"`
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// RsyncBase is the rsync URI prefix new publisher jails must fall
	// under (spec.md §4.3).
	RsyncBase string `yaml:"rsync_base" env:"RSYNC_BASE"`
	// RRDPBase is the base HTTPS URL notification.xml is served from.
	RRDPBase string `yaml:"rrdp_base" env:"RRDP_BASE"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: logging.Config{Level: "info", Format: "text", Output: "stdout", FilePrefix: "krillgo"},
		Auth:    AuthConfig{RateLimitRPS: 20},
		Scheduler: SchedulerConfig{
			DrainInterval:     "1s",
			RefreshInterval:   "10m",
			RepublishInterval: "1h",
		},
		RsyncBase: "rsync://localhost/repo/",
		RRDPBase:  "https://localhost/rrdp/",
	}
}

// Load loads an optional .env file, an optional YAML file (CONFIG_FILE env
// var, or configs/config.yaml if present), then applies environment
// variable overrides.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "configs/config.yaml"
	}
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil && !strings.Contains(err.Error(), "no target field") {
		return nil, fmt.Errorf("decode env: %w", err)
	}

	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}

	return cfg, nil
}

// LoadFile reads configuration from an explicit YAML path, skipping
// environment decoding. Used by tests and the CLI's --config flag.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
