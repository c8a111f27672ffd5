// Package config loads the entitlement service configuration from an optional
// YAML file and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Storage drivers
const (
	DriverMemory    = "memory"
	DriverPostgres  = "postgres"
	DriverRedis     = "redis"
	DriverFirestore = "firestore"
	DriverTiered    = "tiered"
)

// Config is the full service configuration
type Config struct {
	Env        string `yaml:"env" env:"ENV" env-default:"local"`
	HTTPServer `yaml:"http_server"`
	Storage    `yaml:"storage"`
	AppStore   `yaml:"app_store"`
	Log        `yaml:"log"`
	Metrics    `yaml:"metrics"`
	Cache      `yaml:"cache"`
	Breaker    `yaml:"circuit_breaker"`

	Notifications `yaml:"notifications"`
}

// HTTPServer configures the listener
type HTTPServer struct {
	Address         string        `yaml:"address" env:"HTTP_ADDRESS" env-default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT" env-default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"HTTP_IDLE_TIMEOUT" env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"15s"`
}

// Storage selects and configures the persistence backend
type Storage struct {
	Driver string `yaml:"driver" env:"STORAGE_DRIVER" env-default:"memory"`

	// Hot is the read tier when Driver is "tiered"
	Hot string `yaml:"hot" env:"STORAGE_HOT" env-default:"redis"`
	// Cold is the durable tier when Driver is "tiered"
	Cold string `yaml:"cold" env:"STORAGE_COLD" env-default:"postgres"`

	Postgres  `yaml:"postgres"`
	Redis     `yaml:"redis"`
	Firestore `yaml:"firestore"`
}

// Postgres configures storage/postgres
type Postgres struct {
	DSN             string        `yaml:"dsn" env:"POSTGRES_DSN"`
	MaxConns        int32         `yaml:"max_conns" env:"POSTGRES_MAX_CONNS" env-default:"10"`
	MinConns        int32         `yaml:"min_conns" env:"POSTGRES_MIN_CONNS" env-default:"2"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" env:"POSTGRES_MAX_CONN_LIFETIME" env-default:"1h"`
	AutoMigrate     bool          `yaml:"auto_migrate" env:"POSTGRES_AUTO_MIGRATE" env-default:"true"`
}

// Redis configures storage/redis
type Redis struct {
	Address   string        `yaml:"address" env:"REDIS_ADDRESS" env-default:"localhost:6379"`
	Password  string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB        int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
	KeyPrefix string        `yaml:"key_prefix" env:"REDIS_KEY_PREFIX" env-default:"goentitle:"`
	RecordTTL time.Duration `yaml:"record_ttl" env:"REDIS_RECORD_TTL" env-default:"0s"`
}

// Firestore configures storage/firestore
type Firestore struct {
	ProjectID string `yaml:"project_id" env:"FIRESTORE_PROJECT_ID"`
}

// AppStore configures signed transaction verification
type AppStore struct {
	BundleID          string   `yaml:"bundle_id" env:"APPSTORE_BUNDLE_ID"`
	ProductionAnchors []string `yaml:"production_anchors" env:"APPSTORE_PRODUCTION_ANCHORS" env-separator:","`
	SandboxAnchors    []string `yaml:"sandbox_anchors" env:"APPSTORE_SANDBOX_ANCHORS" env-separator:","`
	RequireMarkerOIDs bool     `yaml:"require_marker_oids" env:"APPSTORE_REQUIRE_MARKER_OIDS" env-default:"true"`
}

// Log configures the zerolog logger
type Log struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Pretty bool   `yaml:"pretty" env:"LOG_PRETTY" env-default:"false"`
}

// Metrics configures the prometheus adapter
type Metrics struct {
	Enabled   bool   `yaml:"enabled" env:"METRICS_ENABLED" env-default:"true"`
	Namespace string `yaml:"namespace" env:"METRICS_NAMESPACE" env-default:"goentitle"`
}

// Cache configures the last-known-good record cache
type Cache struct {
	Enabled    bool          `yaml:"enabled" env:"CACHE_ENABLED" env-default:"true"`
	TTL        time.Duration `yaml:"ttl" env:"CACHE_TTL" env-default:"5m"`
	MaxRecords int           `yaml:"max_records" env:"CACHE_MAX_RECORDS" env-default:"10000"`
}

// Breaker configures the storage circuit breaker
type Breaker struct {
	Enabled          bool          `yaml:"enabled" env:"CIRCUIT_BREAKER_ENABLED" env-default:"true"`
	FailureThreshold int           `yaml:"failure_threshold" env:"CIRCUIT_BREAKER_FAILURE_THRESHOLD" env-default:"5"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" env:"CIRCUIT_BREAKER_RESET_TIMEOUT" env-default:"30s"`
}

// Notifications configures the server notification endpoint
type Notifications struct {
	RateLimit  int           `yaml:"rate_limit" env:"NOTIFICATIONS_RATE_LIMIT" env-default:"100"`
	RateWindow time.Duration `yaml:"rate_window" env:"NOTIFICATIONS_RATE_WINDOW" env-default:"1m"`
}

// Load reads the YAML file named by CONFIG_PATH, when set, and applies
// environment overrides. Without CONFIG_PATH only the environment is read.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("CONFIG_PATH"))
}

// LoadFile reads path, when not empty, and applies environment overrides
func LoadFile(path string) (*Config, error) {
	var cfg Config

	if path == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("cannot read environment: %w", err)
		}
	} else {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("cannot read config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks driver selections and their required settings
func (c *Config) Validate() error {
	if err := c.Storage.validateDriver(c.Storage.Driver); err != nil {
		return err
	}
	if c.Storage.Driver == DriverTiered {
		if c.Storage.Hot == DriverTiered || c.Storage.Cold == DriverTiered {
			return errors.New("tiered storage cannot nest another tiered storage")
		}
		if err := c.Storage.validateDriver(c.Storage.Hot); err != nil {
			return fmt.Errorf("hot tier: %w", err)
		}
		if err := c.Storage.validateDriver(c.Storage.Cold); err != nil {
			return fmt.Errorf("cold tier: %w", err)
		}
	}
	if len(c.AppStore.ProductionAnchors) == 0 && len(c.AppStore.SandboxAnchors) == 0 {
		return errors.New("at least one of app_store.production_anchors and app_store.sandbox_anchors is required")
	}
	return nil
}

func (s *Storage) validateDriver(driver string) error {
	switch driver {
	case DriverMemory, DriverRedis, DriverTiered:
		return nil
	case DriverPostgres:
		if s.Postgres.DSN == "" {
			return errors.New("storage.postgres.dsn is required for the postgres driver")
		}
		return nil
	case DriverFirestore:
		if s.Firestore.ProjectID == "" {
			return errors.New("storage.firestore.project_id is required for the firestore driver")
		}
		return nil
	default:
		return fmt.Errorf("unknown storage driver %q", driver)
	}
}
