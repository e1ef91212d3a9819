// Package config loads static configuration for the oracle and the node agent.
//
// Values are resolved in three layers: built-in defaults, GREENCERT_*
// environment variables, then an optional YAML file. The result is passed
// around by value and never changes after Load returns.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aceteam-ai/greencert/internal/carbon"
	"github.com/aceteam-ai/greencert/internal/retry"
	"github.com/aceteam-ai/greencert/internal/store"
)

// Config is the complete greencert configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Providers ProvidersConfig `yaml:"providers"`
	Tables    carbon.Tables   `yaml:"tables"`
	Issuer    IssuerConfig    `yaml:"issuer"`
	Writeback WritebackConfig `yaml:"writeback"`
	Retry     RetryConfig     `yaml:"retry"`
	Agent     AgentConfig     `yaml:"agent"`
}

// ServerConfig configures the oracle API.
type ServerConfig struct {
	Addr            string  `yaml:"addr"`
	EnrollmentToken string  `yaml:"enrollment_token"`
	RateLimit       float64 `yaml:"rate_limit"`
	RateBurst       int     `yaml:"rate_burst"`
	MaxBodyBytes    int64   `yaml:"max_body_bytes"`
}

// DatabaseConfig selects the certificate store.
type DatabaseConfig struct {
	// Type is sqlite or postgres
	Type        string `yaml:"type"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// RedisConfig enables the Redis failure queue and issuance events.
// An empty URL disables both.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// ProvidersConfig holds carbon data provider credentials. A provider
// without credentials is left out of the cascade.
type ProvidersConfig struct {
	WattTime        WattTimeConfig        `yaml:"watttime"`
	ElectricityMaps ElectricityMapsConfig `yaml:"electricity_maps"`

	// Timeout bounds each provider call
	Timeout time.Duration `yaml:"timeout"`

	// BreakerFailures opens a provider's circuit after this many failures in a row
	BreakerFailures uint32 `yaml:"breaker_failures"`

	// BreakerCooldown is how long an open circuit stays open
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// WattTimeConfig holds WattTime credentials.
type WattTimeConfig struct {
	BaseURL  string `yaml:"base_url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Enabled reports whether credentials are present.
func (w WattTimeConfig) Enabled() bool {
	return w.Username != "" && w.Password != ""
}

// ElectricityMapsConfig holds the Electricity Maps API key.
type ElectricityMapsConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// Enabled reports whether an API key is present.
func (e ElectricityMapsConfig) Enabled() bool {
	return e.APIKey != ""
}

// IssuerConfig identifies the certificate issuer.
type IssuerConfig struct {
	// KeyPath holds the PKCS#8 signing key; created on first start
	KeyPath string `yaml:"key_path"`
	Name    string `yaml:"name"`
	DID     string `yaml:"did"`
}

// WritebackConfig configures deferred persistence.
type WritebackConfig struct {
	// SpoolPath is the JSON-lines failure queue used when Redis is off
	SpoolPath string `yaml:"spool_path"`
	QueueSize int    `yaml:"queue_size"`
}

// RetryConfig bounds store retries.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Initial  time.Duration `yaml:"initial"`
	Max      time.Duration `yaml:"max"`
}

// Policy converts the config into a retry policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{Attempts: r.Attempts, Initial: r.Initial, Max: r.Max}
}

// AgentConfig configures the node agent.
type AgentConfig struct {
	OracleURL       string        `yaml:"oracle_url"`
	EnrollmentToken string        `yaml:"enrollment_token"`
	NodeID          string        `yaml:"node_id"`
	Region          string        `yaml:"region"`
	ModelID         string        `yaml:"model_id"`
	Sampler         string        `yaml:"sampler"`
	GPUIndex        int           `yaml:"gpu_index"`
	Fallback        string        `yaml:"fallback"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	SessionLength   time.Duration `yaml:"session_length"`
	SyncInterval    time.Duration `yaml:"sync_interval"`
	OutboxPath      string        `yaml:"outbox_path"`

	// KeyPath persists the node key; empty means a fresh key every start
	KeyPath string `yaml:"key_path"`
}

// Dir returns the greencert state directory (~/.greencert).
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".greencert"
	}
	return filepath.Join(home, ".greencert")
}

// Default returns the built-in configuration with environment overrides
// applied.
func Default() Config {
	dir := getEnvOrDefault("GREENCERT_HOME", Dir())
	return Config{
		Server: ServerConfig{
			Addr:            getEnvOrDefault("GREENCERT_ADDR", ":8000"),
			EnrollmentToken: os.Getenv("GREENCERT_ENROLLMENT_TOKEN"),
			RateLimit:       getEnvFloat("GREENCERT_RATE_LIMIT", 20),
			RateBurst:       getEnvInt("GREENCERT_RATE_BURST", 40),
			MaxBodyBytes:    1 << 20,
		},
		Database: DatabaseConfig{
			Type:        getEnvOrDefault("GREENCERT_DB_TYPE", "sqlite"),
			SQLitePath:  getEnvOrDefault("GREENCERT_SQLITE_PATH", filepath.Join(dir, "greencert.db")),
			PostgresDSN: os.Getenv("GREENCERT_POSTGRES_DSN"),
		},
		Redis: RedisConfig{
			URL:      os.Getenv("GREENCERT_REDIS_URL"),
			Password: os.Getenv("GREENCERT_REDIS_PASSWORD"),
		},
		Providers: ProvidersConfig{
			WattTime: WattTimeConfig{
				Username: os.Getenv("WATTTIME_USERNAME"),
				Password: os.Getenv("WATTTIME_PASSWORD"),
			},
			ElectricityMaps: ElectricityMapsConfig{
				APIKey: os.Getenv("ELECTRICITY_MAPS_API_KEY"),
			},
			Timeout:         time.Duration(getEnvInt("GREENCERT_PROVIDER_TIMEOUT", 10)) * time.Second,
			BreakerFailures: 3,
			BreakerCooldown: 30 * time.Second,
		},
		Tables: carbon.DefaultTables(),
		Issuer: IssuerConfig{
			KeyPath: getEnvOrDefault("GREENCERT_ISSUER_KEY", filepath.Join(dir, "issuer.pem")),
		},
		Writeback: WritebackConfig{
			SpoolPath: getEnvOrDefault("GREENCERT_SPOOL_PATH", filepath.Join(dir, "spool", "persistence.jsonl")),
			QueueSize: 256,
		},
		Retry: RetryConfig{
			Attempts: getEnvInt("GREENCERT_RETRY_ATTEMPTS", 5),
			Initial:  200 * time.Millisecond,
			Max:      5 * time.Second,
		},
		Agent: AgentConfig{
			OracleURL:       getEnvOrDefault("GREENCERT_ORACLE_URL", "http://localhost:8000"),
			EnrollmentToken: os.Getenv("GREENCERT_ENROLLMENT_TOKEN"),
			NodeID:          os.Getenv("GREENCERT_NODE_ID"),
			Region:          getEnvOrDefault("GREENCERT_REGION", "us-east"),
			ModelID:         getEnvOrDefault("GREENCERT_MODEL_ID", "llama-3-8b"),
			Sampler:         getEnvOrDefault("GREENCERT_SAMPLER", "auto"),
			Fallback:        "last_known",
			PollInterval:    time.Second,
			SessionLength:   time.Duration(getEnvInt("GREENCERT_SESSION_SECONDS", 10)) * time.Second,
			SyncInterval:    30 * time.Second,
			OutboxPath:      getEnvOrDefault("GREENCERT_OUTBOX_PATH", filepath.Join(dir, "outbox.db")),
			KeyPath:         os.Getenv("GREENCERT_NODE_KEY"),
		},
	}
}

// Load returns Default overlaid with the YAML file at path. An empty path
// skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return ErrInvalidAddr
	}
	switch c.Database.Type {
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return ErrMissingSQLitePath
		}
	case "postgres":
		if c.Database.PostgresDSN == "" {
			return ErrMissingDSN
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDatabase, c.Database.Type)
	}
	if _, ok := c.Tables.RegionalAverages[carbon.DefaultRegion]; !ok {
		return ErrMissingDefaultAverage
	}
	for region, v := range c.Tables.RegionalAverages {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return fmt.Errorf("%w: %s = %v", ErrInvalidIntensity, region, v)
		}
	}
	if c.Retry.Attempts < 1 || c.Retry.Initial <= 0 || c.Retry.Max <= 0 {
		return ErrInvalidRetry
	}
	if c.Agent.PollInterval <= 0 || c.Agent.SyncInterval <= 0 {
		return ErrInvalidInterval
	}
	return nil
}

// Store returns the database section in the shape the store expects.
func (c Config) Store() store.Config {
	return store.Config{
		Type:        c.Database.Type,
		SQLitePath:  c.Database.SQLitePath,
		PostgresDSN: c.Database.PostgresDSN,
	}
}

// getEnvOrDefault returns the environment variable value or a default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as an int or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns the environment variable as a float or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
