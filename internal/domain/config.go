package domain

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds the complete Canomaly configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier" yaml:"tier" env:"CANOMALY_TIER"`

	// Scoring model
	Model ModelConfig `json:"model" yaml:"model"`

	// Component configurations
	Repository  RepositoryConfig  `json:"repository" yaml:"repository"`
	Cache       CacheConfig       `json:"cache" yaml:"cache"`
	EventBus    EventBusConfig    `json:"eventBus" yaml:"event_bus"`
	Persistence PersistenceConfig `json:"persistence" yaml:"persistence"`
	Velocity    VelocityConfig    `json:"velocity" yaml:"velocity"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// NormalizationMode selects the reference used to turn raw anomaly scores into risk scores.
type NormalizationMode string

const (
	// NormalizeReference scores against the training-time score range stored in the artifact.
	NormalizeReference NormalizationMode = "reference"

	// NormalizeBatch scores against the min/max of the scores in the current call.
	// A single request always yields risk score 0 in this mode.
	NormalizeBatch NormalizationMode = "batch"
)

// ModelConfig locates the pre-trained outlier model artifact.
type ModelConfig struct {
	Path          string            `json:"path" yaml:"path" env:"CANOMALY_MODEL_PATH"`
	Normalization NormalizationMode `json:"normalization" yaml:"normalization" env:"CANOMALY_NORMALIZATION"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host" env:"CANOMALY_HOST"`
	Port         int    `json:"port" yaml:"port" env:"CANOMALY_PORT"`
	ReadTimeout  int    `json:"readTimeout" yaml:"read_timeout" env:"CANOMALY_READ_TIMEOUT"`    // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"write_timeout" env:"CANOMALY_WRITE_TIMEOUT"` // seconds
}

// PersistenceConfig bounds retries of the purchase write that follows scoring.
type PersistenceConfig struct {
	RetryAttempts  int           `json:"retryAttempts" yaml:"retry_attempts" env:"CANOMALY_PERSIST_RETRY_ATTEMPTS"`
	RetryBaseDelay time.Duration `json:"retryBaseDelay" yaml:"retry_base_delay" env:"CANOMALY_PERSIST_RETRY_BASE_DELAY"`
	IdempotencyTTL time.Duration `json:"idempotencyTtl" yaml:"idempotency_ttl" env:"CANOMALY_IDEMPOTENCY_TTL"`
}

// VelocityConfig sets the purchase velocity window.
type VelocityConfig struct {
	Window time.Duration `json:"window" yaml:"window" env:"CANOMALY_VELOCITY_WINDOW"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"CANOMALY_LOG_LEVEL"`    // debug, info, warn, error
	Format string `json:"format" yaml:"format" env:"CANOMALY_LOG_FORMAT"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled" env:"CANOMALY_TRACING_ENABLED"`
	ServiceName  string `json:"serviceName" yaml:"service_name" env:"CANOMALY_SERVICE_NAME"`
	ExporterType string `json:"exporterType" yaml:"exporter_type" env:"CANOMALY_TRACING_EXPORTER"` // otlp
	Endpoint     string `json:"endpoint" yaml:"endpoint" env:"CANOMALY_TRACING_ENDPOINT"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + in-memory cache + channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + Redis + NATS
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Model: ModelConfig{
			Path:          "./canomaly.json.gz",
			Normalization: NormalizeReference,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./canomaly.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Persistence: PersistenceConfig{
			RetryAttempts:  3,
			RetryBaseDelay: 100 * time.Millisecond,
			IdempotencyTTL: 24 * time.Hour,
		},
		Velocity: VelocityConfig{
			Window: time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "canomaly",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "canomaly",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// LoadConfig builds the configuration from tier defaults, an optional
// config file (CANOMALY_CONFIG, yaml or json) and environment overrides.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()
	if Tier(os.Getenv("CANOMALY_TIER")) == TierPro {
		cfg = ProConfig()
	}

	if path := os.Getenv("CANOMALY_CONFIG"); path != "" {
		// ReadConfig also applies environment overrides after the file.
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Model.Path == "" {
		return fmt.Errorf("model path is required")
	}
	switch c.Model.Normalization {
	case NormalizeReference, NormalizeBatch:
	default:
		return fmt.Errorf("unsupported normalization mode: %s", c.Model.Normalization)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Persistence.RetryAttempts < 1 {
		c.Persistence.RetryAttempts = 1
	}
	return nil
}
