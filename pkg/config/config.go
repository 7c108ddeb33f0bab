// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string `env:"SERVICE_NAME" envDefault:"be-loan-approvals"`
	Version     string `env:"SERVICE_VERSION" envDefault:"dev"`
	Environment string `env:"GO_APP_ENV" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// ServerConfig holds HTTP and gRPC listener settings.
type ServerConfig struct {
	Port            int           `env:"PORT" envDefault:"8086"`
	GRPCPort        int           `env:"GRPC_PORT" envDefault:"9086"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	RequestTimeout  time.Duration `env:"HTTP_REQUEST_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"20s"`
	CORSOrigins     []string      `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
}

// DatabaseConfig holds PostgreSQL connection and pool settings.
type DatabaseConfig struct {
	Host        string        `env:"DB_HOST" envDefault:"localhost"`
	Port        int           `env:"DB_PORT" envDefault:"5432"`
	User        string        `env:"DB_USER" envDefault:"postgres"`
	Password    string        `env:"DB_PASSWORD" envDefault:"postgres"`
	Database    string        `env:"DB_NAME" envDefault:"loan_approvals"`
	SSLMode     string        `env:"DB_SSLMODE" envDefault:"disable"`
	MaxConns    int32         `env:"DB_MAX_CONNS" envDefault:"10"`
	MinConns    int32         `env:"DB_MIN_CONNS" envDefault:"1"`
	MaxConnTime time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"30m"`
	MaxIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"5m"`
	HealthCheck time.Duration `env:"DB_HEALTH_CHECK_PERIOD" envDefault:"1m"`
}

// RedisConfig enables the tier catalog cache when URL is set.
type RedisConfig struct {
	URL          string        `env:"REDIS_URL"`
	TierCacheTTL time.Duration `env:"TIER_CACHE_TTL" envDefault:"30s"`
}

// NATSConfig enables workflow event publishing when URL is set.
type NATSConfig struct {
	URL           string `env:"NATS_URL"`
	SubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"loans.approvals"`
}

// CommitteeConfig tunes the committee vote.
type CommitteeConfig struct {
	// QuorumFraction: quorum is met once strictly more than this fraction of
	// active members have voted. 0.5 is a simple majority; 0.6 of ten members
	// needs seven votes. Parsed as an exact decimal.
	QuorumFraction decimal.Decimal `env:"COMMITTEE_QUORUM_FRACTION" envDefault:"0.5"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `env:"PROMETHEUS_METRICS_ENABLED" envDefault:"true"`
	Path    string `env:"PROMETHEUS_METRICS_PATH" envDefault:"/metrics"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled  bool   `env:"OTEL_ENABLED" envDefault:"false"`
	Endpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
}

// Config is the full service configuration.
type Config struct {
	Service   ServiceConfig
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	NATS      NATSConfig
	Committee CommitteeConfig
	Metrics   MetricsConfig
	Tracing   TracingConfig
}

// Load reads .env files (when present) and the process environment.
func Load() (*Config, error) {
	if err := loadEnvFiles(".env", ".env.local"); err != nil {
		return nil, err
	}
	return Parse()
}

// Parse reads configuration from the process environment only.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that env tags cannot express.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Server.Port)
	}
	if c.Server.GRPCPort <= 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid GRPC_PORT %d", c.Server.GRPCPort)
	}
	if c.Server.Port == c.Server.GRPCPort {
		return fmt.Errorf("PORT and GRPC_PORT must differ, both are %d", c.Server.Port)
	}
	if !c.Committee.QuorumFraction.IsPositive() || c.Committee.QuorumFraction.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("COMMITTEE_QUORUM_FRACTION must be in (0, 1), got %s", c.Committee.QuorumFraction)
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.Database.MinConns, c.Database.MaxConns)
	}
	return nil
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Service.Environment, "production")
}

func loadEnvFiles(files ...string) error {
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	return nil
}
