package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(NewConfig),
)

// Config holds all application configuration
type Config struct {
	// Server settings
	ServerPort    int    `env:"SERVER_PORT" envDefault:"8400"`
	ServerAddress string `env:"SERVER_ADDRESS" envDefault:"0.0.0.0"`
	Environment   string `env:"ENVIRONMENT" envDefault:"local"`
	Debug         bool   `env:"DEBUG" envDefault:"false"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	// Database settings
	Database DatabaseConfig

	// Branching engine settings
	Branching BranchingConfig

	// OpenTelemetry settings
	Otel OtelConfig

	// Server timeouts
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"120s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host         string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port         int           `env:"POSTGRES_PORT" envDefault:"5432"`
	User         string        `env:"POSTGRES_USER" envDefault:"gridplane"`
	Password     string        `env:"POSTGRES_PASSWORD" envDefault:""`
	Database     string        `env:"POSTGRES_DB" envDefault:"gridplane"`
	SSLMode      string        `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	MaxIdleTime  time.Duration `env:"DB_MAX_IDLE_TIME" envDefault:"5m"`
	QueryDebug   bool          `env:"DB_QUERY_DEBUG" envDefault:"false"`
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

// BranchingConfig holds settings for the schema branching engine.
type BranchingConfig struct {
	// MainSchema is the schema holding the authoritative dataset.
	MainSchema string `env:"BRANCH_MAIN_SCHEMA" envDefault:"public"`

	// SchemaPrefix is prepended to a branch's schema ID to derive its
	// physical schema name.
	SchemaPrefix string `env:"BRANCH_SCHEMA_PREFIX" envDefault:"branch_"`

	// SchemaIDLength is the length of the generated schema identifier.
	SchemaIDLength int `env:"BRANCH_SCHEMA_ID_LENGTH" envDefault:"8"`

	// Tables lists the branch-aware tables (unqualified names inside the
	// main schema). Join tables between two branch-aware tables are
	// discovered automatically during provisioning.
	Tables []string `env:"BRANCH_TABLES" envSeparator:","`

	// ChangeLogTable is the change-record table consumed by the engine.
	ChangeLogTable string `env:"BRANCH_CHANGELOG_TABLE" envDefault:"change_records"`

	// WorkerPollInterval is how often the provision worker polls the queue.
	WorkerPollInterval time.Duration `env:"BRANCH_WORKER_POLL_INTERVAL" envDefault:"2s"`
}

// NewConfig loads configuration from the environment
func NewConfig(log *slog.Logger) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	log.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.Int("port", cfg.ServerPort),
		slog.String("db_host", cfg.Database.Host),
		slog.String("schema_prefix", cfg.Branching.SchemaPrefix),
	)

	return cfg, nil
}
