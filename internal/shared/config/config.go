package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is the process configuration, read from the environment (and an optional .env file).
type Config struct {
	Env      string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":9000"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	DBHost     string `envconfig:"DB_HOST" default:"localhost"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"postgres"`
	DBPassword string `envconfig:"DB_PASSWORD"`
	DBName     string `envconfig:"DB_NAME" default:"livestock"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
	DBMaxConns int32  `envconfig:"DB_MAX_CONNS" default:"10"`

	MigrationsPath string `envconfig:"MIGRATIONS_PATH" default:"file://internal/shared/db/migrations/sql"`

	// Outcome events are only published when RabbitURL is set.
	RabbitURL      string `envconfig:"RABBIT_URL"`
	RabbitExchange string `envconfig:"RABBIT_EXCHANGE" default:"auction.events"`

	// Tracing is only exported when OTLPEndpoint is set.
	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `envconfig:"OTEL_INSECURE" default:"true"`
	ServiceName  string `envconfig:"OTEL_SERVICE_NAME" default:"livestock-bidding"`
	Version      string `envconfig:"APP_VERSION" default:"dev"`

	RecentBidLimit   int           `envconfig:"RECENT_BID_LIMIT" default:"100"`
	LotQueueSize     int           `envconfig:"LOT_QUEUE_SIZE" default:"64"`
	OutboxSize       int           `envconfig:"OUTBOX_SIZE" default:"4096"`
	OutboxMaxElapsed time.Duration `envconfig:"OUTBOX_MAX_ELAPSED" default:"2m"`

	// FinalizeFlushTimeout bounds how long finalization waits for pending bid writes.
	FinalizeFlushTimeout time.Duration `envconfig:"FINALIZE_FLUSH_TIMEOUT" default:"30s"`
}

// Load reads the .env file if present and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "test", "production":
	default:
		return fmt.Errorf("unsupported APP_ENV %q", c.Env)
	}
	if c.RecentBidLimit <= 0 {
		return errors.New("RECENT_BID_LIMIT must be positive")
	}
	if c.LotQueueSize <= 0 {
		return errors.New("LOT_QUEUE_SIZE must be positive")
	}
	if c.OutboxSize <= 0 {
		return errors.New("OUTBOX_SIZE must be positive")
	}
	if c.OutboxMaxElapsed <= 0 {
		return errors.New("OUTBOX_MAX_ELAPSED must be positive")
	}
	if c.FinalizeFlushTimeout <= 0 {
		return errors.New("FINALIZE_FLUSH_TIMEOUT must be positive")
	}
	return nil
}

// PostgresDSN returns the connection URL used by both pgx and golang-migrate.
// Credentials are escaped, so passwords may contain URL delimiters.
func (c *Config) PostgresDSN() string {
	dsn := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     net.JoinHostPort(c.DBHost, strconv.Itoa(c.DBPort)),
		Path:     "/" + c.DBName,
		RawQuery: url.Values{"sslmode": {c.DBSSLMode}}.Encode(),
	}
	return dsn.String()
}
