package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `env:",prefix=SERVER_"`

	// Database configuration
	Database DatabaseConfig `env:",prefix=DB_"`

	// Application configuration
	App AppConfig `env:",prefix=APP_"`

	// Expiry sweeper configuration
	Sweep SweepConfig `env:",prefix=SWEEP_"`

	// External gateway configuration
	Gateway GatewayConfig `env:",prefix=GATEWAY_"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port         string `env:"PORT,default=8080"`
	Host         string `env:"HOST,default=0.0.0.0"`
	ReadTimeout  int    `env:"READ_TIMEOUT,default=30"`  // seconds
	WriteTimeout int    `env:"WRITE_TIMEOUT,default=30"` // seconds
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string `env:"HOST,default=localhost"`
	Port     string `env:"PORT,default=5432"`
	User     string `env:"USER,default=postgres"`
	Password string `env:"PASSWORD,default=postgres"`
	Name     string `env:"NAME,default=promo_engine"`
	SSLMode  string `env:"SSL_MODE,default=disable"`
	MaxConns int    `env:"MAX_CONNS,default=25"`
	MinConns int    `env:"MIN_CONNS,default=5"`
}

// AppConfig holds application-specific configuration
type AppConfig struct {
	Environment string `env:"ENVIRONMENT,default=development"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`
	Debug       bool   `env:"DEBUG,default=false"`

	// JoinCodeSecret keys the AES permutation behind shareable join
	// codes. Any stable 16+ byte string works; rotating it only
	// affects codes minted after the rotation.
	JoinCodeSecret string `env:"JOIN_CODE_SECRET,default=promo-join-code-secret-key"`
}

// SweepConfig holds expiry sweeper configuration
type SweepConfig struct {
	Interval          time.Duration `env:"INTERVAL,default=1m"`
	BatchSize         int           `env:"BATCH_SIZE,default=100"`
	RefundAttempts    int           `env:"REFUND_ATTEMPTS,default=3"`
	RefundBackoffBase time.Duration `env:"REFUND_BACKOFF_BASE,default=500ms"`
}

// GatewayConfig holds external gateway endpoints
type GatewayConfig struct {
	NotificationURL string        `env:"NOTIFICATION_URL,default=http://localhost:9101/notify"`
	RefundURL       string        `env:"REFUND_URL,default=http://localhost:9102/refund"`
	Timeout         time.Duration `env:"TIMEOUT,default=10s"`
}

// Load loads configuration from environment variables
func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}
	return &cfg, nil
}

// GetDatabaseURL returns the PostgreSQL connection URL
func (c *DatabaseConfig) GetDatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// IsDevelopment returns true if running in development environment
func (c *AppConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production environment
func (c *AppConfig) IsProduction() bool {
	return c.Environment == "production"
}
