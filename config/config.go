// Package config loads the daemon configuration from a TOML file with
// environment overrides for deployment-sensitive values.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root daemon configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Billing   BillingConfig   `toml:"billing"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Gateway   GatewayConfig   `toml:"gateway"`
	Auth      AuthConfig      `toml:"auth"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type DatabaseConfig struct {
	URL      string `toml:"url"`
	MaxConns int32  `toml:"max_conns"`
}

// BillingConfig carries platform-wide pricing and escrow defaults. The tax
// rate is a percentage applied on top of the computed base amount; holding
// and auto-approval windows are independent knobs (one is not required to
// exceed the other).
type BillingConfig struct {
	Currency           string `toml:"currency"`
	TaxRatePercent     string `toml:"tax_rate_percent"`
	DefaultHoldingDays int    `toml:"default_holding_days"`
	AutoApproveDays    int    `toml:"auto_approve_days"`
	DisputeSLADays     int    `toml:"dispute_sla_days"`
	MaxRetries         int    `toml:"max_retries"`
}

type SchedulerConfig struct {
	Interval  duration `toml:"interval"`
	BatchSize int      `toml:"batch_size"`
}

// GatewayConfig configures the payment-gateway adapter. Secret signs and
// verifies the dev gateway's capture proofs and transfer ids.
type GatewayConfig struct {
	Secret string `toml:"secret"`
}

type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
}

// duration lets TOML carry values like "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Server:   ServerConfig{Addr: "127.0.0.1:8480"},
		Database: DatabaseConfig{MaxConns: 8},
		Billing: BillingConfig{
			Currency:           "INR",
			TaxRatePercent:     "18",
			DefaultHoldingDays: 7,
			AutoApproveDays:    3,
			DisputeSLADays:     14,
			MaxRetries:         3,
		},
		Scheduler: SchedulerConfig{
			Interval:  duration{30 * time.Second},
			BatchSize: 50,
		},
		Gateway: GatewayConfig{Secret: "dev-gateway-secret"},
	}
}

// Load parses the TOML file at path on top of defaults. An empty path yields
// defaults. DATABASE_URL and LEXFLOW_JWT_SECRET override their file values.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if secret := os.Getenv("LEXFLOW_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if secret := os.Getenv("LEXFLOW_GATEWAY_SECRET"); secret != "" {
		cfg.Gateway.Secret = secret
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr required")
	}
	if c.Billing.DefaultHoldingDays < 0 {
		return fmt.Errorf("config: billing.default_holding_days must be >= 0")
	}
	if c.Billing.AutoApproveDays <= 0 {
		return fmt.Errorf("config: billing.auto_approve_days must be > 0")
	}
	if c.Billing.DisputeSLADays <= 0 {
		return fmt.Errorf("config: billing.dispute_sla_days must be > 0")
	}
	if c.Billing.MaxRetries <= 0 {
		return fmt.Errorf("config: billing.max_retries must be > 0")
	}
	if c.Scheduler.Interval.Duration <= 0 {
		return fmt.Errorf("config: scheduler.interval must be positive")
	}
	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("config: scheduler.batch_size must be positive")
	}
	return nil
}

// SchedulerInterval exposes the tick period as a plain time.Duration.
func (c Config) SchedulerInterval() time.Duration {
	return c.Scheduler.Interval.Duration
}
