/*
Package config loads server configuration.

SOURCES (later wins):
  1. defaults below
  2. .env file, if present (loaded into the process environment)
  3. BILLING_* environment variables, e.g. BILLING_DB_DRIVER=postgres
  4. command-line flags applied by cmd/server

KEYS:
  http.port           HTTP port (8080)
  db.driver           sqlite | postgres | memory (sqlite)
  db.path             SQLite file (billing.db)
  db.dsn              PostgreSQL DSN
  redis.url           enables the balance cache when set
  cache.ttl           balance cache TTL (5m)
  sendgrid.api_key    enables e-mail receipts when set
  mail.from           sender address
  mail.from_name      sender name
  midtrans.server_key enables the Midtrans confirmation endpoint when set
  midtrans.production Midtrans environment (false = sandbox)
  billing.currency    ISO code for all amounts (BHD)
  billing.timezone    calendar used for due dates (UTC)
  outbox.interval     relay poll interval (1m)
  outbox.batch_size   relay batch size (50)
  outbox.max_attempts delivery attempts before a receipt is abandoned (5)
  log.development     human-readable logs
*/
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "BILLING"

type Config struct {
	HTTP     HTTPConfig
	DB       DBConfig
	Redis    RedisConfig
	Mail     MailConfig
	Midtrans MidtransConfig
	Billing  BillingConfig
	Outbox   OutboxConfig
	Log      LogConfig
}

type HTTPConfig struct {
	Port int
}

type DBConfig struct {
	Driver string
	Path   string
	DSN    string
}

type RedisConfig struct {
	URL      string
	CacheTTL time.Duration
}

type MailConfig struct {
	SendGridAPIKey string
	From           string
	FromName       string
}

type MidtransConfig struct {
	ServerKey  string
	Production bool
}

type BillingConfig struct {
	Currency string
	Timezone string
}

type OutboxConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
}

type LogConfig struct {
	Development bool
}

// Location resolves Billing.Timezone.
func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Billing.Timezone)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetTypeByDefaultValue(true)

	v.SetDefault("http.port", 8080)
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.path", "billing.db")
	v.SetDefault("db.dsn", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("sendgrid.api_key", "")
	v.SetDefault("mail.from", "billing@localhost")
	v.SetDefault("mail.from_name", "Accounts Office")
	v.SetDefault("midtrans.server_key", "")
	v.SetDefault("midtrans.production", false)
	v.SetDefault("billing.currency", "BHD")
	v.SetDefault("billing.timezone", "UTC")
	v.SetDefault("outbox.interval", time.Minute)
	v.SetDefault("outbox.batch_size", 50)
	v.SetDefault("outbox.max_attempts", 5)
	v.SetDefault("log.development", false)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration. dotEnvPath is loaded first when it exists; an
// empty path skips it.
func Load(dotEnvPath string) (*Config, error) {
	if dotEnvPath != "" {
		if _, err := os.Stat(dotEnvPath); err == nil {
			if err := godotenv.Load(dotEnvPath); err != nil {
				return nil, fmt.Errorf("config.godotenv(%s): %w", dotEnvPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config.os.Stat(%s): %w", dotEnvPath, err)
		}
	}

	v := newViper()
	cfg := &Config{
		HTTP: HTTPConfig{Port: v.GetInt("http.port")},
		DB: DBConfig{
			Driver: strings.ToLower(v.GetString("db.driver")),
			Path:   v.GetString("db.path"),
			DSN:    v.GetString("db.dsn"),
		},
		Redis: RedisConfig{
			URL:      v.GetString("redis.url"),
			CacheTTL: v.GetDuration("cache.ttl"),
		},
		Mail: MailConfig{
			SendGridAPIKey: v.GetString("sendgrid.api_key"),
			From:           v.GetString("mail.from"),
			FromName:       v.GetString("mail.from_name"),
		},
		Midtrans: MidtransConfig{
			ServerKey:  v.GetString("midtrans.server_key"),
			Production: v.GetBool("midtrans.production"),
		},
		Billing: BillingConfig{
			Currency: strings.ToUpper(v.GetString("billing.currency")),
			Timezone: v.GetString("billing.timezone"),
		},
		Outbox: OutboxConfig{
			Interval:    v.GetDuration("outbox.interval"),
			BatchSize:   v.GetInt("outbox.batch_size"),
			MaxAttempts: v.GetInt("outbox.max_attempts"),
		},
		Log: LogConfig{Development: v.GetBool("log.development")},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late at startup.
func (c Config) Validate() error {
	switch c.DB.Driver {
	case "sqlite", "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("config: db.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown db.driver %q", c.DB.Driver)
	}
	if len(c.Billing.Currency) != 3 {
		return fmt.Errorf("config: billing.currency must be a 3-letter code, got %q", c.Billing.Currency)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("config: billing.timezone: %w", err)
	}
	if c.Outbox.Interval <= 0 || c.Outbox.BatchSize <= 0 || c.Outbox.MaxAttempts <= 0 {
		return fmt.Errorf("config: outbox interval, batch_size and max_attempts must be positive")
	}
	return nil
}
