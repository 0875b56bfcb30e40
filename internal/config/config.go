package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

type Config struct {
	Port             string        `mapstructure:"PORT"`
	Env              string        `mapstructure:"ENV"`
	LogLevel         string        `mapstructure:"LOG_LEVEL"`
	StoreDriver      string        `mapstructure:"STORE_DRIVER"`
	DatabaseURL      string        `mapstructure:"DATABASE_URL"`
	DatabaseSchema   string        `mapstructure:"DATABASE_SCHEMA"`
	SQLitePath       string        `mapstructure:"SQLITE_PATH"`
	DBMaxConns       int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir    string        `mapstructure:"MIGRATIONS_DIR"`
	RedisURL         string        `mapstructure:"REDIS_URL"`
	SnapshotTTL      time.Duration `mapstructure:"SNAPSHOT_TTL"`
	CatalogDir       string        `mapstructure:"CATALOG_DIR"`
	CatalogWatch     bool          `mapstructure:"CATALOG_WATCH"`
	CompletionPolicy string        `mapstructure:"COMPLETION_POLICY"`
	ClockInterval    time.Duration `mapstructure:"CLOCK_INTERVAL"`
	RequestTimeout   time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit        string        `mapstructure:"BODY_LIMIT"`
	AuthSigningKey   string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer       string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience     string        `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins      []string      `mapstructure:"CORS_ORIGINS"`
	WebhookURLs      []string      `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret    string        `mapstructure:"WEBHOOK_SECRET"`
	MetricsEnabled   bool          `mapstructure:"METRICS_ENABLED"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"STORE_DRIVER", "DATABASE_URL", "DATABASE_SCHEMA", "SQLITE_PATH", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"REDIS_URL", "SNAPSHOT_TTL",
	"CATALOG_DIR", "CATALOG_WATCH",
	"COMPLETION_POLICY", "CLOCK_INTERVAL",
	"REQUEST_TIMEOUT", "BODY_LIMIT",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"CORS_ORIGINS",
	"WEBHOOK_URLS", "WEBHOOK_SECRET",
	"METRICS_ENABLED",
}

// Load reads the environment, falling back to a .env file in the working
// directory.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit dotenv path. A missing file is not an
// error.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", StoreMemory)
	v.SetDefault("DATABASE_SCHEMA", "public")
	v.SetDefault("SQLITE_PATH", "clinexam.db")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("SNAPSHOT_TTL", 10*time.Minute)
	v.SetDefault("CATALOG_WATCH", false)
	v.SetDefault("COMPLETION_POLICY", "strict")
	v.SetDefault("CLOCK_INTERVAL", time.Second)
	v.SetDefault("REQUEST_TIMEOUT", 30*time.Second)
	v.SetDefault("BODY_LIMIT", "256K")
	v.SetDefault("AUTH_ISSUER", "clinexam")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("METRICS_ENABLED", true)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// The .env file is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.WebhookURLs = splitList(cfg.WebhookURLs)
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))

	return cfg, nil
}

// splitList accepts both a real list and a single comma-separated value,
// which is what an environment variable yields. Empty items are dropped.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is consistent and safe to run.
// Outside development a signing key is required so that bearer tokens are
// enforced.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StorePostgres)
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is %q", StoreSQLite)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q, %q or %q, got %q", StoreMemory, StorePostgres, StoreSQLite, c.StoreDriver)
	}

	switch c.CompletionPolicy {
	case "strict", "best_effort":
	default:
		return fmt.Errorf("COMPLETION_POLICY must be \"strict\" or \"best_effort\", got %q", c.CompletionPolicy)
	}

	if c.ClockInterval < 0 {
		return fmt.Errorf("CLOCK_INTERVAL must not be negative, got %s", c.ClockInterval)
	}
	if c.CatalogWatch && c.CatalogDir == "" {
		return fmt.Errorf("CATALOG_WATCH requires CATALOG_DIR")
	}

	if !c.IsDev() {
		if c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY must be set when ENV=%q; refusing to start without authentication", c.Env)
		}
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
		}
	}
	return nil
}
