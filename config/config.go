// Package config loads sheets-etl settings from a config file and the
// environment, and the job definitions from the jobs file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Supported database drivers, named as registered with database/sql.
const (
	DriverSQLite   = "sqlite3"
	DriverMySQL    = "mysql"
	DriverPostgres = "pgx"
)

// Supported document sources.
const (
	SourceGoogle = "google"
	SourceS3     = "s3"
)

// EnvPrefix prefixes environment overrides, e.g. SHEETS_ETL_DATABASE_DSN.
const EnvPrefix = "SHEETS_ETL"

// Config is the process configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Source   SourceConfig   `mapstructure:"source"`
	Sync     SyncConfig     `mapstructure:"sync"`
	JobsFile string         `mapstructure:"jobs_file"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
}

type DatabaseConfig struct {
	Driver      string `mapstructure:"driver"`
	DSN         string `mapstructure:"dsn"`
	Schema      string `mapstructure:"schema"`
	TablePrefix string `mapstructure:"table_prefix"`
}

type SourceConfig struct {
	Type   string       `mapstructure:"type"`
	Google GoogleConfig `mapstructure:"google"`
	S3     S3Config     `mapstructure:"s3"`
}

// GoogleConfig configures the Drive and Sheets API clients.
type GoogleConfig struct {
	CredentialsFile   string  `mapstructure:"credentials_file"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	PageSize          int     `mapstructure:"page_size"`
	MaxRetries        int     `mapstructure:"max_retries"`
	Endpoint          string  `mapstructure:"endpoint"`
}

// S3Config configures the parquet-on-S3 document source.
type S3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	LocalProfile string `mapstructure:"local_profile"`
	PathPrefix   string `mapstructure:"path_prefix"`
	Endpoint     string `mapstructure:"endpoint"`
	PathStyle    bool   `mapstructure:"path_style"`
}

// SyncConfig tunes discovery and loading.
type SyncConfig struct {
	DiscoverLimit  int `mapstructure:"discover_limit"`
	BatchSize      int `mapstructure:"batch_size"`
	MaxValueLength int `mapstructure:"max_value_length"`
	Concurrency    int `mapstructure:"concurrency"`
	VerifyCount    int `mapstructure:"verify_count"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// ScheduleConfig drives the schedule command. Cron takes precedence over
// Interval.
type ScheduleConfig struct {
	Cron     string        `mapstructure:"cron"`
	Interval time.Duration `mapstructure:"interval"`
}

// SetDefaults applies default values for optional fields.
func (c *Config) SetDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Source.Type == "" {
		c.Source.Type = SourceGoogle
	}
	g := &c.Source.Google
	if g.RequestsPerSecond == 0 {
		g.RequestsPerSecond = 1
	}
	if g.PageSize == 0 {
		g.PageSize = 500
	}
	if g.MaxRetries == 0 {
		g.MaxRetries = 5
	}
	s := &c.Sync
	if s.DiscoverLimit == 0 {
		s.DiscoverLimit = 500
	}
	if s.BatchSize == 0 {
		s.BatchSize = 25
	}
	if s.MaxValueLength == 0 {
		s.MaxValueLength = 100
	}
	if s.Concurrency == 0 {
		s.Concurrency = 1
	}
	if s.VerifyCount == 0 {
		s.VerifyCount = 1
	}
	if c.JobsFile == "" {
		c.JobsFile = "jobs.json"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Schedule.Cron == "" && c.Schedule.Interval == 0 {
		c.Schedule.Interval = time.Hour
	}
}

// Validate checks that required fields are set and values are valid.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite, DriverMySQL, DriverPostgres:
	default:
		return fmt.Errorf("unsupported database.driver: %q; supported: %s, %s, %s",
			c.Database.Driver, DriverSQLite, DriverMySQL, DriverPostgres)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if strings.ContainsAny(c.Database.Schema+c.Database.TablePrefix, "\"`'\x00") {
		return errors.New("database.schema and database.table_prefix must not contain quotes")
	}

	switch c.Source.Type {
	case SourceGoogle:
		if c.Source.Google.RequestsPerSecond < 0 {
			return errors.New("source.google.requests_per_second must not be negative")
		}
		if c.Source.Google.PageSize < 1 || c.Source.Google.PageSize > 1000 {
			return errors.New("source.google.page_size must be between 1 and 1000")
		}
		if c.Source.Google.MaxRetries < 1 {
			return errors.New("source.google.max_retries must be at least 1")
		}
	case SourceS3:
		if c.Source.S3.Bucket == "" {
			return errors.New("source.s3.bucket is required")
		}
		if c.Source.S3.Region == "" {
			return errors.New("source.s3.region is required")
		}
	default:
		return fmt.Errorf("unsupported source.type: %q; supported: %s, %s", c.Source.Type, SourceGoogle, SourceS3)
	}

	if c.Sync.DiscoverLimit < 1 {
		return errors.New("sync.discover_limit must be at least 1")
	}
	if c.Sync.BatchSize < 1 {
		return errors.New("sync.batch_size must be at least 1")
	}
	if c.Sync.MaxValueLength < 1 {
		return errors.New("sync.max_value_length must be at least 1")
	}
	if c.Sync.Concurrency < 1 {
		return errors.New("sync.concurrency must be at least 1")
	}
	if c.Sync.VerifyCount < 0 {
		return errors.New("sync.verify_count must not be negative")
	}
	if c.Schedule.Interval < 0 {
		return errors.New("schedule.interval must not be negative")
	}
	return nil
}

// Load reads the config file at path (optional when empty) and applies
// SHEETS_ETL_* environment overrides, defaults and validation.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// keys lists every setting so environment overrides apply to keys absent
// from the file.
var keys = []string{
	"database.driver", "database.dsn", "database.schema", "database.table_prefix",
	"source.type",
	"source.google.credentials_file", "source.google.requests_per_second",
	"source.google.page_size", "source.google.max_retries", "source.google.endpoint",
	"source.s3.bucket", "source.s3.region", "source.s3.local_profile",
	"source.s3.path_prefix", "source.s3.endpoint", "source.s3.path_style",
	"sync.discover_limit", "sync.batch_size", "sync.max_value_length",
	"sync.concurrency", "sync.verify_count",
	"jobs_file",
	"log.level", "log.format",
	"metrics.addr",
	"schedule.cron", "schedule.interval",
}
