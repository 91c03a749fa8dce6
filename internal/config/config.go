package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opspulse/opspulse/internal/budget"
	"github.com/opspulse/opspulse/internal/cascade"
	"github.com/opspulse/opspulse/internal/ingest"
	"github.com/opspulse/opspulse/internal/ranking"
	"github.com/opspulse/opspulse/internal/rollup"
	"github.com/opspulse/opspulse/internal/snapshot"
)

// HTTPConfig tunes the read API server.
type HTTPConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// RedisConfig locates the dedupe and snapshot cache store. An empty Addr
// runs without Redis (in-memory dedupe, no snapshot cache).
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig locates the durable store. An empty DSN runs memory-only.
type PostgresConfig struct {
	DSN     string        `yaml:"dsn"`
	Timeout time.Duration `yaml:"timeout"`
}

// SnapshotDef declares one snapshot view in configuration.
type SnapshotDef struct {
	ID        string        `yaml:"id"`
	Tier      snapshot.Tier `yaml:"tier"`
	Staleness time.Duration `yaml:"staleness"`
	Window    time.Duration `yaml:"window"`
	Source    string        `yaml:"source"`
}

// BudgetConfig declares the tracked windows and per-scope limits.
type BudgetConfig struct {
	Windows []budget.WindowKind     `yaml:"windows"`
	Limits  map[string]budget.Limit `yaml:"limits"`
}

// Config is the full service configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	HTTP     HTTPConfig         `yaml:"http"`
	Redis    RedisConfig        `yaml:"redis"`
	Postgres PostgresConfig     `yaml:"postgres"`
	Kafka    ingest.KafkaConfig `yaml:"kafka"`

	Ingest    ingest.Config            `yaml:"ingest"`
	Rollup    rollup.Config            `yaml:"rollup"`
	Reconcile ReconcileConfig          `yaml:"reconcile"`
	Scheduler snapshot.SchedulerConfig `yaml:"scheduler"`
	Snapshots []SnapshotDef            `yaml:"snapshots"`
	Ranking   ranking.Config           `yaml:"ranking"`
	Cascade   cascade.Config           `yaml:"cascade"`
	Budgets   BudgetConfig             `yaml:"budgets"`

	// Principals is the static tenant resolution table used until the
	// external membership service is wired.
	Principals map[string][]string `yaml:"principals"`
}

// ReconcileConfig tunes the granularity reconciler.
type ReconcileConfig struct {
	Interval time.Duration `yaml:"interval"`
	Lookback time.Duration `yaml:"lookback"`
}

// Load reads and defaults the configuration file.
func Load(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.HTTP.Host == "" {
		c.HTTP.Host = "127.0.0.1"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.HTTP.ReadTimeout <= 0 {
		c.HTTP.ReadTimeout = 10 * time.Second
	}
	if c.HTTP.WriteTimeout <= 0 {
		c.HTTP.WriteTimeout = 10 * time.Second
	}
	if c.HTTP.IdleTimeout <= 0 {
		c.HTTP.IdleTimeout = 60 * time.Second
	}
	if c.Postgres.Timeout <= 0 {
		c.Postgres.Timeout = 5 * time.Second
	}
	if len(c.Rollup.Granularities) == 0 {
		c.Rollup.Granularities = []rollup.Granularity{rollup.Minute, rollup.Hour, rollup.Day}
	}
	if c.Rollup.GracePeriod <= 0 {
		c.Rollup.GracePeriod = 5 * time.Minute
	}
	if c.Rollup.Retention <= 0 {
		c.Rollup.Retention = 30 * 24 * time.Hour
	}
	if c.Reconcile.Interval <= 0 {
		c.Reconcile.Interval = 10 * time.Minute
	}
	if c.Reconcile.Lookback <= 0 {
		c.Reconcile.Lookback = 48 * time.Hour
	}
	if len(c.Snapshots) == 0 {
		c.Snapshots = []SnapshotDef{
			{ID: "tenant-summary", Tier: snapshot.TierRealtime, Window: 24 * time.Hour, Source: "hour"},
			{ID: "tenant-daily", Tier: snapshot.TierHourly, Window: 7 * 24 * time.Hour, Source: "day"},
		}
	}
	if len(c.Budgets.Windows) == 0 {
		c.Budgets.Windows = []budget.WindowKind{budget.Daily}
	}
	if c.Budgets.Limits == nil {
		c.Budgets.Limits = map[string]budget.Limit{"*": {Limit: 100000}}
	}
	if c.Principals == nil {
		c.Principals = map[string][]string{"admin": {"*"}}
	}
	if len(c.Ranking.Weights) == 0 {
		c.Ranking = ranking.DefaultConfig()
	}
}

func (c *Config) validate() error {
	for _, def := range c.Snapshots {
		if def.ID == "" {
			return fmt.Errorf("snapshot definition missing id")
		}
		switch def.Source {
		case "", "minute", "hour", "day":
		default:
			return fmt.Errorf("snapshot %s: unknown source granularity %q", def.ID, def.Source)
		}
	}
	for _, w := range c.Budgets.Windows {
		switch w {
		case budget.Daily, budget.Weekly, budget.Monthly:
		default:
			return fmt.Errorf("unknown budget window kind %q", w)
		}
	}
	return nil
}

// SourceGranularity maps a SnapshotDef source string onto a rollup
// granularity, defaulting to hourly.
func (d SnapshotDef) SourceGranularity() rollup.Granularity {
	switch d.Source {
	case "minute":
		return rollup.Minute
	case "day":
		return rollup.Day
	default:
		return rollup.Hour
	}
}
