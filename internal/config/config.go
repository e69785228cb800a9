// Package config loads loomwatch settings: built-in defaults, then the optional
// YAML file named by LOOMWATCH_CONFIG, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	machines "loomwatch/internal/machines/domain"
	rollup "loomwatch/internal/rollup/domain"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
	DriverMemory   = "memory"
)

// Config is the full service configuration.
type Config struct {
	HTTPAddr    string           `yaml:"http_addr"`
	DatabaseURL string           `yaml:"database_url"`
	Storage     StorageConfig    `yaml:"storage"`
	Auth        AuthConfig       `yaml:"auth"`
	Engine      EngineConfig     `yaml:"engine"`
	Compaction  CompactionConfig `yaml:"compaction"`
	Rollup      RollupConfig     `yaml:"rollup"`
	Notify      NotifyConfig     `yaml:"notify"`
	Catalog     CatalogConfig    `yaml:"catalog"`
	Firmware    FirmwareConfig   `yaml:"firmware"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver     string `yaml:"driver"`
	BadgerPath string `yaml:"badger_path"`
}

// AuthConfig configures the operator API. An empty secret disables JWT checks.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// EngineConfig holds the status classifier knobs.
type EngineConfig struct {
	LookbackWindow time.Duration `yaml:"lookback_window"`
	QuotaUnits     float64       `yaml:"quota_units"`
}

// CompactionConfig schedules compaction and the daily reset.
type CompactionConfig struct {
	Delay        time.Duration `yaml:"delay"`
	Minute       int           `yaml:"minute"`
	DailyResetAt string        `yaml:"daily_reset_at"`
}

// RollupConfig selects the rollup source mode.
type RollupConfig struct {
	Source string `yaml:"source"`
}

// NotifyConfig configures snapshot fan-out.
type NotifyConfig struct {
	QueueSize   int    `yaml:"queue_size"`
	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`
}

// CatalogConfig points at the material spreadsheet.
type CatalogConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

// FirmwareConfig describes the controller firmware release.
type FirmwareConfig struct {
	APIVersion  string `yaml:"api_version"`
	Version     string `yaml:"version"`
	DownloadURL string `yaml:"download_url"`
	Changelog   string `yaml:"changelog"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr: ":3000",
		Storage: StorageConfig{
			Driver:     DriverPostgres,
			BadgerPath: "data/badger",
		},
		Engine: EngineConfig{
			LookbackWindow: machines.DefaultLookback,
			QuotaUnits:     machines.DefaultQuotaUnits,
		},
		Compaction: CompactionConfig{
			Delay:        10 * time.Minute,
			Minute:       15,
			DailyResetAt: "00:00",
		},
		Rollup: RollupConfig{Source: string(rollup.SourceLive)},
		Notify: NotifyConfig{
			QueueSize:   16,
			NATSSubject: "loomwatch.machines",
		},
		Firmware: FirmwareConfig{
			APIVersion:  "1.0.0",
			Version:     "1.0.11",
			DownloadURL: "https://github.com/Dahlqvistad/Weaving-computer/releases/download/v{version}/firmware-{version}.bin",
			Changelog:   "20-second data intervals and improved OTA",
		},
	}
}

// Load builds the configuration. An empty path falls back to LOOMWATCH_CONFIG; no file is fine.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("LOOMWATCH_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getenvDefault("HTTP_ADDR", c.HTTPAddr)
	c.DatabaseURL = getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", c.DatabaseURL))
	c.Storage.Driver = getenvDefault("STORAGE_DRIVER", c.Storage.Driver)
	c.Storage.BadgerPath = getenvDefault("BADGER_PATH", c.Storage.BadgerPath)
	c.Auth.JWTSecret = getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", c.Auth.JWTSecret))
	c.Engine.LookbackWindow = getenvDuration("LOOKBACK_WINDOW", c.Engine.LookbackWindow)
	c.Engine.QuotaUnits = getenvFloatDefault("QUOTA_UNITS", c.Engine.QuotaUnits)
	c.Compaction.Delay = getenvDuration("COMPACTION_DELAY", c.Compaction.Delay)
	c.Compaction.Minute = getenvIntDefault("COMPACTION_MINUTE", c.Compaction.Minute)
	c.Compaction.DailyResetAt = getenvDefault("DAILY_RESET_AT", c.Compaction.DailyResetAt)
	c.Rollup.Source = getenvDefault("ROLLUP_SOURCE", c.Rollup.Source)
	c.Notify.QueueSize = getenvIntDefault("NOTIFY_QUEUE_SIZE", c.Notify.QueueSize)
	c.Notify.NATSURL = getenvDefault("NATS_URL", c.Notify.NATSURL)
	c.Notify.NATSSubject = getenvDefault("NATS_SUBJECT", c.Notify.NATSSubject)
	c.Catalog.File = getenvDefault("CATALOG_FILE", c.Catalog.File)
	c.Catalog.Watch = getenvBool("CATALOG_WATCH", c.Catalog.Watch)
}

func (c Config) validate() error {
	var errs []error
	switch c.Storage.Driver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL or PG_DSN is required for the postgres driver"))
		}
	case DriverBadger:
		if c.Storage.BadgerPath == "" {
			errs = append(errs, errors.New("storage.badger_path is required for the badger driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	if c.Engine.LookbackWindow <= 0 {
		errs = append(errs, errors.New("engine.lookback_window must be positive"))
	}
	if c.Engine.QuotaUnits <= 0 {
		errs = append(errs, errors.New("engine.quota_units must be positive"))
	}
	// Purging an hour still inside a live lookback window would change classifications.
	if c.Compaction.Delay < c.Engine.LookbackWindow {
		errs = append(errs, fmt.Errorf("compaction.delay %s must be at least engine.lookback_window %s", c.Compaction.Delay, c.Engine.LookbackWindow))
	}
	if c.Compaction.Minute < 0 || c.Compaction.Minute > 59 {
		errs = append(errs, errors.New("compaction.minute must be within 0-59"))
	}
	if _, err := time.Parse("15:04", c.Compaction.DailyResetAt); err != nil {
		errs = append(errs, fmt.Errorf("compaction.daily_reset_at %q must be HH:MM", c.Compaction.DailyResetAt))
	}
	if _, err := rollup.ParseSource(c.Rollup.Source); err != nil {
		errs = append(errs, fmt.Errorf("rollup.source %q must be live or compaction", c.Rollup.Source))
	}
	if c.Notify.QueueSize <= 0 {
		errs = append(errs, errors.New("notify.queue_size must be positive"))
	}
	if c.Notify.NATSURL != "" && strings.TrimSpace(c.Notify.NATSSubject) == "" {
		errs = append(errs, errors.New("notify.nats_subject is required with notify.nats_url"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// RollupSource returns the parsed rollup source; Load has already validated it.
func (c Config) RollupSource() rollup.Source {
	source, err := rollup.ParseSource(c.Rollup.Source)
	if err != nil {
		return rollup.SourceLive
	}
	return source
}
