// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata" // source.timezone must resolve on minimal images

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix namespaces environment overrides, e.g. INGEST_SOURCE_LISTING_URL.
const EnvPrefix = "INGEST"

// Storage drivers.
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Archive drivers.
const (
	ArchiveNone   = "none"
	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Source   SourceConfig   `mapstructure:"source"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Extract  ExtractConfig  `mapstructure:"extract"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig guards curation endpoints with a shared API key.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SourceConfig describes the site being ingested.
type SourceConfig struct {
	Name       string `mapstructure:"name"`
	ListingURL string `mapstructure:"listing_url"`
	LinkPrefix string `mapstructure:"link_prefix"`
	City       string `mapstructure:"city"`
	Timezone   string `mapstructure:"timezone"`
}

// CrawlerConfig governs outbound request etiquette.
type CrawlerConfig struct {
	UserAgent     string  `mapstructure:"user_agent"`
	RespectRobots bool    `mapstructure:"respect_robots"`
	DelaySeconds  float64 `mapstructure:"delay_seconds"`
}

// HTTPConfig configures the plain HTTP fetcher.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// HeadlessConfig configures the optional headless rendering fallback.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	SettleMillis    int  `mapstructure:"settle_ms"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
}

// ExtractConfig tunes candidate extraction.
type ExtractConfig struct {
	DescriptionMax int    `mapstructure:"description_max"`
	DefaultVenue   string `mapstructure:"default_venue"`
}

// ScheduleConfig controls automatic runs.
type ScheduleConfig struct {
	Cron       string `mapstructure:"cron"`
	RunOnStart bool   `mapstructure:"run_on_start"`
}

// StorageConfig selects the event store backend.
type StorageConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// ArchiveConfig selects where raw detail pages are kept.
type ArchiveConfig struct {
	Driver      string `mapstructure:"driver"`
	BaseDir     string `mapstructure:"base_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for change notifications.
type PubSubConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	TopicName    string `mapstructure:"topic_name"`
	SummaryTopic string `mapstructure:"summary_topic"`
}

// LoggingConfig toggles zap development features and verbosity.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from an optional file plus INGEST_* environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT"); err != nil {
		return Config{}, fmt.Errorf("bind port env: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("source.name", "City of Sydney")
	v.SetDefault("source.listing_url", "https://whatson.cityofsydney.nsw.gov.au/")
	v.SetDefault("source.link_prefix", "/events/")
	v.SetDefault("source.city", "Sydney")
	v.SetDefault("source.timezone", "Australia/Sydney")
	v.SetDefault("crawler.user_agent", "event-ingest-bot/0.1")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.delay_seconds", 1)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.settle_ms", 500)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("extract.description_max", 500)
	v.SetDefault("extract.default_venue", "unknown")
	v.SetDefault("schedule.cron", "0 0 * * *")
	v.SetDefault("schedule.run_on_start", true)
	v.SetDefault("storage.driver", StorageSQLite)
	v.SetDefault("storage.sqlite_path", "data/events.db")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("archive.driver", ArchiveNone)
	v.SetDefault("archive.base_dir", "data/archive")
	v.SetDefault("archive.prefix", "snapshots")
	v.SetDefault("archive.content_type", "text/html; charset=utf-8")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	u, err := url.Parse(c.Source.ListingURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("source.listing_url must be an absolute http(s) url")
	}
	if !strings.HasPrefix(c.Source.LinkPrefix, "/") {
		return fmt.Errorf("source.link_prefix must start with /")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Crawler.DelaySeconds < 0 {
		return fmt.Errorf("crawler.delay_seconds must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Extract.DescriptionMax <= 0 {
		return fmt.Errorf("extract.description_max must be > 0")
	}
	if _, err := cron.ParseStandard(c.Schedule.Cron); err != nil {
		return fmt.Errorf("schedule.cron: %w", err)
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateArchive(); err != nil {
		return err
	}
	if (c.PubSub.TopicName != "" || c.PubSub.SummaryTopic != "") && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when a topic is configured")
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

func (c Config) validateStorage() error {
	switch c.Storage.Driver {
	case StorageMemory:
	case StorageSQLite:
		if strings.TrimSpace(c.Storage.SQLitePath) == "" {
			return fmt.Errorf("storage.sqlite_path must be set for the sqlite driver")
		}
	case StoragePostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver %q is not one of memory, sqlite, postgres", c.Storage.Driver)
	}
	return nil
}

func (c Config) validateArchive() error {
	switch c.Archive.Driver {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if strings.TrimSpace(c.Archive.BaseDir) == "" {
			return fmt.Errorf("archive.base_dir must be set for the local driver")
		}
	case ArchiveGCS:
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set for the gcs driver")
		}
	default:
		return fmt.Errorf("archive.driver %q is not one of none, memory, local, gcs", c.Archive.Driver)
	}
	return nil
}

// Location resolves source.timezone; an empty value means UTC.
func (c Config) Location() (*time.Location, error) {
	if c.Source.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Source.Timezone)
	if err != nil {
		return nil, fmt.Errorf("source.timezone: %w", err)
	}
	return loc, nil
}

// FetchTimeout is the per-request budget for plain fetches.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// PolitenessDelay is the gap between successive detail fetches.
func (c Config) PolitenessDelay() time.Duration {
	return time.Duration(c.Crawler.DelaySeconds * float64(time.Second))
}
