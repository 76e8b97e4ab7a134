// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Rate      RateConfig      `mapstructure:"rate"`
	Session   SessionConfig   `mapstructure:"session"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Classify  ClassifyConfig  `mapstructure:"classify"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	SQLite    SQLiteConfig    `mapstructure:"sqlite"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// SchedulerConfig governs the admission loop.
type SchedulerConfig struct {
	Capacity       int           `mapstructure:"capacity"`
	Scope          string        `mapstructure:"scope"`
	Autostart      bool          `mapstructure:"autostart"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	PollJitter     float64       `mapstructure:"poll_jitter"`
	ClaimRate      float64       `mapstructure:"claim_rate"`
	Drain          string        `mapstructure:"drain"`
	SourceBackoff  time.Duration `mapstructure:"source_backoff"`
	SourceMaxDelay time.Duration `mapstructure:"source_max_delay"`
	SinkBackoff    time.Duration `mapstructure:"sink_backoff"`
	SinkMaxDelay   time.Duration `mapstructure:"sink_max_delay"`
}

// RateConfig tunes the per-host rate controller.
type RateConfig struct {
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	Multiplier       float64       `mapstructure:"multiplier"`
	DecayFactor      float64       `mapstructure:"decay_factor"`
	CircuitThreshold int           `mapstructure:"circuit_threshold"`
	CircuitCooldown  time.Duration `mapstructure:"circuit_cooldown"`
	MaxHosts         int           `mapstructure:"max_hosts"`
}

// SessionConfig bounds a single store crawl.
type SessionConfig struct {
	MaxPages     int           `mapstructure:"max_pages"`
	MaxDepth     int           `mapstructure:"max_depth"`
	SitemapLimit int           `mapstructure:"sitemap_limit"`
	Deadline     time.Duration `mapstructure:"deadline"`
	TargetEmails int           `mapstructure:"target_emails"`
}

// FetchConfig configures page fetching.
type FetchConfig struct {
	UserAgent      string        `mapstructure:"user_agent"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
	MaxBodyBytes   int           `mapstructure:"max_body_bytes"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
	Blocklist      []string      `mapstructure:"blocklist"`
}

// ClassifyConfig controls email relevance filtering.
type ClassifyConfig struct {
	MinConfidence float64 `mapstructure:"min_confidence"`
}

// StorageConfig selects the job source backend and its lease rules.
type StorageConfig struct {
	Backend        string        `mapstructure:"backend"`
	Lease          time.Duration `mapstructure:"lease"`
	FailedCooldown time.Duration `mapstructure:"failed_cooldown"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// SQLiteConfig locates the embedded job database.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Enabled reports whether result events should be published.
func (c PubSubConfig) Enabled() bool {
	return c.ProjectID != "" && c.TopicName != ""
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

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
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 2*time.Minute)
	v.SetDefault("logging.development", false)
	v.SetDefault("scheduler.capacity", 10)
	v.SetDefault("scheduler.scope", "")
	v.SetDefault("scheduler.autostart", true)
	v.SetDefault("scheduler.poll_interval", 5*time.Second)
	v.SetDefault("scheduler.poll_jitter", 0.2)
	v.SetDefault("scheduler.claim_rate", 20.0)
	v.SetDefault("scheduler.drain", "cancel")
	v.SetDefault("scheduler.source_backoff", time.Second)
	v.SetDefault("scheduler.source_max_delay", 30*time.Second)
	v.SetDefault("scheduler.sink_backoff", 500*time.Millisecond)
	v.SetDefault("scheduler.sink_max_delay", 30*time.Second)
	v.SetDefault("rate.base_delay", 2*time.Second)
	v.SetDefault("rate.max_delay", 60*time.Second)
	v.SetDefault("rate.multiplier", 2.0)
	v.SetDefault("rate.decay_factor", 0.9)
	v.SetDefault("rate.circuit_threshold", 5)
	v.SetDefault("rate.circuit_cooldown", 2*time.Minute)
	v.SetDefault("rate.max_hosts", 10000)
	v.SetDefault("session.max_pages", 50)
	v.SetDefault("session.max_depth", 2)
	v.SetDefault("session.sitemap_limit", 100)
	v.SetDefault("session.deadline", 5*time.Minute)
	v.SetDefault("session.target_emails", 0)
	v.SetDefault("fetch.user_agent", "Mozilla/5.0 (compatible; store-email-crawler/1.0)")
	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.retry_base_delay", 500*time.Millisecond)
	v.SetDefault("fetch.retry_max_delay", 10*time.Second)
	v.SetDefault("fetch.max_body_bytes", 5<<20)
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.blocklist", []string{})
	v.SetDefault("classify.min_confidence", 0.7)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.lease", 15*time.Minute)
	v.SetDefault("storage.failed_cooldown", 60*time.Minute)
	v.SetDefault("storage.max_attempts", 3)
	v.SetDefault("db.table", "stores")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("sqlite.path", "data/emailcrawler.db")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
}

// bindLegacyEnv honours the variable names used by earlier deployments.
// SCRAPER_* variables still win because viper checks bound names in order.
func bindLegacyEnv(v *viper.Viper) error {
	aliases := map[string]string{
		"scheduler.capacity":    "MAX_CONCURRENT_EMAIL_SCRAPING",
		"session.max_pages":     "EMAIL_SCRAPER_MAX_PAGES",
		"session.sitemap_limit": "EMAIL_SCRAPER_SITEMAP_LIMIT",
		"fetch.max_retries":     "EMAIL_SCRAPER_MAX_RETRIES",
		"db.dsn":                "DATABASE_URL",
	}
	for key, legacy := range aliases {
		envKey := "SCRAPER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return fmt.Errorf("bind env %s: %w", legacy, err)
		}
	}
	// Legacy delay and timeout are plain seconds.
	seconds := map[string]string{
		"rate.base_delay": "EMAIL_SCRAPER_DELAY",
		"fetch.timeout":   "EMAIL_SCRAPER_TIMEOUT",
	}
	for key, legacy := range seconds {
		raw, ok := os.LookupEnv(legacy)
		if !ok || raw == "" {
			continue
		}
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("parse %s: %w", legacy, err)
		}
		v.SetDefault(key, time.Duration(secs*float64(time.Second)))
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.Capacity <= 0 {
		return fmt.Errorf("scheduler.capacity must be > 0")
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be > 0")
	}
	if c.Scheduler.ClaimRate <= 0 {
		return fmt.Errorf("scheduler.claim_rate must be > 0")
	}
	switch c.Scheduler.Drain {
	case "cancel", "finish":
	default:
		return fmt.Errorf("scheduler.drain must be cancel or finish, got %q", c.Scheduler.Drain)
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Session.Deadline <= 0 {
		return fmt.Errorf("session.deadline must be > 0")
	}
	if c.Session.MaxPages <= 0 {
		return fmt.Errorf("session.max_pages must be > 0")
	}
	if c.Rate.Multiplier < 1 {
		return fmt.Errorf("rate.multiplier must be >= 1")
	}
	if c.Rate.DecayFactor <= 0 || c.Rate.DecayFactor > 1 {
		return fmt.Errorf("rate.decay_factor must be in (0, 1]")
	}
	if c.Storage.Lease < c.Session.Deadline {
		return fmt.Errorf("storage.lease (%s) must not be shorter than session.deadline (%s)",
			c.Storage.Lease, c.Session.Deadline)
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres backend")
		}
	case BackendSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path must be set for the sqlite backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}
