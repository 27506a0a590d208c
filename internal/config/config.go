// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/fundraising-crawler/internal/crawler"
	"github.com/JakeFAU/fundraising-crawler/internal/extract"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig      `mapstructure:"server"`
	Auth      AuthConfig        `mapstructure:"auth"`
	Database  DatabaseConfig    `mapstructure:"database"`
	Browser   BrowserConfig     `mapstructure:"browser"`
	Crawl     CrawlConfig       `mapstructure:"crawl"`
	Selectors extract.Selectors `mapstructure:"selectors"`
	Scheduler SchedulerConfig   `mapstructure:"scheduler"`
	Logging   LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DatabaseConfig controls access to Postgres. An empty DSN selects the
// in-memory stores.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// BrowserConfig configures the shared headless browser.
type BrowserConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Headless  bool   `mapstructure:"headless"`
	UserAgent string `mapstructure:"user_agent"`
	ExecPath  string `mapstructure:"exec_path"`
	NoSandbox bool   `mapstructure:"no_sandbox"`
}

// CrawlConfig governs pacing, retries and queue thresholds.
type CrawlConfig struct {
	BaseURL                    string        `mapstructure:"base_url"`
	ListingPath                string        `mapstructure:"listing_path"`
	QuickPages                 int           `mapstructure:"quick_pages"`
	MaxAttempts                int           `mapstructure:"max_attempts"`
	BackoffMin                 time.Duration `mapstructure:"backoff_min"`
	BackoffMax                 time.Duration `mapstructure:"backoff_max"`
	ItemDelayMin               time.Duration `mapstructure:"item_delay_min"`
	ItemDelayMax               time.Duration `mapstructure:"item_delay_max"`
	SessionRecycleEvery        int           `mapstructure:"session_recycle_every"`
	ListingTimeout             time.Duration `mapstructure:"listing_timeout"`
	DetailTimeout              time.Duration `mapstructure:"detail_timeout"`
	SecondaryTimeout           time.Duration `mapstructure:"secondary_timeout"`
	SelectorTimeout            time.Duration `mapstructure:"selector_timeout"`
	DetailFailureThreshold     int           `mapstructure:"detail_failure_threshold"`
	SecondaryFailureThreshold  int           `mapstructure:"secondary_failure_threshold"`
	RetryFailedFloor           int           `mapstructure:"retry_failed_floor"`
	MaxConsecutivePageFailures int           `mapstructure:"max_consecutive_page_failures"`
}

// SchedulerConfig drives the recurring triggers and startup recovery.
type SchedulerConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	QuickSpecs []string `mapstructure:"quick_specs"`
	DetailSpec string   `mapstructure:"detail_spec"`
	// RecoverTypes are re-triggered once after startup recovery.
	RecoverTypes  []string `mapstructure:"recover_types"`
	KickoffDetail bool     `mapstructure:"kickoff_detail"`
}

// LoggingConfig toggles zap development features and file output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// Load builds a Config from disk/environment. An empty path searches for
// fundcrawler.{yaml,json,toml} in the working directory, /etc/fundcrawler and
// $HOME/.fundcrawler; finding none is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("fundcrawler")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/fundcrawler/")
		v.AddConfigPath("$HOME/.fundcrawler")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
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

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.no_sandbox", false)

	v.SetDefault("crawl.base_url", crawler.DefaultOrigin)
	v.SetDefault("crawl.listing_path", "/Fundraising?page=%d")
	v.SetDefault("crawl.quick_pages", 3)
	v.SetDefault("crawl.max_attempts", 3)
	v.SetDefault("crawl.backoff_min", "2s")
	v.SetDefault("crawl.backoff_max", "5s")
	v.SetDefault("crawl.item_delay_min", "1s")
	v.SetDefault("crawl.item_delay_max", "2s")
	v.SetDefault("crawl.session_recycle_every", 20)
	v.SetDefault("crawl.listing_timeout", "30s")
	v.SetDefault("crawl.detail_timeout", "30s")
	v.SetDefault("crawl.secondary_timeout", "20s")
	v.SetDefault("crawl.selector_timeout", "10s")
	v.SetDefault("crawl.detail_failure_threshold", 3)
	v.SetDefault("crawl.secondary_failure_threshold", 5)
	v.SetDefault("crawl.retry_failed_floor", 3)
	v.SetDefault("crawl.max_consecutive_page_failures", 5)

	sel := extract.DefaultSelectors()
	for key, val := range map[string]string{
		"listing_empty":     sel.ListingEmpty,
		"listing_container": sel.ListingContainer,
		"listing_rows":      sel.ListingRows,
		"detail_marker":     sel.DetailMarker,
		"expand_control":    sel.ExpandControl,
		"rounds_control":    sel.RoundsControl,
		"rounds_table":      sel.RoundsTable,
		"rounds_rows":       sel.RoundsRows,
		"social_links":      sel.SocialLinks,
		"social_label":      sel.SocialLabel,
		"team_items":        sel.TeamItems,
		"team_name":         sel.TeamName,
		"team_position":     sel.TeamPosition,
		"team_avatar":       sel.TeamAvatar,
		"team_profile":      sel.TeamProfile,
		"logo":              sel.Logo,
		"name":              sel.Name,
		"description":       sel.Description,
		"lead_marker":       sel.LeadMarker,
	} {
		v.SetDefault("selectors."+key, val)
	}

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.quick_specs", []string{"0 5 * * *", "0 17 * * *"})
	v.SetDefault("scheduler.detail_spec", "*/30 * * * *")
	v.SetDefault("scheduler.recover_types", []string{"detail", "detail2"})
	v.SetDefault("scheduler.kickoff_detail", true)

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawl.BaseURL == "" {
		return fmt.Errorf("crawl.base_url is required")
	}
	if !strings.Contains(c.Crawl.ListingPath, "%d") {
		return fmt.Errorf("crawl.listing_path must contain a %%d page placeholder")
	}
	if c.Crawl.QuickPages <= 0 {
		return fmt.Errorf("crawl.quick_pages must be > 0")
	}
	if c.Crawl.MaxAttempts <= 0 {
		return fmt.Errorf("crawl.max_attempts must be > 0")
	}
	if c.Crawl.BackoffMax < c.Crawl.BackoffMin {
		return fmt.Errorf("crawl.backoff_max must be >= crawl.backoff_min")
	}
	if c.Crawl.ItemDelayMax < c.Crawl.ItemDelayMin {
		return fmt.Errorf("crawl.item_delay_max must be >= crawl.item_delay_min")
	}
	if c.Crawl.ListingTimeout <= 0 || c.Crawl.DetailTimeout <= 0 || c.Crawl.SecondaryTimeout <= 0 {
		return fmt.Errorf("crawl navigation timeouts must be > 0")
	}
	if c.Crawl.RetryFailedFloor >= crawler.SentinelNoMoreRounds {
		return fmt.Errorf("crawl.retry_failed_floor must be < %d", crawler.SentinelNoMoreRounds)
	}
	if c.Crawl.DetailFailureThreshold >= crawler.SentinelNoMoreRounds ||
		c.Crawl.SecondaryFailureThreshold >= crawler.SentinelNoMoreRounds {
		return fmt.Errorf("crawl failure thresholds must be < %d", crawler.SentinelNoMoreRounds)
	}
	if _, _, err := c.Selectors.Controls(); err != nil {
		return fmt.Errorf("selectors: %w", err)
	}
	for _, name := range c.Scheduler.RecoverTypes {
		if _, err := crawler.ParseTrigger(name); err != nil {
			return fmt.Errorf("scheduler.recover_types: %w", err)
		}
	}
	return nil
}

// Thresholds maps the crawl section onto the per-type policy table inputs.
func (c Config) Thresholds() crawler.Thresholds {
	return crawler.Thresholds{
		Detail:       c.Crawl.DetailFailureThreshold,
		Secondary:    c.Crawl.SecondaryFailureThreshold,
		RetryFloor:   c.Crawl.RetryFailedFloor,
		ListingNav:   c.Crawl.ListingTimeout,
		DetailNav:    c.Crawl.DetailTimeout,
		SecondaryNav: c.Crawl.SecondaryTimeout,
	}
}
