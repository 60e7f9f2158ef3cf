// Package config loads and validates archiver configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all configuration knobs for the spider and the
// archive server.
type Config struct {
	Site       SiteConfig       `mapstructure:"site"`
	Spider     SpiderConfig     `mapstructure:"spider"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Web        WebConfig        `mapstructure:"web"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// SiteConfig identifies the site being archived.
type SiteConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// SpiderConfig governs crawl behavior.
type SpiderConfig struct {
	Output            string   `mapstructure:"output"`
	Proxy             string   `mapstructure:"proxy"`
	Seeds             []string `mapstructure:"seeds"`
	Workers           int      `mapstructure:"workers"`
	UserAgent         string   `mapstructure:"user_agent"`
	TimeoutSeconds    int      `mapstructure:"timeout_seconds"`
	MaxRetries        int      `mapstructure:"max_retries"`
	BackoffInitialMs  int      `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs      int      `mapstructure:"backoff_max_ms"`
	PolitenessDelayMs int      `mapstructure:"politeness_delay_ms"`
	MetricsAddr       string   `mapstructure:"metrics_addr"`
}

// ClassifierConfig is the rule table for sorting discovered URLs.
// An empty host falls back to the host of site.base_url.
type ClassifierConfig struct {
	Host            string   `mapstructure:"host"`
	ListPatterns    []string `mapstructure:"list_patterns"`
	ArticlePatterns []string `mapstructure:"article_patterns"`
	ImageHosts      []string `mapstructure:"image_hosts"`
}

// WebConfig controls the archive server.
type WebConfig struct {
	Addr string `mapstructure:"addr"`
	Data string `mapstructure:"data"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk and environment. Environment variables
// use the WHYNOT_ prefix, e.g. WHYNOT_WEB_ADDR.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WHYNOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

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
	v.SetDefault("site.base_url", "https://www.wainao.me")
	v.SetDefault("spider.output", "wainao")
	v.SetDefault("spider.workers", 4)
	v.SetDefault("spider.user_agent", "whynot-spider/1.0")
	v.SetDefault("spider.timeout_seconds", 30)
	v.SetDefault("spider.max_retries", 3)
	v.SetDefault("spider.backoff_initial_ms", 250)
	v.SetDefault("spider.backoff_max_ms", 5000)
	v.SetDefault("spider.politeness_delay_ms", 500)
	v.SetDefault("classifier.list_patterns", []string{`^/$`, `[?&]page=\d+`})
	v.SetDefault("web.addr", "127.0.0.1:3334")
	v.SetDefault("web.data", "whynot_data")
	v.SetDefault("logging.development", true)
}

// Validate rejects configurations that cannot produce a working run.
func (c Config) Validate() error {
	u, err := url.Parse(c.Site.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("site.base_url %q is not an absolute URL", c.Site.BaseURL)
	}
	if c.Spider.Output == "" {
		return fmt.Errorf("spider.output is required")
	}
	if c.Spider.Workers <= 0 {
		return fmt.Errorf("spider.workers must be positive, got %d", c.Spider.Workers)
	}
	if c.Spider.TimeoutSeconds <= 0 {
		return fmt.Errorf("spider.timeout_seconds must be positive, got %d", c.Spider.TimeoutSeconds)
	}
	if c.Spider.MaxRetries <= 0 {
		return fmt.Errorf("spider.max_retries must be positive, got %d", c.Spider.MaxRetries)
	}
	if c.Web.Addr == "" {
		return fmt.Errorf("web.addr is required")
	}
	if c.Web.Data == "" {
		return fmt.Errorf("web.data is required")
	}
	return nil
}

// SiteHost returns the classifier host, falling back to the host of
// site.base_url.
func (c Config) SiteHost() string {
	if c.Classifier.Host != "" {
		return c.Classifier.Host
	}
	u, err := url.Parse(c.Site.BaseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// SeedURLs returns the configured seeds, defaulting to the site root.
func (c Config) SeedURLs() []string {
	if len(c.Spider.Seeds) > 0 {
		return c.Spider.Seeds
	}
	return []string{c.Site.BaseURL}
}

// Timeout returns the fetch timeout as a duration.
func (c SpiderConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BackoffInitial returns the initial retry backoff as a duration.
func (c SpiderConfig) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialMs) * time.Millisecond
}

// BackoffMax returns the retry backoff cap as a duration.
func (c SpiderConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// PolitenessDelay returns the per-host request interval as a duration.
func (c SpiderConfig) PolitenessDelay() time.Duration {
	return time.Duration(c.PolitenessDelayMs) * time.Millisecond
}
