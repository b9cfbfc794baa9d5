package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	DefaultBaseURL         = "https://www.carzone.ie"
	DefaultMaxPages        = 200
	DefaultOutputDir       = "/app/output"
	DefaultCrawlDelayMS    = 1000
	DefaultTimeoutMS       = 30000
	DefaultMaxRetries      = 3
	DefaultRetryDelayMS    = 2000
	DefaultMaxBodyBytes    = 20 * 1024 * 1024
	DefaultUserAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	DefaultRedisAddr       = "localhost:6379"
	DefaultMetricsJob      = "site_crawler"
	DefaultEnvFile         = ".env"
	FrontierBackendMemory  = "memory"
	FrontierBackendRedis   = "redis"
	defaultFrontierBackend = FrontierBackendMemory
)

// Config stores all configuration for the application.
type Config struct {
	BaseURL           string `mapstructure:"BASE_URL"`
	MaxPages          int    `mapstructure:"MAX_PAGES"`
	OutputDir         string `mapstructure:"OUTPUT_DIR"`
	CrawlDelayMS      int    `mapstructure:"CRAWL_DELAY"`
	TimeoutMS         int    `mapstructure:"TIMEOUT"`
	MaxRetries        int    `mapstructure:"MAX_RETRIES"`
	RetryDelayMS      int    `mapstructure:"RETRY_DELAY"`
	UserAgentRotation bool   `mapstructure:"USER_AGENT_ROTATION"`
	UserAgent         string `mapstructure:"USER_AGENT"`
	MaxBodyBytes      int64  `mapstructure:"MAX_BODY_BYTES"`
	Debug             bool   `mapstructure:"DEBUG"`

	// ProxyURL is the single proxy used when ProxyList is empty.
	// Resolved from HTTPS_PROXY, HTTP_PROXY and PROXY_URL in that order.
	ProxyURL  string   `mapstructure:"-"`
	ProxyList []string `mapstructure:"-"`

	ExtraExcludePatterns []string `mapstructure:"-"`

	FrontierBackend string `mapstructure:"FRONTIER_BACKEND"`
	RedisAddr       string `mapstructure:"REDIS_ADDR"`
	RedisPassword   string `mapstructure:"REDIS_PASSWORD"`
	RedisDB         int    `mapstructure:"REDIS_DB"`

	PostgresURL string `mapstructure:"POSTGRES_URL"`

	PushgatewayURL string `mapstructure:"PUSHGATEWAY_URL"`
	MetricsJob     string `mapstructure:"METRICS_JOB"`
}

// Load reads configuration from an optional env file and the environment.
// A missing env file is not an error; environment variables always win.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		// Missing files are fine so containers can rely on the environment alone.
		if err := v.ReadInConfig(); err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		}
	}

	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.ProxyURL = firstNonEmpty(v.GetString("HTTPS_PROXY"), v.GetString("HTTP_PROXY"), v.GetString("PROXY_URL"))
	cfg.ProxyList = splitList(v.GetString("PROXY_LIST"))
	cfg.ExtraExcludePatterns = splitList(v.GetString("EXTRA_EXCLUDE_PATTERNS"))
	cfg.FrontierBackend = strings.ToLower(strings.TrimSpace(cfg.FrontierBackend))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("BASE_URL", DefaultBaseURL)
	v.SetDefault("MAX_PAGES", DefaultMaxPages)
	v.SetDefault("OUTPUT_DIR", DefaultOutputDir)
	v.SetDefault("CRAWL_DELAY", DefaultCrawlDelayMS) // in milliseconds
	v.SetDefault("TIMEOUT", DefaultTimeoutMS)
	v.SetDefault("MAX_RETRIES", DefaultMaxRetries)
	v.SetDefault("RETRY_DELAY", DefaultRetryDelayMS)
	v.SetDefault("USER_AGENT_ROTATION", false)
	v.SetDefault("USER_AGENT", DefaultUserAgent)
	v.SetDefault("MAX_BODY_BYTES", DefaultMaxBodyBytes)
	v.SetDefault("DEBUG", false)
	v.SetDefault("HTTPS_PROXY", "")
	v.SetDefault("HTTP_PROXY", "")
	v.SetDefault("PROXY_URL", "")
	v.SetDefault("PROXY_LIST", "")
	v.SetDefault("EXTRA_EXCLUDE_PATTERNS", "")
	v.SetDefault("FRONTIER_BACKEND", defaultFrontierBackend)
	v.SetDefault("REDIS_ADDR", DefaultRedisAddr)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("POSTGRES_URL", "")
	v.SetDefault("PUSHGATEWAY_URL", "")
	v.SetDefault("METRICS_JOB", DefaultMetricsJob)
}

// Validate checks the configuration and returns the first problem found.
func (c *Config) Validate() error {
	if c.MaxPages <= 0 {
		return ErrInvalidMaxPages
	}
	if c.CrawlDelayMS < 0 {
		return ErrInvalidCrawlDelay
	}
	if c.MaxRetries < 0 {
		return ErrInvalidMaxRetries
	}
	if c.TimeoutMS < 0 {
		return ErrInvalidTimeout
	}
	if c.RetryDelayMS < 0 {
		return ErrInvalidRetryDelay
	}
	if c.MaxBodyBytes <= 0 {
		return ErrInvalidMaxBodyBytes
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return fmt.Errorf("%w: %q", ErrInvalidBaseURL, c.BaseURL)
	}

	switch c.FrontierBackend {
	case FrontierBackendMemory, FrontierBackendRedis:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFrontierBackend, c.FrontierBackend)
	}

	return nil
}

// CrawlDelay is the pause between two successfully crawled pages.
func (c *Config) CrawlDelay() time.Duration {
	return time.Duration(c.CrawlDelayMS) * time.Millisecond
}

// Timeout is the per-request timeout, zero meaning none.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// RetryDelay is the linear backoff unit between fetch attempts.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// splitList parses a comma-separated value, trimming entries and dropping empty ones.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
