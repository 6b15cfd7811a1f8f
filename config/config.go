package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ryanm101/romscraper/logging"
	"github.com/ryanm101/romscraper/quota"
	"github.com/ryanm101/romscraper/scraper"
)

// Config holds application configuration.
type Config struct {
	DBPath        string              `yaml:"db_path"`
	MediaDir      string              `yaml:"media_dir"`
	RegionOrder   []string            `yaml:"region_order"`
	Language      string              `yaml:"language"`
	Media         []string            `yaml:"media"`
	ScreenScraper ScreenScraperConfig `yaml:"screenscraper"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Retry         RetryConfig         `yaml:"retry"`
	Markers       *scraper.Markers    `yaml:"markers"`
	Cache         CacheConfig         `yaml:"cache"`
	Redis         RedisConfig         `yaml:"redis"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ScreenScraperConfig holds the catalog endpoint and credentials.
type ScreenScraperConfig struct {
	BaseURL      string        `yaml:"base_url"`
	DevID        string        `yaml:"dev_id"`
	DevPassword  string        `yaml:"dev_password"`
	UserID       string        `yaml:"user_id"`
	UserPassword string        `yaml:"user_password"`
	SoftwareName string        `yaml:"software_name"`
	Timeout      time.Duration `yaml:"timeout"`
}

// RateLimitConfig paces requests.
type RateLimitConfig struct {
	RequestDelay      time.Duration `yaml:"request_delay"`
	MaxRequestsPerDay int           `yaml:"max_requests_per_day"`
}

// RetryConfig bounds retries of a single request.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialDelay   time.Duration `yaml:"initial_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	ClosedCooldown time.Duration `yaml:"closed_cooldown"`
	ClosedRetries  int           `yaml:"closed_retries"`
}

// CacheConfig controls the lookup cache.
type CacheConfig struct {
	NegativeTTL time.Duration `yaml:"negative_ttl"` // How long a catalog miss is remembered
}

// RedisConfig enables a shared quota ledger. Empty Addr keeps the ledger in
// the SQLite database.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Format string `yaml:"format"` // "text" or "json"
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
}

var defaultRegionOrder = []string{"us", "wor", "eu", "jp"}

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		DBPath:      "romscraper.db",
		MediaDir:    "media",
		RegionOrder: append([]string(nil), defaultRegionOrder...),
		Language:    "en",
		Media:       []string{"box-2D", "screenshot"},
		ScreenScraper: ScreenScraperConfig{
			BaseURL:      scraper.DefaultBaseURL,
			SoftwareName: scraper.DefaultSoftwareName,
			Timeout:      30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RequestDelay:      time.Second,
			MaxRequestsPerDay: 10000,
		},
		Retry: RetryConfig{
			MaxAttempts:    4,
			InitialDelay:   time.Second,
			MaxDelay:       30 * time.Second,
			ClosedCooldown: time.Minute,
			ClosedRetries:  2,
		},
		Cache: CacheConfig{
			NegativeTTL: 7 * 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// configPaths returns the list of paths to search for config file.
func configPaths() []string {
	paths := []string{
		".romscraper.yaml",
		".romscraper.yml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "romscraper", "config.yaml"),
			filepath.Join(home, ".config", "romscraper", "config.yml"),
			filepath.Join(home, ".romscraper.yaml"),
		)
	}

	return paths
}

// Load loads configuration from file or returns defaults.
// Priority: env ROMSCRAPER_CONFIG > search paths > defaults
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if envPath := os.Getenv("ROMSCRAPER_CONFIG"); envPath != "" {
		if err := cfg.loadFromFile(envPath); err != nil {
			return nil, err
		}
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	for _, path := range configPaths() {
		if _, err := os.Stat(path); err == nil {
			if err := cfg.loadFromFile(path); err != nil {
				return nil, err
			}
			break
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // User-supplied config path
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnvOverrides() {
	overrides := []struct {
		env    string
		target *string
	}{
		{"SCREENSCRAPER_DEV_ID", &c.ScreenScraper.DevID},
		{"SCREENSCRAPER_DEV_PASSWORD", &c.ScreenScraper.DevPassword},
		{"SCREENSCRAPER_USER_ID", &c.ScreenScraper.UserID},
		{"SCREENSCRAPER_USER_PASSWORD", &c.ScreenScraper.UserPassword},
		{"ROMSCRAPER_DB", &c.DBPath},
		{"ROMSCRAPER_MEDIA_DIR", &c.MediaDir},
		{"ROMSCRAPER_REDIS_ADDR", &c.Redis.Addr},
		{"ROMSCRAPER_LOG_LEVEL", &c.Logging.Level},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.target = v
		}
	}
}

// GetDBPath returns the database path, applying defaults.
func (c *Config) GetDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return "romscraper.db"
}

// GetMediaDir returns the root directory for downloaded media.
func (c *Config) GetMediaDir() string {
	if c.MediaDir != "" {
		return c.MediaDir
	}
	return "media"
}

// GetRegionOrder returns region priority order.
func (c *Config) GetRegionOrder() []string {
	if len(c.RegionOrder) > 0 {
		return c.RegionOrder
	}
	return append([]string(nil), defaultRegionOrder...)
}

// GetMedia returns the media categories scraped by default.
func (c *Config) GetMedia() []string {
	if len(c.Media) > 0 {
		return c.Media
	}
	return []string{"box-2D"}
}

// Credentials returns the catalog credentials.
func (c *Config) Credentials() scraper.Credentials {
	return scraper.Credentials{
		DevID:        c.ScreenScraper.DevID,
		DevPassword:  c.ScreenScraper.DevPassword,
		UserID:       c.ScreenScraper.UserID,
		UserPassword: c.ScreenScraper.UserPassword,
		SoftwareName: c.ScreenScraper.SoftwareName,
	}
}

// ToClientConfig builds the catalog client configuration. Unset values fall
// back to the client's own defaults.
func (c *Config) ToClientConfig() scraper.Config {
	cfg := scraper.Config{
		BaseURL:  c.ScreenScraper.BaseURL,
		Language: c.Language,
		Regions:  c.GetRegionOrder(),
		Timeout:  c.ScreenScraper.Timeout,
		RateLimit: quota.Config{
			MinDelay: c.RateLimit.RequestDelay,
			DailyMax: c.RateLimit.MaxRequestsPerDay,
		},
		Retry: scraper.RetryConfig{
			MaxAttempts:    c.Retry.MaxAttempts,
			InitialDelay:   c.Retry.InitialDelay,
			MaxDelay:       c.Retry.MaxDelay,
			ClosedCooldown: c.Retry.ClosedCooldown,
			ClosedRetries:  c.Retry.ClosedRetries,
		},
	}
	if c.Markers != nil {
		cfg.Markers = *c.Markers
	}
	return cfg
}

// LogConfig converts to the logging package's configuration.
func (c *Config) LogConfig() logging.Config {
	def := logging.DefaultConfig()
	if c.Logging.Format != "" {
		def.Format = c.Logging.Format
	}
	if c.Logging.Level != "" {
		def.Level = c.Logging.Level
	}
	return def
}
