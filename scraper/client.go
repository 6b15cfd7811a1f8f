// Package scraper is a client for the ScreenScraper game catalog. It
// identifies ROM files by content hash, looks games up by name or id, and
// downloads their artwork, while keeping every dispatch inside the caller's
// request quota.
package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ryanm101/romscraper/catalog"
	"github.com/ryanm101/romscraper/logging"
	"github.com/ryanm101/romscraper/quota"
)

const (
	DefaultBaseURL      = "https://www.screenscraper.fr/api2"
	DefaultSoftwareName = "romscraper"

	// Bounds on what is buffered from a response.
	maxResponseBody = 8 << 20
	maxErrorBody    = 64 << 10
)

// DefaultRegions is the media region preference used when a caller passes none.
var DefaultRegions = []string{"us", "wor", "eu", "jp"}

// Credentials identify the calling software and, optionally, an end user.
// The developer pair is mandatory; the user pair is sent only when both
// halves are set.
type Credentials struct {
	DevID        string
	DevPassword  string
	UserID       string
	UserPassword string
	SoftwareName string
}

func (c Credentials) hasUser() bool {
	return c.UserID != "" && c.UserPassword != ""
}

// key identifies the quota bucket these credentials draw from. Passwords are
// never part of it.
func (c Credentials) key() string {
	if c.hasUser() {
		return c.DevID + "/" + c.UserID
	}
	return c.DevID
}

// RetryConfig bounds how hard a single operation tries.
type RetryConfig struct {
	MaxAttempts    int           // Total attempts for transient failures
	InitialDelay   time.Duration // First backoff delay, doubled each retry
	MaxDelay       time.Duration // Backoff ceiling
	ClosedCooldown time.Duration // Wait before retrying a closed service
	ClosedRetries  int           // Retries after the service reports closure
}

// Config holds the client's tunables. Zero fields take defaults in New.
type Config struct {
	BaseURL      string
	Language     string
	Regions      []string
	Timeout      time.Duration // Per attempt, for catalog calls
	MediaTimeout time.Duration // Per attempt, for media transfers
	RateLimit    quota.Config
	Retry        RetryConfig
	Markers      Markers
}

// DefaultConfig returns the configuration used by NewDefault.
func DefaultConfig() Config {
	return Config{
		BaseURL:      DefaultBaseURL,
		Language:     "en",
		Regions:      append([]string(nil), DefaultRegions...),
		Timeout:      30 * time.Second,
		MediaTimeout: 5 * time.Minute,
		RateLimit:    quota.DefaultConfig(),
		Retry: RetryConfig{
			MaxAttempts:    4,
			InitialDelay:   time.Second,
			MaxDelay:       30 * time.Second,
			ClosedCooldown: time.Minute,
			ClosedRetries:  2,
		},
		Markers: DefaultMarkers(),
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Language == "" {
		cfg.Language = def.Language
	}
	if cfg.Regions == nil {
		cfg.Regions = def.Regions
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MediaTimeout <= 0 {
		cfg.MediaTimeout = def.MediaTimeout
	}
	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = quota.DefaultWindow
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if cfg.Retry.InitialDelay <= 0 {
		cfg.Retry.InitialDelay = def.Retry.InitialDelay
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = def.Retry.MaxDelay
	}
	if cfg.Retry.ClosedCooldown <= 0 {
		cfg.Retry.ClosedCooldown = def.Retry.ClosedCooldown
	}
	if cfg.Retry.ClosedRetries < 0 {
		cfg.Retry.ClosedRetries = 0
	}
	if cfg.Markers.NotFound.Statuses == nil && cfg.Markers.NotFound.Substrings == nil &&
		cfg.Markers.QuotaExceeded.Statuses == nil && cfg.Markers.QuotaExceeded.Substrings == nil &&
		cfg.Markers.ServiceClosed.Statuses == nil && cfg.Markers.ServiceClosed.Substrings == nil {
		cfg.Markers = def.Markers
	}
	return cfg
}

// Client talks to the catalog. A Client is safe for concurrent use, but all
// of its dispatches are serialised through one quota governor.
type Client struct {
	creds      Credentials
	cfg        Config
	httpClient *http.Client
	governor   *quota.Governor
	ledger     quota.Ledger
	sleep      quota.Sleeper
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its own timeout, if any, applies
// on top of the per-attempt timeouts.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithSleeper overrides how throttle and retry waits are performed (useful
// for tests).
func WithSleeper(sleep quota.Sleeper) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithClock overrides the time source of the client's governor.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLedger persists dispatches so the quota survives restarts and is
// shared by every client using the same credentials and ledger.
func WithLedger(l quota.Ledger) Option {
	return func(c *Client) {
		c.ledger = l
	}
}

// WithGovernor shares an existing governor between clients.
func WithGovernor(g *quota.Governor) Option {
	return func(c *Client) {
		c.governor = g
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a client. It fails if the developer credentials are missing.
func New(creds Credentials, cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(creds.DevID) == "" || strings.TrimSpace(creds.DevPassword) == "" {
		return nil, fmt.Errorf("%w: developer id and password are required", ErrInvalidArg)
	}
	if creds.SoftwareName == "" {
		creds.SoftwareName = DefaultSoftwareName
	}
	cfg = cfg.withDefaults()

	c := &Client{
		creds: creds,
		cfg:   cfg,
		sleep: quota.Sleep,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.Component(c.logger, "scraper")
	if c.httpClient == nil {
		c.httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	if c.governor == nil {
		gopts := []quota.Option{quota.WithClock(c.now), quota.WithLogger(c.logger)}
		if c.ledger != nil {
			gopts = append(gopts, quota.WithLedger(c.ledger, creds.key()))
		}
		c.governor = quota.New(cfg.RateLimit, gopts...)
		if c.ledger != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.governor.Restore(ctx); err != nil {
				c.logger.Warn("failed to restore quota ledger", "error", err)
			}
		}
	}
	return c, nil
}

// NewDefault creates a client with DefaultConfig.
func NewDefault(creds Credentials) (*Client, error) {
	return New(creds, DefaultConfig())
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Quota returns the governor's current view of the quota.
func (c *Client) Quota() quota.Snapshot {
	return c.governor.Snapshot()
}

func (c *Client) parseOptions() catalog.ParseOptions {
	return catalog.ParseOptions{Language: c.cfg.Language, Regions: c.cfg.Regions}
}

func (c *Client) platformID(platform string) (int, error) {
	id, ok := catalog.PlatformID(platform)
	if !ok {
		return 0, fmt.Errorf("%w: unknown platform %q", ErrInvalidArg, platform)
	}
	return id, nil
}
