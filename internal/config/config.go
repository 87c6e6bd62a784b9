// Package config loads the anchor service's configuration from a YAML
// file with environment-variable overrides, following the same
// load-then-default-then-override shape as the original multi-domain
// config this service was split from.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/aredgroup/edge-anchor/internal/ledgerclient"
	"github.com/aredgroup/edge-anchor/internal/reconcile"
	"github.com/aredgroup/edge-anchor/internal/repository"
	"github.com/aredgroup/edge-anchor/internal/scheduler"
	"gopkg.in/yaml.v2"
)

var logger = log.New(log.Writer(), "[Config] ", log.LstdFlags)

// yamlConfig mirrors the on-disk shape; durations are parsed as strings
// ("5s", "2m") since yaml.v2 has no native time.Duration support.
type yamlConfig struct {
	Ledger struct {
		URL                 string `yaml:"url"`
		Network             string `yaml:"network"`
		TagPrefix           string `yaml:"tag_prefix"`
		TagVersion          string `yaml:"tag_version"`
		RequestTimeout      string `yaml:"request_timeout"`
		APITimeout          string `yaml:"api_timeout"`
		RetryCount          int    `yaml:"retry_count"`
		RetryDelay          string `yaml:"retry_delay"`
		RetryMaxDelay       string `yaml:"retry_max_delay"`
		ConfirmationTimeout string `yaml:"confirmation_timeout"`
		PollInterval        string `yaml:"poll_interval"`
		Enabled             bool   `yaml:"enabled"`
	} `yaml:"ledger"`

	Scheduler struct {
		Enabled bool `yaml:"enabled"`
		Hour    int  `yaml:"hour"`
		Minute  int  `yaml:"minute"`
	} `yaml:"scheduler"`

	Reconciliation struct {
		IntervalMinutes int    `yaml:"interval_minutes"`
		MaxRetries      int    `yaml:"max_retries"`
		BackoffBase     string `yaml:"backoff_base"`
		BackoffCap      string `yaml:"backoff_cap"`
	} `yaml:"reconciliation"`

	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`
}

// Config is the fully-resolved, typed configuration handed to main's
// wiring code. Its sub-structs are the exact Config/PoolConfig types
// each package already declares, so main constructs collaborators with
// no further translation.
type Config struct {
	Ledger         ledgerclient.Config
	Scheduler      scheduler.Config
	Reconciliation reconcile.Config
	Database       repository.PoolConfig
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton, loading CONFIG_PATH (default
// "config.yaml") on first call. Load failures fall back to an
// all-defaults config rather than panicking, matching the teacher's
// "warn and continue" startup behavior; main is still free to call
// Load directly and check the error if it wants to fail fast instead.
func Get() *Config {
	once.Do(func() {
		cfg, err := Load(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			logger.Printf("failed to load config file, using defaults: %v", err)
			cfg = defaultConfig()
		}
		applyEnvOverrides(cfg)
		instance = cfg
	})
	return instance
}

// Load reads and decodes the YAML file at path, applying defaults for
// zero-valued fields. It does not apply environment overrides; callers
// needing those should go through Get, or call applyEnvOverrides
// themselves in tests.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var raw yamlConfig
	if err := yaml.NewDecoder(f).Decode(&raw); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}

	cfg := fromYAML(raw)
	applyDefaults(cfg)
	return cfg, nil
}

func fromYAML(raw yamlConfig) *Config {
	cfg := &Config{}

	cfg.Ledger.URL = raw.Ledger.URL
	cfg.Ledger.Network = raw.Ledger.Network
	cfg.Ledger.TagPrefix = raw.Ledger.TagPrefix
	cfg.Ledger.TagVersion = raw.Ledger.TagVersion
	cfg.Ledger.RequestTimeout = parseDuration(raw.Ledger.RequestTimeout)
	cfg.Ledger.APITimeout = parseDuration(raw.Ledger.APITimeout)
	cfg.Ledger.RetryCount = raw.Ledger.RetryCount
	cfg.Ledger.RetryDelay = parseDuration(raw.Ledger.RetryDelay)
	cfg.Ledger.RetryMaxDelay = parseDuration(raw.Ledger.RetryMaxDelay)
	cfg.Ledger.ConfirmationTimeout = parseDuration(raw.Ledger.ConfirmationTimeout)
	cfg.Ledger.PollInterval = parseDuration(raw.Ledger.PollInterval)
	cfg.Ledger.Enabled = raw.Ledger.Enabled

	cfg.Scheduler.Enabled = raw.Scheduler.Enabled
	cfg.Scheduler.DailyHour = raw.Scheduler.Hour
	cfg.Scheduler.DailyMinute = raw.Scheduler.Minute

	cfg.Reconciliation.IntervalMinutes = raw.Reconciliation.IntervalMinutes
	cfg.Reconciliation.MaxRetries = raw.Reconciliation.MaxRetries
	cfg.Reconciliation.BackoffBase = parseDuration(raw.Reconciliation.BackoffBase)
	cfg.Reconciliation.BackoffCap = parseDuration(raw.Reconciliation.BackoffCap)

	cfg.Database.DSN = raw.Database.DSN

	return cfg
}

// defaultConfig returns a Config with every default applied, used when
// no config file can be read at all.
func defaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills zero-valued fields with the service's documented
// defaults.
func applyDefaults(c *Config) {
	if c.Ledger.Network == "" {
		c.Ledger.Network = "testnet"
	}
	if c.Ledger.TagPrefix == "" {
		c.Ledger.TagPrefix = "ARED_ANCHOR"
	}
	if c.Ledger.TagVersion == "" {
		c.Ledger.TagVersion = "v1"
	}
	if c.Ledger.RequestTimeout == 0 {
		c.Ledger.RequestTimeout = 10 * time.Second
	}
	if c.Ledger.APITimeout == 0 {
		c.Ledger.APITimeout = 5 * time.Second
	}
	if c.Ledger.RetryCount == 0 {
		c.Ledger.RetryCount = 5
	}
	if c.Ledger.RetryDelay == 0 {
		c.Ledger.RetryDelay = 500 * time.Millisecond
	}
	if c.Ledger.RetryMaxDelay == 0 {
		c.Ledger.RetryMaxDelay = 30 * time.Second
	}
	if c.Ledger.ConfirmationTimeout == 0 {
		c.Ledger.ConfirmationTimeout = 2 * time.Minute
	}
	if c.Ledger.PollInterval == 0 {
		c.Ledger.PollInterval = 5 * time.Second
	}

	if c.Scheduler.DailyHour == 0 && c.Scheduler.DailyMinute == 0 {
		c.Scheduler.DailyHour = 0
		c.Scheduler.DailyMinute = 5
	}

	if c.Reconciliation.IntervalMinutes == 0 {
		c.Reconciliation.IntervalMinutes = 15
	}
	if c.Reconciliation.MaxRetries == 0 {
		c.Reconciliation.MaxRetries = 5
	}
	if c.Reconciliation.BackoffBase == 0 {
		c.Reconciliation.BackoffBase = 30 * time.Second
	}
	if c.Reconciliation.BackoffCap == 0 {
		c.Reconciliation.BackoffCap = 30 * time.Minute
	}
	if c.Scheduler.ReconciliationInterval == 0 {
		c.Scheduler.ReconciliationInterval = c.Reconciliation.IntervalMinutes
	}

	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 30 * time.Minute
	}
}

// applyEnvOverrides applies the ANCHOR_* environment variables over
// whatever was loaded from YAML (or left at defaults).
func applyEnvOverrides(c *Config) {
	c.Ledger.URL = getEnv("ANCHOR_LEDGER_URL", c.Ledger.URL)
	c.Ledger.Network = getEnv("ANCHOR_LEDGER_NETWORK", c.Ledger.Network)
	c.Ledger.TagPrefix = getEnv("ANCHOR_LEDGER_TAG_PREFIX", c.Ledger.TagPrefix)
	c.Ledger.TagVersion = getEnv("ANCHOR_LEDGER_TAG_VERSION", c.Ledger.TagVersion)
	c.Ledger.Enabled = getEnvBool("ANCHOR_LEDGER_ENABLED", c.Ledger.Enabled)
	if v := getEnvInt("ANCHOR_LEDGER_RETRY_COUNT", 0); v > 0 {
		c.Ledger.RetryCount = v
	}
	if v := getEnvDuration("ANCHOR_LEDGER_REQUEST_TIMEOUT", 0); v > 0 {
		c.Ledger.RequestTimeout = v
	}
	if v := getEnvDuration("ANCHOR_LEDGER_CONFIRMATION_TIMEOUT", 0); v > 0 {
		c.Ledger.ConfirmationTimeout = v
	}

	c.Scheduler.Enabled = getEnvBool("ANCHOR_SCHEDULER_ENABLED", c.Scheduler.Enabled)
	if v := getEnvInt("ANCHOR_SCHEDULER_HOUR", -1); v >= 0 {
		c.Scheduler.DailyHour = v
	}
	if v := getEnvInt("ANCHOR_SCHEDULER_MINUTE", -1); v >= 0 {
		c.Scheduler.DailyMinute = v
	}

	if v := getEnvInt("ANCHOR_RECONCILIATION_INTERVAL_MINUTES", 0); v > 0 {
		c.Reconciliation.IntervalMinutes = v
		c.Scheduler.ReconciliationInterval = v
	}
	if v := getEnvInt("ANCHOR_RECONCILIATION_MAX_RETRIES", 0); v > 0 {
		c.Reconciliation.MaxRetries = v
	}

	c.Database.DSN = getEnv("ANCHOR_DATABASE_DSN", c.Database.DSN)
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
