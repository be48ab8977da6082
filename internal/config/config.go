// Package config loads wikitrack settings from defaults, an optional YAML
// file and WIKITRACK_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/wikiedu/wikitrack/internal/importer"
	"github.com/wikiedu/wikitrack/internal/ores"
	"github.com/wikiedu/wikitrack/internal/replica"
	"github.com/wikiedu/wikitrack/internal/retry"
	"github.com/wikiedu/wikitrack/internal/storage"
	"github.com/wikiedu/wikitrack/internal/wikiapi"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the config file is looked for when none is given
const DefaultPath = ".wikitrack/config.yaml"

// Config is the complete wikitrack configuration
type Config struct {
	Database storage.Config  `yaml:"database"`
	WikiAPI  WikiAPIConfig   `yaml:"wiki_api"`
	Replica  ReplicaConfig   `yaml:"replica"`
	ORES     ORESConfig      `yaml:"ores"`
	Retry    RetryConfig     `yaml:"retry"`
	Import   importer.Config `yaml:"import"`
	Schedule ScheduleConfig  `yaml:"schedule"`
	Log      LogConfig       `yaml:"log"`
}

// WikiAPIConfig configures the MediaWiki query API client
type WikiAPIConfig struct {
	UserAgent string `yaml:"user_agent"`

	// Timeout is the per-request HTTP timeout
	// Default: 30s
	Timeout time.Duration `yaml:"timeout"`

	// RequestsPerSecond paces requests to each wiki, 0 = unlimited
	// Default: 5
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// ReplicaConfig configures the edit-history service client
type ReplicaConfig struct {
	Endpoint          string        `yaml:"endpoint"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// ORESConfig configures the quality-scoring service client
type ORESConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`

	// IDsPerCall is how many revision ids go into one HTTP call
	// Default: 10
	IDsPerCall int `yaml:"ids_per_call"`

	// Concurrency is how many calls one scoring batch may have in flight
	// Default: 5, Range: 1-20
	Concurrency int `yaml:"concurrency"`
}

// RetryConfig is the retry policy shared by every remote client
type RetryConfig struct {
	// MaxAttempts counts the first try
	// Default: 3
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	RateLimitWait  time.Duration `yaml:"rate_limit_wait"`
}

// ScheduleConfig holds cron specs for the scheduler. An empty spec
// disables that job.
type ScheduleConfig struct {
	// Import runs the incremental import and then course scoring
	// Default: "@every 1h"
	Import string `yaml:"import"`

	// AllWikis runs scoring for every supported wiki
	// Default: "0 3 * * *"
	AllWikis string `yaml:"all_wikis"`
}

// LogConfig selects log verbosity and output format
type LogConfig struct {
	Level  string `yaml:"level"`  // logrus level name (default: info)
	Format string `yaml:"format"` // "text" or "json" (default: text)
}

// Default returns the default configuration
func Default() *Config {
	wiki := wikiapi.DefaultConfig()
	rep := replica.DefaultConfig()
	sc := ores.DefaultConfig()
	policy := retry.DefaultPolicy()

	return &Config{
		Database: *storage.DefaultConfig(),
		WikiAPI: WikiAPIConfig{
			UserAgent:         wiki.UserAgent,
			Timeout:           wiki.Timeout,
			RequestsPerSecond: wiki.RequestsPerSecond,
		},
		Replica: ReplicaConfig{
			Endpoint:          rep.Endpoint,
			Timeout:           rep.Timeout,
			RequestsPerSecond: rep.RequestsPerSecond,
		},
		ORES: ORESConfig{
			Endpoint:    sc.Endpoint,
			Timeout:     sc.Timeout,
			IDsPerCall:  sc.IDsPerCall,
			Concurrency: sc.Concurrency,
		},
		Retry: RetryConfig{
			MaxAttempts:    policy.MaxAttempts,
			InitialBackoff: policy.InitialBackoff,
			MaxBackoff:     policy.MaxBackoff,
			RateLimitWait:  policy.RateLimitWait,
		},
		Import: importer.DefaultConfig(),
		Schedule: ScheduleConfig{
			Import:   "@every 1h",
			AllWikis: "0 3 * * *",
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration. path may be empty, in which case
// DefaultPath is read if it exists. A path given explicitly must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// Defaults only
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if cfg.Database.LockDir == "" && cfg.Database.Path != "" {
		cfg.Database.LockDir = filepath.Join(filepath.Dir(cfg.Database.Path), "locks")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration has valid values
func (c *Config) Validate() error {
	switch c.Database.Backend {
	case storage.BackendSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite backend")
		}
	case storage.BackendPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("database.backend must be %q or %q (got %q)",
			storage.BackendSQLite, storage.BackendPostgres, c.Database.Backend)
	}

	if c.WikiAPI.Timeout <= 0 || c.Replica.Timeout <= 0 || c.ORES.Timeout <= 0 {
		return fmt.Errorf("client timeouts must be positive")
	}
	if c.WikiAPI.RequestsPerSecond < 0 || c.Replica.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second cannot be negative")
	}
	if c.Replica.Endpoint == "" || c.ORES.Endpoint == "" {
		return fmt.Errorf("replica and ores endpoints are required")
	}
	if c.ORES.IDsPerCall < 1 || c.ORES.IDsPerCall > ores.RevsPerRequest {
		return fmt.Errorf("ores.ids_per_call must be between 1 and %d (got %d)", ores.RevsPerRequest, c.ORES.IDsPerCall)
	}
	if c.ORES.Concurrency < 1 || c.ORES.Concurrency > 20 {
		return fmt.Errorf("ores.concurrency must be between 1 and 20 (got %d)", c.ORES.Concurrency)
	}

	if err := c.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if err := c.Import.Validate(); err != nil {
		return fmt.Errorf("import: %w", err)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{"import": c.Schedule.Import, "all_wikis": c.Schedule.AllWikis} {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("schedule.%s: invalid cron spec %q: %w", name, spec, err)
		}
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be 'text' or 'json' (got %q)", c.Log.Format)
	}
	return nil
}

// RetryPolicy converts the retry section to a retry.Policy
func (c *Config) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = c.Retry.MaxAttempts
	p.InitialBackoff = c.Retry.InitialBackoff
	p.MaxBackoff = c.Retry.MaxBackoff
	p.RateLimitWait = c.Retry.RateLimitWait
	return p
}

// WikiAPIClientConfig returns settings for wikiapi.New
func (c *Config) WikiAPIClientConfig() wikiapi.Config {
	cfg := wikiapi.DefaultConfig()
	if c.WikiAPI.UserAgent != "" {
		cfg.UserAgent = c.WikiAPI.UserAgent
	}
	cfg.Timeout = c.WikiAPI.Timeout
	cfg.RequestsPerSecond = c.WikiAPI.RequestsPerSecond
	cfg.Retry = c.RetryPolicy()
	return cfg
}

// ReplicaClientConfig returns settings for replica.New
func (c *Config) ReplicaClientConfig() replica.Config {
	cfg := replica.DefaultConfig()
	cfg.Endpoint = c.Replica.Endpoint
	cfg.Timeout = c.Replica.Timeout
	cfg.RequestsPerSecond = c.Replica.RequestsPerSecond
	if c.WikiAPI.UserAgent != "" {
		cfg.UserAgent = c.WikiAPI.UserAgent
	}
	cfg.Retry = c.RetryPolicy()
	return cfg
}

// ORESClientConfig returns settings for ores.New
func (c *Config) ORESClientConfig() ores.Config {
	cfg := ores.DefaultConfig()
	cfg.Endpoint = c.ORES.Endpoint
	cfg.Timeout = c.ORES.Timeout
	cfg.IDsPerCall = c.ORES.IDsPerCall
	cfg.Concurrency = c.ORES.Concurrency
	if c.WikiAPI.UserAgent != "" {
		cfg.UserAgent = c.WikiAPI.UserAgent
	}
	cfg.Retry = c.RetryPolicy()
	return cfg
}

// String returns a human-readable representation of the configuration.
// The postgres DSN is left out since it may carry a password.
func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "database: %s", c.Database.Backend)
	if c.Database.Backend == storage.BackendSQLite {
		fmt.Fprintf(&b, " (%s)", c.Database.Path)
	}
	fmt.Fprintf(&b, "\nimport: %d users/request, slices of %d, +%v\n",
		c.Import.UsersPerRequest, c.Import.SliceSize, c.Import.FutureSlack)
	fmt.Fprintf(&b, "scoring: %d revisions/batch, %d ids/call, concurrency %d\n",
		c.Import.ScoreBatchSize, c.ORES.IDsPerCall, c.ORES.Concurrency)
	fmt.Fprintf(&b, "schedule: import=%q all_wikis=%q", c.Schedule.Import, c.Schedule.AllWikis)
	return b.String()
}
