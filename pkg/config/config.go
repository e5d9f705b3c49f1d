package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/releasecheck/pkg/fsutil"
	"github.com/ethpandaops/releasecheck/pkg/types"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is the prefix for environment variable overrides, e.g.
	// RELEASECHECK_API_SERVER_LISTEN.
	EnvPrefix = "RELEASECHECK"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default API listen address.
	DefaultListen = ":8080"

	// DefaultPassThreshold is the minimum averaged score for a passing release.
	DefaultPassThreshold = 80

	// DefaultStallTimeout is how long a running test run may go without a
	// heartbeat before the sweep fails it.
	DefaultStallTimeout = "10m"

	// DefaultSweepInterval is how often the maintenance loop sweeps.
	DefaultSweepInterval = "1m"

	// DefaultRetentionKeep is how many generations of each kind of row the
	// retention pruner keeps.
	DefaultRetentionKeep = 2

	// DefaultMaxScreenshotSize caps a single screenshot upload.
	DefaultMaxScreenshotSize = "20MB"

	// DefaultWorkerPollInterval is how often an idle worker polls the queue.
	DefaultWorkerPollInterval = "5s"

	// DefaultHeartbeatInterval is how often a busy worker heartbeats.
	DefaultHeartbeatInterval = "30s"

	// DefaultProviderTimeout bounds a single call to a check provider.
	DefaultProviderTimeout = "15m"
)

// Config is the root configuration for releasecheck.
type Config struct {
	Global  GlobalConfig  `yaml:"global" mapstructure:"global"`
	API     APIConfig     `yaml:"api" mapstructure:"api"`
	Engine  EngineConfig  `yaml:"engine" mapstructure:"engine"`
	Worker  WorkerConfig  `yaml:"worker" mapstructure:"worker"`
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// EngineConfig tunes scoring, stall detection and retention.
type EngineConfig struct {
	PassThreshold int             `yaml:"pass_threshold" mapstructure:"pass_threshold"`
	StallTimeout  string          `yaml:"stall_timeout" mapstructure:"stall_timeout"`
	SweepInterval string          `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	Retention     RetentionConfig `yaml:"retention" mapstructure:"retention"`
}

// RetentionConfig configures the retention pruner.
type RetentionConfig struct {
	Enabled     bool `yaml:"enabled" mapstructure:"enabled"`
	Keep        int  `yaml:"keep" mapstructure:"keep"`
	Concurrency int  `yaml:"concurrency,omitempty" mapstructure:"concurrency"`
}

// WorkerConfig configures the in-process worker pool. The pool only runs
// when at least one provider is configured.
type WorkerConfig struct {
	Concurrency       int              `yaml:"concurrency" mapstructure:"concurrency"`
	PollInterval      string           `yaml:"poll_interval" mapstructure:"poll_interval"`
	HeartbeatInterval string           `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	Providers         []ProviderConfig `yaml:"providers,omitempty" mapstructure:"providers"`
}

// ProviderConfig points a test type at an external check provider that
// answers with normalized results over HTTP.
type ProviderConfig struct {
	TestType string `yaml:"test_type" mapstructure:"test_type"`
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
	Timeout  string `yaml:"timeout,omitempty" mapstructure:"timeout"`
}

// StorageConfig selects the blob backend for screenshots. Only one backend
// may be enabled at a time.
type StorageConfig struct {
	MaxScreenshotSize string              `yaml:"max_screenshot_size" mapstructure:"max_screenshot_size"`
	S3                *S3Config           `yaml:"s3,omitempty" mapstructure:"s3"`
	Local             *LocalStorageConfig `yaml:"local,omitempty" mapstructure:"local"`
}

// S3Config contains S3-compatible bucket settings.
type S3Config struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// LocalStorageConfig stores blobs below a directory on disk.
type LocalStorageConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Root    string `yaml:"root" mapstructure:"root"`
	// Owner optionally hands written files to "UID:GID".
	Owner string `yaml:"owner,omitempty" mapstructure:"owner"`
}

// setDefaults registers every known key with viper. Registering a key is
// also what makes its environment override visible to Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)

	v.SetDefault("api.server.listen", DefaultListen)
	v.SetDefault("api.server.cors_origins", []string{})
	v.SetDefault("api.server.rate_limit.enabled", false)
	v.SetDefault("api.server.rate_limit.public.requests_per_minute", 600)
	v.SetDefault("api.server.rate_limit.worker.requests_per_minute", 6000)

	v.SetDefault("api.database.driver", "sqlite")
	v.SetDefault("api.database.sqlite.path", "releasecheck.db")
	v.SetDefault("api.database.postgres.host", "localhost")
	v.SetDefault("api.database.postgres.port", 5432)
	v.SetDefault("api.database.postgres.user", "")
	v.SetDefault("api.database.postgres.password", "")
	v.SetDefault("api.database.postgres.database", "releasecheck")
	v.SetDefault("api.database.postgres.ssl_mode", "disable")

	v.SetDefault("engine.pass_threshold", DefaultPassThreshold)
	v.SetDefault("engine.stall_timeout", DefaultStallTimeout)
	v.SetDefault("engine.sweep_interval", DefaultSweepInterval)
	v.SetDefault("engine.retention.enabled", true)
	v.SetDefault("engine.retention.keep", DefaultRetentionKeep)
	v.SetDefault("engine.retention.concurrency", 4)

	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.poll_interval", DefaultWorkerPollInterval)
	v.SetDefault("worker.heartbeat_interval", DefaultHeartbeatInterval)

	v.SetDefault("storage.max_screenshot_size", DefaultMaxScreenshotSize)
}

// Load reads and merges the given YAML files in order, applies
// RELEASECHECK_* environment overrides and fills in defaults. With no paths
// the configuration comes from defaults and the environment alone.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}

		// Later files override earlier ones key by key.
		if err := v.MergeConfigMap(doc); err != nil {
			return nil, fmt.Errorf("merging config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults covers values viper cannot default, such as zero values
// explicitly written in a file.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Engine.PassThreshold <= 0 {
		c.Engine.PassThreshold = DefaultPassThreshold
	}

	if c.Engine.Retention.Keep <= 0 {
		c.Engine.Retention.Keep = DefaultRetentionKeep
	}

	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 1
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Engine.PassThreshold > 100 {
		return fmt.Errorf("engine.pass_threshold must be within 1..100, got %d",
			c.Engine.PassThreshold)
	}

	for name, value := range map[string]string{
		"engine.stall_timeout":      c.Engine.StallTimeout,
		"engine.sweep_interval":     c.Engine.SweepInterval,
		"worker.poll_interval":      c.Worker.PollInterval,
		"worker.heartbeat_interval": c.Worker.HeartbeatInterval,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}

		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	hb, _ := time.ParseDuration(c.Worker.HeartbeatInterval)
	stall, _ := time.ParseDuration(c.Engine.StallTimeout)

	if hb >= stall {
		return fmt.Errorf(
			"worker.heartbeat_interval (%s) must be shorter than engine.stall_timeout (%s)",
			hb, stall,
		)
	}

	seen := make(map[string]struct{}, len(c.Worker.Providers))

	for i, p := range c.Worker.Providers {
		if _, err := types.ParseTestType(p.TestType); err != nil {
			return fmt.Errorf("worker.providers[%d]: %w", i, err)
		}

		key := strings.ToUpper(strings.TrimSpace(p.TestType))
		if _, dup := seen[key]; dup {
			return fmt.Errorf("worker.providers[%d]: duplicate provider for %s", i, key)
		}

		seen[key] = struct{}{}

		if p.Endpoint == "" {
			return fmt.Errorf("worker.providers[%d].endpoint is required", i)
		}

		if p.Timeout != "" {
			if _, err := time.ParseDuration(p.Timeout); err != nil {
				return fmt.Errorf("worker.providers[%d].timeout: %w", i, err)
			}
		}
	}

	if _, err := c.Storage.MaxScreenshotBytes(); err != nil {
		return err
	}

	s3Enabled := c.Storage.S3 != nil && c.Storage.S3.Enabled
	localEnabled := c.Storage.Local != nil && c.Storage.Local.Enabled

	if s3Enabled && localEnabled {
		return fmt.Errorf("storage: only one of s3 or local may be enabled")
	}

	if s3Enabled && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required")
	}

	if localEnabled && c.Storage.Local.Root == "" {
		return fmt.Errorf("storage.local.root is required")
	}

	if localEnabled {
		if _, err := fsutil.ParseOwner(c.Storage.Local.Owner); err != nil {
			return fmt.Errorf("storage.local.owner: %w", err)
		}
	}

	return c.API.Validate()
}

// StallTimeoutDuration returns the parsed stall timeout.
func (c *EngineConfig) StallTimeoutDuration() time.Duration {
	return parseDurationOr(c.StallTimeout, DefaultStallTimeout)
}

// SweepIntervalDuration returns the parsed sweep interval.
func (c *EngineConfig) SweepIntervalDuration() time.Duration {
	return parseDurationOr(c.SweepInterval, DefaultSweepInterval)
}

// PollIntervalDuration returns the parsed worker poll interval.
func (c *WorkerConfig) PollIntervalDuration() time.Duration {
	return parseDurationOr(c.PollInterval, DefaultWorkerPollInterval)
}

// HeartbeatIntervalDuration returns the parsed worker heartbeat interval.
func (c *WorkerConfig) HeartbeatIntervalDuration() time.Duration {
	return parseDurationOr(c.HeartbeatInterval, DefaultHeartbeatInterval)
}

// TimeoutDuration returns the provider call timeout, defaulting to
// DefaultProviderTimeout.
func (c *ProviderConfig) TimeoutDuration() time.Duration {
	return parseDurationOr(c.Timeout, DefaultProviderTimeout)
}

// MaxScreenshotBytes parses the human readable screenshot size limit.
func (c *StorageConfig) MaxScreenshotBytes() (int64, error) {
	value := c.MaxScreenshotSize
	if value == "" {
		value = DefaultMaxScreenshotSize
	}

	n, err := units.FromHumanSize(value)
	if err != nil {
		return 0, fmt.Errorf("storage.max_screenshot_size: %w", err)
	}

	if n <= 0 {
		return 0, fmt.Errorf("storage.max_screenshot_size must be positive")
	}

	return n, nil
}

func parseDurationOr(value, fallback string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(fallback)
	}

	return d
}
