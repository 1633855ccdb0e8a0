package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration, constructed once at startup and passed
// into each component by parameter.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Manifest     ManifestConfig     `yaml:"manifest"`
	Imports      ImportsConfig      `yaml:"imports"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Feed         FeedConfig         `yaml:"feed"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type ManifestConfig struct {
	Path string `yaml:"path"`
}

// ImportsConfig drives the incremental artifact-directory ingestion path.
type ImportsConfig struct {
	Dir     string `yaml:"dir"`
	Table   string `yaml:"table"`
	Workers int    `yaml:"workers"`
}

type OrchestratorConfig struct {
	MaxConcurrency      int     `yaml:"max_concurrency"`
	JitterMinSeconds    float64 `yaml:"jitter_min_seconds"`
	JitterMaxSeconds    float64 `yaml:"jitter_max_seconds"`
	FetchTimeoutSeconds float64 `yaml:"fetch_timeout_seconds"`
}

func (c OrchestratorConfig) JitterMin() time.Duration {
	return time.Duration(c.JitterMinSeconds * float64(time.Second))
}

func (c OrchestratorConfig) JitterMax() time.Duration {
	return time.Duration(c.JitterMaxSeconds * float64(time.Second))
}

func (c OrchestratorConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds * float64(time.Second))
}

// FeedConfig configures the built-in CSV feed adapter. Retries wrap the
// adapter, never the orchestrator.
type FeedConfig struct {
	Name         string  `yaml:"name"`
	BaseURL      string  `yaml:"base_url"`
	Retries      int     `yaml:"retries"`
	RetryBaseSec float64 `yaml:"retry_base_seconds"`
}

func (c FeedConfig) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseSec * float64(time.Second))
}

// Load reads a YAML config file, expands ${VAR} environment references,
// applies defaults and validates. An empty path yields defaults with env
// overrides only.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config yaml: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnv lets the usual deployment knobs override the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("MANIFEST_PATH"); v != "" {
		c.Manifest.Path = v
	}
	if v := os.Getenv("IMPORTS_DIR"); v != "" {
		c.Imports.Dir = v
	}
	if v := os.Getenv("MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Orchestrator.MaxConcurrency = n
		}
	}
	if v := os.Getenv("FEED_BASE_URL"); v != "" {
		c.Feed.BaseURL = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Database.Path == "" {
		c.Database.Path = "ingest.db"
	}
	if c.Manifest.Path == "" {
		c.Manifest.Path = "manifest.json"
	}
	if c.Imports.Table == "" {
		c.Imports.Table = "bars_import"
	}
	if c.Imports.Workers == 0 {
		c.Imports.Workers = 4
	}
	if c.Orchestrator.MaxConcurrency == 0 {
		c.Orchestrator.MaxConcurrency = 5
	}
	if c.Orchestrator.FetchTimeoutSeconds == 0 {
		c.Orchestrator.FetchTimeoutSeconds = 30
	}
	if c.Feed.Name == "" {
		c.Feed.Name = "csvfeed"
	}
	if c.Feed.RetryBaseSec == 0 {
		c.Feed.RetryBaseSec = 1
	}
}

func (c *Config) Validate() error {
	if c.Orchestrator.MaxConcurrency < 1 {
		return errors.New("orchestrator.max_concurrency must be >= 1")
	}
	if c.Orchestrator.JitterMinSeconds < 0 {
		return errors.New("orchestrator.jitter_min_seconds must be >= 0")
	}
	if c.Orchestrator.JitterMaxSeconds < c.Orchestrator.JitterMinSeconds {
		return errors.New("orchestrator.jitter_max_seconds must be >= jitter_min_seconds")
	}
	if c.Orchestrator.FetchTimeoutSeconds <= 0 {
		return errors.New("orchestrator.fetch_timeout_seconds must be > 0")
	}
	if c.Imports.Workers < 1 {
		return errors.New("imports.workers must be >= 1")
	}
	if c.Feed.Retries < 0 {
		return errors.New("feed.retries must be >= 0")
	}
	return nil
}
