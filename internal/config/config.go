package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/steveb/imagetter/internal/logging"
	"github.com/steveb/imagetter/internal/progress"
	"github.com/steveb/imagetter/internal/task"
)

// Config is the process-wide configuration for one run.
type Config struct {
	Target      string        `yaml:"target"`
	Concurrency int           `yaml:"concurrency"`
	LogLevel    string        `yaml:"log_level"`
	Timeout     time.Duration `yaml:"timeout"`
	ChunkSize   int64         `yaml:"chunk_size"`
	Progress    bool          `yaml:"progress"`
	Mirror      string        `yaml:"mirror"`
	MetricsFile string        `yaml:"metrics_file"`
	Downloads   []*task.Task  `yaml:"downloads"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Concurrency: 4,
		LogLevel:    "info",
		Timeout:     30 * time.Second,
		ChunkSize:   1024 * 1024, // 1MiB
	}
}

// yamlConfig is used for YAML unmarshaling with string durations and sizes.
type yamlConfig struct {
	Target      string       `yaml:"target"`
	Concurrency int          `yaml:"concurrency"`
	LogLevel    string       `yaml:"log_level"`
	Timeout     string       `yaml:"timeout"`
	ChunkSize   string       `yaml:"chunk_size"`
	Progress    bool         `yaml:"progress"`
	Mirror      string       `yaml:"mirror"`
	MetricsFile string       `yaml:"metrics_file"`
	Downloads   []*task.Task `yaml:"downloads"`
}

// LoadFromFile loads configuration and the download list from a YAML manifest.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Parse parses a YAML manifest on top of the defaults.
func Parse(data []byte) (Config, error) {
	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse manifest: %w", err)
	}

	cfg := Default()

	if yc.Target != "" {
		cfg.Target = yc.Target
	}
	if yc.Concurrency != 0 {
		cfg.Concurrency = yc.Concurrency
	}
	if yc.LogLevel != "" {
		cfg.LogLevel = yc.LogLevel
	}
	if yc.Timeout != "" {
		d, err := time.ParseDuration(yc.Timeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse timeout: %w", err)
		}
		cfg.Timeout = d
	}
	if yc.ChunkSize != "" {
		size, err := progress.ParseBytes(yc.ChunkSize)
		if err != nil {
			return Config{}, fmt.Errorf("parse chunk_size: %w", err)
		}
		cfg.ChunkSize = size
	}
	cfg.Progress = yc.Progress
	cfg.Mirror = yc.Mirror
	cfg.MetricsFile = yc.MetricsFile
	for i, t := range yc.Downloads {
		if t == nil {
			return Config{}, fmt.Errorf("parse manifest: downloads[%d] is empty", i)
		}
	}
	cfg.Downloads = yc.Downloads

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the IMAGETTER_ prefix.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("IMAGETTER_TARGET"); v != "" {
		c.Target = v
	}
	if v := os.Getenv("IMAGETTER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse IMAGETTER_CONCURRENCY: %w", err)
		}
		c.Concurrency = n
	}
	if v := os.Getenv("IMAGETTER_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("IMAGETTER_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse IMAGETTER_TIMEOUT: %w", err)
		}
		c.Timeout = d
	}
	if v := os.Getenv("IMAGETTER_CHUNK_SIZE"); v != "" {
		size, err := progress.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse IMAGETTER_CHUNK_SIZE: %w", err)
		}
		c.ChunkSize = size
	}
	if v := os.Getenv("IMAGETTER_PROGRESS"); v != "" {
		c.Progress = v == "true" || v == "1"
	}
	if v := os.Getenv("IMAGETTER_MIRROR"); v != "" {
		c.Mirror = v
	}
	if v := os.Getenv("IMAGETTER_METRICS_FILE"); v != "" {
		c.MetricsFile = v
	}

	return nil
}

// Validate validates the configuration and every download in it.
// It reports all invalid downloads at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Target == "" {
		result = multierror.Append(result, errors.New("config: target is required"))
	}
	if c.Concurrency <= 0 {
		result = multierror.Append(result, errors.New("config: concurrency must be positive"))
	}
	if c.Timeout <= 0 {
		result = multierror.Append(result, errors.New("config: timeout must be positive"))
	}
	if c.ChunkSize <= 0 {
		result = multierror.Append(result, errors.New("config: chunk_size must be positive"))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		result = multierror.Append(result, fmt.Errorf("config: %w", err))
	}

	seen := make(map[string]string, len(c.Downloads))
	for i, t := range c.Downloads {
		if err := t.Validate(); err != nil {
			result = multierror.Append(result, fmt.Errorf("downloads[%d]: %w", i, err))
			continue
		}
		// Two downloads writing the same file would race.
		name, _ := t.Filename()
		key := filepath.Join(filepath.Clean(t.TargetSubdir), name)
		if prev, ok := seen[key]; ok {
			result = multierror.Append(result, fmt.Errorf("downloads[%d]: %s and %s both write %s", i, prev, t.URL, key))
			continue
		}
		seen[key] = t.URL
	}

	return result.ErrorOrNil()
}

// Workers returns the effective concurrency: the configured limit, but no more
// than the number of downloads and never less than one.
func (c *Config) Workers() int {
	n := c.Concurrency
	if len(c.Downloads) < n {
		n = len(c.Downloads)
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if override.Target != "" {
		c.Target = override.Target
	}
	if override.Concurrency != 0 {
		c.Concurrency = override.Concurrency
	}
	if override.LogLevel != "" {
		c.LogLevel = override.LogLevel
	}
	if override.Timeout != 0 {
		c.Timeout = override.Timeout
	}
	if override.ChunkSize != 0 {
		c.ChunkSize = override.ChunkSize
	}
	if override.Progress {
		c.Progress = override.Progress
	}
	if override.Mirror != "" {
		c.Mirror = override.Mirror
	}
	if override.MetricsFile != "" {
		c.MetricsFile = override.MetricsFile
	}
	if len(override.Downloads) > 0 {
		c.Downloads = override.Downloads
	}
	return c
}
