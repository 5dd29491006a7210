// Package config loads dispatcher settings from a YAML file, the environment,
// and built-in defaults, in increasing order of precedence: defaults, file,
// environment. Command-line flags are applied on top by the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// DefaultRefusalMarkers are substrings that mark a response as a non-answer.
var DefaultRefusalMarkers = []string{
	"Sorry",
	"sorry",
	"I apologize",
	"I cannot",
	"I can't",
	"I can not",
	"As an AI",
	"User:",
	"Assistant:",
}

type Config struct {
	API        APIConfig        `yaml:"api"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Throughput ThroughputConfig `yaml:"throughput"`
	Refusal    RefusalConfig    `yaml:"refusal"`
	Output     OutputConfig     `yaml:"output"`
	Failures   FailuresConfig   `yaml:"failures"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Path    string        `yaml:"path"`
	Key     string        `yaml:"key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

type DispatchConfig struct {
	BatchSize   int           `yaml:"batch_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase float64       `yaml:"backoff_base"`
	BackoffUnit time.Duration `yaml:"backoff_unit"`
}

type ThroughputConfig struct {
	Capacity int `yaml:"capacity"`
}

type RefusalConfig struct {
	Markers []string `yaml:"markers"`
}

type OutputConfig struct {
	Dir     string `yaml:"dir"`
	Results string `yaml:"results"`
	Inputs  string `yaml:"inputs"`
}

// FailuresConfig selects where dropped prompts are recorded: log, file or redis.
type FailuresConfig struct {
	Mode      string        `yaml:"mode"`
	File      string        `yaml:"file"`
	RedisAddr string        `yaml:"redis_addr"`
	RedisKey  string        `yaml:"redis_key"`
	RedisTTL  time.Duration `yaml:"redis_ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads path (if non-empty), applies defaults and environment overrides.
// Validation is left to the caller so flags can be applied first.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.API.BaseURL == "" {
		c.API.BaseURL = "https://api.openai.com"
	}
	if c.API.Path == "" {
		c.API.Path = "/v1/chat/completions"
	}
	if c.API.Model == "" {
		c.API.Model = "gpt-3.5-turbo"
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = 60 * time.Second
	}
	if c.Dispatch.BatchSize == 0 {
		c.Dispatch.BatchSize = 10
	}
	if c.Dispatch.MaxAttempts == 0 {
		c.Dispatch.MaxAttempts = 5
	}
	if c.Dispatch.BackoffBase == 0 {
		c.Dispatch.BackoffBase = 2
	}
	if c.Dispatch.BackoffUnit == 0 {
		c.Dispatch.BackoffUnit = time.Second
	}
	if c.Throughput.Capacity == 0 {
		c.Throughput.Capacity = 10
	}
	if c.Refusal.Markers == nil {
		c.Refusal.Markers = append([]string(nil), DefaultRefusalMarkers...)
	}
	if c.Output.Dir == "" {
		c.Output.Dir = "output"
	}
	if c.Output.Results == "" {
		c.Output.Results = "results.jsonl"
	}
	if c.Output.Inputs == "" {
		c.Output.Inputs = "inputs.jsonl"
	}
	if c.Failures.Mode == "" {
		c.Failures.Mode = "log"
	}
	if c.Failures.File == "" {
		c.Failures.File = "failures.jsonl"
	}
	if c.Failures.RedisKey == "" {
		c.Failures.RedisKey = "dispatch"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// ApplyEnv overrides fields from environment variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("OPENAI_API_KEY"); v != "" {
		c.API.Key = v
	}
	if v := getenv("OPENAI_BASE_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := getenv("DISPATCH_MODEL"); v != "" {
		c.API.Model = v
	}
	if v := getenv("DISPATCH_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: DISPATCH_BATCH_SIZE=%q: %v", ErrInvalidConfig, v, err)
		}
		c.Dispatch.BatchSize = n
	}
	if v := getenv("DISPATCH_OUTPUT_DIR"); v != "" {
		c.Output.Dir = v
	}
	if v := getenv("REDIS_URL"); v != "" {
		c.Failures.RedisAddr = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
	return nil
}

// Validate checks the configuration for values the dispatcher cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.API.BaseURL == "":
		return fmt.Errorf("%w: api.base_url is required", ErrInvalidConfig)
	case c.Dispatch.BatchSize < 1:
		return fmt.Errorf("%w: dispatch.batch_size must be >= 1 (got %d)", ErrInvalidConfig, c.Dispatch.BatchSize)
	case c.Dispatch.MaxAttempts < 1:
		return fmt.Errorf("%w: dispatch.max_attempts must be >= 1 (got %d)", ErrInvalidConfig, c.Dispatch.MaxAttempts)
	case c.Dispatch.BackoffBase < 0:
		return fmt.Errorf("%w: dispatch.backoff_base must be >= 0 (got %g)", ErrInvalidConfig, c.Dispatch.BackoffBase)
	case c.Dispatch.BackoffUnit < 0:
		return fmt.Errorf("%w: dispatch.backoff_unit must be >= 0", ErrInvalidConfig)
	case c.Throughput.Capacity < 1:
		return fmt.Errorf("%w: throughput.capacity must be >= 1 (got %d)", ErrInvalidConfig, c.Throughput.Capacity)
	case c.Output.Dir == "":
		return fmt.Errorf("%w: output.dir is required", ErrInvalidConfig)
	}

	switch c.Failures.Mode {
	case "log", "file":
	case "redis":
		if c.Failures.RedisAddr == "" {
			return fmt.Errorf("%w: failures.redis_addr is required for redis mode", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: failures.mode must be log, file or redis (got %q)", ErrInvalidConfig, c.Failures.Mode)
	}
	return nil
}

// ResultsPath returns the results log location.
func (c *Config) ResultsPath() string {
	return filepath.Join(c.Output.Dir, c.Output.Results)
}

// InputsPath returns the input-echo log location.
func (c *Config) InputsPath() string {
	return filepath.Join(c.Output.Dir, c.Output.Inputs)
}

// FailuresPath returns the failures log location used in file mode.
func (c *Config) FailuresPath() string {
	if filepath.IsAbs(c.Failures.File) {
		return c.Failures.File
	}
	return filepath.Join(c.Output.Dir, c.Failures.File)
}
