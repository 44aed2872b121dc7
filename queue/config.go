package queue

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Queue type constants for the Config Type field.
const (
	TypeFIFO = "fifo"
	TypeLIFO = "lifo"
)

// Debug level constants for the Config Debug field. The empty string
// disables debug output.
const (
	DebugOff     = ""
	DebugInfo    = "info"
	DebugVerbose = "verbose"
)

// Config defines the configuration for a work queue. Every field is
// validated at construction; a recognised field with an invalid value
// aborts construction, and nothing is silently coerced.
type Config struct {
	// Name is the non-empty identifier used to namespace queue events
	// as "queue:<name>:<phase>".
	Name string `json:"name" yaml:"name" toml:"name"`

	// Type selects the tie-break discipline within equal priority:
	// "fifo" (default) or "lifo".
	Type string `json:"type" yaml:"type" toml:"type"`

	// Concurrency is the number of workers launched per generation.
	Concurrency int `json:"concurrency" yaml:"concurrency" toml:"concurrency"`

	// PollIntervalMs is the wait between empty-queue polls.
	PollIntervalMs int `json:"pollIntervalMs" yaml:"pollIntervalMs" toml:"pollIntervalMs"`

	// JitterFactor in [0, 1] applies multiplicative random jitter to
	// the polling wait.
	JitterFactor float64 `json:"jitterFactor" yaml:"jitterFactor" toml:"jitterFactor"`

	// ProcessIntervalMs is a mandatory pause between successive tasks
	// on one worker.
	ProcessIntervalMs int `json:"processIntervalMs" yaml:"processIntervalMs" toml:"processIntervalMs"`

	// TaskTimeoutMs bounds each processing invocation; 0 disables.
	TaskTimeoutMs int `json:"taskTimeoutMs" yaml:"taskTimeoutMs" toml:"taskTimeoutMs"`

	// MaxQueueSize is a hard bound on buffered items; admission beyond
	// it is rejected. 0 means unbounded.
	MaxQueueSize int `json:"maxQueueSize" yaml:"maxQueueSize" toml:"maxQueueSize"`

	// RateLimitCapacity and RateLimitIntervalMs parameterise the token
	// bucket. Both zero disables rate limiting.
	RateLimitCapacity   int `json:"rateLimitCapacity" yaml:"rateLimitCapacity" toml:"rateLimitCapacity"`
	RateLimitIntervalMs int `json:"rateLimitIntervalMs" yaml:"rateLimitIntervalMs" toml:"rateLimitIntervalMs"`

	// AutoStart starts the queue at construction.
	AutoStart bool `json:"autoStart" yaml:"autoStart" toml:"autoStart"`

	// Debug controls console output of queue phase events: "" (off),
	// "info" (lifecycle phases), or "verbose" (every phase).
	Debug string `json:"debug" yaml:"debug" toml:"debug"`
}

// withDefaults fills unset optional fields without touching anything
// the caller set.
func (c Config) withDefaults() Config {
	if c.Type == "" {
		c.Type = TypeFIFO
	}
	if c.Concurrency == 0 {
		c.Concurrency = 1
	}
	if c.PollIntervalMs == 0 {
		c.PollIntervalMs = 100
	}
	return c
}

// Validate checks every configuration rule, failing loudly with a
// typed error on the first violation.
func (c Config) Validate() error {
	if c.Name == "" {
		return ErrConfigNameRequired
	}
	if c.Type != TypeFIFO && c.Type != TypeLIFO {
		return fmt.Errorf("%w: %q", ErrConfigInvalidType, c.Type)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: %d", ErrConfigInvalidConcurrency, c.Concurrency)
	}
	if c.PollIntervalMs < 0 {
		return fmt.Errorf("%w: pollIntervalMs %d", ErrConfigInvalidInterval, c.PollIntervalMs)
	}
	if c.ProcessIntervalMs < 0 {
		return fmt.Errorf("%w: processIntervalMs %d", ErrConfigInvalidInterval, c.ProcessIntervalMs)
	}
	if c.TaskTimeoutMs < 0 {
		return fmt.Errorf("%w: taskTimeoutMs %d", ErrConfigInvalidInterval, c.TaskTimeoutMs)
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		return fmt.Errorf("%w: %v", ErrConfigInvalidJitter, c.JitterFactor)
	}
	if c.MaxQueueSize < 0 {
		return fmt.Errorf("%w: %d", ErrConfigInvalidQueueSize, c.MaxQueueSize)
	}
	if c.RateLimitCapacity < 0 || c.RateLimitIntervalMs < 0 {
		return fmt.Errorf("%w: capacity %d, intervalMs %d",
			ErrConfigInvalidRateLimit, c.RateLimitCapacity, c.RateLimitIntervalMs)
	}
	if (c.RateLimitCapacity > 0) != (c.RateLimitIntervalMs > 0) {
		return fmt.Errorf("%w: capacity %d, intervalMs %d",
			ErrConfigInvalidRateLimit, c.RateLimitCapacity, c.RateLimitIntervalMs)
	}
	switch c.Debug {
	case DebugOff, DebugInfo, DebugVerbose:
	default:
		return fmt.Errorf("%w: %q", ErrConfigInvalidDebug, c.Debug)
	}
	return nil
}

// LoadConfig reads a queue configuration file, choosing the decoder by
// extension: .yaml/.yml or .toml. The loaded config is validated with
// defaults applied.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("queue: read config %s: %w", path, err)
	}

	var cfg Config
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("queue: parse yaml config %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("queue: parse toml config %s: %w", path, err)
		}
	default:
		return Config{}, fmt.Errorf("%w: %s", ErrConfigUnsupportedFormat, ext)
	}

	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("queue: config %s: %w", path, err)
	}
	return cfg, nil
}
