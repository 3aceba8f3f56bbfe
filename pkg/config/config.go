// Package config loads and validates the bridge's YAML configuration.
package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/rocksbridge/rocksbridge/pkg/writer"
)

type Config struct {
	Source     SourceConfig     `yaml:"source"`
	Sink       SinkConfig       `yaml:"sink"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Retry      RetryConfig      `yaml:"retry"`
	Engine     EngineConfig     `yaml:"engine"`
	Status     StatusConfig     `yaml:"status"`
	Logger     LoggerConfig     `yaml:"logger"`
	PidFile    string           `yaml:"pid_file"`
}

// SourceConfig points at the store whose write-ahead log is tailed. The
// directory is opened read-only; the owning server keeps running.
type SourceConfig struct {
	Dir          string        `yaml:"dir"`
	MaxOpenFiles int           `yaml:"max_open_files"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// SinkConfig describes the Redis-protocol endpoint operations are replayed
// to. Namespaces maps each replicated namespace to the logical database
// index selected before its operations; namespaces absent from the map are
// not replicated.
type SinkConfig struct {
	Addr          string         `yaml:"addr"`
	Password      string         `yaml:"password"`
	Namespaces    map[string]int `yaml:"namespaces"`
	DialTimeout   time.Duration  `yaml:"dial_timeout"`
	IOTimeout     time.Duration  `yaml:"io_timeout"`
	MaxPendingOps int            `yaml:"max_pending_ops"`
	ListReplay    string         `yaml:"list_replay"`
}

type CheckpointConfig struct {
	Path string `yaml:"path"`
}

type RetryConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxAttempts  int           `yaml:"max_attempts"`
	JitterFactor float64       `yaml:"jitter_factor"`
}

type EngineConfig struct {
	RetryWindow  time.Duration `yaml:"retry_window"`
	LagThreshold uint64        `yaml:"lag_threshold"`
}

type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns a baseline config suitable for a local development setup.
func Default() Config {
	return Config{
		Source: SourceConfig{
			Dir:          "./data",
			MaxOpenFiles: 128,
			PollInterval: 100 * time.Millisecond,
		},
		Sink: SinkConfig{
			Addr:          "127.0.0.1:6379",
			Namespaces:    map[string]int{"__namespace": 0},
			DialTimeout:   5 * time.Second,
			IOTimeout:     10 * time.Second,
			MaxPendingOps: 512,
			ListReplay:    string(writer.ListReplayBestEffort),
		},
		Checkpoint: CheckpointConfig{
			Path: "./rocksbridge-checkpoint.json",
		},
		Retry: RetryConfig{
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2,
			MaxAttempts:  10,
			JitterFactor: 0.3,
		},
		Engine: EngineConfig{
			RetryWindow:  5 * time.Minute,
			LagThreshold: 1000,
		},
		Status: StatusConfig{
			Enabled: false,
			Addr:    "127.0.0.1:6680",
		},
		Logger: LoggerConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file is an
// error: the bridge touches production data and must not run on guesses.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Source.Dir == "" {
		return fmt.Errorf("source.dir is required")
	}
	if c.Sink.Addr == "" {
		return fmt.Errorf("sink.addr is required")
	}
	if len(c.Sink.Namespaces) == 0 {
		return fmt.Errorf("sink.namespaces must route at least one namespace")
	}
	for ns, db := range c.Sink.Namespaces {
		if ns == "" {
			return fmt.Errorf("sink.namespaces contains an empty namespace")
		}
		if db < 0 {
			return fmt.Errorf("sink.namespaces[%s]: database index %d is negative", ns, db)
		}
	}
	switch writer.ListReplayMode(c.Sink.ListReplay) {
	case writer.ListReplayBestEffort, writer.ListReplayFailFast:
	default:
		return fmt.Errorf("sink.list_replay: unknown mode %q", c.Sink.ListReplay)
	}
	if c.Checkpoint.Path == "" {
		return fmt.Errorf("checkpoint.path is required")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	if c.Retry.JitterFactor < 0 || c.Retry.JitterFactor >= 1 {
		return fmt.Errorf("retry.jitter_factor must be in [0, 1)")
	}
	if c.Status.Enabled && c.Status.Addr == "" {
		return fmt.Errorf("status.addr is required when status.enabled")
	}
	return nil
}

// NamespaceList returns the routed namespaces in a deterministic order so
// re-seed flushes and log lines are stable across runs.
func (c Config) NamespaceList() []string {
	out := make([]string, 0, len(c.Sink.Namespaces))
	for ns := range c.Sink.Namespaces {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}
