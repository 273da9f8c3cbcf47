// Package config holds the server configuration and the factories that turn
// it into live tables.
package config

import (
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/cartridge/reverb/internal/ratelimiter"
	"github.com/cartridge/reverb/internal/selector"
	"github.com/cartridge/reverb/internal/table"
)

// Selector kinds accepted in table configs.
const (
	SelectorUniform     = "uniform"
	SelectorFifo        = "fifo"
	SelectorLifo        = "lifo"
	SelectorHeapMin     = "heap_min"
	SelectorHeapMax     = "heap_max"
	SelectorPrioritized = "prioritized"
)

// Rate limiter kinds accepted in table configs.
const (
	LimiterMinSize = "min_size"
	LimiterQueue   = "queue"
	LimiterRatio   = "sample_to_insert_ratio"
)

// RateLimiterConfig selects and parameterizes a table's rate limiter.
type RateLimiterConfig struct {
	Kind             string  `mapstructure:"kind"`
	MinSizeToSample  int64   `mapstructure:"min_size_to_sample"`
	SamplesPerInsert float64 `mapstructure:"samples_per_insert"`
	ErrorBuffer      float64 `mapstructure:"error_buffer"`
	QueueSize        int64   `mapstructure:"queue_size"`
}

// TableConfig describes one table to create at startup.
type TableConfig struct {
	Name              string            `mapstructure:"name"`
	Sampler           string            `mapstructure:"sampler"`
	Remover           string            `mapstructure:"remover"`
	PriorityExponent  float64           `mapstructure:"priority_exponent"`
	MaxSize           int64             `mapstructure:"max_size"`
	MaxTimesSampled   int32             `mapstructure:"max_times_sampled"`
	FlexibleBatchSize int64             `mapstructure:"flexible_batch_size"`
	RateLimiter       RateLimiterConfig `mapstructure:"rate_limiter"`
}

// Config holds all server configuration.
type Config struct {
	// Service endpoints
	ListenAddr string `mapstructure:"listen_addr"`
	DebugAddr  string `mapstructure:"debug_addr"`

	// Checkpointing
	CheckpointRoot         string        `mapstructure:"checkpoint_root"`
	FallbackCheckpointPath string        `mapstructure:"fallback_checkpoint_path"`
	CheckpointInterval     time.Duration `mapstructure:"checkpoint_interval"`
	LoadCheckpoint         bool          `mapstructure:"load_checkpoint"`

	// Logging
	LogLevel string `mapstructure:"log_level"`

	Tables []TableConfig `mapstructure:"tables"`
}

// Default returns a config with sensible defaults.
func Default() *Config {
	return &Config{
		ListenAddr: "localhost:8090",
		DebugAddr:  "localhost:8091",
		LogLevel:   "info",
		Tables: []TableConfig{{
			Name:    "replay",
			Sampler: SelectorUniform,
			Remover: SelectorFifo,
			MaxSize: 100000,
			RateLimiter: RateLimiterConfig{
				Kind:            LimiterMinSize,
				MinSizeToSample: 1,
			},
		}},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if len(c.Tables) == 0 {
		return fmt.Errorf("at least one table is required")
	}
	if c.CheckpointInterval > 0 && c.CheckpointRoot == "" {
		return fmt.Errorf("checkpoint_interval requires checkpoint_root")
	}
	if c.LoadCheckpoint && c.CheckpointRoot == "" {
		return fmt.Errorf("load_checkpoint requires checkpoint_root")
	}
	seen := map[string]bool{}
	for _, tc := range c.Tables {
		if tc.Name == "" {
			return fmt.Errorf("table name is required")
		}
		if seen[tc.Name] {
			return fmt.Errorf("duplicate table %q", tc.Name)
		}
		seen[tc.Name] = true
		if tc.MaxSize <= 0 {
			return fmt.Errorf("table %q: max_size must be positive", tc.Name)
		}
		if _, err := buildSelector(tc.Sampler, tc.PriorityExponent); err != nil {
			return fmt.Errorf("table %q sampler: %w", tc.Name, err)
		}
		if _, err := buildSelector(tc.Remover, tc.PriorityExponent); err != nil {
			return fmt.Errorf("table %q remover: %w", tc.Name, err)
		}
		if _, err := buildLimiter(tc.RateLimiter); err != nil {
			return fmt.Errorf("table %q rate limiter: %w", tc.Name, err)
		}
	}
	return nil
}

// BuildTables creates the configured tables, attaching metrics extensions to
// reg when it is non-nil.
func (c *Config) BuildTables(log zerolog.Logger, reg prometheus.Registerer) ([]*table.Table, error) {
	tables := make([]*table.Table, 0, len(c.Tables))
	for _, tc := range c.Tables {
		sampler, err := buildSelector(tc.Sampler, tc.PriorityExponent)
		if err != nil {
			return nil, err
		}
		remover, err := buildSelector(tc.Remover, tc.PriorityExponent)
		if err != nil {
			return nil, err
		}
		limiter, err := buildLimiter(tc.RateLimiter)
		if err != nil {
			return nil, err
		}
		var extensions []table.Extension
		if reg != nil {
			extensions = append(extensions, table.NewMetricsExtension(reg, tc.Name))
		}
		t, err := table.New(table.Config{
			Name:              tc.Name,
			Sampler:           sampler,
			Remover:           remover,
			MaxSize:           tc.MaxSize,
			MaxTimesSampled:   tc.MaxTimesSampled,
			RateLimiter:       limiter,
			Extensions:        extensions,
			FlexibleBatchSize: tc.FlexibleBatchSize,
			Logger:            log,
		})
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, nil
}

func buildSelector(kind string, priorityExponent float64) (selector.ItemSelector, error) {
	switch kind {
	case SelectorUniform, "":
		return selector.NewUniform(), nil
	case SelectorFifo:
		return selector.NewFifo(), nil
	case SelectorLifo:
		return selector.NewLifo(), nil
	case SelectorHeapMin:
		return selector.NewHeap(true), nil
	case SelectorHeapMax:
		return selector.NewHeap(false), nil
	case SelectorPrioritized:
		return selector.NewPrioritized(priorityExponent)
	default:
		return nil, fmt.Errorf("unknown selector kind %q", kind)
	}
}

func buildLimiter(rc RateLimiterConfig) (*ratelimiter.RateLimiter, error) {
	switch rc.Kind {
	case LimiterMinSize, "":
		minSize := rc.MinSizeToSample
		if minSize <= 0 {
			minSize = 1
		}
		return ratelimiter.New(ratelimiter.MinSize(minSize))
	case LimiterQueue:
		if rc.QueueSize <= 0 {
			return nil, fmt.Errorf("queue limiter needs a positive queue_size")
		}
		return ratelimiter.New(ratelimiter.Queue(rc.QueueSize))
	case LimiterRatio:
		errorBuffer := rc.ErrorBuffer
		if errorBuffer <= 0 {
			errorBuffer = math.Max(1, rc.SamplesPerInsert)
		}
		return ratelimiter.New(ratelimiter.SampleToInsertRatio(
			rc.SamplesPerInsert, rc.MinSizeToSample, errorBuffer))
	default:
		return nil, fmt.Errorf("unknown rate limiter kind %q", rc.Kind)
	}
}
