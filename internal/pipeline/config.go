// Package pipeline turns the validated configuration surface into a running
// DAG: it resolves connections to connectors, sources to source nodes,
// endpoints to sinks, and hands the graph to the executor.
package pipeline

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/v2"

	"github.com/tarungka/reflow/internal/executor"
	"github.com/tarungka/reflow/internal/state"
)

// ConnectionConfig names a connector and carries its driver-specific
// settings, opaque to the core.
type ConnectionConfig struct {
	Name   string            `koanf:"name" json:"name" validate:"required"`
	Type   string            `koanf:"type" json:"type" validate:"required"`
	Config map[string]string `koanf:"config" json:"config"`
}

// SourceConfig selects one table from a connection.
type SourceConfig struct {
	Name       string   `koanf:"name" json:"name" validate:"required"`
	Connection string   `koanf:"connection" json:"connection" validate:"required"`
	Table      string   `koanf:"table" json:"table" validate:"required"`
	Columns    []string `koanf:"columns" json:"columns"`
}

// SinkSpec selects a sink implementation for an endpoint.
type SinkSpec struct {
	Type   string            `koanf:"type" json:"type" validate:"required"`
	Config map[string]string `koanf:"config" json:"config"`
}

// FilterConfig is a structured predicate (column op literal). SQL text is
// resolved upstream of the core; this is the configuration-native subset.
type FilterConfig struct {
	Column string `koanf:"column" json:"column" validate:"required"`
	Op     string `koanf:"op" json:"op" validate:"required,oneof== != < <= > >="`
	Value  string `koanf:"value" json:"value" validate:"required"`
}

// EndpointConfig wires a source (optionally filtered and projected) into a
// sink.
type EndpointConfig struct {
	Name    string        `koanf:"name" json:"name" validate:"required"`
	Source  string        `koanf:"source" json:"source" validate:"required"`
	Columns []string      `koanf:"columns" json:"columns"`
	Filter  *FilterConfig `koanf:"filter" json:"filter"`
	Sink    SinkSpec      `koanf:"sink" json:"sink" validate:"required"`
}

// SchedulerConfig is the §6.4 scheduler option surface; durations are
// milliseconds in the file.
type SchedulerConfig struct {
	ChannelCapacity int    `koanf:"channel_capacity" json:"channel_capacity" validate:"gte=0"`
	EpochIntervalMs int    `koanf:"epoch_interval_ms" json:"epoch_interval_ms" validate:"gte=0"`
	CommitTimeoutMs int    `koanf:"commit_timeout_ms" json:"commit_timeout_ms" validate:"gte=0"`
	GraceWindowMs   int    `koanf:"grace_window_ms" json:"grace_window_ms" validate:"gte=0"`
	StateDir        string `koanf:"state_dir" json:"state_dir"`
	LogDir          string `koanf:"log_dir" json:"log_dir"`
	StateBackend    string `koanf:"state_backend" json:"state_backend" validate:"omitempty,oneof=badger bolt pebble memory"`
	OnError         string `koanf:"on_error" json:"on_error" validate:"omitempty,oneof=drop fail"`
}

// Config is the full pipeline specification consumed from the CLI.
type Config struct {
	Connections []ConnectionConfig `koanf:"connections" json:"connections" validate:"required,min=1,dive"`
	Sources     []SourceConfig     `koanf:"sources" json:"sources" validate:"required,min=1,dive"`
	SQL         string             `koanf:"sql" json:"sql"`
	Endpoints   []EndpointConfig   `koanf:"endpoints" json:"endpoints" validate:"required,min=1,dive"`
	Scheduler   SchedulerConfig    `koanf:"scheduler" json:"scheduler"`
}

// Load unmarshals and validates the pipeline config from koanf.
func Load(ko *koanf.Koanf) (Config, error) {
	var cfg Config
	if err := ko.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("pipeline: unmarshal config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("pipeline: invalid config: %w", err)
	}

	names := make(map[string]struct{}, len(cfg.Connections))
	for _, c := range cfg.Connections {
		if _, dup := names[c.Name]; dup {
			return Config{}, fmt.Errorf("pipeline: duplicate connection %q", c.Name)
		}
		names[c.Name] = struct{}{}
	}
	for _, s := range cfg.Sources {
		if _, ok := names[s.Connection]; !ok {
			return Config{}, fmt.Errorf("pipeline: source %q references unknown connection %q", s.Name, s.Connection)
		}
	}
	return cfg, nil
}

// ExecutorConfig maps scheduler options onto the executor's configuration.
func (c Config) ExecutorConfig() executor.Config {
	out := executor.DefaultConfig()
	s := c.Scheduler
	if s.ChannelCapacity > 0 {
		out.ChannelCapacity = s.ChannelCapacity
	}
	if s.EpochIntervalMs > 0 {
		out.EpochInterval = time.Duration(s.EpochIntervalMs) * time.Millisecond
	}
	if s.CommitTimeoutMs > 0 {
		out.CommitTimeout = time.Duration(s.CommitTimeoutMs) * time.Millisecond
	}
	if s.GraceWindowMs > 0 {
		out.GraceWindow = time.Duration(s.GraceWindowMs) * time.Millisecond
	}
	out.StateDir = s.StateDir
	if s.StateBackend != "" {
		out.Backend = state.BackendType(s.StateBackend)
	}
	if s.OnError != "" {
		out.ErrorPolicy = executor.ErrorPolicy(s.OnError)
	}
	return out
}
