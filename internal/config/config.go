// Package config loads preventd configuration from defaults, an optional
// YAML file and PREVENTD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/preventd/internal/secrets"
)

// Config is the complete preventd configuration.
type Config struct {
	Engine    EngineConfig    `koanf:"engine" json:"engine"`
	Learning  LearningConfig  `koanf:"learning" json:"learning"`
	Storage   StorageConfig   `koanf:"storage" json:"storage"`
	Events    EventsConfig    `koanf:"events" json:"events"`
	Logging   LoggingConfig   `koanf:"logging" json:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry" json:"telemetry"`
	Metrics   MetricsConfig   `koanf:"metrics" json:"metrics"`
	Seed      SeedConfig      `koanf:"seed" json:"seed"`
	Redaction RedactionConfig `koanf:"redaction" json:"redaction"`
}

// EngineConfig tunes the engine's scoring and persistence.
type EngineConfig struct {
	InitialConfidence   float64  `koanf:"initial_confidence" json:"initial_confidence"`
	SimilarityThreshold float64  `koanf:"similarity_threshold" json:"similarity_threshold"`
	NoIssueConfidence   float64  `koanf:"no_issue_confidence" json:"no_issue_confidence"`
	FlushOnRecord       bool     `koanf:"flush_on_record" json:"flush_on_record"`
	PersistTimeout      Duration `koanf:"persist_timeout" json:"persist_timeout"`
}

// LearningConfig controls the background learning scheduler.
type LearningConfig struct {
	Enabled         bool     `koanf:"enabled" json:"enabled"`
	DeepInterval    Duration `koanf:"deep_interval" json:"deep_interval"`
	PatternInterval Duration `koanf:"pattern_interval" json:"pattern_interval"`
	RetrainInterval Duration `koanf:"retrain_interval" json:"retrain_interval"`
	TaskTimeout     Duration `koanf:"task_timeout" json:"task_timeout"`
}

// StorageConfig selects the durable key/value adapter.
type StorageConfig struct {
	// Driver is one of memory, file, sqlite, postgres, redis or nats.
	Driver string `koanf:"driver" json:"driver"`
	// Path is the directory for file and the database file for sqlite.
	Path          string `koanf:"path" json:"path"`
	DSN           Secret `koanf:"dsn" json:"dsn"`
	RedisAddr     string `koanf:"redis_addr" json:"redis_addr"`
	RedisPassword Secret `koanf:"redis_password" json:"redis_password"`
	RedisDB       int    `koanf:"redis_db" json:"redis_db"`
	RedisPrefix   string `koanf:"redis_prefix" json:"redis_prefix"`
	NATSURL       string `koanf:"nats_url" json:"nats_url"`
	NATSBucket    string `koanf:"nats_bucket" json:"nats_bucket"`
}

// EventsConfig controls publication of engine events to NATS.
type EventsConfig struct {
	NATSEnabled   bool   `koanf:"nats_enabled" json:"nats_enabled"`
	NATSURL       string `koanf:"nats_url" json:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix" json:"subject_prefix"`
}

// LoggingConfig is the subset of logging settings exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level" json:"level"`
	Format string `koanf:"format" json:"format"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled" json:"enabled"`
	Endpoint    string  `koanf:"endpoint" json:"endpoint"`
	Protocol    string  `koanf:"protocol" json:"protocol"`
	ServiceName string  `koanf:"service_name" json:"service_name"`
	Insecure    bool    `koanf:"insecure" json:"insecure"`
	SampleRate  float64 `koanf:"sample_rate" json:"sample_rate"`
}

// MetricsConfig configures the HTTP endpoint served by "preventd serve".
type MetricsConfig struct {
	Enabled         bool     `koanf:"enabled" json:"enabled"`
	Addr            string   `koanf:"addr" json:"addr"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout" json:"shutdown_timeout"`
}

// SeedConfig points at an operator seed file.
type SeedConfig struct {
	Path  string `koanf:"path" json:"path"`
	Watch bool   `koanf:"watch" json:"watch"`
}

// RedactionConfig controls secret scrubbing of recorded mistakes.
type RedactionConfig struct {
	Enabled     bool     `koanf:"enabled" json:"enabled"`
	Replacement string   `koanf:"replacement" json:"replacement"`
	AllowList   []string `koanf:"allow_list" json:"allow_list"`
}

// Scrubber returns the secrets configuration, using the default rules.
func (r RedactionConfig) Scrubber() *secrets.Config {
	return &secrets.Config{
		Enabled:     r.Enabled,
		Replacement: r.Replacement,
		AllowList:   append([]string(nil), r.AllowList...),
	}
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			InitialConfidence:   85,
			SimilarityThreshold: 0.5,
			NoIssueConfidence:   95,
			FlushOnRecord:       true,
			PersistTimeout:      Duration(5 * time.Second),
		},
		Learning: LearningConfig{
			Enabled:         true,
			DeepInterval:    Duration(30 * time.Minute),
			PatternInterval: Duration(time.Hour),
			RetrainInterval: Duration(24 * time.Hour),
			TaskTimeout:     Duration(5 * time.Minute),
		},
		Storage: StorageConfig{
			Driver:      "memory",
			RedisPrefix: "preventd:",
			NATSBucket:  "preventd",
		},
		Events: EventsConfig{
			SubjectPrefix: "preventd",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			ServiceName: "preventd",
			Insecure:    true,
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Enabled:         true,
			Addr:            "127.0.0.1:9464",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Redaction: RedactionConfig{
			Enabled:     true,
			Replacement: secrets.DefaultReplacement,
		},
	}
}

var validDrivers = map[string]bool{
	"memory": true, "file": true, "sqlite": true,
	"postgres": true, "redis": true, "nats": true,
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	e := c.Engine
	if e.InitialConfidence < 0 || e.InitialConfidence > 100 {
		errs = append(errs, fmt.Errorf("engine.initial_confidence must be 0-100, got %v", e.InitialConfidence))
	}
	if e.NoIssueConfidence < 0 || e.NoIssueConfidence > 100 {
		errs = append(errs, fmt.Errorf("engine.no_issue_confidence must be 0-100, got %v", e.NoIssueConfidence))
	}
	if e.SimilarityThreshold < 0 || e.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("engine.similarity_threshold must be 0-1, got %v", e.SimilarityThreshold))
	}
	if e.PersistTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("engine.persist_timeout must be positive"))
	}

	if l := c.Learning; l.Enabled {
		if l.DeepInterval <= 0 || l.PatternInterval <= 0 || l.RetrainInterval <= 0 {
			errs = append(errs, errors.New("learning intervals must be positive"))
		}
		if l.TaskTimeout <= 0 {
			errs = append(errs, errors.New("learning.task_timeout must be positive"))
		}
	}

	s := c.Storage
	switch {
	case !validDrivers[s.Driver]:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", s.Driver))
	case (s.Driver == "file" || s.Driver == "sqlite") && s.Path == "":
		errs = append(errs, fmt.Errorf("storage.path is required for the %s driver", s.Driver))
	case s.Driver == "postgres" && !s.DSN.IsSet():
		errs = append(errs, errors.New("storage.dsn is required for the postgres driver"))
	case s.Driver == "redis" && s.RedisAddr == "":
		errs = append(errs, errors.New("storage.redis_addr is required for the redis driver"))
	case s.Driver == "nats" && s.NATSURL == "":
		errs = append(errs, errors.New("storage.nats_url is required for the nats driver"))
	}

	if c.Events.NATSEnabled && c.Events.NATSURL == "" {
		errs = append(errs, errors.New("events.nats_url is required when events.nats_enabled is set"))
	}

	if f := c.Logging.Format; f != "json" && f != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", f))
	}

	if t := c.Telemetry; t.Enabled {
		if t.Endpoint == "" || t.ServiceName == "" {
			errs = append(errs, errors.New("telemetry.endpoint and telemetry.service_name are required when telemetry is enabled"))
		}
		if t.Protocol != "grpc" && t.Protocol != "http" {
			errs = append(errs, fmt.Errorf("telemetry.protocol must be 'grpc' or 'http', got %q", t.Protocol))
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			errs = append(errs, fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %v", t.SampleRate))
		}
	}

	if m := c.Metrics; m.Enabled {
		if m.Addr == "" {
			errs = append(errs, errors.New("metrics.addr is required when metrics are enabled"))
		}
		if m.ShutdownTimeout <= 0 {
			errs = append(errs, errors.New("metrics.shutdown_timeout must be positive"))
		}
	}

	if c.Seed.Watch && c.Seed.Path == "" {
		errs = append(errs, errors.New("seed.path is required when seed.watch is set"))
	}

	if r := c.Redaction; r.Enabled {
		if _, err := secrets.New(r.Scrubber()); err != nil {
			errs = append(errs, fmt.Errorf("redaction: %w", err))
		}
	}

	return errors.Join(errs...)
}
