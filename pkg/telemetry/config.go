// Package telemetry provides structured logging, Prometheus metrics, and
// OpenTelemetry tracing for caldera runs.
package telemetry

import (
	"fmt"
	"time"
)

// Config is the telemetry configuration for a run.
type Config struct {
	// ServiceName identifies the service in traces.
	ServiceName string

	// ServiceVersion is the tool version.
	ServiceVersion string

	// Logging contains logging configuration.
	Logging LoggingConfig

	// Tracing contains tracing configuration.
	Tracing TracingConfig

	// Metrics contains metrics configuration.
	Metrics MetricsConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string

	// Format specifies the log format (console, json). Empty means
	// auto-detect: console on a TTY, json otherwise.
	Format string

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string
}

// TracingConfig configures tracing.
type TracingConfig struct {
	// Enabled controls whether tracing is active.
	Enabled bool

	// Exporter specifies the trace exporter (otlp, stdout, none).
	Exporter string

	// Endpoint is the OTLP exporter endpoint.
	Endpoint string

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64

	// Insecure disables TLS for the exporter connection.
	Insecure bool

	// ExportTimeout is the timeout for trace export.
	ExportTimeout time.Duration
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool

	// ListenAddress is the address for the metrics HTTP endpoint. Empty
	// means collect but do not serve; the run summary still reads the
	// collected values.
	ListenAddress string

	// Path is the HTTP path for metrics.
	Path string

	// Namespace is the metrics namespace prefix.
	Namespace string
}

// DefaultConfig returns the default telemetry configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "caldera",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Enabled:       false,
			Exporter:      "none",
			SamplingRate:  1.0,
			Insecure:      true,
			ExportTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "caldera",
		},
	}
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if f := c.Logging.Format; f != "" && f != "console" && f != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", f)
	}
	validExporters := map[string]bool{"otlp": true, "stdout": true, "none": true}
	if c.Tracing.Enabled && !validExporters[c.Tracing.Exporter] {
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}
	return nil
}
