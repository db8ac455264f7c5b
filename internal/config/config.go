// Package config provides configuration management for the steward control plane.
//
// This package handles loading configuration from multiple sources with proper precedence:
// 1. Environment variables (STEWARD_*)
// 2. Configuration file (YAML)
// 3. Default values
//
// The configuration system uses Viper. Pipeline tuning (confidence weights,
// promotion policy) decodes straight into the structs of the packages that
// consume it, so those packages own their own validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Studio-Elephant-and-Rope/steward/internal/confidence"
	"github.com/Studio-Elephant-and-Rope/steward/internal/promotion"
)

// Storage backends.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Config represents the complete application configuration.
type Config struct {
	Server        ServerConfig       `mapstructure:"server" yaml:"server"`
	Storage       StorageConfig      `mapstructure:"storage" yaml:"storage"`
	Telemetry     TelemetryConfig    `mapstructure:"telemetry" yaml:"telemetry"`
	Notifications NotificationConfig `mapstructure:"notifications" yaml:"notifications"`
	Events        EventsConfig       `mapstructure:"events" yaml:"events"`
	Pipeline      PipelineConfig     `mapstructure:"pipeline" yaml:"pipeline"`
	Confidence    confidence.Config  `mapstructure:"confidence" yaml:"confidence"`
	Promotion     promotion.Policy   `mapstructure:"promotion" yaml:"promotion"`
	Metrics       MetricsConfig      `mapstructure:"metrics" yaml:"metrics"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Host is the interface to bind the server to
	Host string `mapstructure:"host" yaml:"host"`
	// Port is the port number to listen on
	Port int `mapstructure:"port" yaml:"port"`
	// ReadTimeoutSeconds is the maximum duration for reading the entire request
	ReadTimeoutSeconds int `mapstructure:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	// WriteTimeoutSeconds is the maximum duration before timing out writes
	WriteTimeoutSeconds int `mapstructure:"write_timeout_seconds" yaml:"write_timeout_seconds"`
	// IdleTimeoutSeconds is the maximum time to wait for the next request when keep-alives are enabled
	IdleTimeoutSeconds int `mapstructure:"idle_timeout_seconds" yaml:"idle_timeout_seconds"`
}

// StorageConfig contains database and storage configuration.
type StorageConfig struct {
	// Type selects the backend: memory or postgres
	Type string `mapstructure:"type" yaml:"type"`
	// DSN is the PostgreSQL connection string
	DSN string `mapstructure:"dsn" yaml:"dsn"`
	// MaxOpenConnections caps the connection pool
	MaxOpenConnections int `mapstructure:"max_open_connections" yaml:"max_open_connections"`
	// MinIdleConnections is the number of connections the pool keeps open
	MinIdleConnections int `mapstructure:"min_idle_connections" yaml:"min_idle_connections"`
	// ConnectionMaxLifetimeMinutes is the maximum time a connection may be reused
	ConnectionMaxLifetimeMinutes int `mapstructure:"connection_max_lifetime_minutes" yaml:"connection_max_lifetime_minutes"`
}

// TelemetryConfig contains signal ingestion configuration.
type TelemetryConfig struct {
	// Receiver configures the OTLP endpoints signals arrive on
	Receiver ReceiverConfig `mapstructure:"receiver" yaml:"receiver"`
}

// ReceiverConfig configures the OpenTelemetry receiver endpoints.
type ReceiverConfig struct {
	// Enabled determines whether the OTLP receiver is active
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// GRPCPort is the port for OTLP gRPC receiver (default: 4317)
	GRPCPort int `mapstructure:"grpc_port" yaml:"grpc_port"`
	// HTTPPort is the port for OTLP HTTP receiver (default: 4318)
	HTTPPort int `mapstructure:"http_port" yaml:"http_port"`
	// GRPCHost is the host for OTLP gRPC receiver
	GRPCHost string `mapstructure:"grpc_host" yaml:"grpc_host"`
	// HTTPHost is the host for OTLP HTTP receiver
	HTTPHost string `mapstructure:"http_host" yaml:"http_host"`
	// ErrorRateThreshold raises an ErrorRateHigh signal when a metric crosses it
	ErrorRateThreshold float64 `mapstructure:"error_rate_threshold" yaml:"error_rate_threshold"`
	// LatencyThresholdMs raises a LatencyHigh signal when a span or metric crosses it
	LatencyThresholdMs float64 `mapstructure:"latency_threshold_ms" yaml:"latency_threshold_ms"`
}

// NotificationConfig contains domain event delivery configuration.
type NotificationConfig struct {
	// Workers is the number of delivery goroutines
	Workers int `mapstructure:"workers" yaml:"workers"`
	// BufferSize is the number of events that may wait for delivery
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size"`
	// Webhooks is a list of webhook endpoints to send domain events to
	Webhooks []WebhookConfig `mapstructure:"webhooks" yaml:"webhooks"`
}

// WebhookConfig contains configuration for a single webhook endpoint.
type WebhookConfig struct {
	// URL is the webhook endpoint URL
	URL string `mapstructure:"url" yaml:"url"`
	// Secret is the shared secret for HMAC signature verification
	Secret string `mapstructure:"secret" yaml:"secret"`
	// Headers are additional HTTP headers to include in requests
	Headers map[string]string `mapstructure:"headers" yaml:"headers"`
	// Timeout is the request timeout duration (default: 30s)
	Timeout string `mapstructure:"timeout" yaml:"timeout"`
	// MaxRetries is the maximum number of delivery attempts (default: 3)
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
	// EventTypes limits delivery to the listed event types; empty means all
	EventTypes []string `mapstructure:"event_types" yaml:"event_types"`
	// Enabled determines if this webhook is active
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// EventsConfig configures domain event publishing to brokers.
type EventsConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka" yaml:"kafka"`
}

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	// Enabled determines whether domain events are published to Kafka
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Brokers lists the bootstrap brokers
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	// Topic receives every domain event
	Topic string `mapstructure:"topic" yaml:"topic"`
	// BatchTimeoutMs bounds how long the writer waits to fill a batch
	BatchTimeoutMs int `mapstructure:"batch_timeout_ms" yaml:"batch_timeout_ms"`
}

// PipelineConfig tunes the signal to candidate pipeline.
type PipelineConfig struct {
	// RulesFile is the YAML detection ruleset; empty loads no rules
	RulesFile string `mapstructure:"rules_file" yaml:"rules_file"`
	// CandidateVersion is mixed into every candidate id
	CandidateVersion string `mapstructure:"candidate_version" yaml:"candidate_version"`
	// NormalizationVersion is mixed into every normalized signal id
	NormalizationVersion string `mapstructure:"normalization_version" yaml:"normalization_version"`
	// MaxFutureSkew bounds how far in the future a signal may be stamped
	MaxFutureSkew time.Duration `mapstructure:"max_future_skew" yaml:"max_future_skew"`
	// WindowTruncation buckets bundle windows in the correlation key
	WindowTruncation time.Duration `mapstructure:"window_truncation" yaml:"window_truncation"`
	// GraphCacheSize is the number of evidence graphs kept in memory
	GraphCacheSize int `mapstructure:"graph_cache_size" yaml:"graph_cache_size"`
	// Workers bounds concurrent fetches while building a candidate
	Workers int `mapstructure:"workers" yaml:"workers"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults.
//
// These defaults run the whole pipeline in memory and are suitable for
// development and testing.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			ReadTimeoutSeconds:  30,
			WriteTimeoutSeconds: 30,
			IdleTimeoutSeconds:  120,
		},
		Storage: StorageConfig{
			Type:                         StorageMemory,
			MaxOpenConnections:           25,
			MinIdleConnections:           2,
			ConnectionMaxLifetimeMinutes: 30,
		},
		Telemetry: TelemetryConfig{
			Receiver: ReceiverConfig{
				Enabled:            false,
				GRPCPort:           4317,
				HTTPPort:           4318,
				GRPCHost:           "0.0.0.0",
				HTTPHost:           "0.0.0.0",
				ErrorRateThreshold: 0.05,
				LatencyThresholdMs: 1000,
			},
		},
		Notifications: NotificationConfig{
			Workers:    4,
			BufferSize: 256,
			Webhooks:   []WebhookConfig{},
		},
		Events: EventsConfig{
			Kafka: KafkaConfig{
				Topic:          "steward.events",
				BatchTimeoutMs: 250,
			},
		},
		Pipeline: PipelineConfig{
			CandidateVersion:     "v1",
			NormalizationVersion: "v1",
			MaxFutureSkew:        5 * time.Minute,
			WindowTruncation:     5 * time.Minute,
			GraphCacheSize:       1024,
			Workers:              8,
		},
		Confidence: confidence.DefaultConfig(),
		Promotion:  promotion.DefaultPolicy(),
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load loads configuration from multiple sources with proper precedence.
//
// Configuration is loaded in this order of precedence:
//  1. Environment variables (STEWARD_*)
//  2. Configuration file (if specified)
//  3. Default values
//
// Returns a fully populated Config struct or an error if loading fails.
func Load(configFile string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("STEWARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, config)

	if configFile != "" {
		if err := loadConfigFile(v, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configFile, err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// setDefaults registers every key with viper so environment variables can
// override keys that appear in no file.
func setDefaults(v *viper.Viper, config *Config) {
	v.SetDefault("server.host", config.Server.Host)
	v.SetDefault("server.port", config.Server.Port)
	v.SetDefault("server.read_timeout_seconds", config.Server.ReadTimeoutSeconds)
	v.SetDefault("server.write_timeout_seconds", config.Server.WriteTimeoutSeconds)
	v.SetDefault("server.idle_timeout_seconds", config.Server.IdleTimeoutSeconds)

	v.SetDefault("storage.type", config.Storage.Type)
	v.SetDefault("storage.dsn", config.Storage.DSN)
	v.SetDefault("storage.max_open_connections", config.Storage.MaxOpenConnections)
	v.SetDefault("storage.min_idle_connections", config.Storage.MinIdleConnections)
	v.SetDefault("storage.connection_max_lifetime_minutes", config.Storage.ConnectionMaxLifetimeMinutes)

	v.SetDefault("telemetry.receiver.enabled", config.Telemetry.Receiver.Enabled)
	v.SetDefault("telemetry.receiver.grpc_port", config.Telemetry.Receiver.GRPCPort)
	v.SetDefault("telemetry.receiver.http_port", config.Telemetry.Receiver.HTTPPort)
	v.SetDefault("telemetry.receiver.grpc_host", config.Telemetry.Receiver.GRPCHost)
	v.SetDefault("telemetry.receiver.http_host", config.Telemetry.Receiver.HTTPHost)
	v.SetDefault("telemetry.receiver.error_rate_threshold", config.Telemetry.Receiver.ErrorRateThreshold)
	v.SetDefault("telemetry.receiver.latency_threshold_ms", config.Telemetry.Receiver.LatencyThresholdMs)

	v.SetDefault("notifications.workers", config.Notifications.Workers)
	v.SetDefault("notifications.buffer_size", config.Notifications.BufferSize)
	v.SetDefault("notifications.webhooks", config.Notifications.Webhooks)

	v.SetDefault("events.kafka.enabled", config.Events.Kafka.Enabled)
	v.SetDefault("events.kafka.brokers", config.Events.Kafka.Brokers)
	v.SetDefault("events.kafka.topic", config.Events.Kafka.Topic)
	v.SetDefault("events.kafka.batch_timeout_ms", config.Events.Kafka.BatchTimeoutMs)

	v.SetDefault("pipeline.rules_file", config.Pipeline.RulesFile)
	v.SetDefault("pipeline.candidate_version", config.Pipeline.CandidateVersion)
	v.SetDefault("pipeline.normalization_version", config.Pipeline.NormalizationVersion)
	v.SetDefault("pipeline.max_future_skew", config.Pipeline.MaxFutureSkew)
	v.SetDefault("pipeline.window_truncation", config.Pipeline.WindowTruncation)
	v.SetDefault("pipeline.graph_cache_size", config.Pipeline.GraphCacheSize)
	v.SetDefault("pipeline.workers", config.Pipeline.Workers)

	w := config.Confidence.Weights
	v.SetDefault("confidence.weights.detection_count", w.DetectionCount)
	v.SetDefault("confidence.weights.severity_score", w.SeverityScore)
	v.SetDefault("confidence.weights.rule_diversity", w.RuleDiversity)
	v.SetDefault("confidence.weights.temporal_density", w.TemporalDensity)
	v.SetDefault("confidence.weights.signal_volume", w.SignalVolume)
	th := config.Confidence.Thresholds
	v.SetDefault("confidence.thresholds.medium", th.Medium)
	v.SetDefault("confidence.thresholds.high", th.High)
	v.SetDefault("confidence.thresholds.critical", th.Critical)

	p := config.Promotion
	v.SetDefault("promotion.policy_version", p.Version)
	v.SetDefault("promotion.min_detections", p.MinDetections)
	v.SetDefault("promotion.min_score", p.MinScore)
	v.SetDefault("promotion.min_band", string(p.MinBand))
	severities := make([]string, len(p.PromotableSeverities))
	for i, s := range p.PromotableSeverities {
		severities[i] = string(s)
	}
	v.SetDefault("promotion.promotable_severities", severities)

	v.SetDefault("metrics.enabled", config.Metrics.Enabled)
	v.SetDefault("metrics.path", config.Metrics.Path)
}

// loadConfigFile loads configuration from a YAML file.
func loadConfigFile(v *viper.Viper, configFile string) error {
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return fmt.Errorf("configuration file does not exist: %s", configFile)
	}

	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read configuration file: %w", err)
	}
	return nil
}

// Validate checks that the configuration is valid and complete.
//
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration invalid: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage configuration invalid: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration invalid: %w", err)
	}
	if err := c.Notifications.Validate(); err != nil {
		return fmt.Errorf("notification configuration invalid: %w", err)
	}
	if err := c.Events.Validate(); err != nil {
		return fmt.Errorf("events configuration invalid: %w", err)
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline configuration invalid: %w", err)
	}
	if err := c.Confidence.Validate(); err != nil {
		return fmt.Errorf("confidence configuration invalid: %w", err)
	}
	if err := c.Promotion.Validate(); err != nil {
		return fmt.Errorf("promotion configuration invalid: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics configuration invalid: %w", err)
	}
	return nil
}

// Address returns the host:port the HTTP server listens on.
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Validate checks server configuration for validity.
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}
	if s.ReadTimeoutSeconds < 1 {
		return fmt.Errorf("read timeout must be positive, got %d", s.ReadTimeoutSeconds)
	}
	if s.WriteTimeoutSeconds < 1 {
		return fmt.Errorf("write timeout must be positive, got %d", s.WriteTimeoutSeconds)
	}
	if s.IdleTimeoutSeconds < 1 {
		return fmt.Errorf("idle timeout must be positive, got %d", s.IdleTimeoutSeconds)
	}
	return nil
}

// Validate checks storage configuration for validity.
func (s *StorageConfig) Validate() error {
	switch s.Type {
	case StorageMemory:
		return nil
	case StoragePostgres:
	case "":
		return fmt.Errorf("storage type is required")
	default:
		return fmt.Errorf("unsupported storage type %q, expected %s or %s", s.Type, StorageMemory, StoragePostgres)
	}

	if s.DSN == "" {
		return fmt.Errorf("storage DSN is required for %s", StoragePostgres)
	}
	if s.MaxOpenConnections < 1 {
		return fmt.Errorf("max open connections must be positive, got %d", s.MaxOpenConnections)
	}
	if s.MinIdleConnections < 0 {
		return fmt.Errorf("min idle connections cannot be negative, got %d", s.MinIdleConnections)
	}
	if s.MinIdleConnections > s.MaxOpenConnections {
		return fmt.Errorf("min idle connections (%d) cannot exceed max open connections (%d)",
			s.MinIdleConnections, s.MaxOpenConnections)
	}
	if s.ConnectionMaxLifetimeMinutes < 0 {
		return fmt.Errorf("connection max lifetime cannot be negative, got %d", s.ConnectionMaxLifetimeMinutes)
	}
	return nil
}

// Validate checks telemetry configuration for validity.
func (t *TelemetryConfig) Validate() error {
	if err := t.Receiver.Validate(); err != nil {
		return fmt.Errorf("receiver configuration invalid: %w", err)
	}
	return nil
}

// Validate checks receiver configuration for validity.
func (r *ReceiverConfig) Validate() error {
	if !r.Enabled {
		return nil
	}

	if r.GRPCPort < 1 || r.GRPCPort > 65535 {
		return fmt.Errorf("gRPC port must be between 1 and 65535, got %d", r.GRPCPort)
	}
	if r.HTTPPort < 1 || r.HTTPPort > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535, got %d", r.HTTPPort)
	}
	if r.GRPCPort == r.HTTPPort {
		return fmt.Errorf("gRPC port (%d) and HTTP port (%d) cannot be the same", r.GRPCPort, r.HTTPPort)
	}
	if r.GRPCHost == "" {
		return fmt.Errorf("gRPC host cannot be empty when receiver is enabled")
	}
	if r.HTTPHost == "" {
		return fmt.Errorf("HTTP host cannot be empty when receiver is enabled")
	}
	if r.ErrorRateThreshold <= 0 || r.ErrorRateThreshold > 1 {
		return fmt.Errorf("error rate threshold must be within (0,1], got %v", r.ErrorRateThreshold)
	}
	if r.LatencyThresholdMs <= 0 {
		return fmt.Errorf("latency threshold must be positive, got %v", r.LatencyThresholdMs)
	}
	return nil
}

// Validate checks notification configuration for validity.
func (n *NotificationConfig) Validate() error {
	if n.Workers < 1 {
		return fmt.Errorf("notification workers must be positive, got %d", n.Workers)
	}
	if n.BufferSize < 1 {
		return fmt.Errorf("notification buffer size must be positive, got %d", n.BufferSize)
	}
	for i, webhook := range n.Webhooks {
		if err := webhook.Validate(); err != nil {
			return fmt.Errorf("webhook configuration at index %d invalid: %w", i, err)
		}
	}
	return nil
}

// Validate checks webhook configuration for validity.
func (w *WebhookConfig) Validate() error {
	if w.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	if w.MaxRetries < 0 {
		return fmt.Errorf("webhook max_retries cannot be negative")
	}
	if w.Timeout != "" {
		if _, err := time.ParseDuration(w.Timeout); err != nil {
			return fmt.Errorf("invalid webhook timeout duration: %w", err)
		}
	}
	return nil
}

// Accepts reports whether the webhook subscribes to eventType.
func (w *WebhookConfig) Accepts(eventType string) bool {
	if len(w.EventTypes) == 0 {
		return true
	}
	for _, t := range w.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// Validate checks event publishing configuration for validity.
func (e *EventsConfig) Validate() error {
	k := e.Kafka
	if !k.Enabled {
		return nil
	}
	if len(k.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required when kafka is enabled")
	}
	if k.Topic == "" {
		return fmt.Errorf("kafka topic is required when kafka is enabled")
	}
	if k.BatchTimeoutMs < 0 {
		return fmt.Errorf("kafka batch timeout cannot be negative, got %d", k.BatchTimeoutMs)
	}
	return nil
}

// Validate checks pipeline configuration for validity.
func (p *PipelineConfig) Validate() error {
	if p.CandidateVersion == "" {
		return fmt.Errorf("candidate version is required")
	}
	if p.NormalizationVersion == "" {
		return fmt.Errorf("normalization version is required")
	}
	if p.MaxFutureSkew <= 0 {
		return fmt.Errorf("max future skew must be positive, got %s", p.MaxFutureSkew)
	}
	if p.WindowTruncation <= 0 {
		return fmt.Errorf("window truncation must be positive, got %s", p.WindowTruncation)
	}
	if p.GraphCacheSize < 1 {
		return fmt.Errorf("graph cache size must be positive, got %d", p.GraphCacheSize)
	}
	if p.Workers < 1 {
		return fmt.Errorf("pipeline workers must be positive, got %d", p.Workers)
	}
	return nil
}

// Validate checks metrics configuration for validity.
func (m *MetricsConfig) Validate() error {
	if !m.Enabled {
		return nil
	}
	if !strings.HasPrefix(m.Path, "/") {
		return fmt.Errorf("metrics path must start with /, got %q", m.Path)
	}
	return nil
}
