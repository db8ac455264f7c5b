package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
)

// clearStewardEnvVars unsets every STEWARD_ variable for the duration of the test.
func clearStewardEnvVars(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "STEWARD_") {
			t.Setenv(key, "")
			os.Unsetenv(key)
		}
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "steward.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "0.0.0.0", config.Server.Host)
	assert.Equal(t, 8080, config.Server.Port)
	assert.Equal(t, StorageMemory, config.Storage.Type)
	assert.Equal(t, "v1", config.Pipeline.CandidateVersion)
	assert.Equal(t, 5*time.Minute, config.Pipeline.MaxFutureSkew)
	assert.Equal(t, "v1", config.Promotion.Version)
	assert.Equal(t, domain.BandMedium, config.Promotion.MinBand)
	assert.InDelta(t, 0.25, config.Confidence.Weights.DetectionCount, 1e-9)
	assert.Equal(t, "/metrics", config.Metrics.Path)

	require.NoError(t, config.Validate(), "default config must be valid")
}

func TestLoad_DefaultsOnly(t *testing.T) {
	clearStewardEnvVars(t)

	config, err := Load("")
	require.NoError(t, err)

	defaults := DefaultConfig()
	assert.Equal(t, defaults.Server, config.Server)
	assert.Equal(t, defaults.Storage, config.Storage)
	assert.Equal(t, defaults.Pipeline, config.Pipeline)
	assert.Equal(t, defaults.Confidence, config.Confidence)
	assert.Equal(t, defaults.Promotion, config.Promotion)
	assert.Equal(t, defaults.Metrics, config.Metrics)
}

func TestLoad_FromYAMLFile(t *testing.T) {
	clearStewardEnvVars(t)

	path := writeConfig(t, `
server:
  host: "127.0.0.1"
  port: 9090
storage:
  type: postgres
  dsn: "postgres://steward@localhost/steward?sslmode=disable"
  max_open_connections: 10
notifications:
  webhooks:
    - url: "https://hooks.example.com/steward"
      secret: "s3cret"
      timeout: "5s"
      max_retries: 2
      event_types: ["incident.created"]
      enabled: true
events:
  kafka:
    enabled: true
    brokers: ["kafka-1:9092", "kafka-2:9092"]
    topic: "incidents"
pipeline:
  rules_file: "/etc/steward/rules.yaml"
  max_future_skew: "2m"
  workers: 4
confidence:
  thresholds:
    medium: 0.5
    high: 0.7
    critical: 0.9
promotion:
  policy_version: "v2"
  min_detections: 3
  min_band: HIGH
  promotable_severities: [critical, high]
`)

	config, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", config.Server.Host)
	assert.Equal(t, 9090, config.Server.Port)
	assert.Equal(t, 30, config.Server.ReadTimeoutSeconds, "unset keys keep defaults")

	assert.Equal(t, StoragePostgres, config.Storage.Type)
	assert.Equal(t, 10, config.Storage.MaxOpenConnections)

	require.Len(t, config.Notifications.Webhooks, 1)
	hook := config.Notifications.Webhooks[0]
	assert.Equal(t, "s3cret", hook.Secret)
	assert.True(t, hook.Accepts("incident.created"))
	assert.False(t, hook.Accepts("candidate.rejected"))

	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, config.Events.Kafka.Brokers)
	assert.Equal(t, "incidents", config.Events.Kafka.Topic)

	assert.Equal(t, "/etc/steward/rules.yaml", config.Pipeline.RulesFile)
	assert.Equal(t, 2*time.Minute, config.Pipeline.MaxFutureSkew)
	assert.Equal(t, 4, config.Pipeline.Workers)

	assert.InDelta(t, 0.5, config.Confidence.Thresholds.Medium, 1e-9)
	assert.InDelta(t, 0.25, config.Confidence.Weights.SeverityScore, 1e-9)

	assert.Equal(t, "v2", config.Promotion.Version)
	assert.Equal(t, 3, config.Promotion.MinDetections)
	assert.Equal(t, domain.BandHigh, config.Promotion.MinBand)
	assert.Equal(t, []domain.Severity{domain.SeverityCritical, domain.SeverityHigh}, config.Promotion.PromotableSeverities)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	clearStewardEnvVars(t)

	path := writeConfig(t, `
server:
  port: 9090
pipeline:
  candidate_version: "v1"
`)
	t.Setenv("STEWARD_SERVER_PORT", "7070")
	t.Setenv("STEWARD_PIPELINE_CANDIDATE_VERSION", "v2")
	t.Setenv("STEWARD_PROMOTION_MIN_SCORE", "0.55")

	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, config.Server.Port)
	assert.Equal(t, "v2", config.Pipeline.CandidateVersion)
	assert.InDelta(t, 0.55, config.Promotion.MinScore, 1e-9)
}

func TestLoad_Errors(t *testing.T) {
	clearStewardEnvVars(t)

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "postgres without DSN",
			content: "storage:\n  type: postgres\n",
			wantErr: "storage DSN is required",
		},
		{
			name:    "unknown storage type",
			content: "storage:\n  type: sqlite\n",
			wantErr: "unsupported storage type",
		},
		{
			name:    "confidence weights must sum to one",
			content: "confidence:\n  weights:\n    detection_count: 0.9\n",
			wantErr: "must sum to 1",
		},
		{
			name:    "unknown promotion band",
			content: "promotion:\n  min_band: EXTREME\n",
			wantErr: "min_band",
		},
		{
			name:    "kafka without brokers",
			content: "events:\n  kafka:\n    enabled: true\n",
			wantErr: "kafka brokers are required",
		},
		{
			name:    "invalid YAML",
			content: "server: [port",
			wantErr: "failed to read configuration file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not exist")
	})
}

func TestSectionValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, "port must be between"},
		{"zero read timeout", func(c *Config) { c.Server.ReadTimeoutSeconds = 0 }, "read timeout"},
		{"idle above open connections", func(c *Config) {
			c.Storage = StorageConfig{Type: StoragePostgres, DSN: "postgres://x", MaxOpenConnections: 2, MinIdleConnections: 5}
		}, "cannot exceed"},
		{"receiver ports collide", func(c *Config) {
			c.Telemetry.Receiver.Enabled = true
			c.Telemetry.Receiver.HTTPPort = c.Telemetry.Receiver.GRPCPort
		}, "cannot be the same"},
		{"receiver threshold out of range", func(c *Config) {
			c.Telemetry.Receiver.Enabled = true
			c.Telemetry.Receiver.ErrorRateThreshold = 2
		}, "error rate threshold"},
		{"webhook without URL", func(c *Config) {
			c.Notifications.Webhooks = []WebhookConfig{{Enabled: true}}
		}, "webhook URL is required"},
		{"webhook bad timeout", func(c *Config) {
			c.Notifications.Webhooks = []WebhookConfig{{URL: "https://x", Timeout: "soon"}}
		}, "invalid webhook timeout"},
		{"no notification workers", func(c *Config) { c.Notifications.Workers = 0 }, "notification workers"},
		{"empty candidate version", func(c *Config) { c.Pipeline.CandidateVersion = "" }, "candidate version"},
		{"zero graph cache", func(c *Config) { c.Pipeline.GraphCacheSize = 0 }, "graph cache size"},
		{"relative metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, "metrics path"},
		{"empty promotable severities", func(c *Config) { c.Promotion.PromotableSeverities = nil }, "promotable severity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestServerConfig_Address(t *testing.T) {
	s := ServerConfig{Host: "127.0.0.1", Port: 8080}
	assert.Equal(t, "127.0.0.1:8080", s.Address())
}
