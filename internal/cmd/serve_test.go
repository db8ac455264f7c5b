package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Studio-Elephant-and-Rope/steward/internal/config"
	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
)

const testRules = `
rules:
  - id: checkout-errors
    version: 1.0.0
    name: Checkout error rate
    match:
      signal_types: [ErrorRateHigh]
    output:
      severity: high
      confidence: 0.8
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freePort(t)
	cfg.Server.WriteTimeoutSeconds = 5
	cfg.Pipeline.RulesFile = writeFile(t, "rules.yaml", testRules)
	return cfg
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestBuildApp_EndToEnd(t *testing.T) {
	var deliveries atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		deliveries.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	cfg := testConfig(t)
	cfg.Notifications.Webhooks = []config.WebhookConfig{{URL: hook.URL, Secret: "s3cret", Enabled: true}}

	ctx := context.Background()
	app, err := buildApp(ctx, cfg, logging.NewNop())
	require.NoError(t, err)
	defer app.Close()
	assert.Equal(t, 1, app.ruleCount)

	require.NoError(t, app.server.Start(ctx))
	defer app.server.Shutdown(ctx)
	base := "http://" + app.server.Addr()

	now := time.Now().UTC()
	for i, host := range []string{"web-1", "web-2", "web-3"} {
		resp := post(t, base+"/api/v1/signals", map[string]any{
			"source":      "cloudwatch",
			"type":        "ErrorRateHigh",
			"service":     "checkout",
			"severity":    "high",
			"confidence":  0.9,
			"observed_at": now.Add(-time.Duration(10-i) * time.Minute),
			"tags":        map[string]string{"resource.host": host},
			"raw_payload": map[string]any{"error_rate": 0.12},
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp := post(t, base+"/api/v1/candidates", map[string]any{
		"service":      "checkout",
		"window_start": now.Add(-15 * time.Minute),
		"window_end":   now,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		Candidate struct {
			ID string `json:"id"`
		} `json:"candidate"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.Candidate.ID)

	resp = post(t, fmt.Sprintf("%s/api/v1/candidates/%s/promote", base, created.Candidate.ID),
		map[string]any{"authority_type": "HUMAN_OPERATOR", "authority_id": "alex"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool { return deliveries.Load() > 0 }, 5*time.Second, 20*time.Millisecond,
		"domain events reach the webhook")

	health, err := http.Get(base + "/health")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestBuildApp_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{
			name:   "invalid configuration",
			mutate: func(c *config.Config) { c.Server.Port = 0 },
			want:   "invalid configuration",
		},
		{
			name:   "missing rules file",
			mutate: func(c *config.Config) { c.Pipeline.RulesFile = "/nonexistent/rules.yaml" },
			want:   "failed to load detection rules",
		},
		{
			name:   "invalid rules",
			mutate: func(c *config.Config) { c.Pipeline.RulesFile = writeFile(t, "bad.yaml", "rules:\n  - id: r\n    threshold: 3\n") },
			want:   "failed to load detection rules",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			_, err := buildApp(context.Background(), cfg, logging.NewNop())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBuildPublishers(t *testing.T) {
	cfg := config.DefaultConfig()
	publishers, closers, err := buildPublishers(cfg, logging.NewNop())
	require.NoError(t, err)
	assert.Empty(t, publishers)
	assert.Empty(t, closers)

	cfg.Notifications.Webhooks = []config.WebhookConfig{
		{URL: "http://hooks.invalid/a", Enabled: false},
		{URL: "http://hooks.invalid/b", Enabled: true},
	}
	cfg.Events.Kafka = config.KafkaConfig{Enabled: true, Brokers: []string{"127.0.0.1:9092"}, Topic: "steward.events"}

	publishers, closers, err = buildPublishers(cfg, logging.NewNop())
	require.NoError(t, err)
	require.Len(t, publishers, 2)
	assert.Equal(t, "webhook", publishers[0].Name())
	assert.Equal(t, "kafka", publishers[1].Name())
	require.Len(t, closers, 1)
	assert.NoError(t, closers[0]())
}

func TestLoadRules_NoFile(t *testing.T) {
	rules, err := loadRules("")
	require.NoError(t, err)
	assert.Zero(t, rules.Len())
}

func TestServeCmd_ConfigError(t *testing.T) {
	_, err := execute(t, "serve", "--config", "/nonexistent/steward.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load configuration")
}
