package telemetry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/plog"
	"go.opentelemetry.io/collector/pdata/pmetric"
	"go.opentelemetry.io/collector/pdata/pmetric/pmetricotlp"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.opentelemetry.io/collector/receiver/otlpreceiver"

	"github.com/Studio-Elephant-and-Rope/steward/internal/config"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
)

type stubProcessor struct {
	signals []domain.Signal
	err     error
}

func (p *stubProcessor) ProcessMetrics(context.Context, pmetric.Metrics) ([]domain.Signal, error) {
	return p.signals, p.err
}

func (p *stubProcessor) ProcessTraces(context.Context, ptrace.Traces) ([]domain.Signal, error) {
	return p.signals, p.err
}

func (p *stubProcessor) ProcessLogs(context.Context, plog.Logs) ([]domain.Signal, error) {
	return p.signals, p.err
}

type recordingHandler struct {
	mu      sync.Mutex
	signals []domain.Signal
	fail    func(domain.Signal) error
}

func (h *recordingHandler) HandleSignal(_ context.Context, signal domain.Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signals = append(h.signals, signal)
	if h.fail != nil {
		return h.fail(signal)
	}
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.signals)
}

func testReceiverConfig() config.ReceiverConfig {
	return config.ReceiverConfig{
		Enabled:            true,
		GRPCPort:           14317,
		HTTPPort:           14318,
		GRPCHost:           "127.0.0.1",
		HTTPHost:           "127.0.0.1",
		ErrorRateThreshold: 0.05,
		LatencyThresholdMs: 1000,
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestNewReceiver_Validation(t *testing.T) {
	logger := logging.NewNop()
	processor := &stubProcessor{}
	handler := &recordingHandler{}

	invalid := testReceiverConfig()
	invalid.HTTPPort = invalid.GRPCPort

	tests := []struct {
		name      string
		cfg       config.ReceiverConfig
		logger    *logging.Logger
		processor SignalProcessor
		handler   SignalHandler
	}{
		{"nil logger", testReceiverConfig(), nil, processor, handler},
		{"nil processor", testReceiverConfig(), logger, nil, handler},
		{"nil handler", testReceiverConfig(), logger, processor, nil},
		{"invalid config", invalid, logger, processor, handler},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReceiver(tt.cfg, tt.logger, tt.processor, tt.handler)
			if !errors.Is(err, ports.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}

	r, err := NewReceiver(testReceiverConfig(), logger, processor, handler)
	if err != nil {
		t.Fatalf("NewReceiver() error = %v", err)
	}
	if r.GRPCEndpoint() != "127.0.0.1:14317" || r.HTTPEndpoint() != "127.0.0.1:14318" {
		t.Errorf("unexpected endpoints %s %s", r.GRPCEndpoint(), r.HTTPEndpoint())
	}
}

func TestReceiver_StartDisabled(t *testing.T) {
	cfg := testReceiverConfig()
	cfg.Enabled = false

	r, err := NewReceiver(cfg, logging.NewNop(), &stubProcessor{}, &recordingHandler{})
	if err != nil {
		t.Fatalf("NewReceiver() error = %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() on disabled receiver error = %v", err)
	}
	if r.IsRunning() {
		t.Error("disabled receiver must not run")
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Errorf("Stop() on idle receiver error = %v", err)
	}
}

func TestReceiver_OTLPConfig(t *testing.T) {
	r, err := NewReceiver(testReceiverConfig(), logging.NewNop(), &stubProcessor{}, &recordingHandler{})
	if err != nil {
		t.Fatalf("NewReceiver() error = %v", err)
	}
	cfg, err := r.otlpConfig(otlpreceiver.NewFactory())
	if err != nil {
		t.Fatalf("otlpConfig() error = %v", err)
	}
	if cfg == nil {
		t.Fatal("expected a config")
	}
}

func TestConsumerWrapper_Dispatch(t *testing.T) {
	signals := []domain.Signal{
		{Type: TypeErrorLog, Service: "a"},
		{Type: TypeErrorLog, Service: "b"},
	}

	t.Run("every signal reaches the handler", func(t *testing.T) {
		handler := &recordingHandler{}
		r, _ := NewReceiver(testReceiverConfig(), logging.NewNop(), &stubProcessor{signals: signals}, handler)
		c := &consumerWrapper{receiver: r}

		if err := c.ConsumeLogs(context.Background(), plog.NewLogs()); err != nil {
			t.Fatalf("ConsumeLogs() error = %v", err)
		}
		if err := c.ConsumeTraces(context.Background(), ptrace.NewTraces()); err != nil {
			t.Fatalf("ConsumeTraces() error = %v", err)
		}
		if err := c.ConsumeMetrics(context.Background(), pmetric.NewMetrics()); err != nil {
			t.Fatalf("ConsumeMetrics() error = %v", err)
		}
		if handler.count() != 6 {
			t.Errorf("expected 6 handled signals, got %d", handler.count())
		}
		if c.Capabilities().MutatesData {
			t.Error("consumer must not mutate data")
		}
	})

	t.Run("partial handler failure is absorbed", func(t *testing.T) {
		handler := &recordingHandler{fail: func(s domain.Signal) error {
			if s.Service == "a" {
				return errors.New("rejected")
			}
			return nil
		}}
		r, _ := NewReceiver(testReceiverConfig(), logging.NewNop(), &stubProcessor{signals: signals}, handler)
		if err := (&consumerWrapper{receiver: r}).ConsumeLogs(context.Background(), plog.NewLogs()); err != nil {
			t.Errorf("partial failure should not fail the batch: %v", err)
		}
	})

	t.Run("total handler failure is reported", func(t *testing.T) {
		handler := &recordingHandler{fail: func(domain.Signal) error { return errors.New("store down") }}
		r, _ := NewReceiver(testReceiverConfig(), logging.NewNop(), &stubProcessor{signals: signals}, handler)
		if err := (&consumerWrapper{receiver: r}).ConsumeLogs(context.Background(), plog.NewLogs()); err == nil {
			t.Error("expected an error when every signal fails")
		}
	})

	t.Run("processor failure is reported", func(t *testing.T) {
		handler := &recordingHandler{}
		r, _ := NewReceiver(testReceiverConfig(), logging.NewNop(), &stubProcessor{err: errors.New("bad batch")}, handler)
		if err := (&consumerWrapper{receiver: r}).ConsumeMetrics(context.Background(), pmetric.NewMetrics()); err == nil {
			t.Error("expected processor error")
		}
		if handler.count() != 0 {
			t.Error("handler must not run after a processor error")
		}
	})
}

func TestReceiver_HTTPIngestion(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping OTLP listener test in short mode")
	}

	cfg := testReceiverConfig()
	cfg.GRPCPort = freePort(t)
	cfg.HTTPPort = freePort(t)

	handler := &recordingHandler{}
	converter := NewConverter(ConverterConfigFromReceiver(cfg), nil, logging.NewNop())
	r, err := NewReceiver(cfg, logging.NewNop(), converter, handler)
	if err != nil {
		t.Fatalf("NewReceiver() error = %v", err)
	}

	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Stop(ctx)

	if err := r.Start(ctx); err == nil {
		t.Error("second Start() must fail")
	}

	metrics := pmetric.NewMetrics()
	rm := metrics.ResourceMetrics().AppendEmpty()
	rm.Resource().Attributes().PutStr("service.name", "checkout")
	m := rm.ScopeMetrics().AppendEmpty().Metrics().AppendEmpty()
	m.SetName("http.server.error_rate")
	p := m.SetEmptyGauge().DataPoints().AppendEmpty()
	p.SetDoubleValue(0.5)
	p.SetTimestamp(pcommon.NewTimestampFromTime(time.Now()))

	body, err := pmetricotlp.NewExportRequestFromMetrics(metrics).MarshalJSON()
	if err != nil {
		t.Fatalf("failed to encode request: %v", err)
	}

	url := fmt.Sprintf("http://%s/v1/metrics", r.HTTPEndpoint())
	var resp *http.Response
	for attempt := 0; attempt < 20; attempt++ {
		resp, err = http.Post(url, "application/json", bytes.NewReader(body))
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if handler.count() != 1 {
		t.Fatalf("expected 1 handled signal, got %d", handler.count())
	}
	if got := handler.signals[0]; got.Type != TypeErrorRateHigh || got.Service != "checkout" {
		t.Errorf("unexpected signal %s for %s", got.Type, got.Service)
	}

	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if r.IsRunning() {
		t.Error("receiver still running after Stop()")
	}
}
