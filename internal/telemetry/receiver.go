// Package telemetry ingests raw signals over OTLP.
//
// The receiver listens on the standard OTLP gRPC and HTTP endpoints (4317 and
// 4318 by default), converts incoming metrics, traces and logs into
// domain.Signal values and hands each one to a SignalHandler, which in a
// running server is the signal service.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"go.opentelemetry.io/collector/component"
	"go.opentelemetry.io/collector/component/componentstatus"
	"go.opentelemetry.io/collector/component/componenttest"
	"go.opentelemetry.io/collector/confmap"
	"go.opentelemetry.io/collector/consumer"
	"go.opentelemetry.io/collector/pdata/plog"
	"go.opentelemetry.io/collector/pdata/pmetric"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.opentelemetry.io/collector/pipeline"
	"go.opentelemetry.io/collector/receiver"
	"go.opentelemetry.io/collector/receiver/otlpreceiver"

	"github.com/Studio-Elephant-and-Rope/steward/internal/config"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
)

// SignalProcessor converts OTLP payloads into raw signals.
type SignalProcessor interface {
	ProcessMetrics(ctx context.Context, metrics pmetric.Metrics) ([]domain.Signal, error)
	ProcessTraces(ctx context.Context, traces ptrace.Traces) ([]domain.Signal, error)
	ProcessLogs(ctx context.Context, logs plog.Logs) ([]domain.Signal, error)
}

// SignalHandler accepts converted signals.
type SignalHandler interface {
	HandleSignal(ctx context.Context, signal domain.Signal) error
}

// Receiver wraps the collector's OTLP receiver.
type Receiver struct {
	config    config.ReceiverConfig
	logger    *logging.Logger
	processor SignalProcessor
	handler   SignalHandler

	mu              sync.Mutex
	running         bool
	tracesReceiver  receiver.Traces
	metricsReceiver receiver.Metrics
	logsReceiver    receiver.Logs
}

// NewReceiver creates an OTLP receiver.
//
// Possible errors:
//   - ErrInvalidInput: a dependency is nil or the configuration is invalid
func NewReceiver(cfg config.ReceiverConfig, logger *logging.Logger, processor SignalProcessor, handler SignalHandler) (*Receiver, error) {
	if logger == nil {
		return nil, fmt.Errorf("%w: logger is required", ports.ErrInvalidInput)
	}
	if processor == nil {
		return nil, fmt.Errorf("%w: signal processor is required", ports.ErrInvalidInput)
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: signal handler is required", ports.ErrInvalidInput)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid receiver configuration: %v", ports.ErrInvalidInput, err)
	}

	return &Receiver{
		config:    cfg,
		logger:    logger.WithComponent("otlp_receiver"),
		processor: processor,
		handler:   handler,
	}, nil
}

// GRPCEndpoint returns the host:port the gRPC protocol listens on.
func (r *Receiver) GRPCEndpoint() string {
	return net.JoinHostPort(r.config.GRPCHost, strconv.Itoa(r.config.GRPCPort))
}

// HTTPEndpoint returns the host:port the HTTP protocol listens on.
func (r *Receiver) HTTPEndpoint() string {
	return net.JoinHostPort(r.config.HTTPHost, strconv.Itoa(r.config.HTTPPort))
}

// Start creates and starts the traces, metrics and logs receivers. It is a
// no-op when the receiver is disabled.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("receiver is already running")
	}
	if !r.config.Enabled {
		r.logger.Info("OTLP receiver is disabled in configuration")
		return nil
	}

	r.logger.Info("Starting OTLP receiver",
		"grpc_endpoint", r.GRPCEndpoint(),
		"http_endpoint", r.HTTPEndpoint())

	factory := otlpreceiver.NewFactory()
	receiverConfig, err := r.otlpConfig(factory)
	if err != nil {
		return fmt.Errorf("failed to create OTLP configuration: %w", err)
	}

	settings := receiver.Settings{
		ID:                component.NewID(component.MustNewType("otlp")),
		BuildInfo:         component.NewDefaultBuildInfo(),
		TelemetrySettings: componenttest.NewNopTelemetrySettings(),
	}
	sink := &consumerWrapper{receiver: r}
	host := &componentHost{logger: r.logger}

	if r.tracesReceiver, err = factory.CreateTraces(ctx, settings, receiverConfig, sink); err != nil {
		return fmt.Errorf("failed to create OTLP traces receiver: %w", err)
	}
	if r.metricsReceiver, err = factory.CreateMetrics(ctx, settings, receiverConfig, sink); err != nil {
		return fmt.Errorf("failed to create OTLP metrics receiver: %w", err)
	}
	if r.logsReceiver, err = factory.CreateLogs(ctx, settings, receiverConfig, sink); err != nil {
		return fmt.Errorf("failed to create OTLP logs receiver: %w", err)
	}

	// The three receivers share one underlying server per protocol, so the
	// first Start binds the ports and the rest attach to it.
	for name, c := range map[string]component.Component{
		"traces":  r.tracesReceiver,
		"metrics": r.metricsReceiver,
		"logs":    r.logsReceiver,
	} {
		if err := c.Start(ctx, host); err != nil {
			_ = r.shutdown(ctx)
			return fmt.Errorf("failed to start OTLP %s receiver: %w", name, err)
		}
	}

	r.running = true
	r.logger.Info("OTLP receiver started")
	return nil
}

// Stop shuts the receivers down, waiting for in-flight requests.
func (r *Receiver) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil
	}

	r.logger.Info("Stopping OTLP receiver")
	if err := r.shutdown(ctx); err != nil {
		return err
	}
	r.running = false
	r.logger.Info("OTLP receiver stopped")
	return nil
}

func (r *Receiver) shutdown(ctx context.Context) error {
	var errs []error
	if r.tracesReceiver != nil {
		if err := r.tracesReceiver.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown traces receiver: %w", err))
		}
	}
	if r.metricsReceiver != nil {
		if err := r.metricsReceiver.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown metrics receiver: %w", err))
		}
	}
	if r.logsReceiver != nil {
		if err := r.logsReceiver.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown logs receiver: %w", err))
		}
	}
	return errors.Join(errs...)
}

// IsRunning returns whether the receiver is currently running.
func (r *Receiver) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Receiver) otlpConfig(factory receiver.Factory) (component.Config, error) {
	configMap := confmap.NewFromStringMap(map[string]any{
		"protocols": map[string]any{
			"grpc": map[string]any{"endpoint": r.GRPCEndpoint()},
			"http": map[string]any{"endpoint": r.HTTPEndpoint()},
		},
	})

	cfg := factory.CreateDefaultConfig()
	if err := configMap.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal OTLP config: %w", err)
	}
	return cfg, nil
}

// dispatch hands every signal to the handler. A failed signal is logged and
// does not stop the rest of the batch; the exporter is told about failures
// only when the whole batch was rejected.
func (r *Receiver) dispatch(ctx context.Context, kind string, signals []domain.Signal) error {
	var failed int
	var lastErr error
	for _, signal := range signals {
		if err := r.handler.HandleSignal(ctx, signal); err != nil {
			failed++
			lastErr = err
			r.logger.WithError(err).Error("Failed to handle telemetry signal",
				"kind", kind,
				"type", signal.Type,
				"service", signal.Service)
		}
	}

	r.logger.Debug("Dispatched telemetry signals", "kind", kind, "signals", len(signals), "failed", failed)
	if failed > 0 && failed == len(signals) {
		return fmt.Errorf("failed to handle %d %s signals: %w", failed, kind, lastErr)
	}
	return nil
}

// componentHost is the minimal component.Host the OTLP receiver needs.
type componentHost struct {
	logger *logging.Logger
}

func (h *componentHost) GetFactory(component.Kind, component.Type) component.Factory {
	return nil
}

func (h *componentHost) GetExtensions() map[component.ID]component.Component {
	return map[component.ID]component.Component{}
}

func (h *componentHost) GetExporters() map[pipeline.Signal]map[component.ID]component.Component {
	return map[pipeline.Signal]map[component.ID]component.Component{}
}

// Report implements componentstatus.Reporter.
func (h *componentHost) Report(event *componentstatus.Event) {
	if err := event.Err(); err != nil {
		h.logger.WithError(err).Error("OTLP component reported an error", "status", event.Status().String())
		return
	}
	h.logger.Debug("OTLP component status change", "status", event.Status().String())
}

// consumerWrapper adapts the receiver to the collector consumer interfaces.
type consumerWrapper struct {
	receiver *Receiver
}

func (c *consumerWrapper) Capabilities() consumer.Capabilities {
	return consumer.Capabilities{MutatesData: false}
}

func (c *consumerWrapper) ConsumeTraces(ctx context.Context, traces ptrace.Traces) error {
	signals, err := c.receiver.processor.ProcessTraces(ctx, traces)
	if err != nil {
		return fmt.Errorf("failed to process traces: %w", err)
	}
	return c.receiver.dispatch(ctx, "traces", signals)
}

func (c *consumerWrapper) ConsumeMetrics(ctx context.Context, metrics pmetric.Metrics) error {
	signals, err := c.receiver.processor.ProcessMetrics(ctx, metrics)
	if err != nil {
		return fmt.Errorf("failed to process metrics: %w", err)
	}
	return c.receiver.dispatch(ctx, "metrics", signals)
}

func (c *consumerWrapper) ConsumeLogs(ctx context.Context, logs plog.Logs) error {
	signals, err := c.receiver.processor.ProcessLogs(ctx, logs)
	if err != nil {
		return fmt.Errorf("failed to process logs: %w", err)
	}
	return c.receiver.dispatch(ctx, "logs", signals)
}
