package telemetry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/plog"
	"go.opentelemetry.io/collector/pdata/pmetric"
	"go.opentelemetry.io/collector/pdata/ptrace"

	"github.com/Studio-Elephant-and-Rope/steward/internal/config"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/services"
	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
)

var (
	clockTime = time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC)
	pointTime = time.Date(2026, 2, 10, 9, 29, 12, 0, time.UTC)
)

func newTestConverter() *Converter {
	return NewConverter(DefaultConverterConfig(), ports.FixedClock(clockTime), logging.NewNop())
}

func newResourceMetrics(metrics pmetric.Metrics) pmetric.MetricSlice {
	rm := metrics.ResourceMetrics().AppendEmpty()
	attrs := rm.Resource().Attributes()
	attrs.PutStr("service.name", "checkout")
	attrs.PutStr("service.version", "1.4.2")
	attrs.PutStr("cloud.region", "eu-west-1")
	attrs.PutStr("host.name", "ip-10-0-0-12")
	return rm.ScopeMetrics().AppendEmpty().Metrics()
}

func addGauge(metrics pmetric.MetricSlice, name string, values ...float64) {
	m := metrics.AppendEmpty()
	m.SetName(name)
	points := m.SetEmptyGauge().DataPoints()
	for _, v := range values {
		p := points.AppendEmpty()
		p.SetDoubleValue(v)
		p.SetTimestamp(pcommon.NewTimestampFromTime(pointTime))
	}
}

func TestConverterConfigFromReceiver(t *testing.T) {
	cfg := ConverterConfigFromReceiver(config.ReceiverConfig{ErrorRateThreshold: 0.2, LatencyThresholdMs: 250})
	if cfg.ErrorRateThreshold != 0.2 || cfg.LatencyThresholdMs != 250 {
		t.Errorf("receiver thresholds not applied: %s", cfg)
	}
	if cfg.CPUThreshold != 0.8 || cfg.SpanCountThreshold != 5 {
		t.Errorf("defaults lost: %s", cfg)
	}

	cfg = ConverterConfigFromReceiver(config.ReceiverConfig{})
	if cfg.ErrorRateThreshold != 0.05 || cfg.LatencyThresholdMs != 1000 {
		t.Errorf("zero receiver thresholds must keep defaults: %s", cfg)
	}
}

func TestConverter_ProcessMetrics(t *testing.T) {
	tests := []struct {
		name     string
		build    func(pmetric.MetricSlice)
		wantType string
		wantSev  domain.Severity
	}{
		{
			name:     "error rate above threshold",
			build:    func(m pmetric.MetricSlice) { addGauge(m, "http.server.error_rate", 0.01, 0.12) },
			wantType: TypeErrorRateHigh,
			wantSev:  domain.SeverityHigh,
		},
		{
			name:     "cpu above threshold",
			build:    func(m pmetric.MetricSlice) { addGauge(m, "system.cpu.utilization", 0.95) },
			wantType: TypeCPUUtilizationHigh,
			wantSev:  domain.SeverityHigh,
		},
		{
			name:     "memory above threshold",
			build:    func(m pmetric.MetricSlice) { addGauge(m, "process.memory.utilization", 0.97) },
			wantType: TypeMemoryUtilizationHigh,
			wantSev:  domain.SeverityHigh,
		},
		{
			name: "latency histogram above threshold",
			build: func(m pmetric.MetricSlice) {
				metric := m.AppendEmpty()
				metric.SetName("http.server.duration")
				p := metric.SetEmptyHistogram().DataPoints().AppendEmpty()
				p.SetCount(4)
				p.SetSum(8000)
				p.SetTimestamp(pcommon.NewTimestampFromTime(pointTime))
			},
			wantType: TypeLatencyHigh,
			wantSev:  domain.SeverityMedium,
		},
		{
			name:  "error rate below threshold",
			build: func(m pmetric.MetricSlice) { addGauge(m, "http.server.error_rate", 0.01) },
		},
		{
			name:  "unrelated metric",
			build: func(m pmetric.MetricSlice) { addGauge(m, "queue.depth", 9000) },
		},
		{
			name: "integer gauge",
			build: func(m pmetric.MetricSlice) {
				metric := m.AppendEmpty()
				metric.SetName("job.failures")
				p := metric.SetEmptyGauge().DataPoints().AppendEmpty()
				p.SetIntValue(3)
				p.SetTimestamp(pcommon.NewTimestampFromTime(pointTime))
			},
			wantType: TypeErrorRateHigh,
			wantSev:  domain.SeverityHigh,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := pmetric.NewMetrics()
			tt.build(newResourceMetrics(metrics))

			signals, err := newTestConverter().ProcessMetrics(context.Background(), metrics)
			if err != nil {
				t.Fatalf("ProcessMetrics() error = %v", err)
			}
			if tt.wantType == "" {
				if len(signals) != 0 {
					t.Fatalf("expected no signals, got %d", len(signals))
				}
				return
			}
			if len(signals) != 1 {
				t.Fatalf("expected 1 signal, got %d", len(signals))
			}

			s := signals[0]
			if s.Type != tt.wantType || s.Severity != tt.wantSev {
				t.Errorf("got %s/%s, want %s/%s", s.Type, s.Severity, tt.wantType, tt.wantSev)
			}
			if s.Source != Source || s.Service != "checkout" {
				t.Errorf("unexpected source/service %s/%s", s.Source, s.Service)
			}
			if !s.ObservedAt.Equal(pointTime) {
				t.Errorf("observed at %v, want data point time %v", s.ObservedAt, pointTime)
			}
			if s.Metadata["service.version"] != "1.4.2" || s.Metadata["metric.name"] == "" {
				t.Errorf("unexpected metadata %v", s.Metadata)
			}
			if s.Tags["region"] != "eu-west-1" || s.Tags["resource.host"] != "ip-10-0-0-12" {
				t.Errorf("unexpected tags %v", s.Tags)
			}
			if !json.Valid(s.RawPayload) {
				t.Errorf("raw payload is not JSON: %s", s.RawPayload)
			}
		})
	}
}

func TestConverter_SignalsPrepareCleanly(t *testing.T) {
	metrics := pmetric.NewMetrics()
	addGauge(newResourceMetrics(metrics), "http.server.error_rate", 0.3)

	first, _ := newTestConverter().ProcessMetrics(context.Background(), metrics)
	second, _ := newTestConverter().ProcessMetrics(context.Background(), metrics)
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected one signal per conversion")
	}

	if err := services.PrepareSignal(&first[0]); err != nil {
		t.Fatalf("converted signal failed preparation: %v", err)
	}
	if err := services.PrepareSignal(&second[0]); err != nil {
		t.Fatalf("converted signal failed preparation: %v", err)
	}
	if first[0].ID != second[0].ID {
		t.Errorf("re-exported data must map to the same signal id: %s != %s", first[0].ID, second[0].ID)
	}
}

func TestConverter_MissingTimestampUsesClock(t *testing.T) {
	metrics := pmetric.NewMetrics()
	m := newResourceMetrics(metrics).AppendEmpty()
	m.SetName("cpu.utilization")
	m.SetEmptyGauge().DataPoints().AppendEmpty().SetDoubleValue(0.99)

	signals, _ := newTestConverter().ProcessMetrics(context.Background(), metrics)
	if len(signals) != 1 {
		t.Fatalf("expected 1 signal, got %d", len(signals))
	}
	if !signals[0].ObservedAt.Equal(clockTime) {
		t.Errorf("observed at %v, want clock time %v", signals[0].ObservedAt, clockTime)
	}
}

func TestConverter_ProcessTraces(t *testing.T) {
	traces := ptrace.NewTraces()
	rs := traces.ResourceSpans().AppendEmpty()
	rs.Resource().Attributes().PutStr("service.name", "payments")
	spans := rs.ScopeSpans().AppendEmpty().Spans()

	start := pointTime.Add(-time.Minute)
	for i := 0; i < 6; i++ {
		span := spans.AppendEmpty()
		span.SetName("charge")
		span.SetStartTimestamp(pcommon.NewTimestampFromTime(start))
		span.SetEndTimestamp(pcommon.NewTimestampFromTime(start.Add(10 * time.Millisecond)))
		span.Status().SetCode(ptrace.StatusCodeError)
	}
	for i := 0; i < 2; i++ {
		span := spans.AppendEmpty()
		span.SetStartTimestamp(pcommon.NewTimestampFromTime(start))
		span.SetEndTimestamp(pcommon.NewTimestampFromTime(pointTime))
	}

	signals, err := newTestConverter().ProcessTraces(context.Background(), traces)
	if err != nil {
		t.Fatalf("ProcessTraces() error = %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("expected only the error span signal, got %d", len(signals))
	}
	s := signals[0]
	if s.Type != TypeErrorSpansElevated || s.Service != "payments" {
		t.Errorf("unexpected signal %s for %s", s.Type, s.Service)
	}
	if !s.ObservedAt.Equal(pointTime) {
		t.Errorf("observed at %v, want latest span end %v", s.ObservedAt, pointTime)
	}
}

func TestConverter_ProcessTraces_SlowSpans(t *testing.T) {
	traces := ptrace.NewTraces()
	spans := traces.ResourceSpans().AppendEmpty().ScopeSpans().AppendEmpty().Spans()
	for i := 0; i < 5; i++ {
		span := spans.AppendEmpty()
		span.SetStartTimestamp(pcommon.NewTimestampFromTime(pointTime.Add(-3 * time.Second)))
		span.SetEndTimestamp(pcommon.NewTimestampFromTime(pointTime))
	}

	signals, _ := newTestConverter().ProcessTraces(context.Background(), traces)
	if len(signals) != 1 || signals[0].Type != TypeLatencyHigh {
		t.Fatalf("expected one latency signal, got %+v", signals)
	}
	if signals[0].Service != "unknown" {
		t.Errorf("service without resource name should be unknown, got %s", signals[0].Service)
	}
}

func TestConverter_ProcessLogs(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		severity plog.SeverityNumber
		wantType string
	}{
		{"fatal severity", "shutting down", plog.SeverityNumberFatal, TypeCriticalLog},
		{"critical pattern", "CRITICAL: disk full", plog.SeverityNumberInfo, TypeCriticalLog},
		{"error severity", "request failed", plog.SeverityNumberError, TypeErrorLog},
		{"error pattern", "unhandled Exception in worker", plog.SeverityNumberUnspecified, TypeErrorLog},
		{"info log", "request served", plog.SeverityNumberInfo, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs := plog.NewLogs()
			rl := logs.ResourceLogs().AppendEmpty()
			rl.Resource().Attributes().PutStr("service.name", "api")
			record := rl.ScopeLogs().AppendEmpty().LogRecords().AppendEmpty()
			record.Body().SetStr(tt.body)
			record.SetSeverityNumber(tt.severity)
			record.SetObservedTimestamp(pcommon.NewTimestampFromTime(pointTime))

			signals, err := newTestConverter().ProcessLogs(context.Background(), logs)
			if err != nil {
				t.Fatalf("ProcessLogs() error = %v", err)
			}
			if tt.wantType == "" {
				if len(signals) != 0 {
					t.Fatalf("expected no signals, got %d", len(signals))
				}
				return
			}
			if len(signals) != 1 || signals[0].Type != tt.wantType {
				t.Fatalf("expected one %s signal, got %+v", tt.wantType, signals)
			}
			if !signals[0].ObservedAt.Equal(pointTime) {
				t.Errorf("observed timestamp should be used when timestamp is unset")
			}
		})
	}
}
