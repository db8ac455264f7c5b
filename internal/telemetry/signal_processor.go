package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/plog"
	"go.opentelemetry.io/collector/pdata/pmetric"
	"go.opentelemetry.io/collector/pdata/ptrace"

	"github.com/Studio-Elephant-and-Rope/steward/internal/config"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
	"github.com/Studio-Elephant-and-Rope/steward/internal/normalization"
)

// Source is the source recorded on every signal converted from OTLP data.
const Source = "otlp"

// Signal types raised from telemetry.
const (
	TypeErrorRateHigh         = "ErrorRateHigh"
	TypeLatencyHigh           = "LatencyHigh"
	TypeCPUUtilizationHigh    = "CPUUtilizationHigh"
	TypeMemoryUtilizationHigh = "MemoryUtilizationHigh"
	TypeErrorSpansElevated    = "ErrorSpansElevated"
	TypeErrorLog              = "ErrorLog"
	TypeCriticalLog           = "CriticalLog"
)

const unknownService = "unknown"

// ConverterConfig holds the thresholds a converter raises signals at.
type ConverterConfig struct {
	// ErrorRateThreshold is compared against error and failure gauges.
	ErrorRateThreshold float64
	// LatencyThresholdMs is compared against latency histograms and span durations.
	LatencyThresholdMs float64
	// CPUThreshold and MemoryThreshold are utilisation ratios in [0,1].
	CPUThreshold    float64
	MemoryThreshold float64
	// SpanCountThreshold is how many error or slow spans per resource raise a signal.
	SpanCountThreshold int
	// ErrorLogPatterns and CriticalLogPatterns match log bodies case-insensitively.
	ErrorLogPatterns    []string
	CriticalLogPatterns []string
}

// DefaultConverterConfig returns the default thresholds.
func DefaultConverterConfig() ConverterConfig {
	return ConverterConfig{
		ErrorRateThreshold:  0.05,
		LatencyThresholdMs:  1000,
		CPUThreshold:        0.8,
		MemoryThreshold:     0.9,
		SpanCountThreshold:  5,
		ErrorLogPatterns:    []string{"error", "exception", "fatal", "panic"},
		CriticalLogPatterns: []string{"critical", "emergency", "alert"},
	}
}

// ConverterConfigFromReceiver applies the receiver thresholds over the defaults.
func ConverterConfigFromReceiver(cfg config.ReceiverConfig) ConverterConfig {
	out := DefaultConverterConfig()
	if cfg.ErrorRateThreshold > 0 {
		out.ErrorRateThreshold = cfg.ErrorRateThreshold
	}
	if cfg.LatencyThresholdMs > 0 {
		out.LatencyThresholdMs = cfg.LatencyThresholdMs
	}
	return out
}

// Converter turns OTLP data into raw signals.
//
// Output is deterministic: the observed time comes from the data point, span
// or log record, and only falls back to the clock when the exporter sent no
// timestamp. Deduplication is left to signal identity, so re-exported data
// within the same minute collapses onto the same signal id.
type Converter struct {
	cfg    ConverterConfig
	clock  ports.Clock
	logger *logging.Logger
}

// NewConverter creates a converter. clock may be nil, in which case the
// system clock is used.
func NewConverter(cfg ConverterConfig, clock ports.Clock, logger *logging.Logger) *Converter {
	if clock == nil {
		clock = ports.SystemClock()
	}
	return &Converter{
		cfg:    cfg,
		clock:  clock,
		logger: logger.WithComponent("otlp_converter"),
	}
}

// ProcessMetrics raises signals for error rate gauges, latency histograms
// and utilisation gauges that cross their thresholds.
func (c *Converter) ProcessMetrics(ctx context.Context, metrics pmetric.Metrics) ([]domain.Signal, error) {
	var signals []domain.Signal

	for i := 0; i < metrics.ResourceMetrics().Len(); i++ {
		rm := metrics.ResourceMetrics().At(i)
		res := newResourceInfo(rm.Resource())

		for j := 0; j < rm.ScopeMetrics().Len(); j++ {
			sm := rm.ScopeMetrics().At(j)
			for k := 0; k < sm.Metrics().Len(); k++ {
				if signal, ok := c.checkMetric(sm.Metrics().At(k), res); ok {
					signals = append(signals, signal)
				}
			}
		}
	}

	c.logger.Debug("Converted metrics", "metric_count", metrics.MetricCount(), "signals", len(signals))
	return signals, nil
}

func (c *Converter) checkMetric(metric pmetric.Metric, res resourceInfo) (domain.Signal, bool) {
	name := strings.ToLower(metric.Name())

	switch {
	case containsAny(name, "latency", "duration", "response_time"):
		if metric.Type() != pmetric.MetricTypeHistogram {
			return domain.Signal{}, false
		}
		value, at, ok := maxHistogramMean(metric.Histogram().DataPoints())
		if !ok || value <= c.cfg.LatencyThresholdMs {
			return domain.Signal{}, false
		}
		return c.metricSignal(TypeLatencyHigh, domain.SeverityMedium, metric.Name(), value, c.cfg.LatencyThresholdMs, at, res), true

	case containsAny(name, "error", "failure"):
		return c.checkGauge(metric, res, TypeErrorRateHigh, domain.SeverityHigh, c.cfg.ErrorRateThreshold)

	case strings.Contains(name, "cpu"):
		return c.checkGauge(metric, res, TypeCPUUtilizationHigh, domain.SeverityHigh, c.cfg.CPUThreshold)

	case containsAny(name, "memory", "mem"):
		return c.checkGauge(metric, res, TypeMemoryUtilizationHigh, domain.SeverityHigh, c.cfg.MemoryThreshold)
	}
	return domain.Signal{}, false
}

func (c *Converter) checkGauge(metric pmetric.Metric, res resourceInfo, signalType string, severity domain.Severity, threshold float64) (domain.Signal, bool) {
	if metric.Type() != pmetric.MetricTypeGauge {
		return domain.Signal{}, false
	}
	value, at, ok := maxNumber(metric.Gauge().DataPoints())
	if !ok || value <= threshold {
		return domain.Signal{}, false
	}
	return c.metricSignal(signalType, severity, metric.Name(), value, threshold, at, res), true
}

func (c *Converter) metricSignal(signalType string, severity domain.Severity, metricName string, value, threshold float64, at pcommon.Timestamp, res resourceInfo) domain.Signal {
	return c.newSignal(signalType, severity, 0.9, c.observedAt(at), res,
		map[string]string{"metric.name": metricName},
		map[string]any{
			"metric_name": metricName,
			"value":       value,
			"threshold":   threshold,
		})
}

// ProcessTraces counts error and slow spans per resource and raises a
// signal when either count reaches the span threshold.
func (c *Converter) ProcessTraces(ctx context.Context, traces ptrace.Traces) ([]domain.Signal, error) {
	var signals []domain.Signal
	slowAfter := time.Duration(c.cfg.LatencyThresholdMs * float64(time.Millisecond))

	for i := 0; i < traces.ResourceSpans().Len(); i++ {
		rs := traces.ResourceSpans().At(i)
		res := newResourceInfo(rs.Resource())

		var errorSpans, slowSpans int
		var latest pcommon.Timestamp
		for j := 0; j < rs.ScopeSpans().Len(); j++ {
			spans := rs.ScopeSpans().At(j).Spans()
			for k := 0; k < spans.Len(); k++ {
				span := spans.At(k)
				if span.Status().Code() == ptrace.StatusCodeError {
					errorSpans++
				}
				if span.EndTimestamp().AsTime().Sub(span.StartTimestamp().AsTime()) > slowAfter {
					slowSpans++
				}
				if span.EndTimestamp() > latest {
					latest = span.EndTimestamp()
				}
			}
		}

		observedAt := c.observedAt(latest)
		if errorSpans >= c.cfg.SpanCountThreshold {
			signals = append(signals, c.newSignal(TypeErrorSpansElevated, domain.SeverityHigh, 0.8, observedAt, res,
				map[string]string{"span.kind": "error"},
				map[string]any{"error_spans": errorSpans, "threshold": c.cfg.SpanCountThreshold}))
		}
		if slowSpans >= c.cfg.SpanCountThreshold {
			signals = append(signals, c.newSignal(TypeLatencyHigh, domain.SeverityMedium, 0.8, observedAt, res,
				map[string]string{"span.kind": "slow"},
				map[string]any{"slow_spans": slowSpans, "threshold_ms": c.cfg.LatencyThresholdMs}))
		}
	}

	c.logger.Debug("Converted traces", "span_count", traces.SpanCount(), "signals", len(signals))
	return signals, nil
}

// ProcessLogs raises one signal per error or critical log record. A record
// is critical when its severity is FATAL or above or its body matches a
// critical pattern, and an error when its severity is ERROR or its body
// matches an error pattern.
func (c *Converter) ProcessLogs(ctx context.Context, logs plog.Logs) ([]domain.Signal, error) {
	var signals []domain.Signal

	for i := 0; i < logs.ResourceLogs().Len(); i++ {
		rl := logs.ResourceLogs().At(i)
		res := newResourceInfo(rl.Resource())

		for j := 0; j < rl.ScopeLogs().Len(); j++ {
			records := rl.ScopeLogs().At(j).LogRecords()
			for k := 0; k < records.Len(); k++ {
				if signal, ok := c.checkLogRecord(records.At(k), res); ok {
					signals = append(signals, signal)
				}
			}
		}
	}

	c.logger.Debug("Converted logs", "log_count", logs.LogRecordCount(), "signals", len(signals))
	return signals, nil
}

func (c *Converter) checkLogRecord(record plog.LogRecord, res resourceInfo) (domain.Signal, bool) {
	body := record.Body().AsString()
	severityNumber := record.SeverityNumber()

	var signalType string
	var severity domain.Severity
	switch {
	case severityNumber >= plog.SeverityNumberFatal || matchesPatterns(body, c.cfg.CriticalLogPatterns):
		signalType, severity = TypeCriticalLog, domain.SeverityCritical
	case severityNumber >= plog.SeverityNumberError || matchesPatterns(body, c.cfg.ErrorLogPatterns):
		signalType, severity = TypeErrorLog, domain.SeverityHigh
	default:
		return domain.Signal{}, false
	}

	at := record.Timestamp()
	if at == 0 {
		at = record.ObservedTimestamp()
	}

	metadata := map[string]string{}
	if text := record.SeverityText(); text != "" {
		metadata["log.severity"] = text
	}

	return c.newSignal(signalType, severity, 0.6, c.observedAt(at), res, metadata,
		map[string]any{"body": body, "severity_number": int32(severityNumber)}), true
}

func (c *Converter) newSignal(signalType string, severity domain.Severity, confidence float64, observedAt time.Time, res resourceInfo, metadata map[string]string, payload map[string]any) domain.Signal {
	if res.version != "" {
		metadata["service.version"] = res.version
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to encode telemetry payload", "type", signalType)
		raw = nil
	}

	return domain.Signal{
		Source:     Source,
		Type:       signalType,
		Service:    res.service,
		Severity:   severity,
		Confidence: confidence,
		ObservedAt: observedAt,
		Metadata:   metadata,
		Tags:       res.tags,
		RawPayload: raw,
	}
}

func (c *Converter) observedAt(ts pcommon.Timestamp) time.Time {
	if ts == 0 {
		return c.clock.Now().UTC()
	}
	return ts.AsTime().UTC()
}

// resourceInfo holds what a converter reads from an OTLP resource.
type resourceInfo struct {
	service string
	version string
	tags    map[string]string
}

// resourceTagKeys maps OpenTelemetry resource attributes onto signal tags.
var resourceTagKeys = map[string]string{
	"cloud.account.id":       normalization.TagAccount,
	"cloud.region":           normalization.TagRegion,
	"deployment.environment": normalization.TagStage,
	"host.name":              normalization.ResourceTagPrefix + "host",
	"k8s.pod.name":           normalization.ResourceTagPrefix + "pod",
	"k8s.deployment.name":    normalization.ResourceTagPrefix + "deployment",
	"container.id":           normalization.ResourceTagPrefix + "container",
	"db.name":                normalization.ResourceTagPrefix + "database",
}

func newResourceInfo(resource pcommon.Resource) resourceInfo {
	attrs := resource.Attributes()
	info := resourceInfo{
		service: getStringAttribute(attrs, "service.name", unknownService),
		version: getStringAttribute(attrs, "service.version", ""),
	}
	for attr, tag := range resourceTagKeys {
		if v := getStringAttribute(attrs, attr, ""); v != "" {
			if info.tags == nil {
				info.tags = make(map[string]string)
			}
			info.tags[tag] = v
		}
	}
	return info
}

// getStringAttribute safely extracts a string attribute from OpenTelemetry attributes.
func getStringAttribute(attrs pcommon.Map, key, defaultValue string) string {
	if val, exists := attrs.Get(key); exists {
		if s := val.AsString(); s != "" {
			return s
		}
	}
	return defaultValue
}

func maxNumber(points pmetric.NumberDataPointSlice) (float64, pcommon.Timestamp, bool) {
	var best float64
	var at pcommon.Timestamp
	found := false
	for i := 0; i < points.Len(); i++ {
		p := points.At(i)
		var v float64
		switch p.ValueType() {
		case pmetric.NumberDataPointValueTypeDouble:
			v = p.DoubleValue()
		case pmetric.NumberDataPointValueTypeInt:
			v = float64(p.IntValue())
		default:
			continue
		}
		if !found || v > best {
			best, at, found = v, p.Timestamp(), true
		}
	}
	return best, at, found
}

func maxHistogramMean(points pmetric.HistogramDataPointSlice) (float64, pcommon.Timestamp, bool) {
	var best float64
	var at pcommon.Timestamp
	found := false
	for i := 0; i < points.Len(); i++ {
		p := points.At(i)
		if p.Count() == 0 || !p.HasSum() {
			continue
		}
		mean := p.Sum() / float64(p.Count())
		if !found || mean > best {
			best, at, found = mean, p.Timestamp(), true
		}
	}
	return best, at, found
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func matchesPatterns(text string, patterns []string) bool {
	lower := strings.ToLower(text)
	for _, p := range patterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// String describes the converter thresholds for startup logs.
func (c ConverterConfig) String() string {
	return fmt.Sprintf("error_rate>%.3f latency>%.0fms cpu>%.2f memory>%.2f spans>=%d",
		c.ErrorRateThreshold, c.LatencyThresholdMs, c.CPUThreshold, c.MemoryThreshold, c.SpanCountThreshold)
}
