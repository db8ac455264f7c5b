// Package logging provides structured logging for the steward control plane.
//
// It wraps the standard library slog with environment-aware defaults, context
// propagation and helpers for the identifiers that flow through the pipeline
// (candidates, decisions, incidents).
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Environment represents the deployment environment.
type Environment string

// Environment constants define the valid deployment environments.
const (
	Development Environment = "development"
	Production  Environment = "production"
	Test        Environment = "test"
)

// String returns the string representation of the environment.
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is one of the defined valid environments.
func (e Environment) IsValid() bool {
	switch e {
	case Development, Production, Test:
		return true
	default:
		return false
	}
}

// Format selects the handler used to render records.
type Format string

// Supported output formats.
const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config holds the configuration for the logger.
type Config struct {
	Environment Environment `json:"environment"`
	Level       slog.Level  `json:"level"`
	Format      Format      `json:"format"`
	Output      io.Writer   `json:"-"`
	AddSource   bool        `json:"add_source"`
}

// Logger wraps slog.Logger with helpers for structured logging.
type Logger struct {
	*slog.Logger
	config Config
}

// DefaultConfig returns a default configuration based on the environment.
//
//   - Development: text output, debug level, source locations
//   - Production: JSON output, info level
//   - Test: JSON output, warn level to reduce noise
func DefaultConfig(env Environment) Config {
	config := Config{
		Environment: env,
		Level:       slog.LevelInfo,
		Format:      FormatJSON,
		Output:      os.Stdout,
	}

	switch env {
	case Development:
		config.Level = slog.LevelDebug
		config.Format = FormatText
		config.AddSource = true
	case Test:
		config.Level = slog.LevelWarn
	}

	return config
}

// NewLogger creates a new structured logger with the given configuration.
func NewLogger(config Config) (*Logger, error) {
	if !config.Environment.IsValid() {
		return nil, fmt.Errorf("invalid environment: %s", config.Environment)
	}

	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.Format == "" {
		config.Format = DefaultConfig(config.Environment).Format
	}

	handlerOpts := &slog.HandlerOptions{
		Level:     config.Level,
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	switch config.Format {
	case FormatText:
		handler = slog.NewTextHandler(config.Output, handlerOpts)
	case FormatJSON:
		handler = slog.NewJSONHandler(config.Output, handlerOpts)
	default:
		return nil, fmt.Errorf("invalid log format: %s", config.Format)
	}

	return &Logger{
		Logger: slog.New(handler),
		config: config,
	}, nil
}

// NewNop returns a logger that discards everything. Useful in tests.
func NewNop() *Logger {
	config := DefaultConfig(Test)
	config.Output = io.Discard
	logger, _ := NewLogger(config)
	return logger
}

// NewFromEnvironment creates a logger using environment variables.
//
// Environment variables:
//   - STEWARD_ENV: development, production or test
//   - STEWARD_LOG_LEVEL: debug, info, warn or error
//   - STEWARD_LOG_FORMAT: text or json
//   - STEWARD_LOG_ADD_SOURCE: true or false
func NewFromEnvironment() (*Logger, error) {
	env := Development
	if envVar := os.Getenv("STEWARD_ENV"); envVar != "" {
		env = Environment(strings.ToLower(envVar))
	}

	config := DefaultConfig(env)

	if levelVar := os.Getenv("STEWARD_LOG_LEVEL"); levelVar != "" {
		level, err := ParseLevel(levelVar)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		config.Level = level
	}

	if formatVar := os.Getenv("STEWARD_LOG_FORMAT"); formatVar != "" {
		config.Format = Format(strings.ToLower(formatVar))
	}

	if sourceVar := os.Getenv("STEWARD_LOG_ADD_SOURCE"); sourceVar != "" {
		config.AddSource = strings.ToLower(sourceVar) == "true"
	}

	return NewLogger(config)
}

// ParseLevel converts a level name to slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", level)
	}
}

// WithContext adds the logger to ctx for propagation.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// WithFields returns a new logger with additional structured fields.
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(fields...),
		config: l.config,
	}
}

// WithComponent tags entries with the pipeline component emitting them.
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithRequestID returns a new logger with a request ID field.
func (l *Logger) WithRequestID(requestID string) *Logger {
	return l.WithFields("request_id", requestID)
}

// WithCandidate returns a new logger with a candidate ID field.
func (l *Logger) WithCandidate(candidateID string) *Logger {
	return l.WithFields("candidate_id", candidateID)
}

// WithIncident returns a new logger with an incident ID field.
func (l *Logger) WithIncident(incidentID string) *Logger {
	return l.WithFields("incident_id", incidentID)
}

// WithError returns a new logger with an error field.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// WithDuration returns a new logger with a duration field.
func (l *Logger) WithDuration(duration time.Duration) *Logger {
	return l.WithFields("duration_ms", duration.Milliseconds())
}

// loggerKey is used as the key for storing logger in context.
type loggerKey struct{}

// FromContext retrieves the logger from context, falling back to one built
// from the environment.
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return logger
	}

	logger, err := NewFromEnvironment()
	if err != nil {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
		return &Logger{
			Logger: slog.New(handler),
			config: DefaultConfig(Development),
		}
	}

	return logger
}

// GetConfig returns the logger's configuration.
func (l *Logger) GetConfig() Config {
	return l.config
}

// LogOperationStart logs the start of an operation and returns its start time.
func (l *Logger) LogOperationStart(operation string, fields ...any) time.Time {
	start := time.Now()
	allFields := append([]any{"operation", operation, "phase", "start"}, fields...)
	l.Debug("Operation started", allFields...)
	return start
}

// LogOperationEnd logs the completion of an operation with its duration.
func (l *Logger) LogOperationEnd(operation string, start time.Time, err error, fields ...any) {
	duration := time.Since(start)
	allFields := append([]any{
		"operation", operation,
		"phase", "end",
		"duration_ms", duration.Milliseconds(),
	}, fields...)

	if err != nil {
		allFields = append(allFields, "error", err.Error())
		l.Error("Operation failed", allFields...)
	} else {
		l.Info("Operation completed", allFields...)
	}
}
