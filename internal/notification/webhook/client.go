// Package webhook delivers domain events to HTTP endpoints.
//
// The client retries with exponential backoff, trips a per-endpoint circuit
// breaker after repeated failures, signs each body with HMAC-SHA256 when a
// secret is configured and keeps a bounded log of delivery attempts.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/Studio-Elephant-and-Rope/steward/internal/config"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
)

// ErrCircuitOpen is returned when an endpoint's circuit breaker rejects a delivery.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Header names set on every delivery.
const (
	SignatureHeader = "X-Steward-Signature"
	EventTypeHeader = "X-Steward-Event"
	EventIDHeader   = "X-Steward-Event-Id"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	maxDeliveryLog    = 1000
)

// Payload is the JSON body sent to webhook endpoints.
type Payload struct {
	EventID     string            `json:"event_id"`
	EventType   string            `json:"event_type"`
	CandidateID string            `json:"candidate_id,omitempty"`
	DecisionID  string            `json:"decision_id,omitempty"`
	IncidentID  string            `json:"incident_id,omitempty"`
	Service     string            `json:"service,omitempty"`
	Severity    string            `json:"severity,omitempty"`
	SEV         string            `json:"sev,omitempty"`
	Status      string            `json:"status,omitempty"`
	Actor       string            `json:"actor,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// NewPayload builds the webhook body for an event.
func NewPayload(event domain.DomainEvent) Payload {
	p := Payload{
		EventID:     event.ID,
		EventType:   string(event.Type),
		CandidateID: event.CandidateID,
		DecisionID:  event.DecisionID,
		IncidentID:  event.IncidentID,
		Service:     event.Service,
		Status:      string(event.Status),
		Actor:       event.Actor,
		Attributes:  event.Attributes,
		OccurredAt:  event.OccurredAt,
	}
	if event.Severity != "" {
		p.Severity = string(event.Severity)
		p.SEV = event.Severity.SEV()
	}
	return p
}

// DeliveryAttempt represents a single attempt to deliver a webhook.
type DeliveryAttempt struct {
	ID            string        `json:"id"`
	WebhookURL    string        `json:"webhook_url"`
	EventID       string        `json:"event_id"`
	EventType     string        `json:"event_type"`
	AttemptNumber int           `json:"attempt_number"`
	StartedAt     time.Time     `json:"started_at"`
	StatusCode    int           `json:"status_code"`
	ResponseBody  string        `json:"response_body,omitempty"`
	Error         string        `json:"error,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// Client delivers domain events to the configured endpoints.
type Client struct {
	endpoints       []config.WebhookConfig
	httpClient      *http.Client
	logger          *logging.Logger
	backoff         time.Duration
	breakerSettings BreakerSettings
	circuitBreakers map[string]*CircuitBreaker
	cbMutex         sync.Mutex
	deliveryLog     []DeliveryAttempt
	logMutex        sync.RWMutex
}

// ClientConfig contains configuration options for the webhook client.
type ClientConfig struct {
	// Endpoints receive every event they accept.
	Endpoints []config.WebhookConfig
	// Timeout applies to endpoints without their own timeout.
	Timeout time.Duration
	// Backoff is the delay before the first retry; it doubles per attempt.
	Backoff time.Duration
	// Breaker configures the per-endpoint circuit breakers.
	Breaker BreakerSettings
}

// NewClient creates a new webhook client with the specified configuration.
func NewClient(cfg ClientConfig, logger *logging.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}

	return &Client{
		endpoints:       cfg.Endpoints,
		httpClient:      &http.Client{Timeout: timeout},
		logger:          logger.WithComponent("webhook"),
		backoff:         backoff,
		breakerSettings: cfg.Breaker.withDefaults(),
		circuitBreakers: make(map[string]*CircuitBreaker),
	}
}

// Name identifies the client as a notification publisher.
func (c *Client) Name() string {
	return "webhook"
}

// Publish sends the event to every enabled endpoint that accepts its type.
//
// It fails only when no endpoint took the event.
func (c *Client) Publish(ctx context.Context, event domain.DomainEvent) error {
	body, err := json.Marshal(NewPayload(event))
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	var lastErr error
	attempted, delivered := 0, 0
	for _, endpoint := range c.endpoints {
		if !endpoint.Enabled || !endpoint.Accepts(string(event.Type)) {
			continue
		}
		attempted++
		if err := c.sendToEndpoint(ctx, endpoint, event, body); err != nil {
			c.logger.WithError(err).Error("Failed to deliver webhook",
				"url", endpoint.URL,
				"event_id", event.ID)
			lastErr = err
			continue
		}
		delivered++
	}

	if attempted > 0 && delivered == 0 {
		return fmt.Errorf("failed to deliver event to any webhook endpoint: %w", lastErr)
	}
	return nil
}

// sendToEndpoint delivers to one endpoint with retries.
func (c *Client) sendToEndpoint(ctx context.Context, endpoint config.WebhookConfig, event domain.DomainEvent, body []byte) error {
	cb := c.getCircuitBreaker(endpoint.URL)

	maxRetries := endpoint.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if !cb.CanExecute() {
			return fmt.Errorf("%w: %s", ErrCircuitOpen, endpoint.URL)
		}

		delivery := DeliveryAttempt{
			ID:            fmt.Sprintf("%s-%d", event.ID, attempt),
			WebhookURL:    endpoint.URL,
			EventID:       event.ID,
			EventType:     string(event.Type),
			AttemptNumber: attempt,
			StartedAt:     time.Now(),
		}

		err := c.execute(ctx, endpoint, event, body, &delivery)
		c.logDeliveryAttempt(delivery)

		if err == nil {
			cb.RecordSuccess()
			return nil
		}
		lastErr = err
		cb.RecordFailure()

		if attempt < maxRetries {
			backoff := c.backoff << uint(attempt-1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("webhook request failed after %d attempts: %w", maxRetries, lastErr)
}

// execute performs one HTTP request.
func (c *Client) execute(ctx context.Context, endpoint config.WebhookConfig, event domain.DomainEvent, body []byte, delivery *DeliveryAttempt) error {
	if endpoint.Timeout != "" {
		if timeout, err := time.ParseDuration(endpoint.Timeout); err == nil && timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		delivery.Error = fmt.Sprintf("failed to create request: %v", err)
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Steward-Webhook/1.0")
	req.Header.Set(EventTypeHeader, string(event.Type))
	req.Header.Set(EventIDHeader, event.ID)
	for key, value := range endpoint.Headers {
		req.Header.Set(key, value)
	}
	if endpoint.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, endpoint.Secret))
	}

	resp, err := c.httpClient.Do(req)
	delivery.Duration = time.Since(delivery.StartedAt)
	if err != nil {
		delivery.Error = fmt.Sprintf("HTTP request failed: %v", err)
		return err
	}
	defer resp.Body.Close()

	delivery.StatusCode = resp.StatusCode
	if respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1024)); err == nil {
		delivery.ResponseBody = string(respBody)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		delivery.Error = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, delivery.ResponseBody)
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the HMAC-SHA256 signature of body as sent in SignatureHeader.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature is the valid SignatureHeader for body.
func Verify(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}

func (c *Client) getCircuitBreaker(url string) *CircuitBreaker {
	c.cbMutex.Lock()
	defer c.cbMutex.Unlock()

	cb, ok := c.circuitBreakers[url]
	if !ok {
		cb = NewCircuitBreaker(c.breakerSettings)
		c.circuitBreakers[url] = cb
	}
	return cb
}

// logDeliveryAttempt adds a delivery attempt to the bounded audit log.
func (c *Client) logDeliveryAttempt(attempt DeliveryAttempt) {
	c.logMutex.Lock()
	c.deliveryLog = append(c.deliveryLog, attempt)
	if len(c.deliveryLog) > maxDeliveryLog {
		c.deliveryLog = c.deliveryLog[len(c.deliveryLog)-maxDeliveryLog:]
	}
	c.logMutex.Unlock()

	fields := []any{
		"delivery_id", attempt.ID,
		"webhook_url", attempt.WebhookURL,
		"event_type", attempt.EventType,
		"attempt", attempt.AttemptNumber,
		"status_code", attempt.StatusCode,
		"duration", attempt.Duration,
	}
	if attempt.Error != "" {
		c.logger.Warn("Webhook delivery attempt failed", append(fields, "error", attempt.Error)...)
		return
	}
	c.logger.Debug("Webhook delivery attempt completed", fields...)
}

// DeliveryHistory returns up to limit of the most recent delivery attempts.
func (c *Client) DeliveryHistory(limit int) []DeliveryAttempt {
	c.logMutex.RLock()
	defer c.logMutex.RUnlock()

	if limit <= 0 || limit > len(c.deliveryLog) {
		limit = len(c.deliveryLog)
	}
	out := make([]DeliveryAttempt, limit)
	copy(out, c.deliveryLog[len(c.deliveryLog)-limit:])
	return out
}

// CircuitBreakerStatus returns the state of every endpoint's breaker.
func (c *Client) CircuitBreakerStatus() map[string]CircuitBreakerState {
	c.cbMutex.Lock()
	defer c.cbMutex.Unlock()

	status := make(map[string]CircuitBreakerState, len(c.circuitBreakers))
	for url, cb := range c.circuitBreakers {
		status[url] = cb.State()
	}
	return status
}
