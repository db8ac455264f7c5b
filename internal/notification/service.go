// Package notification delivers domain events to external sinks.
//
// The service implements ports.EventSink. Emit only enqueues: a pool of
// workers hands each event to every configured publisher (webhooks, Kafka).
// Delivery is best effort and never feeds back into the decision that raised
// the event; failures are logged and counted per publisher.
package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
	"github.com/Studio-Elephant-and-Rope/steward/internal/metrics"
)

// ErrNotStarted is returned by Emit before Start or after Stop.
var ErrNotStarted = errors.New("notification service not started")

// ErrBufferFull is returned by Emit when the delivery queue is full.
var ErrBufferFull = errors.New("notification buffer full")

// Publisher delivers a domain event to one external system.
type Publisher interface {
	// Name identifies the publisher in logs and metrics.
	Name() string
	// Publish delivers the event.
	Publish(ctx context.Context, event domain.DomainEvent) error
}

// Service fans domain events out to publishers.
type Service struct {
	publishers []Publisher
	logger     *logging.Logger
	queue      chan domain.DomainEvent
	workers    int
	stopChan   chan struct{}
	wg         sync.WaitGroup
	started    bool
	mu         sync.RWMutex
}

// ServiceConfig contains configuration for the notification service.
type ServiceConfig struct {
	WorkerCount int
	BufferSize  int
}

// DefaultServiceConfig returns default configuration for the notification service.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		WorkerCount: 4,
		BufferSize:  256,
	}
}

// NewService creates a new notification service.
//
// Possible errors:
//   - ErrInvalidInput: logger is nil or a publisher is nil
func NewService(cfg ServiceConfig, logger *logging.Logger, publishers ...Publisher) (*Service, error) {
	if logger == nil {
		return nil, fmt.Errorf("%w: logger cannot be nil", ports.ErrInvalidInput)
	}
	for i, p := range publishers {
		if p == nil {
			return nil, fmt.Errorf("%w: publisher %d is nil", ports.ErrInvalidInput, i)
		}
	}

	defaults := DefaultServiceConfig()
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = defaults.WorkerCount
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaults.BufferSize
	}

	return &Service{
		publishers: publishers,
		logger:     logger.WithComponent("notification"),
		queue:      make(chan domain.DomainEvent, cfg.BufferSize),
		workers:    cfg.WorkerCount,
		stopChan:   make(chan struct{}),
	}, nil
}

// Start begins delivering events asynchronously.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("notification service is already started")
	}

	s.logger.Info("Starting notification service",
		"workers", s.workers,
		"buffer_size", cap(s.queue),
		"publishers", len(s.publishers))

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}

	s.started = true
	return nil
}

// Stop drains the queue and waits for the workers, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	s.logger.Info("Stopping notification service", "pending", len(s.queue))
	close(s.stopChan)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Notification service stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("Notification service shutdown timeout exceeded")
		return ctx.Err()
	}

	s.started = false
	return nil
}

// Emit enqueues an event for delivery. It never blocks on a full queue.
func (s *Service) Emit(ctx context.Context, event domain.DomainEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started {
		s.logger.Warn("Notification service not started, dropping event",
			"event_id", event.ID,
			"event_type", string(event.Type))
		return ErrNotStarted
	}
	if len(s.publishers) == 0 {
		return nil
	}

	select {
	case s.queue <- event:
		s.logger.Debug("Event enqueued", "event_id", event.ID, "event_type", string(event.Type))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		s.logger.Error("Notification buffer full, dropping event",
			"event_id", event.ID,
			"event_type", string(event.Type),
			"buffer_size", cap(s.queue))
		return ErrBufferFull
	}
}

// worker delivers queued events until stopped. On stop it drains what is
// already queued.
func (s *Service) worker(ctx context.Context, workerID int) {
	defer s.wg.Done()

	logger := s.logger.WithFields("worker_id", workerID)
	logger.Debug("Notification worker started")

	for {
		select {
		case event := <-s.queue:
			s.deliver(ctx, event, logger)
		case <-s.stopChan:
			for {
				select {
				case event := <-s.queue:
					s.deliver(ctx, event, logger)
				default:
					logger.Debug("Notification worker stopping")
					return
				}
			}
		case <-ctx.Done():
			logger.Debug("Notification worker context cancelled")
			return
		}
	}
}

// deliver hands one event to every publisher.
func (s *Service) deliver(ctx context.Context, event domain.DomainEvent, logger *logging.Logger) {
	start := time.Now()
	logger = logger.WithFields("event_id", event.ID, "event_type", string(event.Type))

	for _, p := range s.publishers {
		err := p.Publish(ctx, event)
		metrics.ObserveEventDelivery(p.Name(), err)
		if err != nil {
			logger.WithError(err).Error("Failed to publish event", "publisher", p.Name())
			continue
		}
		logger.Debug("Event published", "publisher", p.Name())
	}

	logger.WithDuration(time.Since(start)).Debug("Event delivery completed")
}

// IsStarted returns whether the notification service is currently running.
func (s *Service) IsStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// QueueLength returns the current number of pending events.
func (s *Service) QueueLength() int {
	return len(s.queue)
}

// QueueCapacity returns the maximum capacity of the queue.
func (s *Service) QueueCapacity() int {
	return cap(s.queue)
}
