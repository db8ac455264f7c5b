package ports

import (
	"context"
	"time"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
)

// Kind names the logical table an item belongs to.
type Kind string

// Kinds stored in the keyed store.
const (
	KindSignal            Kind = "signal"
	KindNormalizedSignal  Kind = "normalized_signal"
	KindDetection         Kind = "detection"
	KindEvidenceGraph     Kind = "evidence_graph"
	KindEvidenceBundle    Kind = "evidence_bundle"
	KindCandidate         Kind = "candidate"
	KindPromotionDecision Kind = "promotion_decision"
	KindPromotionAttempt  Kind = "promotion_attempt"
)

// Item is one stored record.
//
// IndexKey and SortKey form the secondary index used by Query: for example a
// detection is indexed by service and sorted by its canonical detection time.
type Item struct {
	Kind      Kind      `json:"kind"`
	Key       string    `json:"key"`
	IndexKey  string    `json:"index_key,omitempty"`
	SortKey   string    `json:"sort_key,omitempty"`
	Body      []byte    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// PutOptions controls a write.
type PutOptions struct {
	// ConditionalOnAbsent makes the write succeed only if no item with the
	// same kind and key exists.
	ConditionalOnAbsent bool
}

// PutResult reports what a conditional write did.
type PutResult int

const (
	// PutWritten means the item was stored.
	PutWritten PutResult = iota
	// PutAlreadyExists means a conditional write found an existing item and
	// left it untouched.
	PutAlreadyExists
)

// String returns a readable name for the result.
func (r PutResult) String() string {
	if r == PutAlreadyExists {
		return "already_exists"
	}
	return "written"
}

// Range bounds a Query on the sort key, inclusive at both ends.
// Empty bounds are open.
type Range struct {
	From string
	To   string
}

// Contains reports whether sortKey falls within the range.
func (r Range) Contains(sortKey string) bool {
	if r.From != "" && sortKey < r.From {
		return false
	}
	if r.To != "" && sortKey > r.To {
		return false
	}
	return true
}

// KeyedStore is the append-only keyed store backing every pipeline entity.
//
// All core writes are conditional. A racing duplicate write observes
// PutAlreadyExists rather than an error and reads back the winner.
type KeyedStore interface {
	// Put writes an item. With ConditionalOnAbsent set, an existing item
	// yields PutAlreadyExists and a nil error.
	Put(ctx context.Context, item Item, opts PutOptions) (PutResult, error)

	// Get returns the item stored under kind and key, or ErrNotFound.
	Get(ctx context.Context, kind Kind, key string) (*Item, error)

	// Query returns the items of a kind with the given index key whose sort
	// key falls within r, ordered by sort key then key.
	Query(ctx context.Context, kind Kind, indexKey string, r Range) ([]Item, error)
}

// EventSink receives domain events after a change has been committed.
type EventSink interface {
	Emit(ctx context.Context, event domain.DomainEvent) error
}

// AttemptLog records every promotion attempt for audit.
type AttemptLog interface {
	LogAttempt(ctx context.Context, record domain.AttemptRecord) error
}

// Clock supplies the current time. Pure stages never read the wall clock.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock returns a Clock reading the wall clock in UTC.
func SystemClock() Clock {
	return ClockFunc(func() time.Time { return time.Now().UTC() })
}

// FixedClock returns a Clock that always reports t.
func FixedClock(t time.Time) Clock {
	return ClockFunc(func() time.Time { return t })
}
