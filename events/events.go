package events

import (
	"context"
	"sync"
	"time"

	"heartledger/models"

	log "github.com/sirupsen/logrus"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventTypeLedgerEntryAppended EventType = "ledger_entry_appended"
	EventTypeDailyClaimGranted   EventType = "daily_claim_granted"
)

// Event is the base interface for all events
type Event interface {
	Type() EventType
}

// LedgerEntryAppendedEvent is emitted once per newly stored ledger entry.
// Duplicate appends do not emit.
type LedgerEntryAppendedEvent struct {
	EntryID    int64            `json:"entryId"`
	UserID     string           `json:"userId"`
	StreamerID *int64           `json:"streamerId,omitempty"`
	Amount     int64            `json:"amount"`
	Kind       models.EntryKind `json:"kind"`
	CreatedAt  time.Time        `json:"createdAt"`
	// Origin is the instance that stored the entry; remote copies carry the
	// publishing instance's id.
	Origin string `json:"origin,omitempty"`
}

func (e LedgerEntryAppendedEvent) Type() EventType {
	return EventTypeLedgerEntryAppended
}

// DailyClaimGrantedEvent is emitted when a daily reward has been granted
type DailyClaimGrantedEvent struct {
	UserID        string    `json:"userId"`
	ClaimDate     string    `json:"claimDate"`
	Amount        int64     `json:"amount"`
	LedgerEntryID int64     `json:"ledgerEntryId"`
	GrantedAt     time.Time `json:"grantedAt"`
}

func (e DailyClaimGrantedEvent) Type() EventType {
	return EventTypeDailyClaimGranted
}

// Handler is a function that handles events
type Handler func(ctx context.Context, event Event)

// Bus manages event subscriptions and dispatching
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	wg       sync.WaitGroup
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe adds a handler for a specific event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)

	log.WithFields(log.Fields{
		"eventType":    eventType,
		"handlerCount": len(b.handlers[eventType]),
	}).Debug("Subscribed handler to event type")
}

// Emit publishes an event to all registered handlers
func (b *Bus) Emit(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[event.Type()]))
	copy(handlers, b.handlers[event.Type()])
	b.mu.RUnlock()

	log.WithFields(log.Fields{
		"eventType":    event.Type(),
		"handlerCount": len(handlers),
	}).Debug("Emitting event to handlers")

	// Call handlers asynchronously to avoid blocking the request path
	for i, handler := range handlers {
		b.wg.Add(1)
		go func(h Handler, handlerIndex int) {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(log.Fields{
						"eventType":    event.Type(),
						"handlerIndex": handlerIndex,
						"panic":        r,
					}).Error("Event handler panicked")
				}
			}()
			h(ctx, event)
		}(handler, i)
	}
}

// Wait blocks until every handler started so far has returned
func (b *Bus) Wait() {
	b.wg.Wait()
}

// TransactionalBus holds pending events coupled to a unit of work and
// flushes them to the underlying bus after commit.
type TransactionalBus struct {
	real    *Bus
	pending []Event
}

func NewTransactionalBus(real *Bus) *TransactionalBus {
	return &TransactionalBus{real: real}
}

func (b *TransactionalBus) Publish(e Event) {
	log.WithFields(log.Fields{
		"eventType":    e.Type(),
		"pendingCount": len(b.pending),
	}).Debug("Adding event to transactional bus pending queue")
	b.pending = append(b.pending, e)
}

// Flush is called after a successful commit
func (b *TransactionalBus) Flush(ctx context.Context) {
	// Handlers outlive the request; detach them from its cancellation
	eventCtx := context.WithoutCancel(ctx)

	for _, ev := range b.pending {
		b.real.Emit(eventCtx, ev)
	}
	b.pending = nil
}

// Discard is called after rollback
func (b *TransactionalBus) Discard() {
	b.pending = nil
}

// Pending returns the number of events waiting for Flush
func (b *TransactionalBus) Pending() int {
	return len(b.pending)
}
