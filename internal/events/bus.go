// Package events implements the in-process domain event bus. External
// bridges (Kafka, notifications) subscribe here; the core publishes every
// ledger and lifecycle event through it.
package events

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Event kinds published by the core.
const (
	TransactionCreated = "TRANSACTION_CREATED"
	TransactionPosted  = "TRANSACTION_POSTED"
	TransactionFailed  = "TRANSACTION_FAILED"
	JournalPosted      = "JOURNAL_POSTED"
	JournalReversed    = "JOURNAL_REVERSED"
	AccountCreated     = "ACCOUNT_CREATED"
	LoanDisbursed      = "LOAN_DISBURSED"
	LoanPaidOff        = "LOAN_PAID_OFF"
	LoanDefaulted      = "LOAN_DEFAULTED"
	StatementGenerated = "STATEMENT_GENERATED"
)

// Event carries enough information for a subscriber to act without reading
// the database: amounts travel as decimal strings in the payload.
type Event struct {
	ID         uint64
	Kind       string
	Tenant     string
	EntityKind string
	EntityID   string
	Timestamp  time.Time
	Payload    map[string]any
}

// Handler consumes events. A failing handler never aborts the publisher;
// failures are counted and logged.
type Handler func(Event) error

// Bus is a synchronous publish/subscribe bus. Events for the same
// (tenant, entity) are delivered in publish order because Publish runs
// handlers inline under the publisher's goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler // kind -> handlers; "" subscribes to all

	nextID   atomic.Uint64
	failures atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for one event kind.
func (b *Bus) Subscribe(kind string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// SubscribeAll registers a handler for every event kind.
func (b *Bus) SubscribeAll(h Handler) {
	b.Subscribe("", h)
}

// Publish assigns the event id and delivers to subscribers synchronously.
// Handler errors are logged and counted, never propagated.
func (b *Bus) Publish(ev Event) Event {
	ev.ID = b.nextID.Add(1)

	b.mu.RLock()
	hs := append(append([]Handler(nil), b.handlers[ev.Kind]...), b.handlers[""]...)
	b.mu.RUnlock()

	for _, h := range hs {
		if err := h(ev); err != nil {
			b.failures.Add(1)
			log.Printf("event handler failed: kind=%s tenant=%s entity=%s/%s: %v",
				ev.Kind, ev.Tenant, ev.EntityKind, ev.EntityID, err)
		}
	}
	return ev
}

// HandlerFailures returns the count of handler errors since construction.
func (b *Bus) HandlerFailures() uint64 {
	return b.failures.Load()
}
