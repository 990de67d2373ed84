// Package events carries post-settlement notifications to collaborators
// (dashboards, certificate minting, analytics). Publishing never blocks a
// settlement and a failing subscriber never affects its outcome.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/settlement_layer/internal/logging"
)

// EventType classifies a settlement event.
type EventType string

const (
	EventPurchaseSettled        EventType = "purchase.settled"
	EventRewardIntentSigned     EventType = "reward.intent_signed"
	EventRewardSettled          EventType = "reward.settled"
	EventRetirementSettled      EventType = "retirement.settled"
	EventCertificateFullyOffset EventType = "certificate.fully_offset"
	EventSettlementFailed       EventType = "settlement.failed"
	// EventSignatureRequested carries a message an external wallet must
	// sign; Reference is the signing request id.
	EventSignatureRequested EventType = "wallet.signature_requested"
)

// Event is a settlement notification.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Owner     string `json:"owner,omitempty"`
	Reference string `json:"reference,omitempty"` // session or certificate id
	TxID      string `json:"txId,omitempty"`
	Units     uint64 `json:"units,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
	TraceID  string            `json:"traceId,omitempty"`
}

func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// Handler consumes an event. Errors are logged, never propagated.
type Handler func(ctx context.Context, e Event) error

// Filter decides whether a handler sees an event.
type Filter func(Event) bool

// Publisher is what settlement services depend on.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// OfType returns a filter matching any of the given types.
func OfType(types ...EventType) Filter {
	return func(e Event) bool {
		for _, t := range types {
			if e.Type == t {
				return true
			}
		}
		return false
	}
}

const (
	DefaultQueueSize  = 1024
	DefaultRecentSize = 1000
)

type handlerEntry struct {
	id      int64
	filter  Filter
	handler Handler
}

// Bus records recent events in a ring buffer and dispatches them to
// subscribers from a background worker.
type Bus struct {
	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64

	queue   chan Event
	logger  *logging.Logger
	once    sync.Once
	stopped atomic.Bool
	dropped atomic.Uint64
	wg      sync.WaitGroup
}

// NewBus creates a bus keeping recentSize events and queueing up to
// queueSize undelivered events.
func NewBus(recentSize, queueSize int, logger *logging.Logger) *Bus {
	if recentSize <= 0 {
		recentSize = DefaultRecentSize
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Bus{
		events: make([]Event, recentSize),
		size:   recentSize,
		queue:  make(chan Event, queueSize),
		logger: logger,
	}
}

// Start launches the dispatch worker.
func (b *Bus) Start() {
	if b == nil {
		return
	}
	b.once.Do(func() {
		b.wg.Add(1)
		go b.run()
	})
}

// Stop drains queued events until ctx is done.
func (b *Bus) Stop(ctx context.Context) error {
	if b == nil {
		return nil
	}
	if b.stopped.Swap(true) {
		return nil
	}
	b.once.Do(func() {})
	close(b.queue)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns the number of events that could not be queued.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Publish records e and queues it for subscribers without blocking.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if b == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.TraceID == "" {
		e.TraceID = logging.GetTraceID(ctx)
	}

	b.mu.Lock()
	b.events[b.head] = e
	b.head = (b.head + 1) % b.size
	if b.count < b.size {
		b.count++
	}
	b.mu.Unlock()

	if b.stopped.Load() {
		b.dropped.Add(1)
		return
	}
	defer func() {
		// Stop may close the queue between the check above and the send.
		if recover() != nil {
			b.dropped.Add(1)
		}
	}()
	select {
	case b.queue <- e:
	default:
		b.dropped.Add(1)
		b.logger.Warn(ctx, "event queue full, dropping event", map[string]interface{}{
			"event_type": string(e.Type),
			"reference":  e.Reference,
		})
	}
}

// Subscribe registers handler for every event matching filter (nil matches
// all) and returns an unsubscribe function.
func (b *Bus) Subscribe(filter Filter, handler Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers = append(b.handlers, handlerEntry{id: id, filter: filter, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, h := range b.handlers {
			if h.id == id {
				b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent returns up to n events, newest first.
func (b *Bus) Recent(n int) []Event {
	return b.recentWhere(n, nil)
}

// RecentByType returns up to n events of eventType, newest first.
func (b *Bus) RecentByType(eventType EventType, n int) []Event {
	return b.recentWhere(n, OfType(eventType))
}

func (b *Bus) recentWhere(n int, filter Filter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || b.count == 0 {
		return nil
	}
	var out []Event
	for i := 0; i < b.count && len(out) < n; i++ {
		idx := (b.head - 1 - i + b.size) % b.size
		if filter == nil || filter(b.events[idx]) {
			out = append(out, b.events[idx])
		}
	}
	return out
}

func (b *Bus) run() {
	defer b.wg.Done()
	for e := range b.queue {
		b.dispatch(e)
	}
}

func (b *Bus) dispatch(e Event) {
	b.mu.RLock()
	handlers := make([]handlerEntry, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	ctx := logging.WithTraceID(context.Background(), e.TraceID)
	for _, h := range handlers {
		if h.filter != nil && !h.filter(e) {
			continue
		}
		if err := b.invoke(ctx, h.handler, e); err != nil {
			b.logger.Error(ctx, "event handler failed", err, map[string]interface{}{
				"event_id":   e.ID,
				"event_type": string(e.Type),
			})
		}
	}
}

func (b *Bus) invoke(ctx context.Context, h Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, e)
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
