// Package bus is an in-process publish/subscribe broadcast fabric. It is the
// sole transport the Event Emitter uses to push live notifications to
// subscribers (SSE/WS clients); nothing else touches it directly.
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 256

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Seq     int64
	Payload interface{}
}

// Ticket lifecycle topics.
const (
	TopicTicketCreated      = "ticket.created"
	TopicTicketUpdated      = "ticket.updated"
	TopicTicketStageChanged = "ticket.stage_changed"
	TopicTicketClosed       = "ticket.closed"
)

// Worker lifecycle topics.
const (
	TopicWorkerStarted   = "worker.started"
	TopicWorkerCompleted = "worker.completed"
	TopicWorkerFailed    = "worker.failed"
	TopicWorkerStopped   = "worker.stopped"
)

// Pipeline / scheduling topics.
const (
	TopicStageCompleted    = "stage.completed"
	TopicTaskAssigned      = "task.assigned"
	TopicWorkerTypeCreated = "worker_type.created"
	TopicWorkerTypeUpdated = "worker_type.updated"
	TopicWorkerTypeDeleted = "worker_type.deleted"
	TopicProjectCreated    = "project.created"
	TopicClaimStuck        = "claim.stuck"
)

// TicketStageChangedPayload is published when a ticket moves between pipeline stages.
type TicketStageChangedPayload struct {
	TicketID  string
	ProjectID string
	OldStage  string
	NewStage  string
	Reason    string `json:"reason,omitempty"`
}

// WorkerEventPayload is published for worker_started/completed/failed/stopped.
type WorkerEventPayload struct {
	TicketID  string
	ProjectID string
	Stage     string
	WorkerID  string
	Reason    string `json:"reason,omitempty"`
}

// Subscription represents an active subscription. Each subscription has its own
// bounded buffer so a slow subscriber never blocks the producer or other
// subscribers (head-of-line blocking avoidance per the broadcast design).
type Subscription struct {
	id      int
	prefix  string
	ch      chan Event
	dropped atomic.Int64
	lastSeq atomic.Int64
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped returns how many events were skipped for this subscriber because its
// buffer was full. A subscriber can diff this against its own count of
// received events to detect a lag gap (per the bus's slow-subscriber-skip policy).
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu              sync.RWMutex
	subs            map[int]*Subscription
	nextID          int
	nextSeq         atomic.Int64
	logger          *slog.Logger
	droppedEvents   atomic.Int64
	lastDropWarning atomic.Int64 // last threshold at which a warning was logged
}

// New creates a new Bus.
func New() *Bus {
	return NewWithLogger(nil)
}

// NewWithLogger creates a new Bus with an optional logger for observability.
func NewWithLogger(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]*Subscription),
		logger: logger,
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics. The returned channel has a bounded
// buffer; slow consumers skip the oldest undelivered event rather than
// blocking the publisher (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers. Delivery is
// non-blocking: if a subscriber's buffer is full, the event is dropped for
// that subscriber only and its drop counter is incremented, per the
// slow-subscriber-skip policy. Producers are never blocked by subscribers.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Seq:     b.nextSeq.Add(1),
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
				sub.lastSeq.Store(event.Seq)
			default:
				sub.dropped.Add(1)
				newCount := b.droppedEvents.Add(1)
				b.maybeLogDropWarning(newCount, topic)
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// DroppedEventCount returns the total number of events dropped due to full buffers.
func (b *Bus) DroppedEventCount() int64 {
	return b.droppedEvents.Load()
}

// dropThreshold returns the next exponential threshold (1, 10, 100, 1000, ...) at or below count.
func dropThreshold(count int64) int64 {
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	return threshold
}

// maybeLogDropWarning logs a warning when dropped event count crosses an exponential threshold.
// Uses CompareAndSwap to avoid duplicate logs from concurrent publishers.
func (b *Bus) maybeLogDropWarning(newCount int64, topic string) {
	if b.logger == nil {
		return
	}
	threshold := dropThreshold(newCount)
	if newCount < threshold || newCount != threshold {
		return
	}
	lastWarned := b.lastDropWarning.Load()
	if threshold <= lastWarned {
		return
	}
	if b.lastDropWarning.CompareAndSwap(lastWarned, threshold) {
		b.logger.Warn("bus_dropped_events_reached_threshold",
			slog.Int64("count", newCount),
			slog.String("topic", topic),
		)
	}
}
