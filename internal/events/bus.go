package events

import (
	"sync"
	"time"
)

// EventType names a flow mutation.
type EventType string

const (
	// EventSessionRegistered is published when an agent starts waiting.
	EventSessionRegistered EventType = "session_registered"
	// EventSessionDelivered is published when a waiting session receives its text.
	EventSessionDelivered EventType = "session_delivered"
	// EventSessionRemoved is published when a session record is dropped.
	EventSessionRemoved EventType = "session_removed"
	EventMessageQueued  EventType = "message_queued"
	// EventMessageDelivered carries the recipients a queued message was routed to.
	EventMessageDelivered  EventType = "message_delivered"
	EventMessagesDeleted   EventType = "messages_deleted"
	EventConversationSaved EventType = "conversation_saved"
	EventCleanup           EventType = "cleanup"
	EventStoreCleared      EventType = "store_cleared"
)

// AllEventTypes lists every type the flow engine publishes.
var AllEventTypes = []EventType{
	EventSessionRegistered,
	EventSessionDelivered,
	EventSessionRemoved,
	EventMessageQueued,
	EventMessageDelivered,
	EventMessagesDeleted,
	EventConversationSaved,
	EventCleanup,
	EventStoreCleared,
}

// Common Data keys.
const (
	KeySessionID      = "session_id"
	KeyMessageID      = "message_id"
	KeyConversationID = "conversation_id"
	KeyAgentID        = "agent_id"
	KeyRecipients     = "recipients"
	KeyCount          = "count"
)

// Event represents a flow event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// String returns Data[key] when it holds a string.
func (e Event) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking event bus using Publish/Subscribe pattern.
// Events are delivered asynchronously via buffered channels.
// If a subscriber's channel is full, the event is dropped silently.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber for a specific event type.
// The subscriber function is called asynchronously in a goroutine.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() {
					// a panicking subscriber must not take the bus down
					_ = recover()
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// SubscribeAll registers fn for every flow event type.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	unsubs := make([]func(), 0, len(AllEventTypes))
	for _, et := range AllEventTypes {
		unsubs = append(unsubs, b.Subscribe(et, fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Publish sends an event to all subscribers of the given type.
// A nil Bus is valid and drops everything.
func (b *Bus) Publish(eventType EventType, data map[string]interface{}) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			// full; drop rather than block the publisher
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
