package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventPostingCreated   = "posting_created"
	EventPostingStarted   = "posting_started"
	EventPostingCompleted = "posting_completed"
	EventPostingFailed    = "posting_failed"
	EventPostingTimedOut  = "posting_timeout"
)

// PostingEventPayload describes the minimal posting snapshot for event consumers.
type PostingEventPayload struct {
	PostingID      string    `json:"posting_id"`
	JobID          string    `json:"job_id,omitempty"`
	UserID         string    `json:"user_id"`
	OrganizationID string    `json:"organization_id,omitempty"`
	VehicleID      string    `json:"vehicle_id"`
	ProfileID      string    `json:"profile_id,omitempty"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	ListingURL     string    `json:"listing_url,omitempty"`
	At             time.Time `json:"at"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

type subscription struct {
	id      uint64
	handler EventHandler
}

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]subscription
	nextID      uint64
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]subscription)}
}

// Subscribe registers a handler for a given event type and returns a func that removes it.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(eventType, id) })
	}
}

func (b *EventBus) unsubscribe(eventType string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[eventType]
	for i, s := range subs {
		if s.id == id {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subscribers, eventType)
	} else {
		b.subscribers[eventType] = subs
	}
}

// Publish notifies subscribers of the event type and returns how many were called.
func (b *EventBus) Publish(event *Event) int {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, s := range subs {
		// Handlers run synchronously; caller decides concurrency model.
		_ = s.handler(event)
	}
	return len(subs)
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) (int, error) {
	if b == nil {
		return 0, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	return b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}), nil
}

// NewJSONEvent builds an Event with JSON payload for manual publishing.
func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}
