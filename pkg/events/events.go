package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventClaimCreated  EventType = "claim.created"
	EventClaimBound    EventType = "claim.bound"
	EventClaimReleased EventType = "claim.released"
	EventClaimDeleted  EventType = "claim.deleted"
	EventClaimFailed   EventType = "claim.failed"

	EventVolumeProvisioned EventType = "volume.provisioned"
	EventVolumeReleasing   EventType = "volume.releasing"
	EventVolumeDeleted     EventType = "volume.deleted"
	EventVolumeFailed      EventType = "volume.failed"

	EventAttachRequested EventType = "attachment.requested"
	EventAttached        EventType = "attachment.attached"
	EventDetachRequested EventType = "attachment.detach_requested"
	EventDetached        EventType = "attachment.detached"
	EventAttachFailed    EventType = "attachment.failed"

	EventSnapshotRequested EventType = "snapshot.requested"
	EventSnapshotReady     EventType = "snapshot.ready"
	EventSnapshotFailed    EventType = "snapshot.failed"
	EventSnapshotDeleted   EventType = "snapshot.deleted"
)

// Event represents a state change in the controller. EntityID carries
// the claim, volume, snapshot, or attachment the event is about so the
// reconciler can requeue exactly that entity.
type Event struct {
	ID        string
	Type      EventType
	EntityID  string
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// New constructs an event with a fresh ID and timestamp.
func New(eventType EventType, entityID, message string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		EntityID:  entityID,
		Timestamp: time.Now(),
		Message:   message,
	}
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
