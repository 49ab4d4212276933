package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gentmat/bore-control/pkg/metrics"
	"github.com/gentmat/bore-control/pkg/types"
)

// EventType represents the type of event
type EventType string

const (
	EventInstanceCreated    EventType = "instance.created"
	EventInstanceDeleted    EventType = "instance.deleted"
	EventInstanceRenamed    EventType = "instance.renamed"
	EventStatusChanged      EventType = "instance.status_changed"
	EventTunnelConnected    EventType = "tunnel.connected"
	EventTunnelDisconnected EventType = "tunnel.disconnected"
	EventRelayRegistered    EventType = "relay.registered"
	EventRelayUnhealthy     EventType = "relay.unhealthy"
	EventRelayRecovered     EventType = "relay.recovered"
)

// Event is a control plane event scoped to the owning user. Events with an
// empty UserID are fleet-level and go to admin subscribers only.
type Event struct {
	ID         string               `json:"id"`
	Type       EventType            `json:"type"`
	UserID     string               `json:"-"`
	InstanceID string               `json:"instanceId,omitempty"`
	Status     types.InstanceStatus `json:"status,omitempty"`
	Reason     string               `json:"reason,omitempty"`
	Timestamp  time.Time            `json:"timestamp"`
	Metadata   map[string]string    `json:"metadata,omitempty"`
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

type subscription struct {
	ch     Subscriber
	userID string
	admin  bool
}

// Bus routes events to per-user subscribers. A subscriber registered for a
// user only ever receives that user's events; admin subscribers receive
// everything. Dispatch happens on a single goroutine so each subscriber
// observes events in publish order.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Subscriber]*subscription
	eventCh chan *Event
	stopCh  chan struct{}
	done    chan struct{}
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subs:    make(map[Subscriber]*subscription),
		eventCh: make(chan *Event, 100),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins the dispatch loop
func (b *Bus) Start() {
	go b.run()
}

// Stop stops dispatch and closes all subscriber channels
func (b *Bus) Stop() {
	close(b.stopCh)
	<-b.done

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}

// Subscribe registers a channel that receives events for the given user
func (b *Bus) Subscribe(userID string) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(Subscriber, 50)
	b.subs[ch] = &subscription{ch: ch, userID: userID}
	return ch
}

// SubscribeAdmin registers a channel that receives all events
func (b *Bus) SubscribeAdmin() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(Subscriber, 50)
	b.subs[ch] = &subscription{ch: ch, admin: true}
	return ch
}

// Unsubscribe removes a subscription and closes its channel
func (b *Bus) Unsubscribe(ch Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish enqueues an event for dispatch. ID and Timestamp are filled in
// when empty. Publish never blocks on slow subscribers; a full subscriber
// buffer drops the event for that subscriber only.
func (b *Bus) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Bus) run() {
	defer close(b.done)
	for {
		select {
		case event := <-b.eventCh:
			b.dispatch(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) dispatch(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.admin && (event.UserID == "" || sub.userID != event.UserID) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			metrics.EventsDropped.Inc()
		}
	}
}
