// Package events distributes fleet events to monitoring subscribers.
//
// Two delivery scopes exist: broadcast events (worker online/offline,
// coarse resource updates) go to every subscriber, while live updates
// go only to subscribers of that worker's channel. Slow subscribers
// never block the broker; a full buffer drops the event for that
// subscriber only.
package events

import (
	"sync"
	"time"

	"github.com/baton-sh/conductor/pkg/types"
	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventWorkerOnline     EventType = "worker-online"
	EventWorkerOffline    EventType = "worker-offline"
	EventResourcesUpdated EventType = "resources-updated"
	EventLiveUpdate       EventType = "live-update"
)

// Event represents a fleet event
type Event struct {
	ID        string                  `json:"id"`
	Type      EventType               `json:"type"`
	WorkerID  string                  `json:"worker_id"`
	Timestamp time.Time               `json:"timestamp"`
	Reason    types.OfflineReason     `json:"reason,omitempty"`
	Resources *types.ResourceSnapshot `json:"resources,omitempty"`
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	workerSubs  map[string]map[Subscriber]bool

	eventCh chan *Event
	stopCh  chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		workerSubs:  make(map[string]map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a broadcast subscription
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// SubscribeWorker additionally attaches an existing subscription to a
// single worker's live-update channel
func (b *Broker) SubscribeWorker(sub Subscriber, workerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.workerSubs[workerID] == nil {
		b.workerSubs[workerID] = make(map[Subscriber]bool)
	}
	b.workerSubs[workerID][sub] = true
}

// UnsubscribeWorker detaches a subscription from a worker's channel
func (b *Broker) UnsubscribeWorker(sub Subscriber, workerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs := b.workerSubs[workerID]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.workerSubs, workerID)
		}
	}
}

// Unsubscribe removes a subscription entirely, including any worker
// channels it joined
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.subscribers[sub] {
		return
	}
	delete(b.subscribers, sub)
	for workerID, subs := range b.workerSubs {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.workerSubs, workerID)
		}
	}
	close(sub)
}

// Publish queues an event for distribution. Live updates reach only the
// worker's channel subscribers; everything else is broadcast.
func (b *Broker) Publish(event *Event) {
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

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.dispatch(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) dispatch(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Type == EventLiveUpdate {
		for sub := range b.workerSubs[event.WorkerID] {
			deliver(sub, event)
		}
		return
	}

	for sub := range b.subscribers {
		deliver(sub, event)
	}
}

func deliver(sub Subscriber, event *Event) {
	select {
	case sub <- event:
	default:
		// Subscriber buffer full, skip
	}
}

// SubscriberCount returns the number of broadcast subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
