package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitEvent(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	s1 := b.Subscribe()
	s2 := b.Subscribe()

	b.Publish(&Event{Type: EventWorkerOffline, WorkerID: "w-1"})

	ev1 := waitEvent(t, s1)
	ev2 := waitEvent(t, s2)
	assert.Equal(t, EventWorkerOffline, ev1.Type)
	assert.Equal(t, ev1.ID, ev2.ID)
	assert.False(t, ev1.Timestamp.IsZero())
}

func TestLiveUpdateScopedToWorkerChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	scoped := b.Subscribe()
	b.SubscribeWorker(scoped, "w-1")
	other := b.Subscribe()

	b.Publish(&Event{Type: EventLiveUpdate, WorkerID: "w-1"})

	ev := waitEvent(t, scoped)
	assert.Equal(t, EventLiveUpdate, ev.Type)

	select {
	case ev := <-other:
		t.Fatalf("unscoped subscriber received live update: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeWorkerStopsLiveUpdates(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.SubscribeWorker(sub, "w-1")
	b.UnsubscribeWorker(sub, "w-1")

	b.Publish(&Event{Type: EventLiveUpdate, WorkerID: "w-1"})

	select {
	case ev := <-sub:
		t.Fatalf("unsubscribed channel received live update: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open, "unsubscribed channel must be closed")

	// Double unsubscribe is a no-op, not a panic.
	b.Unsubscribe(sub)
}
