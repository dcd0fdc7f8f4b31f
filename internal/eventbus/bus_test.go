package eventbus

import (
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
)

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()

	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestSubscribeReceivesPublishedEvent(t *testing.T) {
	bus := New()
	hash := lntypes.Hash{1}

	sub := bus.Subscribe(hash)
	defer sub.Cancel()

	bus.Publish(Event{PaymentHash: hash, State: "ACCEPTED"})

	e := waitEvent(t, sub.Events)
	require.Equal(t, "ACCEPTED", e.State)
}

func TestLateSubscriberReplaysLastEvent(t *testing.T) {
	bus := New()
	hash := lntypes.Hash{2}

	bus.Publish(Event{PaymentHash: hash, State: "ACCEPTED"})
	bus.Publish(Event{PaymentHash: hash, State: "PAID"})

	sub := bus.Subscribe(hash)
	defer sub.Cancel()

	e := waitEvent(t, sub.Events)
	require.Equal(t, "PAID", e.State)
}

func TestSlowSubscriberGetsNewestNotOldest(t *testing.T) {
	bus := New()
	hash := lntypes.Hash{3}

	sub := bus.Subscribe(hash)
	defer sub.Cancel()

	// Publish twice without draining -- the subscriber's one-slot buffer
	// must hold the newest event, not block the publisher or queue both.
	bus.Publish(Event{PaymentHash: hash, State: "ACCEPTED"})
	bus.Publish(Event{PaymentHash: hash, State: "PAID"})

	e := waitEvent(t, sub.Events)
	require.Equal(t, "PAID", e.State)

	select {
	case <-sub.Events:
		t.Fatal("expected no second buffered event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAllReplaysEveryHash(t *testing.T) {
	bus := New()
	h1, h2 := lntypes.Hash{4}, lntypes.Hash{5}

	bus.Publish(Event{PaymentHash: h1, State: "PAID"})
	bus.Publish(Event{PaymentHash: h2, State: "CANCELLED"})

	sub := bus.SubscribeAll()
	defer sub.Cancel()

	seen := map[lntypes.Hash]string{}
	for i := 0; i < 2; i++ {
		e := waitEvent(t, sub.Events)
		seen[e.PaymentHash] = e.State
	}

	require.Equal(t, "PAID", seen[h1])
	require.Equal(t, "CANCELLED", seen[h2])
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := New()
	hash := lntypes.Hash{6}

	sub := bus.Subscribe(hash)
	sub.Cancel()

	bus.Publish(Event{PaymentHash: hash, State: "PAID"})

	select {
	case <-sub.Events:
		t.Fatal("cancelled subscriber should not receive events")
	case <-time.After(50 * time.Millisecond):
	}
}
