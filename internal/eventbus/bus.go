// Package eventbus implements the in-process broadcast of §4.2: invoice
// state-change events fan out to subscribers keyed by payment hash (or a
// wildcard for "every invoice"), replaying the latest known event to a
// newly joined subscriber so a late track() never misses the final verdict.
package eventbus

import (
	"sync"

	"github.com/lightningnetwork/lnd/lntypes"
)

// Event is a single invoice or HTLC state transition published by the state
// machine.
type Event struct {
	PaymentHash lntypes.Hash
	InvoiceID   int64
	State       string
	HTLCID      int64
	IsHTLCEvent bool
}

// subscriber holds one listener's mailbox. The spec calls for a "bounded
// per-subscriber buffer [that] drops to the newest event on overflow";
// since a subscriber may be interested in many payment hashes at once
// (track-all), the bound is kept per hash rather than globally -- each
// hash occupies at most one pending slot, so a burst of updates for invoice
// A never costs invoice B its own latest event, and a slow reader never
// blocks the publisher.
type subscriber struct {
	id   uint64
	hash lntypes.Hash
	all  bool

	mu      sync.Mutex
	pending map[lntypes.Hash]Event

	wake chan struct{}
	out  chan Event
	quit chan struct{}
}

func newSubscriber(id uint64, hash lntypes.Hash, all bool) *subscriber {
	s := &subscriber{
		id:      id,
		hash:    hash,
		all:     all,
		pending: make(map[lntypes.Hash]Event),
		wake:    make(chan struct{}, 1),
		out:     make(chan Event),
		quit:    make(chan struct{}),
	}

	go s.pump()

	return s
}

// deliver replaces any event for e.PaymentHash still waiting in pending with
// e and nudges the pump goroutine. It never blocks. An event the pump has
// already taken out of pending and is offering on out is not replaced, so a
// slow reader can receive that event followed by the newest one.
func (s *subscriber) deliver(e Event) {
	s.mu.Lock()
	s.pending[e.PaymentHash] = e
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump drains s.pending into the exported channel one event at a time,
// blocking only itself (never the publisher) while a consumer is slow to
// read.
func (s *subscriber) pump() {
	for {
		s.mu.Lock()
		var (
			hash lntypes.Hash
			e    Event
			has  bool
		)
		for h, ev := range s.pending {
			hash, e, has = h, ev, true
			break
		}
		if has {
			delete(s.pending, hash)
		}
		s.mu.Unlock()

		if !has {
			select {
			case <-s.wake:
				continue
			case <-s.quit:
				return
			}
		}

		select {
		case s.out <- e:
		case <-s.quit:
			return
		}
	}
}

func (s *subscriber) cancel() {
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
}

// Bus is the event bus: component B of the system overview.
type Bus struct {
	mu sync.Mutex

	nextID      uint64
	subscribers map[uint64]*subscriber

	// lastByHash remembers the latest event per payment hash so a new
	// subscriber can be caught up immediately on join.
	lastByHash map[lntypes.Hash]Event
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[uint64]*subscriber),
		lastByHash:  make(map[lntypes.Hash]Event),
	}
}

// Subscription is a live registration on the bus. Events arrive on the
// Events channel; Cancel releases the registration.
type Subscription struct {
	Events <-chan Event

	bus *Bus
	id  uint64
	sub *subscriber
}

// Cancel unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.bus.mu.Lock()
	delete(s.bus.subscribers, s.id)
	s.bus.mu.Unlock()

	s.sub.cancel()
}

// Subscribe registers interest in a single payment hash (the `track`
// command of §6). If a state change has already been recorded for this
// hash, it is replayed immediately as the first event delivered.
func (b *Bus) Subscribe(hash lntypes.Hash) *Subscription {
	return b.subscribe(hash, false)
}

// SubscribeAll registers interest in every invoice (the `track-all`
// command of §6), replaying the latest known event for every invoice that
// has one.
func (b *Bus) SubscribeAll() *Subscription {
	return b.subscribe(lntypes.Hash{}, true)
}

func (b *Bus) subscribe(hash lntypes.Hash, all bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	sub := newSubscriber(id, hash, all)
	b.subscribers[id] = sub

	if all {
		for _, e := range b.lastByHash {
			sub.deliver(e)
		}
	} else if last, ok := b.lastByHash[hash]; ok {
		sub.deliver(last)
	}

	return &Subscription{
		Events: sub.out,
		bus:    b,
		id:     id,
		sub:    sub,
	}
}

// Publish delivers e to every matching subscriber and records it as the
// latest event for e.PaymentHash. Publish never blocks on a slow
// subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastByHash[e.PaymentHash] = e

	for _, sub := range b.subscribers {
		if sub.all || sub.hash == e.PaymentHash {
			sub.deliver(e)
		}
	}
}
