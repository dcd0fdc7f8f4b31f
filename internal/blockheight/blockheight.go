// Package blockheight fans out the chain tip the host reports to every
// watcher racing an HTLC's CLTV expiry against it (§4.5 step 7's
// proximity race), using lnd/queue.ConcurrentQueue so a slow watcher can
// never stall the feed from the host.
package blockheight

import (
	"sync"

	"github.com/lightningnetwork/lnd/queue"
)

// subscriber owns one ConcurrentQueue so that a reader lagging behind the
// rest never backs up delivery to anyone else.
type subscriber struct {
	q *queue.ConcurrentQueue
}

// subscriberQueueSize bounds the internal growable buffer a lagging
// watcher's queue keeps before ChanIn would otherwise have to reallocate
// from scratch on every height update; the queue still never blocks the
// publisher beyond this initial allocation.
const subscriberQueueSize = 10

func newSubscriber() *subscriber {
	s := &subscriber{q: queue.NewConcurrentQueue(subscriberQueueSize)}
	s.q.Start()
	return s
}

func (s *subscriber) stop() {
	s.q.Stop()
}

// Tracker is the block-height fan-out: it remembers the current tip and
// notifies every subscriber whenever the host reports a new one.
type Tracker struct {
	mu      sync.Mutex
	current uint32
	nextID  uint64
	subs    map[uint64]*subscriber
}

// New creates a Tracker with no known height yet.
func New() *Tracker {
	return &Tracker{subs: make(map[uint64]*subscriber)}
}

// Height returns the most recently reported chain tip.
func (t *Tracker) Height() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.current
}

// UpdateHeight records a newly reported chain tip from the host and fans
// it out to every subscriber. Heights reported out of order are ignored.
func (t *Tracker) UpdateHeight(height uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if height <= t.current {
		return
	}
	t.current = height

	for _, s := range t.subs {
		s.q.ChanIn() <- height
	}
}

// Subscription delivers every chain tip reported after it was created.
type Subscription struct {
	Heights <-chan interface{}

	tracker *Tracker
	id      uint64
	sub     *subscriber
}

// Cancel releases the subscription's queue.
func (s *Subscription) Cancel() {
	s.tracker.mu.Lock()
	delete(s.tracker.subs, s.id)
	s.tracker.mu.Unlock()

	s.sub.stop()
}

// Subscribe registers a new watcher. The returned Subscription's Heights
// channel delivers uint32 values; the interface{} element type matches
// lnd/queue.ConcurrentQueue's pre-generics signature.
func (t *Tracker) Subscribe() *Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := t.nextID

	sub := newSubscriber()
	t.subs[id] = sub

	return &Subscription{
		Heights: sub.q.ChanOut(),
		tracker: t,
		id:      id,
		sub:     sub,
	}
}
