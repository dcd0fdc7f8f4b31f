// Package settler implements component D: the pending-decision registry
// that lets an operator resolve a payment hash's HTLCs with Settle or
// Cancel independently of whichever goroutines are currently blocked in
// the HTLC handler waiting on that hash's outcome.
package settler

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"

	"github.com/lightningnetwork/lnd/lntypes"
)

// ErrPreimageMismatch is returned by Settle when the supplied preimage does
// not hash to the payment hash it is being settled against (invariant 2).
var ErrPreimageMismatch = errors.New("settler: preimage does not match payment hash")

// Decision is the terminal verdict a registered handle resolves to.
type Decision struct {
	// Preimage is set when the decision is to settle.
	Preimage lntypes.Preimage

	// Cancelled is true when the decision is to cancel.
	Cancelled bool

	// Reason is a human-readable cancellation reason, set only when
	// Cancelled is true.
	Reason string
}

// Handle is a one-shot registration for a payment hash's outcome. Exactly
// one Decision is ever delivered on Done.
type Handle struct {
	hash   lntypes.Hash
	done   chan Decision
	cancel func()
}

// Done delivers the Decision once Settle or Cancel is called for this
// handle's payment hash. The channel is buffered for exactly one send and
// never closed; a second receive after the first blocks forever, so callers
// must read it at most once per Handle.
func (h *Handle) Done() <-chan Decision {
	return h.done
}

// Wait blocks until a decision is available or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) (Decision, error) {
	select {
	case d := <-h.done:
		return d, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Release unregisters the handle without resolving it, used when the HTLC
// handler abandons the wait for a reason unrelated to the payment hash's
// outcome (e.g. the host callback's own context was cancelled).
func (h *Handle) Release() {
	h.cancel()
}

// Settler is the pending-decision registry: component D of the system
// overview.
type Settler struct {
	mu sync.Mutex

	// pending holds handles still waiting for a decision, keyed by
	// payment hash. Multiple handles can be registered against the same
	// hash -- one per concurrently accepted HTLC under an MPP set.
	pending map[lntypes.Hash][]*Handle

	// resolved remembers a decision already made for a hash so that a
	// handle registered afterwards (a late MPP part, or a settle call
	// that raced ahead of registration) is resolved immediately instead
	// of hanging forever.
	resolved map[lntypes.Hash]Decision
}

// New creates an empty Settler.
func New() *Settler {
	return &Settler{
		pending:  make(map[lntypes.Hash][]*Handle),
		resolved: make(map[lntypes.Hash]Decision),
	}
}

// Register creates a Handle that will resolve once Settle or Cancel is
// called for hash. If a decision was already made for hash (for example the
// operator pre-settled an invoice before any HTLC arrived), the handle
// resolves immediately.
func (s *Settler) Register(hash lntypes.Hash) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := &Handle{hash: hash, done: make(chan Decision, 1)}
	h.cancel = func() { s.unregister(h) }

	if d, ok := s.resolved[hash]; ok {
		h.done <- d
		return h
	}

	s.pending[hash] = append(s.pending[hash], h)
	return h
}

func (s *Settler) unregister(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handles := s.pending[h.hash]
	for i, p := range handles {
		if p == h {
			s.pending[h.hash] = append(handles[:i], handles[i+1:]...)
			break
		}
	}
	if len(s.pending[h.hash]) == 0 {
		delete(s.pending, h.hash)
	}
}

// Settle resolves every handle registered for hash with preimage, and
// remembers the decision for any handle registered afterwards. Returns
// ErrPreimageMismatch if preimage does not hash to hash.
func (s *Settler) Settle(hash lntypes.Hash, preimage lntypes.Preimage) error {
	if sha256.Sum256(preimage[:]) != hash {
		return ErrPreimageMismatch
	}

	s.resolve(hash, Decision{Preimage: preimage})
	return nil
}

// Cancel resolves every handle registered for hash with a cancellation,
// recording reason for diagnostics.
func (s *Settler) Cancel(hash lntypes.Hash, reason string) {
	s.resolve(hash, Decision{Cancelled: true, Reason: reason})
}

func (s *Settler) resolve(hash lntypes.Hash, d Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resolved[hash] = d

	for _, h := range s.pending[hash] {
		h.done <- d
	}
	delete(s.pending, hash)
}

// Forget drops a hash's remembered resolution, called once the invoice
// reaches a terminal persisted state and its outcome no longer needs to be
// replayed to late registrants.
func (s *Settler) Forget(hash lntypes.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.resolved, hash)
}
