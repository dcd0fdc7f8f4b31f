// Package statemachine implements component C: the single choke point
// through which every invoice and HTLC state change passes. It validates
// transitions against the legal-transition tables of §3, pushes the actual
// mutation down into holddb's conditional updates, and publishes to the
// event bus if and only if the persisted update actually took effect.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BoltzExchange/hold/internal/eventbus"
	"github.com/BoltzExchange/hold/internal/holddb"
	"github.com/BoltzExchange/hold/internal/metrics"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
)

// ErrIllegalTransition is returned when the requested state is not reachable
// from the invoice's or HTLC's current state.
var ErrIllegalTransition = errors.New("statemachine: illegal transition")

// invoiceTransitions enumerates the legal successor states for each invoice
// state of §3. Paid and Cancelled are terminal: absent from this map.
var invoiceTransitions = map[holddb.InvoiceState][]holddb.InvoiceState{
	holddb.InvoiceStateUnpaid: {
		holddb.InvoiceStateAccepted,
		holddb.InvoiceStateCancelled,
	},
	holddb.InvoiceStateAccepted: {
		holddb.InvoiceStatePaid,
		holddb.InvoiceStateCancelled,
	},
}

// htlcTransitions enumerates the legal successor states for each HTLC state.
var htlcTransitions = map[holddb.HtlcState][]holddb.HtlcState{
	holddb.HtlcStateAccepted: {
		holddb.HtlcStateSettled,
		holddb.HtlcStateCancelled,
	},
}

func legalInvoiceTransition(from, to holddb.InvoiceState) bool {
	for _, allowed := range invoiceTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func legalHTLCTransition(from, to holddb.HtlcState) bool {
	for _, allowed := range htlcTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StateMachine is the state machine: component C of the system overview.
type StateMachine struct {
	repo  *holddb.Repo
	bus   *eventbus.Bus
	clock clock.Clock
}

// New constructs a StateMachine over repo, publishing transitions onto bus. The
// clock is injectable so tests can control settled_at without sleeping.
func New(repo *holddb.Repo, bus *eventbus.Bus, c clock.Clock) *StateMachine {
	if c == nil {
		c = clock.NewDefaultClock()
	}

	return &StateMachine{repo: repo, bus: bus, clock: c}
}

// ApplyInvoiceTransition moves the invoice identified by id to toState,
// supplying preimage when toState is Paid. It re-reads and re-validates on a
// lost race rather than blindly retrying the same conditional update, and a
// duplicate request for a state the invoice has already reached is a no-op,
// not an error.
func (m *StateMachine) ApplyInvoiceTransition(ctx context.Context, id int64,
	toState holddb.InvoiceState, preimage *lntypes.Preimage) error {

	inv, err := m.repo.GetInvoiceByID(ctx, id)
	if err != nil {
		return fmt.Errorf("statemachine: loading invoice %d: %w", id, err)
	}

	if inv.State == toState {
		// Idempotent no-op: the invoice already reached the requested
		// terminal (or intermediate) state, most likely because a
		// concurrent HTLC for the same invoice drove it there first.
		return nil
	}

	if !legalInvoiceTransition(inv.State, toState) {
		return fmt.Errorf("%w: invoice %d from %s to %s",
			ErrIllegalTransition, id, inv.State, toState)
	}

	var settledAt *time.Time
	if toState == holddb.InvoiceStatePaid || toState == holddb.InvoiceStateCancelled {
		t := m.clock.Now().UTC()
		settledAt = &t
	}

	ok, err := m.repo.SetInvoiceState(
		ctx, id, inv.State, toState, preimage, settledAt,
	)
	if err != nil {
		return fmt.Errorf("statemachine: persisting invoice %d: %w",
			id, err)
	}

	if !ok {
		// Lost the race to a concurrent writer. Re-read and
		// re-validate instead of overwriting whatever state won.
		return m.ApplyInvoiceTransition(ctx, id, toState, preimage)
	}

	log.Debugf("Invoice %d (%v) transitioned %s -> %s", id, inv.PaymentHash,
		inv.State, toState)

	switch toState {
	case holddb.InvoiceStateAccepted:
		metrics.InvoicesHeld.Inc()
	case holddb.InvoiceStatePaid, holddb.InvoiceStateCancelled:
		if inv.State == holddb.InvoiceStateAccepted {
			metrics.InvoicesHeld.Dec()
		}
	}

	m.bus.Publish(eventbus.Event{
		PaymentHash: inv.PaymentHash,
		InvoiceID:   id,
		State:       string(toState),
	})

	return nil
}

// ApplyHTLCTransition moves the HTLC identified by id to toState, publishing
// an HTLC-scoped event on success. invoiceHash identifies the parent
// invoice for the published event.
func (m *StateMachine) ApplyHTLCTransition(ctx context.Context, id int64,
	invoiceHash lntypes.Hash, invoiceID int64,
	toState holddb.HtlcState) error {

	htlcs, err := m.repo.ListHTLCsByInvoice(ctx, invoiceID)
	if err != nil {
		return fmt.Errorf("statemachine: loading htlcs for invoice %d: %w",
			invoiceID, err)
	}

	var current *holddb.HTLC
	for _, h := range htlcs {
		if h.ID == id {
			current = h
			break
		}
	}
	if current == nil {
		return fmt.Errorf("statemachine: htlc %d not found", id)
	}

	if current.State == toState {
		return nil
	}

	if !legalHTLCTransition(current.State, toState) {
		return fmt.Errorf("%w: htlc %d from %s to %s",
			ErrIllegalTransition, id, current.State, toState)
	}

	ok, err := m.repo.SetHTLCState(ctx, id, current.State, toState)
	if err != nil {
		return fmt.Errorf("statemachine: persisting htlc %d: %w", id, err)
	}

	if !ok {
		return m.ApplyHTLCTransition(ctx, id, invoiceHash, invoiceID, toState)
	}

	m.bus.Publish(eventbus.Event{
		PaymentHash: invoiceHash,
		InvoiceID:   invoiceID,
		HTLCID:      id,
		State:       string(toState),
		IsHTLCEvent: true,
	})

	return nil
}
