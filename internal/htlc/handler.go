// Package htlc implements component E, the decision engine: for every
// incoming HTLC the host hands the plugin it identifies the owning
// invoice, validates it against the invoice's terms, aggregates it with
// other shards of the same payment under MPP semantics, holds the
// decision until operator action, MPP-timeout, or CLTV proximity forces
// resolution, and returns a verdict while durably persisting the outcome.
package htlc

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/BoltzExchange/hold/internal/blockheight"
	"github.com/BoltzExchange/hold/internal/eventbus"
	"github.com/BoltzExchange/hold/internal/holddb"
	"github.com/BoltzExchange/hold/internal/metrics"
	"github.com/BoltzExchange/hold/internal/settler"
	"github.com/BoltzExchange/hold/internal/statemachine"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

// Request is everything the host must supply per incoming HTLC for the
// pipeline of §4.5 to make a decision.
type Request struct {
	PaymentHash    lntypes.Hash
	AmountMsat     lnwire.MilliSatoshi
	CltvExpiry     uint32
	ShortChannelID uint64
	ChannelID      uint64
	HtlcIndex      uint64

	// HasMPPRecord is true when the onion payload carried an MPP record.
	HasMPPRecord bool
	MPPTotalMsat lnwire.MilliSatoshi

	CurrentHeight uint32
}

// Handler is the HTLC decision engine: component E of the system overview.
type Handler struct {
	repo    *holddb.Repo
	sm      *statemachine.StateMachine
	bus     *eventbus.Bus
	settler *settler.Settler
	heights *blockheight.Tracker
	clock   clock.Clock

	mppTimeout       time.Duration
	cltvSafetyBlocks uint32
}

// Config holds the tunables of §6.4 relevant to the handler.
type Config struct {
	MPPTimeout       time.Duration
	CLTVSafetyBlocks uint32
}

// New constructs a Handler wiring together the other four components.
func New(repo *holddb.Repo, sm *statemachine.StateMachine, bus *eventbus.Bus,
	s *settler.Settler, heights *blockheight.Tracker, c clock.Clock,
	cfg Config) *Handler {

	if c == nil {
		c = clock.NewDefaultClock()
	}

	return &Handler{
		repo:             repo,
		sm:               sm,
		bus:              bus,
		settler:          s,
		heights:          heights,
		clock:            c,
		mppTimeout:       cfg.MPPTimeout,
		cltvSafetyBlocks: cfg.CLTVSafetyBlocks,
	}
}

// Handle runs the decision pipeline of §4.5 for a single incoming HTLC. It
// blocks until a Continue or Fail verdict is reached, or ctx is cancelled
// by the host withdrawing the callback.
func (h *Handler) Handle(ctx context.Context, req Request) (verdict Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Recovered panic handling htlc for %v: %v",
				req.PaymentHash, r)
			verdict = failVerdict(lnwire.CodeTemporaryChannelFailure)
			err = nil
		}
	}()

	// Step 1: lookup.
	inv, err := h.repo.GetInvoiceByHash(ctx, req.PaymentHash)
	if errors.Is(err, holddb.ErrNotFound) {
		return failVerdict(lnwire.CodeIncorrectOrUnknownPaymentDetails), nil
	}
	if err != nil {
		return failVerdict(lnwire.CodeTemporaryChannelFailure), nil
	}

	// Step 2: duplicate guard / restart reconciliation.
	existing, err := h.repo.GetHTLCByChannelAndIndex(
		ctx, req.ChannelID, req.HtlcIndex,
	)
	switch {
	case err == nil:
		return h.awaitDecision(ctx, inv, existing, req)

	case errors.Is(err, holddb.ErrNotFound):
		// Fall through to the full pipeline below.

	default:
		return failVerdict(lnwire.CodeTemporaryChannelFailure), nil
	}

	// Step 3: terminal check.
	if inv.State == holddb.InvoiceStateCancelled {
		return failVerdict(lnwire.CodeIncorrectOrUnknownPaymentDetails), nil
	}
	if inv.State == holddb.InvoiceStatePaid && inv.Preimage != nil {
		return continueVerdict(*inv.Preimage), nil
	}

	// Step 4: CLTV check.
	if req.CltvExpiry < req.CurrentHeight ||
		req.CltvExpiry-req.CurrentHeight < inv.MinFinalCltvDelta {

		return failVerdict(lnwire.CodeFinalIncorrectCltvExpiry), nil
	}

	// Step 5: amount check.
	if !req.HasMPPRecord && req.AmountMsat > inv.AmountMsat {
		return failVerdict(lnwire.CodeIncorrectOrUnknownPaymentDetails), nil
	}
	if req.HasMPPRecord && req.MPPTotalMsat < inv.AmountMsat {
		return failVerdict(lnwire.CodeIncorrectOrUnknownPaymentDetails), nil
	}

	// Step 6: persist HTLC as Accepted and move the invoice to Accepted.
	htlcID, err := h.repo.InsertHTLC(
		ctx, inv.ID, req.ShortChannelID, req.ChannelID, req.HtlcIndex,
		req.AmountMsat, req.CltvExpiry, h.clock.Now().UTC(),
	)
	if err != nil {
		return failVerdict(lnwire.CodeTemporaryChannelFailure), nil
	}

	if err := h.sm.ApplyInvoiceTransition(
		ctx, inv.ID, holddb.InvoiceStateAccepted, nil,
	); err != nil {
		return failVerdict(lnwire.CodeTemporaryChannelFailure), nil
	}

	metrics.HTLCsAccepted.Inc()

	htlcRow := &holddb.HTLC{
		ID:         htlcID,
		InvoiceID:  inv.ID,
		State:      holddb.HtlcStateAccepted,
		Scid:       req.ShortChannelID,
		ChannelID:  req.ChannelID,
		HtlcIndex:  req.HtlcIndex,
		AmountMsat: req.AmountMsat,
		CltvExpiry: req.CltvExpiry,
	}

	return h.awaitDecision(ctx, inv, htlcRow, req)
}

// awaitDecision implements steps 7 and 8: it aggregates the invoice's
// currently Accepted HTLCs, registers with the settler, and races the
// settler's decision against the MPP timeout, the CLTV-proximity watcher,
// and caller cancellation.
func (h *Handler) awaitDecision(ctx context.Context, inv *holddb.Invoice,
	htlcRow *holddb.HTLC, req Request) (Verdict, error) {

	accepted, err := h.repo.ListHTLCsByInvoice(ctx, inv.ID)
	if err != nil {
		return failVerdict(lnwire.CodeTemporaryChannelFailure), nil
	}

	var sum lnwire.MilliSatoshi
	for _, a := range accepted {
		if a.State == holddb.HtlcStateAccepted {
			sum += a.AmountMsat
		}
	}

	handle := h.settler.Register(req.PaymentHash)
	defer handle.Release()

	var mppTimer <-chan time.Time
	if sum < inv.AmountMsat {
		mppTimer = h.clock.TickAfter(h.mppTimeout)
	}

	heightSub := h.heights.Subscribe()
	defer heightSub.Cancel()

	if h.cltvProximityReached(htlcRow.CltvExpiry, req.CurrentHeight) {
		return h.cancelSingleHTLC(ctx, inv, htlcRow, req.PaymentHash)
	}

	for {
		select {
		case d := <-handle.Done():
			return h.resolveDecision(ctx, inv, htlcRow, req.PaymentHash, d)

		case <-mppTimer:
			return h.resolveMPPTimeout(ctx, inv, req.PaymentHash)

		case raw := <-heightSub.Heights:
			height := raw.(uint32)
			if h.cltvProximityReached(htlcRow.CltvExpiry, height) {
				return h.cancelSingleHTLC(ctx, inv, htlcRow, req.PaymentHash)
			}

		case <-ctx.Done():
			return Verdict{}, ctx.Err()
		}
	}
}

func (h *Handler) cltvProximityReached(cltvExpiry, height uint32) bool {
	return cltvExpiry <= height+h.cltvSafetyBlocks
}

// CurrentHeight returns the chain tip the handler is currently racing CLTV
// expiries against.
func (h *Handler) CurrentHeight() uint32 {
	return h.heights.Height()
}

// UpdateHeight records a newly reported chain tip, waking every task
// currently racing an HTLC's CLTV expiry against it.
func (h *Handler) UpdateHeight(height uint32) {
	h.heights.UpdateHeight(height)
}

// cancelSingleHTLC implements step 8's unilateral cancellation: only this
// HTLC is cancelled, the invoice is left untouched so other shards can
// still carry it.
func (h *Handler) cancelSingleHTLC(ctx context.Context, inv *holddb.Invoice,
	htlcRow *holddb.HTLC, hash lntypes.Hash) (Verdict, error) {

	if err := h.sm.ApplyHTLCTransition(
		ctx, htlcRow.ID, hash, inv.ID, holddb.HtlcStateCancelled,
	); err != nil {
		return failVerdict(lnwire.CodeTemporaryChannelFailure), nil
	}

	return failVerdict(lnwire.CodeIncorrectOrUnknownPaymentDetails), nil
}

func (h *Handler) resolveDecision(ctx context.Context, inv *holddb.Invoice,
	htlcRow *holddb.HTLC, hash lntypes.Hash,
	d settler.Decision) (Verdict, error) {

	if d.Cancelled {
		code := lnwire.CodeIncorrectOrUnknownPaymentDetails
		if d.Reason == mppTimeoutReason {
			code = lnwire.CodeMPPTimeout
		}
		return failVerdict(code), nil
	}

	if err := h.sm.ApplyHTLCTransition(
		ctx, htlcRow.ID, hash, inv.ID, holddb.HtlcStateSettled,
	); err != nil {
		return failVerdict(lnwire.CodeTemporaryChannelFailure), nil
	}

	if err := h.sm.ApplyInvoiceTransition(
		ctx, inv.ID, holddb.InvoiceStatePaid, &d.Preimage,
	); err != nil {
		return failVerdict(lnwire.CodeTemporaryChannelFailure), nil
	}

	h.settler.Forget(hash)

	return continueVerdict(d.Preimage), nil
}

const mppTimeoutReason = "mpp timeout"

// resolveMPPTimeout implements the MPP timeout of §4.5: every currently
// Accepted HTLC of the invoice is cancelled, the invoice reverts to
// Cancelled, and every waiting handler task wakes with Fail(mpp_timeout).
func (h *Handler) resolveMPPTimeout(ctx context.Context, inv *holddb.Invoice,
	hash lntypes.Hash) (Verdict, error) {

	log.Warnf("MPP timeout waiting for invoice %v, cancelling", hash)

	if err := h.cancelInvoiceAndHTLCs(ctx, inv.ID, hash); err != nil {
		return failVerdict(lnwire.CodeTemporaryChannelFailure), nil
	}

	metrics.MPPTimeouts.Inc()

	h.settler.Cancel(hash, mppTimeoutReason)
	h.settler.Forget(hash)

	return failVerdict(lnwire.CodeMPPTimeout), nil
}

// Settle is the operator-facing settle command: it validates that preimage
// corresponds to a known invoice and wakes every handler task currently
// holding one of its HTLCs. If no HTLC is held yet, the decision is
// remembered so the next matching HTLC to arrive settles immediately.
func (h *Handler) Settle(ctx context.Context, preimage lntypes.Preimage) error {
	hash := lntypes.Hash(sha256.Sum256(preimage[:]))

	if _, err := h.repo.GetInvoiceByHash(ctx, hash); err != nil {
		return fmt.Errorf("htlc: settle: %w", err)
	}

	log.Infof("Settling invoice %v", hash)

	if err := h.settler.Settle(hash, preimage); err != nil {
		return err
	}

	metrics.Settles.Inc()

	return nil
}

// Cancel is the operator-facing cancel command: it cancels every currently
// Accepted HTLC of the invoice, moves the invoice to Cancelled, and wakes
// every handler task holding one of its HTLCs.
func (h *Handler) Cancel(ctx context.Context, hash lntypes.Hash, reason string) error {
	inv, err := h.repo.GetInvoiceByHash(ctx, hash)
	if err != nil {
		return fmt.Errorf("htlc: cancel: %w", err)
	}

	if err := h.cancelInvoiceAndHTLCs(ctx, inv.ID, hash); err != nil {
		return err
	}

	h.settler.Cancel(hash, reason)
	h.settler.Forget(hash)
	metrics.Cancels.Inc()

	return nil
}

func (h *Handler) cancelInvoiceAndHTLCs(ctx context.Context, invoiceID int64,
	hash lntypes.Hash) error {

	htlcs, err := h.repo.ListHTLCsByInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}

	for _, ht := range htlcs {
		if ht.State != holddb.HtlcStateAccepted {
			continue
		}
		if err := h.sm.ApplyHTLCTransition(
			ctx, ht.ID, hash, invoiceID, holddb.HtlcStateCancelled,
		); err != nil {
			return err
		}
	}

	inv, err := h.repo.GetInvoiceByID(ctx, invoiceID)
	if err != nil {
		return err
	}

	if inv.State == holddb.InvoiceStateUnpaid ||
		inv.State == holddb.InvoiceStateAccepted {

		return h.sm.ApplyInvoiceTransition(
			ctx, invoiceID, holddb.InvoiceStateCancelled, nil,
		)
	}

	return nil
}
