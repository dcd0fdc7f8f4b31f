// Package holddb implements the invoice repository of §4.1: a durable
// store of invoices and their HTLCs behind conditional-update primitives,
// backed by either a single-file sqlite database or a networked postgres
// instance.
package holddb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/BoltzExchange/hold/internal/holddb/sqlc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

// Re-export the sqlc enums so callers never need to import the sqlc
// subpackage directly.
type (
	InvoiceState = sqlc.InvoiceState
	HtlcState    = sqlc.HtlcState
)

const (
	InvoiceStateUnpaid    = sqlc.InvoiceStateUnpaid
	InvoiceStateAccepted  = sqlc.InvoiceStateAccepted
	InvoiceStatePaid      = sqlc.InvoiceStatePaid
	InvoiceStateCancelled = sqlc.InvoiceStateCancelled

	HtlcStateAccepted  = sqlc.HtlcStateAccepted
	HtlcStateSettled   = sqlc.HtlcStateSettled
	HtlcStateCancelled = sqlc.HtlcStateCancelled
)

// Invoice is the domain representation of an invoice row, translating
// between the wire-level lntypes/lnwire types the rest of the core uses and
// the raw bytes/ints the schema stores.
type Invoice struct {
	ID                int64
	PaymentHash       lntypes.Hash
	Preimage          *lntypes.Preimage
	Encoded           string
	State             InvoiceState
	AmountMsat        lnwire.MilliSatoshi
	MinFinalCltvDelta uint32
	CreatedAt         time.Time
	SettledAt         *time.Time
}

// HTLC is the domain representation of an htlc row.
type HTLC struct {
	ID         int64
	InvoiceID  int64
	State      HtlcState
	Scid       uint64
	ChannelID  uint64
	HtlcIndex  uint64
	AmountMsat lnwire.MilliSatoshi
	CltvExpiry uint32
	CreatedAt  time.Time
}

// txOpts is the concrete TxOptions implementation used throughout this
// package.
type txOpts struct {
	readOnly bool
}

func (o txOpts) ReadOnly() bool { return o.readOnly }

func writeTx() TxOptions { return txOpts{readOnly: false} }
func readTx() TxOptions  { return txOpts{readOnly: true} }

// Repo is the invoice repository: component A of the system overview. It
// exposes the operations of §4.1 as conditional updates, pushing
// concurrency control into the database per the design notes of §4.1/§5.
type Repo struct {
	executor *TransactionExecutor[sqlc.Querier]
}

// NewRepo wraps an open backend (either a *SqliteStore or a *PostgresStore,
// both of which embed *BaseDB) in a Repo.
func NewRepo(db *BaseDB) *Repo {
	executor := NewTransactionExecutor(
		db, func(tx *sql.Tx) sqlc.Querier {
			return db.Queries.WithTx(tx)
		},
	)

	return &Repo{executor: executor}
}

// InsertInvoice creates a new Unpaid invoice. Returns ErrDuplicatePaymentHash
// if the payment hash already exists, enforcing invariant 1.
func (r *Repo) InsertInvoice(ctx context.Context, hash lntypes.Hash,
	encoded string, amountMsat lnwire.MilliSatoshi,
	minFinalCltvDelta uint32, now time.Time) (int64, error) {

	var id int64
	err := r.executor.ExecTx(ctx, writeTx(), func(q sqlc.Querier) error {
		var err error
		id, err = q.InsertInvoice(ctx, sqlc.InsertInvoiceParams{
			PaymentHash:  hash[:],
			Encoded:      encoded,
			AmountMsat:   int64(amountMsat),
			MinFinalCltv: int32(minFinalCltvDelta),
			CreatedAt:    now,
		})
		return err
	})
	if err != nil {
		return 0, MapSQLError(err)
	}

	return id, nil
}

// GetInvoiceByHash returns ErrNotFound if no invoice with this payment hash
// exists.
func (r *Repo) GetInvoiceByHash(ctx context.Context,
	hash lntypes.Hash) (*Invoice, error) {

	var inv *Invoice
	err := r.executor.ExecTx(ctx, readTx(), func(q sqlc.Querier) error {
		row, err := q.GetInvoiceByHash(ctx, hash[:])
		if err != nil {
			return err
		}

		inv, err = toInvoice(row)
		return err
	})
	if err != nil {
		return nil, MapSQLError(err)
	}

	return inv, nil
}

// GetInvoiceByID returns ErrNotFound if no invoice with this ID exists.
func (r *Repo) GetInvoiceByID(ctx context.Context,
	id int64) (*Invoice, error) {

	var inv *Invoice
	err := r.executor.ExecTx(ctx, readTx(), func(q sqlc.Querier) error {
		row, err := q.GetInvoiceByID(ctx, id)
		if err != nil {
			return err
		}

		inv, err = toInvoice(row)
		return err
	})
	if err != nil {
		return nil, MapSQLError(err)
	}

	return inv, nil
}

// ListInvoices lists invoices in ID order, starting strictly after afterID,
// up to limit rows -- the pagination primitive behind the operator `list`
// command of §6.
func (r *Repo) ListInvoices(ctx context.Context, afterID int64,
	limit int32) ([]*Invoice, error) {

	var out []*Invoice
	err := r.executor.ExecTx(ctx, readTx(), func(q sqlc.Querier) error {
		rows, err := q.ListInvoices(ctx, sqlc.ListInvoicesParams{
			AfterID: afterID,
			Limit:   limit,
		})
		if err != nil {
			return err
		}

		out = make([]*Invoice, 0, len(rows))
		for _, row := range rows {
			inv, err := toInvoice(row)
			if err != nil {
				return err
			}
			out = append(out, inv)
		}

		return nil
	})
	if err != nil {
		return nil, MapSQLError(err)
	}

	return out, nil
}

// SetInvoiceState performs the conditional update of §4.1: it only succeeds
// if the invoice's current state equals fromState. On success it returns
// true; on a lost race it returns (false, nil) so the caller (the state
// machine) can re-read and re-validate rather than treating it as a hard
// error.
func (r *Repo) SetInvoiceState(ctx context.Context, id int64,
	fromState, toState InvoiceState, preimage *lntypes.Preimage,
	settledAt *time.Time) (bool, error) {

	var matched int64
	err := r.executor.ExecTx(ctx, writeTx(), func(q sqlc.Querier) error {
		var preimageBytes []byte
		if preimage != nil {
			preimageBytes = preimage[:]
		}

		var settledAtSQL sql.NullTime
		if settledAt != nil {
			settledAtSQL = sql.NullTime{Time: *settledAt, Valid: true}
		}

		var err error
		matched, err = q.UpdateInvoiceState(ctx, sqlc.UpdateInvoiceStateParams{
			ID:        id,
			FromState: fromState,
			ToState:   toState,
			Preimage:  preimageBytes,
			SettledAt: settledAtSQL,
		})
		return err
	})
	if err != nil {
		return false, MapSQLError(err)
	}

	return matched == 1, nil
}

// DeleteCancelledOlderThan implements the optional garbage collector of
// §3's Lifecycle paragraph, removing Cancelled invoices whose settled_at
// predates cutoff.
func (r *Repo) DeleteCancelledOlderThan(ctx context.Context,
	cutoff time.Time) (int64, error) {

	var n int64
	err := r.executor.ExecTx(ctx, writeTx(), func(q sqlc.Querier) error {
		var err error
		n, err = q.DeleteCancelledInvoicesOlderThan(ctx, cutoff)
		return err
	})
	if err != nil {
		return 0, MapSQLError(err)
	}

	return n, nil
}

// InsertHTLC records a newly accepted HTLC against invoiceID. Returns
// ErrDuplicatePaymentHash-shaped uniqueness errors via MapSQLError if
// (channelID, htlcIndex) was already recorded, enforcing invariant 8.
func (r *Repo) InsertHTLC(ctx context.Context, invoiceID int64,
	scid, channelID, htlcIndex uint64, amountMsat lnwire.MilliSatoshi,
	cltvExpiry uint32, now time.Time) (int64, error) {

	var id int64
	err := r.executor.ExecTx(ctx, writeTx(), func(q sqlc.Querier) error {
		var err error
		id, err = q.InsertHtlc(ctx, sqlc.InsertHtlcParams{
			InvoiceID:  invoiceID,
			Scid:       int64(scid),
			ChannelID:  int64(channelID),
			HtlcIndex:  int64(htlcIndex),
			AmountMsat: int64(amountMsat),
			CltvExpiry: int32(cltvExpiry),
			CreatedAt:  now,
		})
		return err
	})
	if err != nil {
		return 0, MapSQLError(err)
	}

	return id, nil
}

// GetHTLCByChannelAndIndex implements the duplicate guard of §4.5 step 2:
// an HTLC is uniquely identified by (channel-id, host-assigned HTLC id).
func (r *Repo) GetHTLCByChannelAndIndex(ctx context.Context,
	channelID, htlcIndex uint64) (*HTLC, error) {

	var h *HTLC
	err := r.executor.ExecTx(ctx, readTx(), func(q sqlc.Querier) error {
		row, err := q.GetHtlcByChannelAndIndex(
			ctx, int64(channelID), int64(htlcIndex),
		)
		if err != nil {
			return err
		}

		h = toHTLC(row)
		return nil
	})
	if err != nil {
		return nil, MapSQLError(err)
	}

	return h, nil
}

// ListHTLCsByInvoice lists every HTLC recorded against invoiceID, used by
// the handler's aggregation step and restart reconciliation.
func (r *Repo) ListHTLCsByInvoice(ctx context.Context,
	invoiceID int64) ([]*HTLC, error) {

	var out []*HTLC
	err := r.executor.ExecTx(ctx, readTx(), func(q sqlc.Querier) error {
		rows, err := q.ListHtlcsByInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}

		out = make([]*HTLC, 0, len(rows))
		for _, row := range rows {
			out = append(out, toHTLC(row))
		}

		return nil
	})
	if err != nil {
		return nil, MapSQLError(err)
	}

	return out, nil
}

// SetHTLCState performs the conditional update of invariant 5: it only
// succeeds if the HTLC's current state equals fromState.
func (r *Repo) SetHTLCState(ctx context.Context, id int64,
	fromState, toState HtlcState) (bool, error) {

	var matched int64
	err := r.executor.ExecTx(ctx, writeTx(), func(q sqlc.Querier) error {
		var err error
		matched, err = q.UpdateHtlcState(ctx, sqlc.UpdateHtlcStateParams{
			ID:        id,
			FromState: fromState,
			ToState:   toState,
		})
		return err
	})
	if err != nil {
		return false, MapSQLError(err)
	}

	return matched == 1, nil
}

func toInvoice(row sqlc.Invoice) (*Invoice, error) {
	hash, err := lntypes.MakeHash(row.PaymentHash)
	if err != nil {
		return nil, fmt.Errorf("corrupt payment hash in row %d: %w",
			row.ID, err)
	}

	var preimage *lntypes.Preimage
	if len(row.Preimage) > 0 {
		p, err := lntypes.MakePreimage(row.Preimage)
		if err != nil {
			return nil, fmt.Errorf("corrupt preimage in row %d: %w",
				row.ID, err)
		}
		preimage = &p
	}

	var settledAt *time.Time
	if row.SettledAt.Valid {
		t := row.SettledAt.Time
		settledAt = &t
	}

	return &Invoice{
		ID:                row.ID,
		PaymentHash:       hash,
		Preimage:          preimage,
		Encoded:           row.Encoded,
		State:             row.State,
		AmountMsat:        lnwire.MilliSatoshi(row.AmountMsat),
		MinFinalCltvDelta: uint32(row.MinFinalCltv),
		CreatedAt:         row.CreatedAt,
		SettledAt:         settledAt,
	}, nil
}

func toHTLC(row sqlc.Htlc) *HTLC {
	return &HTLC{
		ID:         row.ID,
		InvoiceID:  row.InvoiceID,
		State:      row.State,
		Scid:       uint64(row.Scid),
		ChannelID:  uint64(row.ChannelID),
		HtlcIndex:  uint64(row.HtlcIndex),
		AmountMsat: lnwire.MilliSatoshi(row.AmountMsat),
		CltvExpiry: uint32(row.CltvExpiry),
		CreatedAt:  row.CreatedAt,
	}
}
