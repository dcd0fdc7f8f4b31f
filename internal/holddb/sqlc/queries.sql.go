package sqlc

import (
	"context"
	"database/sql"
	"time"
)

// The statement text below is written once per method, with a leading
// comment carrying the sqlc annotation (query name and result kind) the
// statement would have in a .sql query file if this were generated by sqlc
// instead of hand-maintained.

// InsertInvoice -- name: InsertInvoice :one
func (q *Queries) InsertInvoice(ctx context.Context,
	arg InsertInvoiceParams) (int64, error) {

	query := q.rebind(`
		INSERT INTO invoices (
			payment_hash, encoded, state, amount_msat,
			min_final_cltv, created_at
		) VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`)

	var id int64
	err := q.db.QueryRowContext(
		ctx, query, arg.PaymentHash, arg.Encoded,
		InvoiceStateUnpaid, arg.AmountMsat, arg.MinFinalCltv,
		arg.CreatedAt,
	).Scan(&id)

	return id, err
}

// GetInvoiceByHash -- name: GetInvoiceByHash :one
func (q *Queries) GetInvoiceByHash(ctx context.Context,
	paymentHash []byte) (Invoice, error) {

	query := q.rebind(`
		SELECT id, payment_hash, preimage, encoded, state,
			amount_msat, min_final_cltv, created_at, settled_at
		FROM invoices
		WHERE payment_hash = ?
	`)

	return scanInvoice(q.db.QueryRowContext(ctx, query, paymentHash))
}

// GetInvoiceByID -- name: GetInvoiceByID :one
func (q *Queries) GetInvoiceByID(ctx context.Context,
	id int64) (Invoice, error) {

	query := q.rebind(`
		SELECT id, payment_hash, preimage, encoded, state,
			amount_msat, min_final_cltv, created_at, settled_at
		FROM invoices
		WHERE id = ?
	`)

	return scanInvoice(q.db.QueryRowContext(ctx, query, id))
}

// ListInvoices -- name: ListInvoices :many
func (q *Queries) ListInvoices(ctx context.Context,
	arg ListInvoicesParams) ([]Invoice, error) {

	query := q.rebind(`
		SELECT id, payment_hash, preimage, encoded, state,
			amount_msat, min_final_cltv, created_at, settled_at
		FROM invoices
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?
	`)

	rows, err := q.db.QueryContext(ctx, query, arg.AfterID, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoiceRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}

	return out, rows.Err()
}

// UpdateInvoiceState -- name: UpdateInvoiceState :execrows
//
// This is the conditional-update primitive §4.1 describes: it only matches
// a row whose current state equals FromState, pushing the "only if current
// state = S" race check into the database itself.
func (q *Queries) UpdateInvoiceState(ctx context.Context,
	arg UpdateInvoiceStateParams) (int64, error) {

	query := q.rebind(`
		UPDATE invoices
		SET state = ?,
			preimage = COALESCE(?, preimage),
			settled_at = COALESCE(?, settled_at)
		WHERE id = ? AND state = ?
	`)

	res, err := q.db.ExecContext(
		ctx, query, arg.ToState, arg.Preimage, arg.SettledAt, arg.ID,
		arg.FromState,
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// DeleteCancelledInvoicesOlderThan -- name: DeleteCancelledInvoicesOlderThan :execrows
func (q *Queries) DeleteCancelledInvoicesOlderThan(ctx context.Context,
	cutoff time.Time) (int64, error) {

	query := q.rebind(`
		DELETE FROM invoices
		WHERE state = ? AND settled_at IS NOT NULL
			AND settled_at < ?
	`)

	res, err := q.db.ExecContext(
		ctx, query, InvoiceStateCancelled, cutoff,
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// InsertHtlc -- name: InsertHtlc :one
func (q *Queries) InsertHtlc(ctx context.Context,
	arg InsertHtlcParams) (int64, error) {

	query := q.rebind(`
		INSERT INTO htlcs (
			invoice_id, state, scid, channel_id, htlc_index,
			amount_msat, cltv_expiry, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)

	var id int64
	err := q.db.QueryRowContext(
		ctx, query, arg.InvoiceID, HtlcStateAccepted, arg.Scid,
		arg.ChannelID, arg.HtlcIndex, arg.AmountMsat, arg.CltvExpiry,
		arg.CreatedAt,
	).Scan(&id)

	return id, err
}

// GetHtlcByChannelAndIndex -- name: GetHtlcByChannelAndIndex :one
//
// Backs invariant 8: an HTLC is uniquely identified by (channel-id,
// host-assigned HTLC id).
func (q *Queries) GetHtlcByChannelAndIndex(ctx context.Context,
	channelID, htlcIndex int64) (Htlc, error) {

	query := q.rebind(`
		SELECT id, invoice_id, state, scid, channel_id, htlc_index,
			amount_msat, cltv_expiry, created_at
		FROM htlcs
		WHERE channel_id = ? AND htlc_index = ?
	`)

	return scanHtlc(q.db.QueryRowContext(ctx, query, channelID, htlcIndex))
}

// ListHtlcsByInvoice -- name: ListHtlcsByInvoice :many
func (q *Queries) ListHtlcsByInvoice(ctx context.Context,
	invoiceID int64) ([]Htlc, error) {

	query := q.rebind(`
		SELECT id, invoice_id, state, scid, channel_id, htlc_index,
			amount_msat, cltv_expiry, created_at
		FROM htlcs
		WHERE invoice_id = ?
		ORDER BY id ASC
	`)

	rows, err := q.db.QueryContext(ctx, query, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Htlc
	for rows.Next() {
		h, err := scanHtlcRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}

	return out, rows.Err()
}

// UpdateHtlcState -- name: UpdateHtlcState :execrows
func (q *Queries) UpdateHtlcState(ctx context.Context,
	arg UpdateHtlcStateParams) (int64, error) {

	query := q.rebind(`
		UPDATE htlcs
		SET state = ?
		WHERE id = ? AND state = ?
	`)

	res, err := q.db.ExecContext(
		ctx, query, arg.ToState, arg.ID, arg.FromState,
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows, letting
// scanInvoice/scanHtlc share code between :one and :many queries.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInvoice(row rowScanner) (Invoice, error) {
	return scanInvoiceRow(row)
}

func scanInvoiceRow(row rowScanner) (Invoice, error) {
	var inv Invoice
	var preimage []byte
	var settledAt sql.NullTime

	err := row.Scan(
		&inv.ID, &inv.PaymentHash, &preimage, &inv.Encoded,
		&inv.State, &inv.AmountMsat, &inv.MinFinalCltv,
		&inv.CreatedAt, &settledAt,
	)
	if err != nil {
		return Invoice{}, err
	}

	inv.Preimage = preimage
	inv.SettledAt = settledAt

	return inv, nil
}

func scanHtlc(row rowScanner) (Htlc, error) {
	return scanHtlcRow(row)
}

func scanHtlcRow(row rowScanner) (Htlc, error) {
	var h Htlc

	err := row.Scan(
		&h.ID, &h.InvoiceID, &h.State, &h.Scid, &h.ChannelID,
		&h.HtlcIndex, &h.AmountMsat, &h.CltvExpiry, &h.CreatedAt,
	)

	return h, err
}
