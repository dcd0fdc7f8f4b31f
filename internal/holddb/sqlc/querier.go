package sqlc

import (
	"context"
	"time"
)

// Querier is the set of storage operations the repository layer needs,
// independent of whether the concrete DBTX is a *sql.DB or a *sql.Tx. It
// plays the same role as a sqlc-generated Querier interface.
type Querier interface {
	InsertInvoice(ctx context.Context, arg InsertInvoiceParams) (int64, error)
	GetInvoiceByHash(ctx context.Context, paymentHash []byte) (Invoice, error)
	GetInvoiceByID(ctx context.Context, id int64) (Invoice, error)
	ListInvoices(ctx context.Context, arg ListInvoicesParams) ([]Invoice, error)
	UpdateInvoiceState(ctx context.Context, arg UpdateInvoiceStateParams) (int64, error)
	DeleteCancelledInvoicesOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	InsertHtlc(ctx context.Context, arg InsertHtlcParams) (int64, error)
	GetHtlcByChannelAndIndex(ctx context.Context, channelID, htlcIndex int64) (Htlc, error)
	ListHtlcsByInvoice(ctx context.Context, invoiceID int64) ([]Htlc, error)
	UpdateHtlcState(ctx context.Context, arg UpdateHtlcStateParams) (int64, error)
}

var _ Querier = (*Queries)(nil)
