// Code in this file mirrors the shape sqlc would generate from
// migrations/*/000001_init.up.sql: plain structs and a textual enum per
// table, hand written here because no code generator runs in this
// environment.
package sqlc

import (
	"database/sql"
	"time"
)

// InvoiceState is the textual enum stored in invoices.state.
type InvoiceState string

const (
	InvoiceStateUnpaid    InvoiceState = "UNPAID"
	InvoiceStateAccepted  InvoiceState = "ACCEPTED"
	InvoiceStatePaid      InvoiceState = "PAID"
	InvoiceStateCancelled InvoiceState = "CANCELLED"
)

// HtlcState is the textual enum stored in htlcs.state.
type HtlcState string

const (
	HtlcStateAccepted  HtlcState = "ACCEPTED"
	HtlcStateSettled   HtlcState = "SETTLED"
	HtlcStateCancelled HtlcState = "CANCELLED"
)

// Invoice is the row shape of the invoices table.
type Invoice struct {
	ID              int64
	PaymentHash     []byte
	Preimage        []byte
	Encoded         string
	State           InvoiceState
	AmountMsat      int64
	MinFinalCltv    int32
	CreatedAt       time.Time
	SettledAt       sql.NullTime
}

// Htlc is the row shape of the htlcs table.
type Htlc struct {
	ID          int64
	InvoiceID   int64
	State       HtlcState
	Scid        int64
	ChannelID   int64
	HtlcIndex   int64
	AmountMsat  int64
	CltvExpiry  int32
	CreatedAt   time.Time
}

type InsertInvoiceParams struct {
	PaymentHash  []byte
	Encoded      string
	AmountMsat   int64
	MinFinalCltv int32
	CreatedAt    time.Time
}

type InsertHtlcParams struct {
	InvoiceID  int64
	Scid       int64
	ChannelID  int64
	HtlcIndex  int64
	AmountMsat int64
	CltvExpiry int32
	CreatedAt  time.Time
}

type UpdateInvoiceStateParams struct {
	ID          int64
	FromState   InvoiceState
	ToState     InvoiceState
	Preimage    []byte
	SettledAt   sql.NullTime
}

type UpdateHtlcStateParams struct {
	ID        int64
	FromState HtlcState
	ToState   HtlcState
}

type ListInvoicesParams struct {
	AfterID int64
	Limit   int32
}
