// Package onion decodes the per-hop TLV payload the host attaches to an
// htlc_accepted callback into its amount, CLTV and MPP record (payment
// address and total amount); the handler's amount check uses the MPP total.
// It uses lnd/tlv and lnd/record the same way lnd's own onion-payload
// parsing does.
package onion

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/record"
	"github.com/lightningnetwork/lnd/tlv"
)

// ErrMissingPaymentData is returned when the payload carries no payment
// secret / MPP record at all, as a single-shard payment's payload may.
var ErrMissingPaymentData = errors.New("onion: payload missing payment data record")

const (
	typeAmtToForward   tlv.Type = 2
	typeOutgoingCltv   tlv.Type = 4
	typeShortChannelID tlv.Type = 6
)

// Payload is the decoded subset of the onion TLV payload relevant to hold
// invoice matching.
type Payload struct {
	// AmtToForward is the amount this hop was instructed to forward,
	// which for the final hop equals the amount the payer believes they
	// are paying.
	AmtToForward lnwire.MilliSatoshi

	// OutgoingCLTVValue is the CLTV expiry the sender encoded for this
	// hop.
	OutgoingCLTVValue uint32

	// PaymentAddr is the payment address carried in the MPP record. It is
	// decoded but not compared against the invoice anywhere in the core.
	PaymentAddr [32]byte

	// TotalMsat is the total amount across every part of an MPP set, as
	// declared by the sender in the MPP record.
	TotalMsat lnwire.MilliSatoshi
}

// Decode parses the raw onion TLV payload bytes the host hands the plugin
// for a single HTLC.
func Decode(payload []byte) (*Payload, error) {
	var (
		amtToForward uint64
		outgoingCltv uint32
	)

	mpp := record.NewMPP(0, [32]byte{})

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeAmtToForward, &amtToForward),
		tlv.MakePrimitiveRecord(typeOutgoingCltv, &outgoingCltv),
		mpp.Record(),
	)
	if err != nil {
		return nil, fmt.Errorf("onion: building tlv stream: %w", err)
	}

	parsedTypes, err := stream.DecodeWithParsedTypes(
		bytes.NewReader(payload),
	)
	if err != nil {
		return nil, fmt.Errorf("onion: decoding payload: %w", err)
	}

	if _, ok := parsedTypes[record.MPPOnionType]; !ok {
		return nil, ErrMissingPaymentData
	}

	return &Payload{
		AmtToForward:      lnwire.MilliSatoshi(amtToForward),
		OutgoingCLTVValue: outgoingCltv,
		PaymentAddr:       mpp.PaymentAddr(),
		TotalMsat:         mpp.TotalMsat(),
	}, nil
}
