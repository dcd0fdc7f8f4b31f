package htlc

import (
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

// Verdict is the handler's resolution for a single HTLC, delivered back to
// the host callback.
type Verdict struct {
	// Continue is true when the HTLC should be settled with Preimage.
	Continue bool
	Preimage lntypes.Preimage

	// FailCode is the BOLT-04 failure code the host must fail the HTLC
	// with; meaningless when Continue is true.
	FailCode lnwire.FailCode
}

func continueVerdict(preimage lntypes.Preimage) Verdict {
	return Verdict{Continue: true, Preimage: preimage}
}

func failVerdict(code lnwire.FailCode) Verdict {
	return Verdict{FailCode: code}
}
