package eventbus

import (
	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/build"
)

// log is the package-wide logger, initialized to discard output until the
// composition root calls UseLogger.
var log btclog.Logger

func init() {
	UseLogger(build.NewSubLogger("HEVB", nil))
}

// DisableLog disables all library log output.
func DisableLog() {
	UseLogger(btclog.Disabled)
}

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}
