package hold

import (
	"github.com/BoltzExchange/hold/internal/blockheight"
	"github.com/BoltzExchange/hold/internal/eventbus"
	"github.com/BoltzExchange/hold/internal/holddb"
	"github.com/BoltzExchange/hold/internal/htlc"
	"github.com/BoltzExchange/hold/internal/pluginrpc"
	"github.com/BoltzExchange/hold/internal/settler"
	"github.com/BoltzExchange/hold/internal/statemachine"
	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/build"
)

const Subsystem = "HOLD"

var (
	logWriter = build.NewRotatingLogWriter()

	log = build.NewSubLogger(Subsystem, logWriter.GenSubLogger)
)

func init() {
	setSubLogger(Subsystem, log, nil)
	addSubLogger("HDDB", holddb.UseLogger)
	addSubLogger("HEVB", eventbus.UseLogger)
	addSubLogger("HSTM", statemachine.UseLogger)
	addSubLogger("HSTL", settler.UseLogger)
	addSubLogger("HBLK", blockheight.UseLogger)
	addSubLogger("HTLC", htlc.UseLogger)
	addSubLogger("HRPC", pluginrpc.UseLogger)
}

// addSubLogger is a helper method to conveniently create and register the
// logger of a sub system.
func addSubLogger(subsystem string, useLogger func(btclog.Logger)) {
	logger := build.NewSubLogger(subsystem, logWriter.GenSubLogger)
	setSubLogger(subsystem, logger, useLogger)
}

// setSubLogger is a helper method to conveniently register the logger of a
// sub system.
func setSubLogger(subsystem string, logger btclog.Logger,
	useLogger func(btclog.Logger)) {

	logWriter.RegisterSubLogger(subsystem, logger)
	if useLogger != nil {
		useLogger(logger)
	}
}
