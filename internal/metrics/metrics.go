// Package metrics holds the core's Prometheus collectors. It is a leaf
// package so that internal/statemachine and internal/htlc, which drive the
// counters and gauges at the actual points of state change, do not need to
// import the root package that owns the HTTP exporter.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// InvoicesHeld tracks invoices currently sitting in the Accepted
	// state, awaiting an operator's settle or cancel.
	InvoicesHeld = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hold",
		Name:      "invoices_held",
		Help:      "Number of invoices currently held in the accepted state",
	})

	// HTLCsAccepted tracks every HTLC the handler has accepted.
	HTLCsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hold",
		Name:      "htlcs_accepted_total",
		Help:      "Total number of HTLCs accepted by the handler",
	})

	// MPPTimeouts tracks invoices cancelled for lack of all MPP shards
	// within the configured timeout.
	MPPTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hold",
		Name:      "mpp_timeouts_total",
		Help:      "Total number of invoices cancelled by MPP timeout",
	})

	// Settles and Cancels track operator decisions.
	Settles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hold",
		Name:      "settles_total",
		Help:      "Total number of invoices settled by the operator",
	})
	Cancels = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hold",
		Name:      "cancels_total",
		Help:      "Total number of invoices cancelled by the operator",
	})
)

// Register adds every collector to the default Prometheus registry. Called
// once from StartPrometheusExporter when metrics are enabled.
func Register() {
	prometheus.MustRegister(
		InvoicesHeld, HTLCsAccepted, MPPTimeouts, Settles, Cancels,
	)
}
