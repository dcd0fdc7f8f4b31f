package hold

import (
	"net/http"

	"github.com/BoltzExchange/hold/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusConfig is the config for setting up an endpoint a Prometheus
// server can scrape metrics from.
type PrometheusConfig struct {
	Enabled bool `long:"enabled" description:"if true prometheus metrics will be exported" yaml:"enabled"`

	ListenAddr string `long:"listenaddr" description:"the interface we should listen on for prometheus" yaml:"listenaddr"`
}

// StartPrometheusExporter registers the core's metrics, which internal/htlc
// and internal/statemachine drive at the actual points of state change, and
// launches the HTTP server Prometheus scrapes them from.
func StartPrometheusExporter(cfg *PrometheusConfig,
	shutdown <-chan struct{}) error {

	if !cfg.Enabled {
		return nil
	}

	metrics.Register()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	go func() {
		log.Infof("Prometheus metrics being served on %v", cfg.ListenAddr)

		if err := server.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {

			log.Errorf("Prometheus server: %v", err)
		}
	}()

	go func() {
		<-shutdown
		log.Infof("Shutting down prometheus exporter")
		_ = server.Close()
	}()

	return nil
}
