package telemetry

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

var CLIFlagMetricsListenAddress = &cli.StringFlag{
	Name:    "metrics-listen-address",
	Usage:   "listen address for the prometheus metrics endpoint, empty to disable",
	Value:   "",
	EnvVars: []string{"METRICS_LISTEN_ADDRESS"},
}

// StartMetrics serves /metrics in the background when a listen address is
// configured.
func StartMetrics(cctx *cli.Context) {
	addr := cctx.String("metrics-listen-address")
	if addr == "" {
		return
	}
	logger := slog.Default().With("component", "telemetry")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("starting metrics server", "listen_address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
}
