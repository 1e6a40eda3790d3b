package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/itsharex/aeroftp-sub001/internal/agent/stream"
)

var (
	metricsShutdownTimeout = 5 * time.Second
)

// newMetricsHandler serves /metrics and, when relay is set, the stream relay
// websocket on /stream.
func newMetricsHandler(relay *stream.Relay) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if relay != nil {
		mux.Handle("/stream", relay)
	}
	return mux
}

func startMetricsServer(ctx context.Context, addr string, relay *stream.Relay) {
	srv := &http.Server{
		Addr:        addr,
		Handler:     newMetricsHandler(relay),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("Failed to shut down metrics server cleanly")
		}
	}()

	go func() {
		log.Info().Str("addr", addr).Msg("Metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("Metrics server stopped unexpectedly")
		}
	}()
}
