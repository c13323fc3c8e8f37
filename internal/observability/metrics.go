// Package observability carries the pipeline's counters and structured
// stage-event logging. Every stage reports through here; the sink is a
// Prometheus registry plus zerolog.
package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds the pipeline counters.
type Metrics struct {
	RowsProcessed *prometheus.CounterVec
	RowsRejected  *prometheus.CounterVec
	BatchDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics builds and registers the pipeline metric set on a fresh
// registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		RowsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sluice_rows_processed_total",
			Help: "Rows processed, labelled by pipeline stage.",
		}, []string{"stage", "table"}),
		RowsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sluice_rows_rejected_total",
			Help: "Rows rejected to the dead-letter set.",
		}, []string{"table"}),
		BatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sluice_batch_duration_seconds",
			Help:    "Duration of migration batch write-and-verify round trips.",
			Buckets: prometheus.DefBuckets,
		}, []string{"table"}),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(m.RowsProcessed, m.RowsRejected, m.BatchDuration)
	return m
}

// Serve exposes /metrics on addr until ctx is cancelled. It returns once
// the listener has shut down.
func (m *Metrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info().Msgf("Metrics listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("Metrics server error")
	}
}
