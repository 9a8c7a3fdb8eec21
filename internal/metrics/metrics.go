// Package metrics exposes pipeline counters on a dedicated listener,
// separate from the API port.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	ReadingsNormalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meter_readings_normalized_total",
		Help: "Raw reading records normalized into canonical readings.",
	})
	EventsMerged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meter_events_merged_total",
		Help: "Event records merged into the dedupe store.",
	})
	ThresholdAlerts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meter_threshold_alerts_total",
		Help: "Synthetic threshold alerts emitted after throttling.",
	})
	PollFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meter_event_poll_failures_total",
		Help: "REST event poll attempts that failed.",
	})
	FutureReadingsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meter_future_readings_purged_total",
		Help: "Readings dropped for sitting too far ahead of the wall clock.",
	})
	DeviceOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meter_device_online",
		Help: "1 when the freshness classifier reports the device online.",
	})
)

// Serve exposes /metrics on addr. Runs until the process exits.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	log.Info().Str("addr", addr).Msg("metrics listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("metrics server exit")
	}
}
