package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Duration of outbound network calls made by the archiver.",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Count of outbound network calls made by the archiver.",
	}, []string{"component", "operation", "target", "status"})

	// ErrorsByKind counts aborted messages, labelled by the taxonomy kind.
	// Only the bot handler increments it (dropped group-chat and
	// unauthorized messages); the ingestion pipeline, resolver and worker
	// do not.
	ErrorsByKind = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_errors_total",
		Help: "Count of aborted items/units, labelled by error taxonomy kind.",
	}, []string{"kind"})

	UnitsCommitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "archive_units_committed_total",
		Help: "Count of archive units that reached a committed message.json.",
	}, []string{"route"})

	ItemsStored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "archive_items_stored_total",
		Help: "Count of items resolved by the pipeline, labelled by outcome.",
	}, []string{"outcome"})

	BytesUploaded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "archive_bytes_uploaded_total",
		Help: "Total bytes of fresh uploads committed to the object store.",
	})

	AlbumBucketsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "album_buckets_open",
		Help: "Number of media-group aggregation buckets currently open.",
	})

	AlbumLateFragments = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "album_late_fragments_total",
		Help: "Count of late album arrivals emitted as -late fragment units.",
	})

	QuotaUsedRatio = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quota_used_ratio",
		Help: "Most recently observed bucket_usage/bucket_quota ratio.",
	})

	QuotaClosedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quota_state_closed",
		Help: "1 when the quota gate is CLOSED, 0 when OPEN.",
	})

	JobsByState = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_transitions_total",
		Help: "Count of job state transitions, labelled by the resulting state.",
	}, []string{"state"})
)

// MustRegister registers every collector this package declares.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		NetworkRequestDuration,
		NetworkRequestTotal,
		ErrorsByKind,
		UnitsCommitted,
		ItemsStored,
		BytesUploaded,
		AlbumBucketsOpen,
		AlbumLateFragments,
		QuotaUsedRatio,
		QuotaClosedGauge,
		JobsByState,
	)
}

// StartServer starts the ambient /healthz + /metrics HTTP surface; out of
// scope for core behavior per spec.md §1 but carried the way the teacher
// carries its own metrics server.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		timeoutCtx, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(timeoutCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest records the duration and status of one outbound call.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// IncErrorKind increments the taxonomy counter for one aborted message.
func IncErrorKind(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	ErrorsByKind.WithLabelValues(kind).Inc()
}

// SetQuotaState publishes the quota gate's current state as a gauge.
func SetQuotaState(closed bool) {
	if closed {
		QuotaClosedGauge.Set(1)
	} else {
		QuotaClosedGauge.Set(0)
	}
}
