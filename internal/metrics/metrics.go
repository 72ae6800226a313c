// Package metrics exposes Prometheus collectors for every pipeline stage.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "plantpipe"

// Ingestion metrics
var (
	LinesRead = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lines_read_total",
		Help:      "Total number of non-blank input lines read",
	})

	ReadingsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "readings_accepted_total",
		Help:      "Total number of readings committed to the store",
	})

	ReadingsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "readings_rejected_total",
		Help:      "Total number of rejected lines by rejection kind",
	}, []string{"kind"})

	DuplicatesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicates_dropped_total",
		Help:      "Total number of duplicate or out-of-order records dropped",
	})

	DeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dead_letters_total",
		Help:      "Total number of dead-letter rows written",
	})

	SourceReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "source_reconnects_total",
		Help:      "Total number of source reconnect attempts",
	})
)

// Spool metrics
var (
	SpoolFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "spool_flushes_total",
		Help:      "Total number of spool flush and fsync operations",
	})

	SpoolRotations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "spool_rotations_total",
		Help:      "Total number of spool segment rotations",
	})
)

// Rollup metrics
var (
	RollupRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rollup_runs_total",
		Help:      "Total number of rollup cycles by result",
	}, []string{"result"})

	RollupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "rollup_duration_seconds",
		Help:      "Rollup cycle duration in seconds",
		Buckets:   prometheus.DefBuckets,
	})

	BucketsUpserted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rollup_buckets_upserted_total",
		Help:      "Total number of rollup buckets written",
	})
)

// Archive metrics
var (
	ArchiveFilesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "archive_files_written_total",
		Help:      "Total number of archive files written",
	})

	ArchiveFilesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "archive_files_deleted_total",
		Help:      "Total number of archive files removed by retention",
	})
)

// RecordRejected records a rejected line
func RecordRejected(kind string) {
	ReadingsRejected.WithLabelValues(kind).Inc()
}

// RecordRollup records a rollup cycle
func RecordRollup(duration time.Duration, buckets int, err error) {
	RollupDuration.Observe(duration.Seconds())
	if err != nil {
		RollupRuns.WithLabelValues("failed").Inc()
		return
	}
	RollupRuns.WithLabelValues("ok").Inc()
	BucketsUpserted.Add(float64(buckets))
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve serves the scrape handler on listen until ctx is cancelled.
func Serve(ctx context.Context, listen, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, Handler())

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
