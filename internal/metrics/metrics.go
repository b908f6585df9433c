// Package metrics provides Prometheus metrics for the sync engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reconciliation metrics
	reconcilePassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_reconcile_passes_total",
			Help: "Total reconciliation passes by triggering event",
		},
		[]string{"event"},
	)

	actionsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_actions_emitted_total",
			Help: "Total actions emitted by the reconciliation engine",
		},
		[]string{"action"},
	)

	// Orchestrator metrics
	actionsExecutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_actions_executed_total",
			Help: "Total actions executed by the orchestrator",
		},
		[]string{"action", "status"},
	)

	batchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cloudsync_batch_duration_seconds",
			Help:    "Duration of one orchestrated action batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudsync_bytes_downloaded_total",
			Help: "Total bytes copied from the cloud replica to the local side",
		},
	)

	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudsync_bytes_uploaded_total",
			Help: "Total bytes copied from the local side to the cloud replica",
		},
	)

	conflictsResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_conflicts_resolved_total",
			Help: "Total resolved conflicts by type",
		},
		[]string{"type"},
	)

	bookmarkReloadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudsync_bookmark_reloads_total",
			Help: "Total bookmark reloads requested after local mutations",
		},
	)

	// Monitor metrics
	monitorErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_monitor_errors_total",
			Help: "Total monitor errors by side and kind",
		},
		[]string{"side", "kind"},
	)

	cloudPollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cloudsync_cloud_poll_duration_seconds",
			Help:    "Duration of one cloud replica listing",
			Buckets: prometheus.DefBuckets,
		},
	)

	downloadsStartedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudsync_downloads_started_total",
			Help: "Total cloud item downloads started",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordReconcilePass records one engine pass for the given event name.
func RecordReconcilePass(event string, actions []string) {
	reconcilePassesTotal.WithLabelValues(event).Inc()
	for _, a := range actions {
		actionsEmittedTotal.WithLabelValues(a).Inc()
	}
}

// RecordActionExecuted records one executed action.
func RecordActionExecuted(action string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	actionsExecutedTotal.WithLabelValues(action, status).Inc()
}

// RecordBatch records the duration of one drained action batch.
func RecordBatch(duration time.Duration) {
	batchDuration.Observe(duration.Seconds())
}

// RecordDownload records bytes copied cloud-to-local.
func RecordDownload(bytes int64) {
	bytesDownloaded.Add(float64(bytes))
}

// RecordUpload records bytes copied local-to-cloud.
func RecordUpload(bytes int64) {
	bytesUploaded.Add(float64(bytes))
}

// RecordConflictResolved records a resolved conflict ("version" or "initial").
func RecordConflictResolved(conflictType string) {
	conflictsResolvedTotal.WithLabelValues(conflictType).Inc()
}

// RecordBookmarkReload records one bookmark reload request.
func RecordBookmarkReload() {
	bookmarkReloadsTotal.Inc()
}

// RecordMonitorError records a monitor error.
func RecordMonitorError(side, kind string) {
	monitorErrorsTotal.WithLabelValues(side, kind).Inc()
}

// RecordCloudPoll records the duration of one cloud listing.
func RecordCloudPoll(duration time.Duration) {
	cloudPollDuration.Observe(duration.Seconds())
}

// RecordDownloadStarted records one download kickoff.
func RecordDownloadStarted() {
	downloadsStartedTotal.Inc()
}
