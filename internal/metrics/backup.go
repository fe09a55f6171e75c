package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	backupRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boosterclub_backup_runs_total",
			Help: "Backup runs by kind and terminal status",
		},
		[]string{"kind", "status"},
	)

	backupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "boosterclub_backup_duration_seconds",
			Help:    "Wall-clock duration of backup runs",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900, 1500},
		},
		[]string{"kind"},
	)

	backupArtifactBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "boosterclub_backup_artifact_bytes",
			Help: "Size of the most recent successful artifact per kind",
		},
		[]string{"kind"},
	)

	backupSkippedObjects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "boosterclub_backup_skipped_objects_total",
		Help: "Objects left out of archives because they could not be fetched",
	})

	backupFailedTables = promauto.NewCounter(prometheus.CounterOpts{
		Name: "boosterclub_backup_failed_tables_total",
		Help: "Tables written commented out because their rows could not be read",
	})

	cleanupDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boosterclub_cleanup_artifacts_total",
			Help: "Artifacts handled by retention cleanup by outcome",
		},
		[]string{"outcome"},
	)

	restoreRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boosterclub_restore_runs_total",
			Help: "Restore attempts by outcome",
		},
		[]string{"outcome"},
	)
)

// ObserveBackup records a finished backup run.
func ObserveBackup(kind, status string, duration time.Duration, sizeBytes int64) {
	backupRunsTotal.WithLabelValues(kind, status).Inc()
	backupDuration.WithLabelValues(kind).Observe(duration.Seconds())
	if status == "success" {
		backupArtifactBytes.WithLabelValues(kind).Set(float64(sizeBytes))
	}
}

// ObservePartialFailures records tables and objects a run had to leave out.
func ObservePartialFailures(failedTables, skippedObjects int) {
	backupFailedTables.Add(float64(failedTables))
	backupSkippedObjects.Add(float64(skippedObjects))
}

// ObserveCleanup records cleanup outcomes.
func ObserveCleanup(deleted, failed int) {
	cleanupDeletedTotal.WithLabelValues("deleted").Add(float64(deleted))
	cleanupDeletedTotal.WithLabelValues("failed").Add(float64(failed))
}

// ObserveRestore records a restore attempt.
func ObserveRestore(success bool) {
	outcome := "failed"
	if success {
		outcome = "success"
	}
	restoreRunsTotal.WithLabelValues(outcome).Inc()
}
