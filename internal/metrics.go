package internal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Shared cache metrics.
var (
	TxTotalCounterVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ocsync",
		Subsystem: "db",
		Name:      "tx_total",
		Help:      "The number of completed transactions",
	}, []string{"db", "status"})

	TxLockWaitSecondsVec = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ocsync",
		Subsystem: "db",
		Name:      "tx_lock_wait_seconds",
		Help:      "Time spent waiting for the cross-process write lock",
	}, []string{"db"})

	ReconcileChangesCounterVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ocsync",
		Subsystem: "reconcile",
		Name:      "changes_total",
		Help:      "The number of rows changed by delta reconciliation",
	}, []string{"db", "kind", "op"})

	StaleFileDeleteCounterVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ocsync",
		Subsystem: "db",
		Name:      "stale_file_deletes_total",
		Help:      "The number of stale artifact files removed after commit",
	}, []string{"db"})

	DownloadTotalCounterVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ocsync",
		Subsystem: "downloader",
		Name:      "downloads_total",
		Help:      "The number of finished artifact downloads",
	}, []string{"status"})

	DownloadBytesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ocsync",
		Subsystem: "downloader",
		Name:      "bytes_total",
		Help:      "The number of artifact bytes downloaded",
	})

	DownloadActiveGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ocsync",
		Subsystem: "downloader",
		Name:      "active",
		Help:      "The current number of in-flight downloads",
	})
)
