// Package metrics declares the Prometheus collectors exported by modelvault.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scanner metrics
var (
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelvault_scans_total",
			Help: "Total number of scan passes by kind (full, reconcile, warm_start)",
		},
		[]string{"model_type", "kind"},
	)

	ScanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelvault_scan_duration_seconds",
			Help:    "Duration of scan passes in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		},
		[]string{"model_type", "kind"},
	)

	CacheRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelvault_cache_records",
			Help: "Number of active records in the cache",
		},
		[]string{"model_type"},
	)

	DuplicateHashes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelvault_duplicate_hashes",
			Help: "Number of content hashes claimed by more than one path",
		},
		[]string{"model_type"},
	)

	FileErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelvault_file_errors_total",
			Help: "Total number of model files skipped because of processing errors",
		},
		[]string{"model_type"},
	)

	ScannerInitializing = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelvault_scanner_initializing",
			Help: "Whether the scanner is initializing (1 = initializing, 0 = idle)",
		},
		[]string{"model_type"},
	)
)

// Snapshot metrics
var (
	SnapshotLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelvault_snapshot_loads_total",
			Help: "Snapshot load attempts by result (hit, miss, version_mismatch, error)",
		},
		[]string{"model_type", "result"},
	)

	SnapshotSaveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelvault_snapshot_save_duration_seconds",
			Help:    "Duration of snapshot writes in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"model_type"},
	)

	SnapshotSaveErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelvault_snapshot_save_errors_total",
			Help: "Total number of failed snapshot writes",
		},
		[]string{"model_type"},
	)
)

// Watcher metrics
var (
	WatcherEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelvault_watcher_events_total",
			Help: "Raw filesystem events received by operation",
		},
		[]string{"op"},
	)

	WatcherSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelvault_watcher_suppressed_total",
			Help: "Filesystem events dropped by reason (ignored, hidden, create_window, extension, unrouted)",
		},
		[]string{"reason"},
	)

	WatcherChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelvault_watcher_changes_total",
			Help: "Changes forwarded to scanners by kind",
		},
		[]string{"kind"},
	)

	WatchedDirectories = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "modelvault_watched_directories",
			Help: "Number of directories registered with the filesystem watcher",
		},
	)
)
