package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChangesSynced tracks confirmed deliveries per entity type
	ChangesSynced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_changes_synced_total",
		Help: "Total number of pending changes confirmed by the remote",
	}, []string{"entity_type"})

	// SyncFailures tracks failed dispatch attempts by error class
	// (network, rejected, conflict)
	SyncFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_sync_failures_total",
		Help: "Total number of failed sync attempts by error class",
	}, []string{"class"})

	// PhotosUploaded counts completed photo uploads
	PhotosUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsync_photos_uploaded_total",
		Help: "Total number of photos uploaded",
	})

	// ConflictsDetected counts remote concurrent-modification signals
	ConflictsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsync_conflicts_detected_total",
		Help: "Total number of conflicts signalled by the remote",
	})

	// PassDuration measures full sync pass duration (changes + photos)
	PassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fieldsync_pass_duration_seconds",
		Help:    "Duration of a full sync pass in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// QueueDepth is the primary indicator of sync lag
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_queue_depth",
		Help: "Current number of pending changes and photos awaiting sync",
	})

	// Online provides a binary 0/1 connectivity signal
	Online = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_online",
		Help: "Current connectivity state (1 for online, 0 for offline)",
	})
)
