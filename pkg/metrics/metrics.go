package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bootmirror"

var (
	DefaultRegisterer = prometheus.DefaultRegisterer
	DefaultGatherer   = prometheus.DefaultGatherer
)

var (
	FetchAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_attempts_total",
		Help:      "Total number of per-source fetch attempts.",
	}, []string{"result"})

	FetchedBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetched_bytes_total",
		Help:      "Total number of resource bytes written to the cache.",
	})

	CacheBlobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_blobs",
		Help:      "Number of complete blobs in the content-addressed cache.",
	})

	SnapshotPublishesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshot_publishes_total",
		Help:      "Total number of snapshot publish attempts.",
	}, []string{"result"})

	ReclaimedSnapshotsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reclaimed_snapshots_total",
		Help:      "Number of superseded snapshot directories removed.",
	})

	ReclaimedBlobsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reclaimed_blobs_total",
		Help:      "Number of unreferenced cache blobs removed.",
	})

	SyncedResourcesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "synced_resources_total",
		Help:      "Resources handled by sync operations.",
	}, []string{"result"})
)

func Register() {
	DefaultRegisterer.MustRegister(FetchAttemptsTotal)
	DefaultRegisterer.MustRegister(FetchedBytesTotal)
	DefaultRegisterer.MustRegister(CacheBlobs)
	DefaultRegisterer.MustRegister(SnapshotPublishesTotal)
	DefaultRegisterer.MustRegister(ReclaimedSnapshotsTotal)
	DefaultRegisterer.MustRegister(ReclaimedBlobsTotal)
	DefaultRegisterer.MustRegister(SyncedResourcesTotal)
}
