package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Image metrics
	ImagePullsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "box_image_pulls_total",
			Help: "Total number of images pulled from registries",
		},
	)

	ImageStoreBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "box_image_store_bytes",
			Help: "Total bytes held by the image store",
		},
	)

	// Cache metrics
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "box_cache_hits_total",
			Help: "Cache hits by cache (layer, rootfs)",
		},
		[]string{"cache"},
	)

	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "box_cache_misses_total",
			Help: "Cache misses by cache (layer, rootfs)",
		},
		[]string{"cache"},
	)

	CacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "box_cache_evictions_total",
			Help: "Cache entries evicted by prune, by cache",
		},
		[]string{"cache"},
	)

	// VM metrics
	BoxesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "box_instances_total",
			Help: "Number of box instances by status",
		},
		[]string{"status"},
	)

	BootsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "box_boots_total",
			Help: "Total VM boots by outcome (ok, failed)",
		},
		[]string{"outcome"},
	)

	BootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "box_boot_duration_seconds",
			Help:    "Time from shim spawn to agent socket ready",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// Pool metrics
	PoolIdle = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "box_pool_idle",
			Help: "Number of idle VMs in the warm pool",
		},
	)

	PoolAcquiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "box_pool_acquired_total",
			Help: "Total VMs acquired from the warm pool",
		},
	)

	PoolEvictedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "box_pool_evicted_total",
			Help: "Total idle VMs evicted by TTL",
		},
	)

	// Attestation metrics
	AttestationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "box_attestations_total",
			Help: "Attestation verifications by result (verified, rejected)",
		},
		[]string{"result"},
	)
)

// Register registers all metrics with the default registry
func Register() {
	prometheus.MustRegister(
		ImagePullsTotal,
		ImageStoreBytes,
		CacheHitsTotal,
		CacheMissesTotal,
		CacheEvictionsTotal,
		BoxesTotal,
		BootsTotal,
		BootDuration,
		PoolIdle,
		PoolAcquiredTotal,
		PoolEvictedTotal,
		AttestationsTotal,
	)
}

// Handler returns the HTTP handler for the metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
