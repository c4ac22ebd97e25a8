package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TileRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tiles_requests_total",
		Help: "Total number of tile requests by where the tile came from",
	}, []string{"source"})

	Renders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tiles_renders_total",
		Help: "Total number of render provider calls",
	}, []string{"layer"})

	RenderDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tiles_render_duration_seconds",
		Help:    "Duration of render provider calls in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"layer"})

	LockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tiles_lock_wait_seconds",
		Help:    "Time spent waiting for a tile lock in seconds",
		Buckets: []float64{.001, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})

	StaleLocksBroken = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tiles_stale_locks_broken_total",
		Help: "Total number of abandoned tile locks removed by a waiter",
	})

	CacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tiles_cache_errors_total",
		Help: "Total number of failed cache operations",
	}, []string{"op"})

	MemoEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tiles_memo_entries",
		Help: "Number of entries in the recent tile memo",
	})
)
