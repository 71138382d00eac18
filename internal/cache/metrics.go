// Package cache holds the backends that store materialized external slices
// between renders.
package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reportkit_slice_cache_hits_total",
		Help: "Materialized slice cache hits.",
	}, []string{"backend"})
	cacheMissesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reportkit_slice_cache_misses_total",
		Help: "Materialized slice cache misses.",
	}, []string{"backend"})
)
