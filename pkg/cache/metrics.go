package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tokenCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graph_token_cache_lookups_total",
			Help: "Token cache lookups by result",
		},
		[]string{"result"}, // "hit", "miss", "expired", "invalid"
	)

	tokenCacheStores = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graph_token_cache_stores_total",
			Help: "Token cache writes by result",
		},
		[]string{"result"}, // "stored", "skipped"
	)

	tokenCacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graph_token_cache_invalidations_total",
			Help: "Token invalidations by result",
		},
		[]string{"result"}, // "removed", "superseded"
	)

	tokenCacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graph_token_cache_errors_total",
			Help: "Token cache Redis errors by operation",
		},
		[]string{"operation"}, // "load", "store", "invalidate"
	)
)
