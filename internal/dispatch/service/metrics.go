package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	searchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_search_seconds",
		Help:    "Time spent in a single search pass.",
		Buckets: prometheus.DefBuckets,
	})

	searchRadiusKM = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_search_radius_km",
		Help:    "Radius at which a search pass found candidate drivers.",
		Buckets: []float64{1, 2, 3, 5, 8, 12, 16, 20},
	})

	searchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_search_total",
		Help: "Search passes grouped by outcome.",
	}, []string{"outcome"})

	acceptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_accept_total",
		Help: "Driver accept calls grouped by result.",
	}, []string{"result"})
)
