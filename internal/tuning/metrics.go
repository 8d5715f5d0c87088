package tuning

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	evaluationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "platecal_evaluations_total",
		Help: "Number of candidate evaluations sent to the processor",
	})

	evaluationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "platecal_evaluation_failures_total",
		Help: "Number of candidate evaluations recorded as non-viable after a processor failure",
	})

	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "platecal_evaluation_cache_hits_total",
		Help: "Number of candidate evaluations served from the session cache",
	})
)
