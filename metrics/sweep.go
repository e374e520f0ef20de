package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricLimiterSweep = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "veld_ratelimit_sweep_removed_total",
		Help: "Rate limiter keys removed by the periodic sweep, per limiter.",
	},
	[]string{
		"limiter", // auth, send
	},
)

func LimiterSweepAdd(limiter string, removed int) {
	metricLimiterSweep.WithLabelValues(limiter).Add(float64(removed))
}
