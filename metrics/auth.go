package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAuthentication = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veld_authentication_total",
			Help: "Authentication attempts and results.",
		},
		[]string{
			"kind",    // submission
			"variant", // plain, login
			"result",  // ok, badcreds, error, aborted
		},
	)
	metricAuthenticationRatelimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veld_authentication_ratelimited_total",
			Help: "Refused authentication attempts due to rate limiting, per limiter key kind.",
		},
		[]string{
			"key", // addr, account
		},
	)
)

func AuthenticationInc(kind, variant, result string) {
	metricAuthentication.WithLabelValues(kind, variant, result).Inc()
}

func AuthenticationRatelimitedInc(key string) {
	metricAuthenticationRatelimited.WithLabelValues(key).Inc()
}
