package resilience

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "incidentmedic"

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"breaker"},
	)

	breakerOpenings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "openings_total",
			Help:      "Total transitions into the open state",
		},
		[]string{"breaker"},
	)

	breakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "rejections_total",
			Help:      "Calls rejected without being attempted",
		},
		[]string{"breaker"},
	)

	retryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Attempts made by retry policies by result",
		},
		[]string{"policy", "result"},
	)
)

func recordBreakerState(name string, state CircuitState) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

func recordBreakerOpening(name string) {
	breakerOpenings.WithLabelValues(name).Inc()
}

func recordBreakerRejection(name string) {
	breakerRejections.WithLabelValues(name).Inc()
}

// recordAttempt records the result of one retry attempt.
func recordAttempt(policy, result string) {
	retryAttempts.WithLabelValues(policy, result).Inc()
}
